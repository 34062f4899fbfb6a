// Package collab is the per-document collaboration transport. Each open
// editor holds a session reference for as long as its websocket lives, and
// the hub exposes page channels to the lifecycle broadcaster.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaylive/internal/auth"
	"github.com/agentworkforce/relaylive/internal/docsession"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

var (
	ErrWorkspaceRequired = errors.New("workspaceSlug is required")
	ErrClosed            = errors.New("collaboration hub closed")
)

const (
	defaultAcquireTimeout = 10 * time.Second
	defaultSendBuffer     = 32
	defaultWriteTimeout   = 10 * time.Second
	defaultPingInterval   = 25 * time.Second
)

type Sessions interface {
	Acquire(ctx context.Context, documentID string, scope docsession.Scope) (*docsession.Handle, error)
	SnapshotFormats(documentID string) (docsession.Snapshot, error)
}

type Authenticator interface {
	Authenticate(ctx context.Context, hs auth.Handshake) (auth.Identity, error)
}

type Options struct {
	Sessions Sessions
	// Gate is optional; without it any caller naming a workspace may open a document.
	Gate           Authenticator
	OriginPatterns []string
	AcquireTimeout time.Duration
	SendBuffer     int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	Logger         zerolog.Logger
}

var (
	editorsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaylive_collab_editors",
		Help: "Open collaboration connections.",
	})
	pageFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaylive_collab_frames_total",
		Help: "Frames offered to editors, by result.",
	}, []string{"result"})
)

type Hub struct {
	opts   Options
	logger zerolog.Logger
	accept *websocket.AcceptOptions

	mu       sync.RWMutex
	channels map[string]map[string]*editor
	closed   bool
	done     chan struct{}
	active   sync.WaitGroup
}

func NewHub(opts Options) *Hub {
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = defaultAcquireTimeout
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	accept := &websocket.AcceptOptions{}
	for _, origin := range opts.OriginPatterns {
		if origin == "*" {
			accept.InsecureSkipVerify = true
			continue
		}
		if i := strings.Index(origin, "://"); i >= 0 {
			origin = origin[i+3:]
		}
		accept.OriginPatterns = append(accept.OriginPatterns, strings.TrimRight(origin, "/"))
	}
	return &Hub{
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "collab").Logger(),
		accept:   accept,
		channels: map[string]map[string]*editor{},
		done:     make(chan struct{}),
	}
}

// Admission holds the session reference taken during the handshake. It must
// be handed to Serve or released with Abort.
type Admission struct {
	DocumentID string
	Scope      docsession.Scope
	UserID     string
	handle     *docsession.Handle
}

func (a *Admission) Abort() {
	if a.handle != nil {
		_ = a.handle.Release()
	}
}

// Admit authenticates the caller and acquires the document before upgrade.
func (h *Hub) Admit(r *http.Request, documentID string) (*Admission, error) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	query := r.URL.Query()
	scope := docsession.Scope{
		WorkspaceSlug: strings.TrimSpace(query.Get("workspaceSlug")),
		ProjectID:     strings.TrimSpace(query.Get("projectId")),
		TeamspaceID:   strings.TrimSpace(query.Get("teamspaceId")),
	}
	if scope.WorkspaceSlug == "" {
		return nil, ErrWorkspaceRequired
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.opts.AcquireTimeout)
	defer cancel()

	var userID string
	if h.opts.Gate != nil {
		identity, err := h.opts.Gate.Authenticate(ctx, auth.Handshake{Token: auth.TokenFromRequest(r), WorkspaceID: scope.WorkspaceSlug})
		if err != nil {
			return nil, err
		}
		userID = identity.UserID
	}
	handle, err := h.opts.Sessions.Acquire(ctx, documentID, scope)
	if err != nil {
		return nil, err
	}
	return &Admission{DocumentID: documentID, Scope: scope, UserID: userID, handle: handle}, nil
}

type frame struct {
	Type       string               `json:"type"`
	DocumentID string               `json:"document_id,omitempty"`
	Snapshot   *docsession.Snapshot `json:"snapshot,omitempty"`
	Message    string               `json:"message,omitempty"`
}

// Serve upgrades the connection and keeps the admission's reference until
// the editor goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, adm *Admission) {
	defer adm.Abort()
	conn, err := websocket.Accept(w, r, h.accept)
	if err != nil {
		h.logger.Debug().Err(err).Str("document_id", adm.DocumentID).Msg("websocket upgrade failed")
		return
	}
	ed := newEditor(uuid.NewString(), adm.DocumentID, conn, h.opts.SendBuffer)
	if !h.register(ed) {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.active.Done()
	log := h.logger.With().Str("document_id", adm.DocumentID).Str("editor_id", ed.id).Str("workspace_id", adm.Scope.WorkspaceSlug).Logger()
	log.Debug().Msg("editor opened document")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-h.done:
			ed.shutdown(websocket.StatusGoingAway, "server shutting down")
		case <-ctx.Done():
		}
	}()

	if synced, err := json.Marshal(frame{Type: "synced", DocumentID: adm.DocumentID}); err == nil {
		ed.enqueue(synced)
	}
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		h.readLoop(ctx, ed)
	}()
	go ed.writeLoop(ctx, h.opts.WriteTimeout, h.opts.PingInterval)

	<-ed.closed
	h.unregister(ed)
	_ = conn.Close(ed.closeCode, ed.closeMsg)
	cancel()
	<-readDone
	log.Debug().Str("reason", ed.closeMsg).Msg("editor closed document")
}

func (h *Hub) readLoop(ctx context.Context, ed *editor) {
	for {
		var in frame
		// wsjson closes the connection itself on a malformed frame.
		if err := wsjson.Read(ctx, ed.conn, &in); err != nil {
			ed.shutdown(websocket.StatusNormalClosure, "")
			return
		}
		switch in.Type {
		case "ping":
			ed.enqueue([]byte(`{"type":"pong"}`))
		case "snapshot":
			out := frame{Type: "snapshot", DocumentID: ed.documentID}
			snap, err := h.opts.Sessions.SnapshotFormats(ed.documentID)
			if err != nil {
				out.Type = "error"
				out.Message = err.Error()
			} else {
				out.Snapshot = &snap
			}
			if data, err := json.Marshal(out); err == nil {
				ed.enqueue(data)
			}
		}
	}
}

func (h *Hub) register(ed *editor) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if h.channels[ed.documentID] == nil {
		h.channels[ed.documentID] = map[string]*editor{}
	}
	h.channels[ed.documentID][ed.id] = ed
	h.active.Add(1)
	editorsGauge.Inc()
	return true
}

func (h *Hub) unregister(ed *editor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	editors := h.channels[ed.documentID]
	if _, ok := editors[ed.id]; !ok {
		return
	}
	delete(editors, ed.id)
	if len(editors) == 0 {
		delete(h.channels, ed.documentID)
	}
	editorsGauge.Dec()
}

// HasChannel reports whether any editor has pageID open.
func (h *Hub) HasChannel(pageID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[pageID]) > 0
}

// Deliver offers frame to every editor of pageID without blocking. Editors
// whose buffer is full are disconnected.
func (h *Hub) Deliver(ctx context.Context, pageID string, payload []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	h.mu.RLock()
	editors := make([]*editor, 0, len(h.channels[pageID]))
	for _, ed := range h.channels[pageID] {
		editors = append(editors, ed)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, ed := range editors {
		if ed.enqueue(payload) {
			delivered++
			pageFramesTotal.WithLabelValues("queued").Inc()
		} else {
			pageFramesTotal.WithLabelValues("dropped").Inc()
		}
	}
	return delivered, nil
}

// Editors returns the number of open connections per document.
func (h *Hub) Editors() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int, len(h.channels))
	for id, editors := range h.channels {
		out[id] = len(editors)
	}
	return out
}

func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.done)
	h.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		h.active.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
