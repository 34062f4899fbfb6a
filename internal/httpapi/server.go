package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaylive/internal/auth"
	"github.com/agentworkforce/relaylive/internal/broadcast"
	"github.com/agentworkforce/relaylive/internal/collab"
	"github.com/agentworkforce/relaylive/internal/docsession"
	"github.com/agentworkforce/relaylive/internal/health"
	"github.com/agentworkforce/relaylive/internal/lifecycle"
	"github.com/agentworkforce/relaylive/internal/relay"
	"github.com/agentworkforce/relaylive/internal/structsync"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type ServerConfig struct {
	BasePath   string
	CORSOrigin string
	// InternalHMACSecret enables signed intake; empty accepts unsigned events.
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
	ProcessTimeout     time.Duration
}

type Documents interface {
	Loaded(documentID string) bool
	SnapshotFormats(documentID string) (docsession.Snapshot, error)
}

type Mutator interface {
	Apply(ev lifecycle.Event) structsync.Report
}

type Broadcaster interface {
	Broadcast(ctx context.Context, pageIDs []string, env lifecycle.Envelope) broadcast.Result
}

type Relay interface {
	Admit(r *http.Request, nsp string) (relay.Admission, error)
	Serve(w http.ResponseWriter, r *http.Request, adm relay.Admission)
	EmitToWorkspace(workspaceID, event string, data any)
}

type Collaboration interface {
	Admit(r *http.Request, documentID string) (*collab.Admission, error)
	Serve(w http.ResponseWriter, r *http.Request, adm *collab.Admission)
}

// Deps are the components the routes drive. Nil components disable the
// routes that need them.
type Deps struct {
	Documents   Documents
	Mutator     Mutator
	Broadcaster Broadcaster
	Relay       Relay
	Collab      Collaboration
	Health      *health.Reporter
	Logger      zerolog.Logger
}

type Server struct {
	cfg    ServerConfig
	deps   Deps
	logger zerolog.Logger
	router *httprouter.Router

	rateLimiter        *rateLimiter
	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time

	// processing tracks detached page-event pipelines so shutdown can drain them.
	processing sync.WaitGroup
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

var (
	intakeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaylive_page_events_total",
		Help: "Page lifecycle events received, by outcome.",
	}, []string{"result"})
	processSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relaylive_page_event_process_seconds",
		Help:    "Time spent mutating replicas and broadcasting one page event.",
		Buckets: prometheus.DefBuckets,
	})
)

func NewServer(deps Deps, cfg ServerConfig) *Server {
	if cfg.InternalMaxSkew == 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 30 * time.Second
	}
	cfg.BasePath = strings.TrimRight(cfg.BasePath, "/")
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		cfg:                cfg,
		deps:               deps,
		logger:             deps.Logger.With().Str("component", "httpapi").Logger(),
		rateLimiter:        limiter,
		internalReplaySeen: map[string]time.Time{},
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *httprouter.Router {
	base := s.cfg.BasePath
	router := httprouter.New()
	router.RedirectTrailingSlash = false
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})
	router.GlobalOPTIONS = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Methods", w.Header().Get("Allow"))
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id, X-Relay-Timestamp, X-Relay-Signature")
		w.WriteHeader(http.StatusNoContent)
	})
	router.PanicHandler = func(w http.ResponseWriter, r *http.Request, recovered any) {
		s.logger.Error().Interface("panic", recovered).Str("path", r.URL.Path).Msg("handler panicked")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", getCorrelationID(r))
	}

	router.GET(base+"/live", s.handleLive)
	router.GET(base+"/health", s.handleHealth)
	router.GET(base+"/ready", s.handleReady)
	router.GET(base+"/stats", s.handleStats)
	router.Handler(http.MethodGet, base+"/metrics", promhttp.Handler())

	router.POST(base+"/v1/internal/page-events", s.handlePageEvent)
	router.GET(base+"/v1/documents/:documentId", s.handleDocument)
	router.GET(base+"/collaboration/:documentId", s.handleCollaboration)
	router.GET(base+"/socket.io/*namespace", s.handleRelay)
	return router
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if origin := s.allowedOrigin(r.Header.Get("Origin")); origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		if origin != "*" {
			w.Header().Add("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
	}
	s.router.ServeHTTP(w, r)
}

func (s *Server) allowedOrigin(origin string) string {
	if origin == "" {
		return ""
	}
	for _, allowed := range strings.Split(s.cfg.CORSOrigin, ",") {
		allowed = strings.TrimSpace(allowed)
		if allowed == "*" {
			return "*"
		}
		if allowed != "" && strings.EqualFold(allowed, origin) {
			return origin
		}
	}
	return ""
}

// Wait blocks until every detached page-event pipeline has finished.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.processing.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, health.Live{Status: "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	if s.deps.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Health.Health())
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.deps.Health == nil {
		writeJSON(w, http.StatusOK, health.Ready{Status: "ok", Broker: "none"})
		return
	}
	status, ok := s.deps.Health.Ready(r.Context())
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	if s.deps.Health == nil {
		writeError(w, http.StatusNotFound, "not_found", "stats are not enabled", "")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Health.Stats())
}

func (s *Server) handlePageEvent(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if s.cfg.InternalHMACSecret != "" {
		now := time.Now().UTC()
		if authErr := verifyInternalHMAC(
			s.cfg.InternalHMACSecret,
			r.Header.Get("X-Relay-Timestamp"),
			r.Header.Get("X-Relay-Signature"),
			body,
			now,
			s.cfg.InternalMaxSkew,
		); authErr != nil {
			intakeTotal.WithLabelValues("unauthorized").Inc()
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
		if !s.markInternalReplaySeen(r.Header.Get("X-Relay-Timestamp"), r.Header.Get("X-Relay-Signature"), now) {
			intakeTotal.WithLabelValues("unauthorized").Inc()
			writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
			return
		}
	}

	ev, err := lifecycle.ParseEnvelope(body)
	if err != nil {
		intakeTotal.WithLabelValues("invalid").Inc()
		var validationErr *lifecycle.ValidationError
		if errors.As(err, &validationErr) {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"code":          "validation_failed",
				"message":       "page event failed validation",
				"correlationId": correlationID,
				"fields":        validationErr.Fields,
			})
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}

	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(ev.Head().Scope.WorkspaceSlug, time.Now().UTC()) {
			intakeTotal.WithLabelValues("rate_limited").Inc()
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	intakeTotal.WithLabelValues("accepted").Inc()
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})

	s.processing.Add(1)
	go func() {
		defer s.processing.Done()
		s.processPageEvent(ev, correlationID)
	}()
}

// processPageEvent runs after the response has been written. Failures are
// only logged; nothing here can reach the caller.
func (s *Server) processPageEvent(ev lifecycle.Event, correlationID string) {
	h := ev.Head()
	log := s.logger.With().
		Str("action", string(h.Action)).
		Str("page_id", h.PageID).
		Str("workspace_id", h.Scope.WorkspaceSlug).
		Str("correlation_id", correlationID).
		Logger()
	started := time.Now()
	defer func() {
		processSeconds.Observe(time.Since(started).Seconds())
		if recovered := recover(); recovered != nil {
			log.Error().Interface("panic", recovered).Msg("page event processing panicked")
		}
	}()

	if s.deps.Mutator != nil {
		report := s.deps.Mutator.Apply(ev)
		for _, failed := range report.Failed() {
			log.Warn().Err(failed.Err).Str("document_id", failed.DocumentID).Str("op", failed.Op).Msg("structural mutation failed")
		}
	}

	env := lifecycle.EnvelopeOf(ev)
	if s.deps.Broadcaster != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ProcessTimeout)
		result := s.deps.Broadcaster.Broadcast(ctx, lifecycle.Resolve(ev), env)
		cancel()
		log.Debug().Strs("delivered", result.Delivered).Int("skipped", len(result.Skipped)).Int("failed", len(result.Failed)).Msg("page event broadcast")
	}
	if s.deps.Relay != nil && h.Scope.WorkspaceSlug != "" {
		s.deps.Relay.EmitToWorkspace(h.Scope.WorkspaceSlug, broadcast.EventName(h.Action), env)
	}
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	correlationID := getCorrelationID(r)
	documentID := ps.ByName("documentId")
	if variant := r.URL.Query().Get("variant"); variant != "" && variant != "document" {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("unsupported variant %q", variant), correlationID)
		return
	}
	if strings.TrimSpace(r.URL.Query().Get("workspaceSlug")) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", collab.ErrWorkspaceRequired.Error(), correlationID)
		return
	}
	if s.deps.Documents == nil || !s.deps.Documents.Loaded(documentID) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"loaded":  false,
			"message": "document is not loaded on this instance",
		})
		return
	}
	snapshot, err := s.deps.Documents.SnapshotFormats(documentID)
	if err != nil {
		if errors.Is(err, docsession.ErrNotLoaded) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"loaded": false, "message": err.Error()})
			return
		}
		s.logger.Error().Err(err).Str("document_id", documentID).Msg("derive document snapshot")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to derive document snapshot", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.deps.Relay == nil {
		writeError(w, http.StatusNotFound, "not_found", "relay is not enabled", "")
		return
	}
	adm, err := s.deps.Relay.Admit(r, ps.ByName("namespace"))
	if err != nil {
		s.writeHandshakeError(w, err)
		return
	}
	s.deps.Relay.Serve(w, r, adm)
}

func (s *Server) handleCollaboration(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.deps.Collab == nil {
		writeError(w, http.StatusNotFound, "not_found", "collaboration is not enabled", "")
		return
	}
	adm, err := s.deps.Collab.Admit(r, ps.ByName("documentId"))
	if err != nil {
		s.writeHandshakeError(w, err)
		return
	}
	s.deps.Collab.Serve(w, r, adm)
}

func (s *Server) writeHandshakeError(w http.ResponseWriter, err error) {
	var authErr *auth.AuthError
	switch {
	case errors.As(err, &authErr):
		writeError(w, authErr.Status, authErr.Code, authErr.Message, "")
	case errors.Is(err, relay.ErrUnknownNamespace):
		writeError(w, http.StatusNotFound, "unknown_namespace", err.Error(), "")
	case errors.Is(err, collab.ErrWorkspaceRequired):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), "")
	case errors.Is(err, relay.ErrClosed), errors.Is(err, collab.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", err.Error(), "")
	case errors.Is(err, docsession.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), "")
	case errors.Is(err, docsession.ErrAcquire):
		s.logger.Warn().Err(err).Msg("document acquire failed during handshake")
		writeError(w, http.StatusServiceUnavailable, "document_unavailable", err.Error(), "")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), "")
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (s *Server) markInternalReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.InternalMaxSkew
	if window <= 0 {
		window = 5 * time.Minute
	}
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.internalReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.internalReplaySeen[key] = now.Add(window)
	return true
}
