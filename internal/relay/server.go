// Package relay is the workspace socket relay: authenticated websocket
// connections grouped into per-workspace namespaces and rooms, with emits
// shared across instances through the pub/sub adapter.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaylive/internal/auth"
	"github.com/agentworkforce/relaylive/internal/health"
	"github.com/agentworkforce/relaylive/internal/pubsub"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

var (
	ErrUnknownNamespace = errors.New("unknown namespace")
	ErrClosed           = errors.New("relay closed")
)

const (
	defaultSendBuffer     = 64
	defaultPublishQueue   = 1024
	defaultPingInterval   = 25 * time.Second
	defaultIdleWindow     = 60 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultReadLimit      = 64 << 10
	defaultPublishTimeout = 5 * time.Second
)

type Authenticator interface {
	Authenticate(ctx context.Context, hs auth.Handshake) (auth.Identity, error)
}

type Publisher interface {
	Publish(ctx context.Context, msg pubsub.Message) error
}

type ActivityRecorder interface {
	Record(a health.Activity)
}

type Options struct {
	Gate      Authenticator
	Publisher Publisher
	Activity  ActivityRecorder
	// OriginPatterns lists allowed browser origins; "*" disables the check.
	OriginPatterns []string
	SendBuffer     int
	PublishQueue   int
	PingInterval   time.Duration
	IdleWindow     time.Duration
	WriteTimeout   time.Duration
	ReadLimit      int64
	Logger         zerolog.Logger
}

type namespace struct {
	sockets map[string]*Socket
	rooms   map[string]map[string]*Socket
}

type Server struct {
	opts   Options
	logger zerolog.Logger
	accept *websocket.AcceptOptions

	mu         sync.RWMutex
	namespaces map[string]*namespace
	closed     bool
	done       chan struct{}
	handlers   sync.WaitGroup

	pubMu     sync.Mutex
	pubClosed bool
	pubQueue  chan pubsub.Message
	pubDone   chan struct{}
}

var (
	connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaylive_relay_connections",
		Help: "Joined relay sockets on this instance.",
	})
	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaylive_relay_frames_dropped_total",
		Help: "Frames not delivered, by reason.",
	}, []string{"reason"})
)

func New(opts Options) *Server {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.PublishQueue <= 0 {
		opts.PublishQueue = defaultPublishQueue
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.IdleWindow <= 0 {
		opts.IdleWindow = defaultIdleWindow
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	accept := &websocket.AcceptOptions{}
	for _, origin := range opts.OriginPatterns {
		if origin == "*" {
			accept.InsecureSkipVerify = true
			continue
		}
		accept.OriginPatterns = append(accept.OriginPatterns, hostPattern(origin))
	}
	s := &Server{
		opts:       opts,
		logger:     opts.Logger.With().Str("component", "relay").Logger(),
		accept:     accept,
		namespaces: map[string]*namespace{},
		done:       make(chan struct{}),
	}
	if opts.Publisher != nil {
		s.pubQueue = make(chan pubsub.Message, opts.PublishQueue)
		s.pubDone = make(chan struct{})
		go s.publishLoop()
	}
	return s
}

// hostPattern strips the scheme: origin patterns match hosts.
func hostPattern(origin string) string {
	origin = strings.TrimSpace(origin)
	if i := strings.Index(origin, "://"); i >= 0 {
		origin = origin[i+3:]
	}
	return strings.TrimRight(origin, "/")
}

// ParseNamespace extracts the workspace id from "/events/{workspaceId}".
func ParseNamespace(nsp string) (string, bool) {
	nsp = strings.TrimSpace(nsp)
	const prefix = "/events/"
	if !strings.HasPrefix(nsp, prefix) {
		return "", false
	}
	workspaceID := strings.TrimSuffix(strings.TrimPrefix(nsp, prefix), "/")
	if workspaceID == "" || strings.Contains(workspaceID, "/") {
		return "", false
	}
	return workspaceID, true
}

// Admission is the outcome of a successful handshake, before upgrade.
type Admission struct {
	Namespace   string
	WorkspaceID string
	Identity    auth.Identity
}

// Admit resolves the namespace and runs the auth gate. Nothing is registered
// until Serve, so a rejected handshake leaves no state behind.
func (s *Server) Admit(r *http.Request, nsp string) (Admission, error) {
	if nsp == "" || nsp == "/" {
		nsp = r.URL.Query().Get("nsp")
	}
	workspaceID, ok := ParseNamespace(nsp)
	if !ok {
		return Admission{}, ErrUnknownNamespace
	}
	if s.isClosed() {
		return Admission{}, ErrClosed
	}
	nsp = pubsub.WorkspaceNamespace(workspaceID)
	identity, err := s.opts.Gate.Authenticate(r.Context(), auth.Handshake{
		Token:       auth.TokenFromRequest(r),
		WorkspaceID: workspaceID,
	})
	if err != nil {
		s.record(health.Activity{Kind: health.ActivityRejected, Namespace: nsp, Reason: err.Error()})
		return Admission{}, err
	}
	return Admission{Namespace: nsp, WorkspaceID: workspaceID, Identity: identity}, nil
}

// Serve upgrades the connection and blocks until the socket disconnects.
func (s *Server) Serve(w http.ResponseWriter, r *http.Request, adm Admission) {
	conn, err := websocket.Accept(w, r, s.accept)
	if err != nil {
		s.logger.Debug().Err(err).Str("namespace", adm.Namespace).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(s.opts.ReadLimit)

	rooms := []string{pubsub.WorkspaceRoom(adm.WorkspaceID)}
	if adm.Identity.UserID != "" {
		rooms = append(rooms, pubsub.UserRoom(adm.Identity.UserID))
	}
	sock := newSocket(uuid.NewString(), adm.Namespace, adm.WorkspaceID, adm.Identity.UserID, rooms, conn, s.opts.SendBuffer)
	if !s.join(sock) {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.handlers.Done()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-s.done:
			sock.shutdown(websocket.StatusGoingAway, "server shutting down")
		case <-ctx.Done():
		}
	}()

	log := s.logger.With().Str("socket_id", sock.id).Str("namespace", sock.namespace).Str("user_id", sock.userID).Logger()
	log.Debug().Strs("rooms", rooms).Msg("socket joined")
	s.record(health.Activity{Kind: health.ActivityConnected, Namespace: sock.namespace, SocketID: sock.id, UserID: sock.userID})

	connected, _ := json.Marshal(serverFrame{Type: "connected", SID: sock.id, Namespace: sock.namespace, Rooms: rooms})
	sock.enqueue(connected)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		sock.readLoop(ctx)
	}()
	go sock.writeLoop(ctx, s.opts.WriteTimeout, s.opts.PingInterval, s.opts.IdleWindow)

	<-sock.closed
	s.leave(sock)
	_ = conn.Close(sock.closeCode, sock.closeMsg)
	cancel()
	<-readDone

	if sock.closeCode == websocket.StatusTryAgainLater {
		framesDropped.WithLabelValues("slow_consumer").Inc()
		log.Warn().Msg("disconnected slow consumer")
	}
	log.Debug().Str("reason", sock.closeMsg).Msg("socket disconnected")
	s.record(health.Activity{Kind: health.ActivityDisconnected, Namespace: sock.namespace, SocketID: sock.id, UserID: sock.userID, Reason: sock.closeMsg})
}

func (s *Server) join(sock *Socket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	ns, ok := s.namespaces[sock.namespace]
	if !ok {
		ns = &namespace{sockets: map[string]*Socket{}, rooms: map[string]map[string]*Socket{}}
		s.namespaces[sock.namespace] = ns
	}
	ns.sockets[sock.id] = sock
	for _, room := range sock.rooms {
		if ns.rooms[room] == nil {
			ns.rooms[room] = map[string]*Socket{}
		}
		ns.rooms[room][sock.id] = sock
	}
	sock.setState(StateJoined)
	s.handlers.Add(1)
	connectionsGauge.Inc()
	return true
}

func (s *Server) leave(sock *Socket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.namespaces[sock.namespace]
	if !ok {
		return
	}
	if _, present := ns.sockets[sock.id]; !present {
		return
	}
	delete(ns.sockets, sock.id)
	for _, room := range sock.rooms {
		delete(ns.rooms[room], sock.id)
		if len(ns.rooms[room]) == 0 {
			delete(ns.rooms, room)
		}
	}
	if len(ns.sockets) == 0 {
		delete(s.namespaces, sock.namespace)
	}
	connectionsGauge.Dec()
}

// EmitToWorkspace delivers to every socket in the workspace room, here and
// on every other instance. It never blocks on the network.
func (s *Server) EmitToWorkspace(workspaceID, event string, data any) {
	msg, err := pubsub.WorkspaceMessage(workspaceID, event, data)
	if err != nil {
		s.logger.Warn().Err(err).Str("event", event).Msg("emit to workspace rejected")
		return
	}
	s.emit(msg)
}

// EmitToUser delivers only to the user's room within the workspace namespace.
func (s *Server) EmitToUser(workspaceID, userID, event string, data any) {
	msg, err := pubsub.UserMessage(workspaceID, userID, event, data)
	if err != nil {
		s.logger.Warn().Err(err).Str("event", event).Msg("emit to user rejected")
		return
	}
	s.emit(msg)
}

func (s *Server) emit(msg pubsub.Message) {
	s.deliverLocal(msg)
	s.enqueuePublish(msg)
}

// DeliverRemote hands a message from another instance to local sockets.
func (s *Server) DeliverRemote(msg pubsub.Message) {
	s.deliverLocal(msg)
}

func (s *Server) deliverLocal(msg pubsub.Message) int {
	frame, err := eventFrame(msg.Event, msg.Data)
	if err != nil {
		s.logger.Warn().Err(err).Str("event", msg.Event).Msg("encode event frame")
		return 0
	}
	targets := s.roomSockets(msg.Namespace, msg.Rooms)
	delivered := 0
	for _, sock := range targets {
		if sock.enqueue(frame) {
			delivered++
		} else if !msg.Flags.Volatile {
			framesDropped.WithLabelValues("send_buffer").Inc()
		}
	}
	return delivered
}

func (s *Server) roomSockets(nsp string, rooms []string) []*Socket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns, ok := s.namespaces[nsp]
	if !ok {
		return nil
	}
	seen := map[string]struct{}{}
	var out []*Socket
	for _, room := range rooms {
		for id, sock := range ns.rooms[room] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, sock)
		}
	}
	return out
}

func (s *Server) enqueuePublish(msg pubsub.Message) {
	if s.pubQueue == nil || msg.Flags.Local {
		return
	}
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if s.pubClosed {
		return
	}
	select {
	case s.pubQueue <- msg:
	default:
		framesDropped.WithLabelValues("publish_queue").Inc()
		s.logger.Warn().Str("event", msg.Event).Str("namespace", msg.Namespace).Msg("publish queue full; dropping cross-instance emit")
	}
}

// publishLoop keeps publishes from one instance in emit order.
func (s *Server) publishLoop() {
	defer close(s.pubDone)
	for msg := range s.pubQueue {
		ctx, cancel := context.WithTimeout(context.Background(), defaultPublishTimeout)
		err := s.opts.Publisher.Publish(ctx, msg)
		cancel()
		if err != nil {
			s.logger.Warn().Err(err).Str("event", msg.Event).Str("namespace", msg.Namespace).Msg("cross-instance publish failed")
		}
	}
}

func (s *Server) record(a health.Activity) {
	if s.opts.Activity != nil {
		s.opts.Activity.Record(a)
	}
}

func (s *Server) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// ConnectionCounts returns joined sockets per namespace.
func (s *Server) ConnectionCounts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.namespaces))
	for name, ns := range s.namespaces {
		out[name] = len(ns.sockets)
	}
	return out
}

// RoomMembers returns the socket ids joined to room, sorted.
func (s *Server) RoomMembers(nsp, room string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns, ok := s.namespaces[nsp]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(ns.rooms[room]))
	for id := range ns.rooms[room] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close disconnects every socket, waits for their handlers, then flushes
// pending cross-instance publishes.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	handlersDone := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(handlersDone)
	}()
	select {
	case <-handlersDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	if s.pubQueue == nil {
		return nil
	}
	s.pubMu.Lock()
	if !s.pubClosed {
		s.pubClosed = true
		close(s.pubQueue)
	}
	s.pubMu.Unlock()
	select {
	case <-s.pubDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
