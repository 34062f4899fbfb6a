package relay

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

type State int32

const (
	StateConnecting State = iota
	StateJoined
	StateActive
	StateIdle
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	default:
		return "disconnected"
	}
}

// Socket is one joined client connection.
type Socket struct {
	id          string
	namespace   string
	workspaceID string
	userID      string
	rooms       []string

	conn  *websocket.Conn
	send  chan []byte
	state atomic.Int32
	// lastFrame is unix nanos of the last client frame.
	lastFrame atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
	closeCode websocket.StatusCode
	closeMsg  string
}

func newSocket(id, namespace, workspaceID, userID string, rooms []string, conn *websocket.Conn, buffer int) *Socket {
	s := &Socket{
		id:          id,
		namespace:   namespace,
		workspaceID: workspaceID,
		userID:      userID,
		rooms:       rooms,
		conn:        conn,
		send:        make(chan []byte, buffer),
		closed:      make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	s.lastFrame.Store(time.Now().UnixNano())
	return s
}

func (s *Socket) ID() string        { return s.id }
func (s *Socket) Namespace() string { return s.namespace }
func (s *Socket) UserID() string    { return s.userID }
func (s *Socket) Rooms() []string   { return append([]string(nil), s.rooms...) }
func (s *Socket) State() State      { return State(s.state.Load()) }

func (s *Socket) setState(state State) {
	s.state.Store(int32(state))
}

// enqueue never blocks. A full buffer marks the socket as a slow consumer
// and it is disconnected so the client reconnects and resyncs.
func (s *Socket) enqueue(frame []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		s.shutdown(websocket.StatusTryAgainLater, "send buffer full")
		return false
	}
}

func (s *Socket) shutdown(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeMsg = reason
		s.setState(StateDisconnected)
		close(s.closed)
	})
}

func (s *Socket) touch(now time.Time) {
	s.lastFrame.Store(now.UnixNano())
	if st := s.State(); st == StateJoined || st == StateIdle {
		s.setState(StateActive)
	}
}

func (s *Socket) markIdleIfQuiet(now time.Time, window time.Duration) {
	if s.State() != StateActive && s.State() != StateJoined {
		return
	}
	if now.Sub(time.Unix(0, s.lastFrame.Load())) >= window {
		s.setState(StateIdle)
	}
}

type serverFrame struct {
	Type      string          `json:"type"`
	SID       string          `json:"sid,omitempty"`
	Namespace string          `json:"namespace,omitempty"`
	Rooms     []string        `json:"rooms,omitempty"`
	Event     string          `json:"event,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type clientFrame struct {
	Type string `json:"type"`
}

func eventFrame(event string, data json.RawMessage) ([]byte, error) {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return json.Marshal(serverFrame{Type: "event", Event: event, Data: data})
}

var pongFrame = []byte(`{"type":"pong"}`)

// writeLoop owns all writes to the connection.
func (s *Socket) writeLoop(ctx context.Context, writeTimeout, pingInterval, idleWindow time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.shutdown(websocket.StatusGoingAway, "server shutting down")
			return
		case <-s.closed:
			return
		case frame := <-s.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := s.conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				s.shutdown(websocket.StatusInternalError, "write failed")
				return
			}
		case now := <-ticker.C:
			s.markIdleIfQuiet(now, idleWindow)
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := s.conn.Ping(pctx)
			cancel()
			if err != nil {
				s.shutdown(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

// readLoop returns when the client goes away or the socket is shut down.
func (s *Socket) readLoop(ctx context.Context) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			s.shutdown(websocket.StatusNormalClosure, "")
			return
		}
		s.touch(time.Now())
		var frame clientFrame
		if json.Unmarshal(data, &frame) != nil {
			continue
		}
		if frame.Type == "ping" {
			s.enqueue(pongFrame)
		}
	}
}
