package collab

import (
	"context"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// editor is one websocket with a document open.
type editor struct {
	id         string
	documentID string
	conn       *websocket.Conn
	send       chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	closeCode websocket.StatusCode
	closeMsg  string
}

func newEditor(id, documentID string, conn *websocket.Conn, buffer int) *editor {
	return &editor{
		id:         id,
		documentID: documentID,
		conn:       conn,
		send:       make(chan []byte, buffer),
		closed:     make(chan struct{}),
	}
}

func (e *editor) enqueue(payload []byte) bool {
	select {
	case <-e.closed:
		return false
	default:
	}
	select {
	case e.send <- payload:
		return true
	default:
		e.shutdown(websocket.StatusTryAgainLater, "send buffer full")
		return false
	}
}

func (e *editor) shutdown(code websocket.StatusCode, reason string) {
	e.closeOnce.Do(func() {
		e.closeCode = code
		e.closeMsg = reason
		close(e.closed)
	})
}

func (e *editor) writeLoop(ctx context.Context, writeTimeout, pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.shutdown(websocket.StatusGoingAway, "server shutting down")
			return
		case <-e.closed:
			return
		case payload := <-e.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := e.conn.Write(wctx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				e.shutdown(websocket.StatusInternalError, "write failed")
				return
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := e.conn.Ping(pctx)
			cancel()
			if err != nil {
				e.shutdown(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}
