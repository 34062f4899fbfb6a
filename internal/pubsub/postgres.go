package pubsub

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	// NOTIFY rejects payloads of 8000 bytes or more.
	postgresMaxPayload         = 7900
	postgresMinReconnect       = 500 * time.Millisecond
	postgresMaxReconnect       = 30 * time.Second
	postgresOperationTimeout   = 5 * time.Second
	postgresMaxChannelNameSize = 63
)

// PostgresBroker uses LISTEN/NOTIFY. Listeners reconnect through pq.Listener.
type PostgresBroker struct {
	dsn      string
	inflight inflight

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	mu   sync.Mutex
	subs []*postgresSubscription
}

func NewPostgresBroker(dsn string) (*PostgresBroker, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres broker dsn is required")
	}
	return &PostgresBroker{dsn: dsn}, nil
}

func (p *PostgresBroker) ensureReady() error {
	p.initOnce.Do(func() {
		db, err := sql.Open("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		p.db = db
	})
	return p.initErr
}

func (p *PostgresBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if len(payload) > postgresMaxPayload {
		return fmt.Errorf("postgres notify payload is %d bytes, limit %d", len(payload), postgresMaxPayload)
	}
	if len(channel) > postgresMaxChannelNameSize {
		return fmt.Errorf("postgres channel name %q exceeds %d bytes", channel, postgresMaxChannelNameSize)
	}
	if !p.inflight.begin() {
		return ErrBrokerClosed
	}
	defer p.inflight.end()
	if err := p.ensureReady(); err != nil {
		return unavailable("publish", err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	if _, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, string(payload)); err != nil {
		return unavailable("publish", err)
	}
	return nil
}

func (p *PostgresBroker) Subscribe(_ context.Context, channel string) (Subscription, error) {
	if p.inflight.closed.Load() {
		return nil, ErrBrokerClosed
	}
	listener := pq.NewListener(p.dsn, postgresMinReconnect, postgresMaxReconnect, nil)
	if err := listener.Listen(channel); err != nil {
		_ = listener.Close()
		return nil, unavailable("subscribe", err)
	}
	sub := &postgresSubscription{listener: listener, ch: make(chan []byte, memorySubscriptionBuffer)}
	go sub.pump()

	p.mu.Lock()
	p.subs = append(p.subs, sub)
	p.mu.Unlock()
	return sub, nil
}

func (p *PostgresBroker) Ping(ctx context.Context) error {
	if p.inflight.closed.Load() {
		return ErrBrokerClosed
	}
	if err := p.ensureReady(); err != nil {
		return unavailable("ping", err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	if err := p.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	p.mu.Lock()
	subs := append([]*postgresSubscription(nil), p.subs...)
	p.mu.Unlock()
	for _, sub := range subs {
		if err := sub.listener.Ping(); err != nil {
			return unavailable("listener ping", err)
		}
	}
	return nil
}

func (p *PostgresBroker) Close() error {
	if !p.inflight.drain() {
		return nil
	}
	p.mu.Lock()
	subs := p.subs
	p.subs = nil
	p.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

type postgresSubscription struct {
	listener *pq.Listener
	ch       chan []byte
	once     sync.Once
}

func (s *postgresSubscription) pump() {
	defer close(s.ch)
	for n := range s.listener.Notify {
		// A nil notification marks a reconnect; anything sent meanwhile is lost.
		if n == nil {
			receivedTotal.WithLabelValues("reconnected").Inc()
			continue
		}
		select {
		case s.ch <- []byte(n.Extra):
		default:
			receivedTotal.WithLabelValues("dropped").Inc()
		}
	}
}

func (s *postgresSubscription) Messages() <-chan []byte {
	return s.ch
}

func (s *postgresSubscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.listener.Close()
	})
	return err
}
