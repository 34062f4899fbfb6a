package pubsub

import (
	"context"
	"sync"

	"github.com/go-redis/redis/v8"
)

// RedisBroker uses Redis PUBLISH/SUBSCRIBE. The client library reconnects
// subscriptions on its own.
type RedisBroker struct {
	client   *redis.Client
	inflight inflight

	mu   sync.Mutex
	subs []*redisSubscription
}

func NewRedisBroker(dsn string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, err
	}
	return &RedisBroker{client: redis.NewClient(opts)}, nil
}

func (r *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if !r.inflight.begin() {
		return ErrBrokerClosed
	}
	defer r.inflight.end()
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return unavailable("publish", err)
	}
	return nil
}

func (r *RedisBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if r.inflight.closed.Load() {
		return nil, ErrBrokerClosed
	}
	ps := r.client.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so no publish is missed after return.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, unavailable("subscribe", err)
	}
	sub := &redisSubscription{ps: ps, ch: make(chan []byte, memorySubscriptionBuffer)}
	go sub.pump()

	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()
	return sub, nil
}

func (r *RedisBroker) Ping(ctx context.Context) error {
	if r.inflight.closed.Load() {
		return ErrBrokerClosed
	}
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (r *RedisBroker) Close() error {
	if !r.inflight.drain() {
		return nil
	}
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	return r.client.Close()
}

type redisSubscription struct {
	ps   *redis.PubSub
	ch   chan []byte
	once sync.Once
}

func (s *redisSubscription) pump() {
	defer close(s.ch)
	for msg := range s.ps.Channel() {
		select {
		case s.ch <- []byte(msg.Payload):
		default:
			receivedTotal.WithLabelValues("dropped").Inc()
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.ch
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.ps.Close()
	})
	return err
}
