package pubsub

import (
	"context"
	"sync"
)

const memorySubscriptionBuffer = 256

// memoryHub is the shared medium behind every MemoryBroker with the same name.
type memoryHub struct {
	mu   sync.RWMutex
	subs map[string]map[*memorySubscription]struct{}
}

var memoryHubs = struct {
	mu   sync.Mutex
	hubs map[string]*memoryHub
}{
	hubs: map[string]*memoryHub{},
}

func sharedMemoryHub(name string) *memoryHub {
	if name == "" {
		return &memoryHub{subs: map[string]map[*memorySubscription]struct{}{}}
	}
	memoryHubs.mu.Lock()
	defer memoryHubs.mu.Unlock()
	hub, ok := memoryHubs.hubs[name]
	if !ok {
		hub = &memoryHub{subs: map[string]map[*memorySubscription]struct{}{}}
		memoryHubs.hubs[name] = hub
	}
	return hub
}

// MemoryBroker delivers within one process. Brokers built with the same
// non-empty name share subscribers, which stands in for several instances
// talking through one external broker.
type MemoryBroker struct {
	hub      *memoryHub
	inflight inflight

	mu   sync.Mutex
	subs []*memorySubscription
}

func NewMemoryBroker(name string) *MemoryBroker {
	return &MemoryBroker{hub: sharedMemoryHub(name)}
}

func (m *MemoryBroker) Publish(_ context.Context, channel string, payload []byte) error {
	if !m.inflight.begin() {
		return ErrBrokerClosed
	}
	defer m.inflight.end()

	m.hub.mu.RLock()
	defer m.hub.mu.RUnlock()
	for sub := range m.hub.subs[channel] {
		sub.deliver(append([]byte(nil), payload...))
	}
	return nil
}

func (m *MemoryBroker) Subscribe(_ context.Context, channel string) (Subscription, error) {
	if m.inflight.closed.Load() {
		return nil, ErrBrokerClosed
	}
	sub := &memorySubscription{
		hub:     m.hub,
		channel: channel,
		ch:      make(chan []byte, memorySubscriptionBuffer),
	}
	m.hub.mu.Lock()
	if m.hub.subs[channel] == nil {
		m.hub.subs[channel] = map[*memorySubscription]struct{}{}
	}
	m.hub.subs[channel][sub] = struct{}{}
	m.hub.mu.Unlock()

	m.mu.Lock()
	m.subs = append(m.subs, sub)
	m.mu.Unlock()
	return sub, nil
}

func (m *MemoryBroker) Ping(context.Context) error {
	if m.inflight.closed.Load() {
		return ErrBrokerClosed
	}
	return nil
}

func (m *MemoryBroker) Close() error {
	if !m.inflight.drain() {
		return nil
	}
	m.mu.Lock()
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

type memorySubscription struct {
	hub     *memoryHub
	channel string
	ch      chan []byte

	once   sync.Once
	mu     sync.Mutex
	closed bool
}

func (s *memorySubscription) Messages() <-chan []byte {
	return s.ch
}

// deliver drops the payload when the subscriber is not keeping up; the relay
// has no delivery guarantee beyond at-most-once.
func (s *memorySubscription) deliver(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- payload:
	default:
		receivedTotal.WithLabelValues("dropped").Inc()
	}
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs[s.channel], s)
		s.hub.mu.Unlock()

		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
	return nil
}
