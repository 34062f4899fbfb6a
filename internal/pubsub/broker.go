package pubsub

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrBrokerClosed      = errors.New("broker closed")
	ErrNotImplemented    = errors.New("not implemented")
)

// Broker is a fire-and-forget publish/subscribe transport.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	// Ping checks connectivity; readiness follows its result.
	Ping(ctx context.Context) error
	// Close waits for in-flight publishes, then releases connections.
	Close() error
}

type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

type BrokerFactory func(dsn string) (Broker, error)

var brokerFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]BrokerFactory
}{
	factories: map[string]BrokerFactory{},
}

func RegisterBrokerFactory(scheme string, factory BrokerFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	brokerFactoryRegistry.mu.Lock()
	defer brokerFactoryRegistry.mu.Unlock()
	brokerFactoryRegistry.factories[scheme] = factory
}

func lookupBrokerFactory(scheme string) (BrokerFactory, bool) {
	scheme = normalizeScheme(scheme)
	brokerFactoryRegistry.mu.RLock()
	defer brokerFactoryRegistry.mu.RUnlock()
	factory, ok := brokerFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildBrokerFromDSN picks a broker by URL scheme. An empty DSN means an
// unnamed in-process broker.
func BuildBrokerFromDSN(dsn string) (Broker, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryBroker(""), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupBrokerFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryBroker(parsed.Host), nil
	case "redis", "rediss":
		return NewRedisBroker(dsn)
	case "postgres", "postgresql":
		return NewPostgresBroker(dsn)
	case "nats", "amqp":
		return nil, fmt.Errorf("%w: broker %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported broker scheme: %s", scheme)
	}
}

// inflight tracks publishes so Close can drain them.
type inflight struct {
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed atomic.Bool
}

func (f *inflight) begin() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed.Load() {
		return false
	}
	f.wg.Add(1)
	return true
}

func (f *inflight) end() {
	f.wg.Done()
}

// drain blocks new publishes and waits for running ones. It reports false
// when the broker was already closed.
func (f *inflight) drain() bool {
	f.mu.Lock()
	if f.closed.Load() {
		f.mu.Unlock()
		return false
	}
	f.closed.Store(true)
	f.mu.Unlock()
	f.wg.Wait()
	return true
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrBrokerUnavailable, op, err)
}

var (
	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaylive_broker_published_total",
		Help: "Messages published to the broker, by outcome.",
	}, []string{"result"})

	receivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaylive_broker_received_total",
		Help: "Messages received from the broker, by handling.",
	}, []string{"result"})
)
