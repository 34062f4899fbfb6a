// Package health answers liveness, readiness and operational stats.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/agentworkforce/relaylive/internal/docsession"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	DefaultActivityWindow = 100
	defaultPingTimeout    = 2 * time.Second
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type ActivityKind string

const (
	ActivityConnected    ActivityKind = "connected"
	ActivityDisconnected ActivityKind = "disconnected"
	ActivityRejected     ActivityKind = "rejected"
)

type Activity struct {
	At        time.Time    `json:"at"`
	Kind      ActivityKind `json:"kind"`
	Namespace string       `json:"namespace"`
	SocketID  string       `json:"socket_id,omitempty"`
	UserID    string       `json:"user_id,omitempty"`
	Reason    string       `json:"reason,omitempty"`
}

type Options struct {
	Broker Pinger
	// Connections returns live socket counts keyed by namespace.
	Connections func() map[string]int
	Sessions    func() docsession.StoreStats
	Window      int
	PingTimeout time.Duration
	Now         func() time.Time
}

type Reporter struct {
	opts    Options
	started time.Time

	mu       sync.Mutex
	activity []Activity
	next     int
	filled   bool
}

var readyGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "relaylive_ready",
	Help: "1 when the last readiness check reached the broker.",
})

func NewReporter(opts Options) *Reporter {
	if opts.Window <= 0 {
		opts.Window = DefaultActivityWindow
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = defaultPingTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reporter{
		opts:     opts,
		started:  opts.Now(),
		activity: make([]Activity, opts.Window),
	}
}

// Record appends to the bounded recent-activity window, overwriting the oldest entry.
func (r *Reporter) Record(a Activity) {
	if a.At.IsZero() {
		a.At = r.opts.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activity[r.next] = a
	r.next = (r.next + 1) % len(r.activity)
	if r.next == 0 {
		r.filled = true
	}
}

// Recent returns the window oldest first.
func (r *Reporter) Recent() []Activity {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.filled {
		return append([]Activity(nil), r.activity[:r.next]...)
	}
	out := make([]Activity, 0, len(r.activity))
	out = append(out, r.activity[r.next:]...)
	return append(out, r.activity[:r.next]...)
}

type Live struct {
	Status string `json:"status"`
}

func (r *Reporter) Live() Live {
	return Live{Status: "ok"}
}

type Ready struct {
	Status string `json:"status"`
	Broker string `json:"broker"`
	Error  string `json:"error,omitempty"`
}

// Ready reports whether the broker answers. It never touches sockets.
func (r *Reporter) Ready(ctx context.Context) (Ready, bool) {
	if r.opts.Broker == nil {
		readyGauge.Set(1)
		return Ready{Status: "ok", Broker: "none"}, true
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.PingTimeout)
	defer cancel()
	if err := r.opts.Broker.Ping(ctx); err != nil {
		readyGauge.Set(0)
		return Ready{Status: "unavailable", Broker: "down", Error: err.Error()}, false
	}
	readyGauge.Set(1)
	return Ready{Status: "ok", Broker: "up"}, true
}

type Health struct {
	Status      string `json:"status"`
	StartedAt   string `json:"started_at"`
	Uptime      string `json:"uptime"`
	Connections int    `json:"connections"`
	Documents   int    `json:"documents"`
}

func (r *Reporter) Health() Health {
	total := 0
	for _, n := range r.connections() {
		total += n
	}
	return Health{
		Status:      "ok",
		StartedAt:   r.started.UTC().Format(time.RFC3339),
		Uptime:      r.opts.Now().Sub(r.started).Round(time.Second).String(),
		Connections: total,
		Documents:   r.sessions().Documents,
	}
}

type Stats struct {
	Connections    map[string]int        `json:"connections"`
	Sessions       docsession.StoreStats `json:"sessions"`
	RecentActivity []Activity            `json:"recent_activity"`
}

func (r *Reporter) Stats() Stats {
	return Stats{
		Connections:    r.connections(),
		Sessions:       r.sessions(),
		RecentActivity: r.Recent(),
	}
}

func (r *Reporter) connections() map[string]int {
	if r.opts.Connections == nil {
		return map[string]int{}
	}
	return r.opts.Connections()
}

func (r *Reporter) sessions() docsession.StoreStats {
	if r.opts.Sessions == nil {
		return docsession.StoreStats{}
	}
	return r.opts.Sessions()
}
