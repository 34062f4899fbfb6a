// Package broadcast fans a lifecycle envelope out to the editors that have
// the affected pages open.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/agentworkforce/relaylive/internal/lifecycle"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Transport is a document-aware transport holding per-page channels.
type Transport interface {
	// HasChannel reports whether anyone currently has pageID open.
	HasChannel(pageID string) bool
	// Deliver sends frame to every subscriber of pageID and returns how many
	// received it.
	Deliver(ctx context.Context, pageID string, frame []byte) (int, error)
}

type Frame struct {
	Type  string             `json:"type"`
	Event string             `json:"event"`
	Data  lifecycle.Envelope `json:"data"`
}

// EventName is the frame event name for an action.
func EventName(action lifecycle.Action) string {
	return "page:" + string(action)
}

type Failure struct {
	PageID string
	Err    error
}

type Result struct {
	Delivered []string
	Skipped   []string
	Failed    []Failure
}

var deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "relaylive_broadcast_deliveries_total",
	Help: "Per-page broadcast attempts, by outcome.",
}, []string{"result"})

type Broadcaster struct {
	transport Transport
	logger    zerolog.Logger
}

func New(transport Transport, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		transport: transport,
		logger:    logger.With().Str("component", "broadcast").Logger(),
	}
}

// Broadcast delivers env to every page in pageIDs that has a live channel.
// Pages are handled concurrently; an error or panic for one page is logged
// and recorded without affecting the rest.
func (b *Broadcaster) Broadcast(ctx context.Context, pageIDs []string, env lifecycle.Envelope) Result {
	var result Result
	frame, err := json.Marshal(Frame{Type: "event", Event: EventName(env.Action), Data: env})
	if err != nil {
		for _, id := range pageIDs {
			result.Failed = append(result.Failed, Failure{PageID: id, Err: err})
		}
		b.logger.Error().Err(err).Str("action", string(env.Action)).Msg("encode broadcast frame")
		return result
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, pageID := range pageIDs {
		wg.Add(1)
		go func(pageID string) {
			defer wg.Done()
			delivered, err := b.deliverOne(ctx, pageID, frame)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Failed = append(result.Failed, Failure{PageID: pageID, Err: err})
				deliveriesTotal.WithLabelValues("failed").Inc()
				b.logger.Warn().Err(err).Str("page_id", pageID).Str("action", string(env.Action)).Msg("broadcast to page failed")
			case delivered:
				result.Delivered = append(result.Delivered, pageID)
				deliveriesTotal.WithLabelValues("delivered").Inc()
			default:
				result.Skipped = append(result.Skipped, pageID)
				deliveriesTotal.WithLabelValues("skipped").Inc()
			}
		}(pageID)
	}
	wg.Wait()

	sort.Strings(result.Delivered)
	sort.Strings(result.Skipped)
	sort.Slice(result.Failed, func(i, j int) bool { return result.Failed[i].PageID < result.Failed[j].PageID })
	return result
}

func (b *Broadcaster) deliverOne(ctx context.Context, pageID string, frame []byte) (delivered bool, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			delivered = false
			err = fmt.Errorf("panic delivering to %s: %v", pageID, recovered)
		}
	}()
	if !b.transport.HasChannel(pageID) {
		return false, nil
	}
	n, err := b.transport.Deliver(ctx, pageID, frame)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
