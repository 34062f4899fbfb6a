package pubsub

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type AdapterOptions struct {
	ChannelPrefix string
	// UID defaults to a random id; it must be unique per process.
	UID    string
	Logger zerolog.Logger
}

// Adapter bridges one relay instance to the broker: local emits go out with
// this instance's UID and messages from other instances come back in.
type Adapter struct {
	broker  Broker
	channel string
	uid     string
	logger  zerolog.Logger

	mu   sync.Mutex
	sub  Subscription
	done chan struct{}
}

func NewAdapter(broker Broker, opts AdapterOptions) *Adapter {
	uid := opts.UID
	if uid == "" {
		uid = uuid.NewString()
	}
	return &Adapter{
		broker:  broker,
		channel: ChannelName(opts.ChannelPrefix),
		uid:     uid,
		logger:  opts.Logger.With().Str("component", "pubsub.adapter").Str("uid", uid).Logger(),
	}
}

func (a *Adapter) UID() string {
	return a.uid
}

func (a *Adapter) Channel() string {
	return a.channel
}

// Start subscribes and hands every remote message to deliver until Close.
func (a *Adapter) Start(ctx context.Context, deliver func(Message)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sub != nil {
		return errors.New("adapter already started")
	}
	sub, err := a.broker.Subscribe(ctx, a.channel)
	if err != nil {
		return err
	}
	a.sub = sub
	a.done = make(chan struct{})
	go a.loop(sub, deliver, a.done)
	return nil
}

func (a *Adapter) loop(sub Subscription, deliver func(Message), done chan struct{}) {
	defer close(done)
	for payload := range sub.Messages() {
		msg, err := DecodeMessage(payload)
		if err != nil {
			receivedTotal.WithLabelValues("invalid").Inc()
			a.logger.Warn().Err(err).Msg("dropping malformed broker message")
			continue
		}
		if msg.UID == a.uid {
			receivedTotal.WithLabelValues("own").Inc()
			continue
		}
		receivedTotal.WithLabelValues("delivered").Inc()
		a.safeDeliver(deliver, msg)
	}
}

func (a *Adapter) safeDeliver(deliver func(Message), msg Message) {
	defer func() {
		if recovered := recover(); recovered != nil {
			a.logger.Error().Interface("panic", recovered).Str("event", msg.Event).Str("namespace", msg.Namespace).Msg("remote delivery panicked")
		}
	}()
	deliver(msg)
}

// Publish sends a locally originated message to the other instances.
// Messages flagged Local never leave the process.
func (a *Adapter) Publish(ctx context.Context, msg Message) error {
	if msg.Flags.Local {
		return nil
	}
	msg.UID = a.uid
	payload, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	if err := a.broker.Publish(ctx, a.channel, payload); err != nil {
		publishedTotal.WithLabelValues("failed").Inc()
		return err
	}
	publishedTotal.WithLabelValues("ok").Inc()
	return nil
}

func (a *Adapter) Ping(ctx context.Context) error {
	return a.broker.Ping(ctx)
}

// Close stops receiving. The broker itself is left open.
func (a *Adapter) Close() error {
	a.mu.Lock()
	sub, done := a.sub, a.done
	a.sub = nil
	a.mu.Unlock()
	if sub == nil {
		return nil
	}
	err := sub.Close()
	<-done
	return err
}
