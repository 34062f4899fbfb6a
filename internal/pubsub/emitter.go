package pubsub

import (
	"context"

	"github.com/google/uuid"
)

// Emitter publishes relay events from processes that hold no sockets.
type Emitter struct {
	broker  Broker
	channel string
	uid     string
}

func NewEmitter(broker Broker, channelPrefix string) *Emitter {
	return &Emitter{
		broker:  broker,
		channel: ChannelName(channelPrefix),
		uid:     "emitter-" + uuid.NewString(),
	}
}

func (e *Emitter) Emit(ctx context.Context, msg Message) error {
	msg.UID = e.uid
	payload, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	if err := e.broker.Publish(ctx, e.channel, payload); err != nil {
		publishedTotal.WithLabelValues("failed").Inc()
		return err
	}
	publishedTotal.WithLabelValues("ok").Inc()
	return nil
}

func (e *Emitter) EmitToWorkspace(ctx context.Context, workspaceID, event string, data any) error {
	msg, err := WorkspaceMessage(workspaceID, event, data)
	if err != nil {
		return err
	}
	return e.Emit(ctx, msg)
}

func (e *Emitter) EmitToUser(ctx context.Context, workspaceID, userID, event string, data any) error {
	msg, err := UserMessage(workspaceID, userID, event, data)
	if err != nil {
		return err
	}
	return e.Emit(ctx, msg)
}
