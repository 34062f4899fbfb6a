// Package pubsub carries room-addressed relay events between server
// instances and from producer processes over a shared broker channel.
package pubsub

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const DefaultChannelPrefix = "socket.io"

// Message is the wire contract shared by every relay instance and emitter.
type Message struct {
	// UID identifies the publishing process so instances can skip their own messages.
	UID       string          `json:"uid"`
	Namespace string          `json:"nsp"`
	Rooms     []string        `json:"rooms"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Flags     Flags           `json:"flags"`
}

type Flags struct {
	Volatile bool `json:"volatile,omitempty"`
	Local    bool `json:"local,omitempty"`
}

func (m Message) Validate() error {
	if strings.TrimSpace(m.Namespace) == "" {
		return errors.New("message namespace is required")
	}
	if strings.TrimSpace(m.Event) == "" {
		return errors.New("message event is required")
	}
	return nil
}

func EncodeMessage(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func DecodeMessage(payload []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, fmt.Errorf("decode relay message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// ChannelName is the broker channel every instance listens on.
func ChannelName(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return prefix + "#broadcast"
}

func WorkspaceNamespace(workspaceID string) string {
	return "/events/" + workspaceID
}

func WorkspaceRoom(workspaceID string) string {
	return "workspace:" + workspaceID
}

func UserRoom(userID string) string {
	return "user:" + userID
}

// WorkspaceMessage addresses every socket of a workspace.
func WorkspaceMessage(workspaceID, event string, data any) (Message, error) {
	return roomMessage(workspaceID, WorkspaceRoom(workspaceID), event, data)
}

// UserMessage addresses one user's sockets inside a workspace namespace.
func UserMessage(workspaceID, userID, event string, data any) (Message, error) {
	if strings.TrimSpace(userID) == "" {
		return Message{}, errors.New("user id is required")
	}
	return roomMessage(workspaceID, UserRoom(userID), event, data)
}

func roomMessage(workspaceID, room, event string, data any) (Message, error) {
	if strings.TrimSpace(workspaceID) == "" {
		return Message{}, errors.New("workspace id is required")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("encode event data: %w", err)
	}
	return Message{
		Namespace: WorkspaceNamespace(workspaceID),
		Rooms:     []string{room},
		Event:     event,
		Data:      raw,
	}, nil
}
