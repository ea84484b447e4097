package bus

import (
	"context"

	"github.com/yungbote/inferbridge-backend/internal/realtime"
)

// Event is a notification in transit between a worker process and the API
// process that owns the client connections.
type Event struct {
	UserID string               `json:"user_id"`
	Type   realtime.MessageType `json:"type"`
	Params realtime.Params      `json:"params"`
}

type Bus interface {
	Publish(ctx context.Context, ev Event) error
	StartForwarder(ctx context.Context, onEvent func(ev Event)) error
	Close() error
}

// Notifier publishes notifications to the bus instead of delivering them
// locally. Worker-only deployments use it in place of the hub.
type Notifier struct {
	bus Bus
}

func NewNotifier(b Bus) *Notifier {
	return &Notifier{bus: b}
}

func (n *Notifier) Notify(ctx context.Context, userID string, t realtime.MessageType, p realtime.Params) error {
	if !t.Valid() {
		return realtime.ErrUnknownMessageType
	}
	return n.bus.Publish(ctx, Event{UserID: userID, Type: t, Params: p})
}

// ForwardToHub delivers every bus event to the local hub.
func ForwardToHub(ctx context.Context, b Bus, hub *realtime.Hub) error {
	return b.StartForwarder(ctx, func(ev Event) {
		_ = hub.Push(ev.UserID, ev.Type, ev.Params)
	})
}
