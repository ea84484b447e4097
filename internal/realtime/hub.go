package realtime

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/yungbote/inferbridge-backend/internal/observability"
	"github.com/yungbote/inferbridge-backend/internal/platform/logger"
)

const defaultOutboundBuffer = 16

// Notifier is what the job pipeline depends on to tell a user about a job.
// Delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, userID string, t MessageType, p Params) error
}

// Conn is one live client connection. Outbound is closed by the hub when the
// connection is unregistered.
type Conn struct {
	ID       uuid.UUID
	UserID   string
	Outbound chan Message

	closeOnce sync.Once
}

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.Outbound) })
}

// Hub is the in-memory registry of live connections keyed by user.
type Hub struct {
	mu      sync.RWMutex
	log     *logger.Logger
	metrics *observability.Metrics
	users   map[string]map[*Conn]struct{}
}

func NewHub(log *logger.Logger, metrics *observability.Metrics) *Hub {
	return &Hub{
		log:     log.With("component", "RealtimeHub"),
		metrics: metrics,
		users:   make(map[string]map[*Conn]struct{}),
	}
}

func (h *Hub) NewConn(userID string) *Conn {
	return &Conn{
		ID:       uuid.New(),
		UserID:   strings.TrimSpace(userID),
		Outbound: make(chan Message, defaultOutboundBuffer),
	}
}

// Register adds c under its user. Registering the same conn twice is a no-op.
func (h *Hub) Register(c *Conn) {
	if c == nil || c.UserID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.users[c.UserID]
	if !ok {
		set = make(map[*Conn]struct{})
		h.users[c.UserID] = set
	}
	if _, dup := set[c]; dup {
		return
	}
	set[c] = struct{}{}
	h.metrics.WSConnectionsInc()
	h.log.Debug("Realtime connection registered", "conn_id", c.ID, "user_id", c.UserID)
}

// Unregister removes c and closes its outbound channel. The user entry is
// dropped with its last connection.
func (h *Hub) Unregister(c *Conn) {
	if c == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.users[c.UserID]; ok {
		if _, present := set[c]; present {
			delete(set, c)
			h.metrics.WSConnectionsDec()
		}
		if len(set) == 0 {
			delete(h.users, c.UserID)
		}
	}
	c.close()
	h.log.Debug("Realtime connection unregistered", "conn_id", c.ID, "user_id", c.UserID)
}

// Connections reports how many live connections userID has.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// Push renders the message and offers it to every connection of userID
// without blocking. A user with no connections is a silent no-op.
func (h *Hub) Push(userID string, t MessageType, p Params) error {
	msg, err := Render(t, p)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.users[userID]
	if len(set) == 0 {
		h.metrics.IncNotification(string(t), "offline")
		return nil
	}
	for c := range set {
		h.offer(c, msg)
	}
	return nil
}

// Send offers a message to a single connection, e.g. the greeting sent to a
// freshly opened socket.
func (h *Hub) Send(c *Conn, t MessageType, p Params) error {
	msg, err := Render(t, p)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.users[c.UserID][c]; !ok {
		return nil
	}
	h.offer(c, msg)
	return nil
}

// offer must be called with h.mu held so Unregister cannot close Outbound
// concurrently.
func (h *Hub) offer(c *Conn, msg Message) {
	select {
	case c.Outbound <- msg:
		h.metrics.IncNotification(string(msg.Type), "delivered")
	default:
		h.metrics.IncNotification(string(msg.Type), "dropped")
		h.log.Warn("Dropping realtime message; outbound buffer full", "conn_id", c.ID, "type", msg.Type)
	}
}

// Notify implements Notifier for in-process delivery.
func (h *Hub) Notify(_ context.Context, userID string, t MessageType, p Params) error {
	return h.Push(userID, t, p)
}
