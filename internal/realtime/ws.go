package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

type WSOptions struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
}

func DefaultWSOptions() WSOptions {
	return WSOptions{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     50 * time.Second,
		MaxMessageSize: 4096,
	}
}

// Upgrader accepts any origin; CORS for the REST API is enforced separately
// and the socket itself is authenticated by bearer token.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ClosePolicyViolation sends a 1008 close frame and closes the socket.
func ClosePolicyViolation(ws *websocket.Conn, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
	_ = ws.Close()
}

// Serve writes c's outbound messages to ws until the peer goes away, ctx ends
// or the hub unregisters c. It always unregisters c and closes ws on return.
func (h *Hub) Serve(ctx context.Context, ws *websocket.Conn, c *Conn, opts WSOptions) {
	if opts.PingPeriod <= 0 {
		opts = DefaultWSOptions()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		h.Unregister(c)
		_ = ws.Close()
	}()

	go h.readLoop(ws, c, opts, cancel)

	ping := time.NewTicker(opts.PingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(opts.WriteWait))
			return
		case msg, ok := <-c.Outbound:
			if !ok {
				return
			}
			raw, err := json.Marshal(msg)
			if err != nil {
				h.log.Warn("Realtime message encode failed", "conn_id", c.ID, "error", err)
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				h.log.Debug("Realtime write failed", "conn_id", c.ID, "error", err)
				return
			}
		case <-ping.C:
			_ = ws.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop drains client frames so pongs and close frames are processed.
// Clients have nothing to send; any payload is ignored.
func (h *Hub) readLoop(ws *websocket.Conn, c *Conn, opts WSOptions, done context.CancelFunc) {
	defer done()
	ws.SetReadLimit(opts.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("Realtime connection closed unexpectedly", "conn_id", c.ID, "error", err)
			}
			return
		}
	}
}
