package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/yungbote/inferbridge-backend/internal/http/middleware"
	"github.com/yungbote/inferbridge-backend/internal/platform/ctxutil"
	"github.com/yungbote/inferbridge-backend/internal/platform/logger"
	"github.com/yungbote/inferbridge-backend/internal/realtime"
	"github.com/yungbote/inferbridge-backend/internal/services"
)

type RealtimeHandler struct {
	log       *logger.Logger
	hub       *realtime.Hub
	auth      services.AuthService
	inference services.InferenceService
	opts      realtime.WSOptions
}

func NewRealtimeHandler(
	log *logger.Logger,
	hub *realtime.Hub,
	auth services.AuthService,
	inference services.InferenceService,
	opts realtime.WSOptions,
) *RealtimeHandler {
	return &RealtimeHandler{
		log:       log.With("handler", "RealtimeHandler"),
		hub:       hub,
		auth:      auth,
		inference: inference,
		opts:      opts,
	}
}

// GET /api/ws
//
// The socket is upgraded before the token is checked so a rejected client
// receives a 1008 close frame rather than a bare HTTP error.
func (h *RealtimeHandler) Connect(c *gin.Context) {
	ws, err := realtime.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Debug("WebSocket upgrade failed", "error", err)
		return
	}
	ctx, err := h.auth.SetContextFromToken(c.Request.Context(), middleware.ExtractToken(c))
	if err != nil {
		realtime.ClosePolicyViolation(ws, "Authentication failed")
		return
	}
	rd := ctxutil.GetRequestData(ctx)

	conn := h.hub.NewConn(rd.Email)
	h.hub.Register(conn)
	if err := h.hub.Send(conn, realtime.Welcome, realtime.Params{UserEmail: rd.Email}); err != nil {
		h.log.Warn("Welcome message failed", "conn_id", conn.ID, "error", err)
	}
	jobs, err := h.inference.List(ctx, rd.Email)
	if err != nil {
		h.log.Warn("Job list snapshot failed", "conn_id", conn.ID, "error", err)
	} else if err := h.hub.Send(conn, realtime.JobList, realtime.Params{
		UserEmail: rd.Email,
		Jobs:      JobSummaries(jobs),
	}); err != nil {
		h.log.Warn("Job list message failed", "conn_id", conn.ID, "error", err)
	}

	h.hub.Serve(ctx, ws, conn, h.opts)
}
