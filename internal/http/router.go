package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/yungbote/inferbridge-backend/internal/http/handlers"
	"github.com/yungbote/inferbridge-backend/internal/http/middleware"
	"github.com/yungbote/inferbridge-backend/internal/observability"
	"github.com/yungbote/inferbridge-backend/internal/platform/logger"
	"github.com/yungbote/inferbridge-backend/internal/services"
)

type RouterConfig struct {
	Log            *logger.Logger
	Metrics        *observability.Metrics
	ServiceName    string
	AllowedOrigins []string
	AuthMiddleware *middleware.AuthMiddleware
	SubmitLimiter  *middleware.RateLimiter

	HealthHandler    *handlers.HealthHandler
	InferenceHandler *handlers.InferenceHandler
	TokenHandler     *handlers.TokenHandler
	RealtimeHandler  *handlers.RealtimeHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(middleware.AttachTraceContext())
	r.Use(middleware.RequestLogger(cfg.Log))
	r.Use(middleware.Metrics(cfg.Metrics))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapF(cfg.Metrics.WriteHTTP))
	}

	api := r.Group("/api")
	// The socket authenticates after the upgrade.
	api.GET("/ws", cfg.RealtimeHandler.Connect)

	protected := api.Group("")
	protected.Use(cfg.AuthMiddleware.RequireAuth())
	{
		anyRole := middleware.RequireRole(services.RoleUser, services.RoleAdmin)

		protected.POST("/inference", anyRole, cfg.SubmitLimiter.Middleware(), cfg.InferenceHandler.Submit)
		protected.GET("/inference/state", anyRole, cfg.InferenceHandler.State)
		protected.GET("/inference/result", anyRole, cfg.InferenceHandler.Result)
		protected.GET("/inference/jobs", anyRole, cfg.InferenceHandler.List)

		protected.GET("/token/balance", anyRole, cfg.TokenHandler.Balance)
		protected.PATCH("/token/balance", middleware.RequireRole(services.RoleAdmin), cfg.TokenHandler.TopUp)
		protected.GET("/token/pricing", cfg.TokenHandler.Pricing)
	}

	return r
}
