package app

import (
	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/yungbote/inferbridge-backend/internal/http"
	httpH "github.com/yungbote/inferbridge-backend/internal/http/handlers"
	httpMW "github.com/yungbote/inferbridge-backend/internal/http/middleware"
	"github.com/yungbote/inferbridge-backend/internal/observability"
	"github.com/yungbote/inferbridge-backend/internal/platform/logger"
	"github.com/yungbote/inferbridge-backend/internal/realtime"
)

type Middleware struct {
	Auth          *httpMW.AuthMiddleware
	SubmitLimiter *httpMW.RateLimiter
}

type Handlers struct {
	Health    *httpH.HealthHandler
	Inference *httpH.InferenceHandler
	Token     *httpH.TokenHandler
	Realtime  *httpH.RealtimeHandler
}

func wireMiddleware(cfg Config, log *logger.Logger, services Services, metrics *observability.Metrics) Middleware {
	log.Info("Wiring middleware...")
	return Middleware{
		Auth:          httpMW.NewAuthMiddleware(log, services.Auth),
		SubmitLimiter: httpMW.NewRateLimiter(cfg.SubmitRatePerMin, cfg.SubmitBurst, metrics),
	}
}

func wireHandlers(log *logger.Logger, services Services, hub *realtime.Hub, db *gorm.DB, rdb goredis.UniversalClient) Handlers {
	log.Info("Wiring handlers...")
	checks := map[string]httpH.Pinger{"database": pingDB(db)}
	if rdb != nil {
		checks["redis"] = pingRedis(rdb)
	}
	return Handlers{
		Health:    httpH.NewHealthHandler(checks),
		Inference: httpH.NewInferenceHandler(services.Inference),
		Token:     httpH.NewTokenHandler(services.Ledger),
		Realtime:  httpH.NewRealtimeHandler(log, hub, services.Auth, services.Inference, realtime.DefaultWSOptions()),
	}
}

func wireRouter(cfg Config, log *logger.Logger, metrics *observability.Metrics, handlers Handlers, middleware Middleware) *gin.Engine {
	serviceName := ""
	if observability.TracingEnabled() {
		serviceName = cfg.ServiceName
	}
	return http.NewRouter(http.RouterConfig{
		Log:              log,
		Metrics:          metrics,
		ServiceName:      serviceName,
		AllowedOrigins:   cfg.AllowedOrigins,
		AuthMiddleware:   middleware.Auth,
		SubmitLimiter:    middleware.SubmitLimiter,
		HealthHandler:    handlers.Health,
		InferenceHandler: handlers.Inference,
		TokenHandler:     handlers.Token,
		RealtimeHandler:  handlers.Realtime,
	})
}
