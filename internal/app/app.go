package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/yungbote/inferbridge-backend/internal/clients/redis"
	"github.com/yungbote/inferbridge-backend/internal/data/db"
	"github.com/yungbote/inferbridge-backend/internal/http"
	"github.com/yungbote/inferbridge-backend/internal/jobs/maintenance"
	"github.com/yungbote/inferbridge-backend/internal/jobs/queue"
	"github.com/yungbote/inferbridge-backend/internal/jobs/worker"
	"github.com/yungbote/inferbridge-backend/internal/observability"
	"github.com/yungbote/inferbridge-backend/internal/platform/logger"
	"github.com/yungbote/inferbridge-backend/internal/realtime"
	"github.com/yungbote/inferbridge-backend/internal/realtime/bus"
)

type App struct {
	Log      *logger.Logger
	Cfg      Config
	DB       *gorm.DB
	Redis    goredis.UniversalClient
	Metrics  *observability.Metrics
	Repos    Repos
	Services Services
	Hub      *realtime.Hub
	Bus      bus.Bus
	Queue    queue.Queue
	Router   *gin.Engine

	pool         *worker.Pool
	scheduler    *maintenance.Scheduler
	dbService    *db.Service
	otelShutdown func(context.Context) error
}

func New(ctx context.Context) (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	if logMode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	log.Info("Loading environment variables...")
	cfg, err := LoadConfig(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("load config: %w", err)
	}
	a := &App{Log: log, Cfg: cfg}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	log.Info("App initialized", "role", cfg.Role, "queue_backend", cfg.QueueBackend)
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg, log := a.Cfg, a.Log

	a.otelShutdown = observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		Version:     cfg.Version,
	})
	a.Metrics = observability.Init(log)

	dbService, err := db.Open(cfg.DB, log)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	a.dbService = dbService
	a.DB = dbService.DB()
	if err := dbService.AutoMigrateAll(queueModels(cfg.QueueBackend)...); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}

	if cfg.Redis.Enabled() {
		rdb, err := redis.New(ctx, log, cfg.Redis)
		if err != nil {
			return fmt.Errorf("init redis: %w", err)
		}
		a.Redis = rdb
		b, err := bus.NewRedisBus(log, rdb, cfg.Redis.Channel)
		if err != nil {
			return fmt.Errorf("init notification bus: %w", err)
		}
		a.Bus = b
	}

	// With a bus every process publishes and API processes forward to their
	// hub; without one the hub is notified in-process.
	var notifier realtime.Notifier
	if cfg.RunsAPI() {
		a.Hub = realtime.NewHub(log, a.Metrics)
		notifier = a.Hub
	}
	if a.Bus != nil {
		notifier = bus.NewNotifier(a.Bus)
	}

	a.Queue, err = wireQueue(cfg, a.DB, a.Redis, log)
	if err != nil {
		return fmt.Errorf("init queue: %w", err)
	}
	a.Repos = wireRepos(a.DB, log)
	a.Services, err = wireServices(cfg, a.DB, log, a.Repos, notifier, a.Queue, a.Metrics)
	if err != nil {
		return fmt.Errorf("init services: %w", err)
	}

	if cfg.RunsWorker() {
		a.pool, err = wireWorkerPool(cfg, log, a.Repos, a.Services, a.Queue, a.Metrics)
		if err != nil {
			return err
		}
		a.scheduler, err = maintenance.NewScheduler(log, a.Queue, a.Repos.Job, a.Metrics,
			maintenance.ConfigFromEnv(log, cfg.QueueBackend))
		if err != nil {
			return fmt.Errorf("init maintenance: %w", err)
		}
	}

	if cfg.RunsAPI() {
		handlers := wireHandlers(log, a.Services, a.Hub, a.DB, a.Redis)
		middleware := wireMiddleware(cfg, log, a.Services, a.Metrics)
		a.Router = wireRouter(cfg, log, a.Metrics, handlers, middleware)
	}
	return nil
}

// Run blocks until ctx ends or a component fails. A fatal worker error such as
// a job consistency violation cancels everything and is returned.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.DB == nil {
		return errors.New("app not initialized")
	}
	g, gctx := errgroup.WithContext(ctx)

	a.Metrics.StartDBCollector(gctx, a.Log, a.DB)
	a.Metrics.StartRedisCollector(gctx, a.Log, a.Redis)
	a.Metrics.StartServer(gctx, a.Log, a.Cfg.MetricsAddr)

	if a.Hub != nil && a.Bus != nil {
		if err := bus.ForwardToHub(gctx, a.Bus, a.Hub); err != nil {
			return fmt.Errorf("start notification forwarder: %w", err)
		}
	}
	if a.Router != nil {
		server := http.NewServer(a.Router, a.Log)
		g.Go(func() error { return server.Run(gctx, a.Cfg.HTTPAddr) })
	}
	if a.pool != nil {
		g.Go(func() error { return a.pool.Run(gctx) })
	}
	if a.scheduler != nil {
		g.Go(func() error { return a.scheduler.Run(gctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
		return nil
	}
	return err
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.Queue != nil {
		_ = a.Queue.Close()
	}
	if a.Bus != nil {
		_ = a.Bus.Close()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.dbService != nil {
		if err := a.dbService.Close(); err != nil {
			a.Log.Warn("Database close failed", "error", err)
		}
	}
	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.otelShutdown(ctx); err != nil {
			a.Log.Warn("Tracer shutdown failed", "error", err)
		}
		cancel()
	}
	a.Log.Sync()
}
