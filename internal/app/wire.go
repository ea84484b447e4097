package app

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/yungbote/inferbridge-backend/internal/data/repos"
	"github.com/yungbote/inferbridge-backend/internal/inference/client"
	"github.com/yungbote/inferbridge-backend/internal/jobs/inference"
	"github.com/yungbote/inferbridge-backend/internal/jobs/lifecycle"
	"github.com/yungbote/inferbridge-backend/internal/jobs/queue"
	"github.com/yungbote/inferbridge-backend/internal/jobs/queue/memqueue"
	"github.com/yungbote/inferbridge-backend/internal/jobs/queue/pgqueue"
	"github.com/yungbote/inferbridge-backend/internal/jobs/queue/redisq"
	"github.com/yungbote/inferbridge-backend/internal/jobs/worker"
	"github.com/yungbote/inferbridge-backend/internal/observability"
	"github.com/yungbote/inferbridge-backend/internal/platform/logger"
	"github.com/yungbote/inferbridge-backend/internal/realtime"
	"github.com/yungbote/inferbridge-backend/internal/services"
)

type Repos struct {
	Job         repos.InferenceJobRepo
	Account     repos.AccountRepo
	LedgerEntry repos.LedgerEntryRepo
	Dataset     repos.DatasetRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		Job:         repos.NewInferenceJobRepo(db, log),
		Account:     repos.NewAccountRepo(db, log),
		LedgerEntry: repos.NewLedgerEntryRepo(db, log),
		Dataset:     repos.NewDatasetRepo(db, log),
	}
}

// queueModels lists the extra tables a queue backend needs migrated.
func queueModels(backend string) []interface{} {
	if backend == QueuePostgres {
		return []interface{}{&pgqueue.Task{}}
	}
	return nil
}

func wireQueue(cfg Config, db *gorm.DB, rdb goredis.UniversalClient, log *logger.Logger) (queue.Queue, error) {
	log.Info("Wiring job queue...", "backend", cfg.QueueBackend)
	switch cfg.QueueBackend {
	case QueuePostgres:
		return pgqueue.New(db, log, cfg.Queue), nil
	case QueueRedis:
		return redisq.New(rdb, log, redisq.DefaultPrefix, cfg.Queue)
	case QueueMemory:
		return memqueue.New(cfg.Queue), nil
	}
	return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
}

type Services struct {
	Ledger    services.LedgerService
	Auth      services.AuthService
	Inference services.InferenceService
	Machine   *lifecycle.Machine
}

func wireServices(
	cfg Config,
	db *gorm.DB,
	log *logger.Logger,
	r Repos,
	notifier realtime.Notifier,
	q queue.Queue,
	metrics *observability.Metrics,
) (Services, error) {
	log.Info("Wiring services...")
	ledger := services.NewLedgerService(db, log, r.Account, r.LedgerEntry, cfg.Pricing, metrics)
	machine := lifecycle.NewMachine(db, log, r.Job, notifier, metrics)
	out := Services{
		Ledger:    ledger,
		Machine:   machine,
		Inference: services.NewInferenceService(db, log, r.Job, r.Dataset, ledger, machine, q, metrics),
	}
	if cfg.RunsAPI() {
		auth, err := services.NewAuthService(log, cfg.Auth)
		if err != nil {
			return Services{}, err
		}
		out.Auth = auth
	}
	return out, nil
}

func wireWorkerPool(
	cfg Config,
	log *logger.Logger,
	r Repos,
	s Services,
	q queue.Queue,
	metrics *observability.Metrics,
) (*worker.Pool, error) {
	log.Info("Wiring worker pool...")
	gateway, err := client.New(cfg.Inference, log, metrics)
	if err != nil {
		return nil, fmt.Errorf("init inference client: %w", err)
	}
	handler := inference.NewHandler(log, r.Job, r.Dataset, s.Ledger, s.Machine, gateway, metrics)
	wcfg := cfg.Worker
	wcfg.IsFatal = inference.IsFatal
	return worker.NewPool(q, handler, log, wcfg, worker.ObservedHooks(log, metrics), metrics), nil
}

func pingDB(db *gorm.DB) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
}

func pingRedis(rdb goredis.UniversalClient) func(ctx context.Context) error {
	return func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
}
