// Package maintenance runs the periodic housekeeping of the job core on a
// cron schedule: returning expired queue leases and refreshing job gauges.
package maintenance

import (
	"context"
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/yungbote/inferbridge-backend/internal/data/repos"
	"github.com/yungbote/inferbridge-backend/internal/domain/jobs"
	"github.com/yungbote/inferbridge-backend/internal/jobs/queue"
	"github.com/yungbote/inferbridge-backend/internal/observability"
	"github.com/yungbote/inferbridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/inferbridge-backend/internal/platform/envutil"
	"github.com/yungbote/inferbridge-backend/internal/platform/logger"
)

// cronParser accepts 5-field expressions and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

var knownStatuses = []string{
	string(jobs.StatusPending),
	string(jobs.StatusRunning),
	string(jobs.StatusCompleted),
	string(jobs.StatusFailed),
	string(jobs.StatusAborted),
}

type Config struct {
	ReapSchedule  string
	GaugeSchedule string
	// Backend labels the reaped-leases metric.
	Backend string
	// Timeout bounds each run.
	Timeout time.Duration
}

func ConfigFromEnv(log *logger.Logger, backend string) Config {
	return Config{
		ReapSchedule:  envutil.String("QUEUE_REAP_SCHEDULE", "@every 30s", log),
		GaugeSchedule: envutil.String("JOB_GAUGE_SCHEDULE", "@every 15s", log),
		Backend:       backend,
		Timeout:       envutil.Duration("MAINTENANCE_TIMEOUT", 10*time.Second),
	}
}

type Scheduler struct {
	log     *logger.Logger
	cron    *cronlib.Cron
	queue   queue.Queue
	jobs    repos.InferenceJobRepo
	metrics *observability.Metrics
	cfg     Config
}

func NewScheduler(baseLog *logger.Logger, q queue.Queue, jobRepo repos.InferenceJobRepo, metrics *observability.Metrics, cfg Config) (*Scheduler, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	log := baseLog.With("component", "MaintenanceScheduler")
	cl := cronLogger{log: log}
	s := &Scheduler{
		log: log,
		cron: cronlib.New(
			cronlib.WithParser(cronParser),
			cronlib.WithLogger(cl),
			cronlib.WithChain(cronlib.Recover(cl), cronlib.SkipIfStillRunning(cl)),
		),
		queue:   q,
		jobs:    jobRepo,
		metrics: metrics,
		cfg:     cfg,
	}
	if q != nil && cfg.ReapSchedule != "" {
		if _, err := s.cron.AddFunc(cfg.ReapSchedule, s.run("reap", s.Reap)); err != nil {
			return nil, fmt.Errorf("reap schedule %q: %w", cfg.ReapSchedule, err)
		}
	}
	if jobRepo != nil && cfg.GaugeSchedule != "" {
		if _, err := s.cron.AddFunc(cfg.GaugeSchedule, s.run("gauges", s.RefreshGauges)); err != nil {
			return nil, fmt.Errorf("gauge schedule %q: %w", cfg.GaugeSchedule, err)
		}
	}
	return s, nil
}

// Run starts the schedule and blocks until ctx ends and in-flight runs finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("Starting maintenance scheduler", "entries", len(s.cron.Entries()))
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.log.Info("Maintenance scheduler stopped")
	return nil
}

func (s *Scheduler) run(name string, fn func(ctx context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.log.Warn("Maintenance run failed", "task", name, "error", err)
		}
	}
}

// Reap returns expired leases to the ready set.
func (s *Scheduler) Reap(ctx context.Context) error {
	n, err := s.queue.Reap(ctx)
	if err != nil {
		return err
	}
	s.metrics.AddLeasesReaped(s.cfg.Backend, n)
	return nil
}

// depther is implemented by every queue backend that can count its tasks.
type depther interface {
	Depth(ctx context.Context) (ready int64, leased int64, err error)
}

// RefreshGauges publishes the number of jobs in each status and, when the
// backend supports it, the queue depth.
func (s *Scheduler) RefreshGauges(ctx context.Context) error {
	counts, err := s.jobs.CountByStatus(dbctx.New(ctx))
	if err != nil {
		return err
	}
	out := make(map[string]int64, len(counts))
	for st, n := range counts {
		out[string(st)] = n
	}
	s.metrics.SetJobStatusCounts(knownStatuses, out)

	d, ok := s.queue.(depther)
	if !ok {
		return nil
	}
	ready, leased, err := d.Depth(ctx)
	if err != nil {
		return fmt.Errorf("queue depth: %w", err)
	}
	s.metrics.SetQueueDepth(s.cfg.Backend, ready, leased)
	return nil
}

type cronLogger struct{ log *logger.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error(msg, append(keysAndValues, "error", err)...)
}
