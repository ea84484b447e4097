package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/yungbote/inferbridge-backend/internal/jobs/queue"
	"github.com/yungbote/inferbridge-backend/internal/observability"
	"github.com/yungbote/inferbridge-backend/internal/platform/envutil"
	"github.com/yungbote/inferbridge-backend/internal/platform/logger"
)

// Handler processes one leased task. GiveUp runs once the task has used up
// its attempts and must leave the job terminal.
type Handler interface {
	Handle(ctx context.Context, t *queue.Task) error
	GiveUp(ctx context.Context, t *queue.Task, cause error) error
}

type Config struct {
	Concurrency       int
	MaxAttempts       int
	HeartbeatInterval time.Duration
	RetryInitial      time.Duration
	RetryMax          time.Duration
	// IsFatal marks errors that stop the pool instead of being retried.
	IsFatal func(error) bool
}

func ConfigFromEnv() Config {
	return Config{
		Concurrency:       envutil.Int("WORKER_CONCURRENCY", 4),
		MaxAttempts:       envutil.Int("MAX_ATTEMPTS", 5),
		HeartbeatInterval: envutil.Duration("WORKER_HEARTBEAT", 30*time.Second),
		RetryInitial:      envutil.Duration("WORKER_RETRY_INITIAL", 2*time.Second),
		RetryMax:          envutil.Duration("WORKER_RETRY_MAX", 2*time.Minute),
	}
}

func (c Config) withDefaults() Config {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 2 * time.Second
	}
	if c.RetryMax < c.RetryInitial {
		c.RetryMax = c.RetryInitial
	}
	if c.IsFatal == nil {
		c.IsFatal = func(error) bool { return false }
	}
	return c
}

type Pool struct {
	q       queue.Queue
	handler Handler
	log     *logger.Logger
	cfg     Config
	hooks   Hooks
	metrics *observability.Metrics
}

func NewPool(q queue.Queue, handler Handler, baseLog *logger.Logger, cfg Config, hooks Hooks, metrics *observability.Metrics) *Pool {
	return &Pool{
		q:       q,
		handler: handler,
		log:     baseLog.With("component", "WorkerPool"),
		cfg:     cfg.withDefaults(),
		hooks:   hooks,
		metrics: metrics,
	}
}

// Run blocks until ctx ends, the queue closes, or a handler returns a fatal
// error, which is returned.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("Starting job worker pool", "concurrency", p.cfg.Concurrency, "max_attempts", p.cfg.MaxAttempts)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		workerID := i + 1
		g.Go(func() error { return p.runLoop(gctx, workerID) })
	}
	err := g.Wait()
	if err != nil {
		p.log.Error("Worker pool stopped", "error", err)
	}
	return err
}

func (p *Pool) runLoop(ctx context.Context, workerID int) error {
	idle := backoff.NewExponentialBackOff()
	idle.InitialInterval = 500 * time.Millisecond
	idle.MaxInterval = 10 * time.Second

	for {
		task, err := p.q.Dequeue(ctx)
		if task != nil && ctx.Err() != nil {
			p.release(task)
		}
		if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
			p.log.Info("Worker loop stopped", "worker_id", workerID)
			return nil
		}
		if err != nil {
			wait := idle.NextBackOff()
			p.log.Warn("Dequeue failed", "worker_id", workerID, "retry_in", wait, "error", err)
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}
		idle.Reset()
		if err := p.process(ctx, workerID, task); err != nil {
			return err
		}
	}
}

func (p *Pool) process(ctx context.Context, workerID int, task *queue.Task) error {
	p.metrics.WorkerBusyInc()
	defer p.metrics.WorkerBusyDec()

	ctx, span := observability.StartSpan(ctx, "worker.task",
		attribute.String("task.id", task.ID),
		attribute.Int("task.attempts", task.Attempts),
	)
	defer span.End()

	p.hooks.dequeue(task)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hb sync.WaitGroup
	hb.Add(1)
	go func() {
		defer hb.Done()
		p.heartbeat(hbCtx, workerID, task)
	}()

	err := p.safeHandle(ctx, workerID, task)
	stopHeartbeat()
	hb.Wait()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	switch {
	case err == nil:
		p.ack(workerID, task)
		p.hooks.success(task)
		return nil
	case p.cfg.IsFatal(err):
		p.log.Error("Fatal job error, stopping worker pool", "worker_id", workerID, "task_id", task.ID, "error", err)
		p.metrics.IncWorkerTask("fatal")
		return err
	case ctx.Err() != nil:
		p.release(task)
		return nil
	case task.Attempts >= p.cfg.MaxAttempts:
		return p.giveUp(ctx, workerID, task, err)
	default:
		delay := p.retryDelay(task.Attempts)
		if nerr := p.q.Nack(ctx, task, delay); nerr != nil {
			p.log.Warn("Nack failed", "worker_id", workerID, "task_id", task.ID, "error", nerr)
		}
		p.hooks.retry(task, err, delay)
		return nil
	}
}

func (p *Pool) giveUp(ctx context.Context, workerID int, task *queue.Task, cause error) error {
	gerr := p.handler.GiveUp(ctx, task, cause)
	if gerr != nil {
		if p.cfg.IsFatal(gerr) {
			p.log.Error("Fatal error while giving up on task", "worker_id", workerID, "task_id", task.ID, "error", gerr)
			return gerr
		}
		// The task stays over its attempt budget, so the next delivery gives up again.
		delay := p.retryDelay(task.Attempts)
		p.log.Warn("GiveUp failed, task will be redelivered", "worker_id", workerID, "task_id", task.ID, "retry_in", delay, "error", gerr)
		if nerr := p.q.Nack(ctx, task, delay); nerr != nil {
			p.log.Warn("Nack failed", "worker_id", workerID, "task_id", task.ID, "error", nerr)
		}
		return nil
	}
	p.ack(workerID, task)
	p.hooks.giveUp(task, cause)
	return nil
}

// ack runs detached from the worker context so a finished task is removed
// even when shutdown starts right after the handler returns.
func (p *Pool) ack(workerID int, task *queue.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.q.Ack(ctx, task); err != nil {
		// A lost lease means another worker may already be repeating the job;
		// the state machine makes that replay harmless.
		p.log.Warn("Ack failed", "worker_id", workerID, "task_id", task.ID, "error", err)
	}
}

// release hands a task back during shutdown so another process can pick it
// up without waiting out the lease.
func (p *Pool) release(task *queue.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.q.Nack(ctx, task, 0); err != nil && !errors.Is(err, queue.ErrLeaseLost) {
		p.log.Warn("Release on shutdown failed", "task_id", task.ID, "error", err)
	}
}

func (p *Pool) safeHandle(ctx context.Context, workerID int, task *queue.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Job handler panic", "worker_id", workerID, "task_id", task.ID, "panic", r)
			err = errFromRecover(r)
			p.hooks.panicked(task, r)
		}
	}()
	if p.handler == nil {
		return &missingHandlerError{TaskID: task.ID}
	}
	return p.handler.Handle(ctx, task)
}

func (p *Pool) heartbeat(ctx context.Context, workerID int, task *queue.Task) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.q.Extend(ctx, task); err != nil {
				if ctx.Err() != nil {
					return
				}
				p.log.Warn("Lease heartbeat failed", "worker_id", workerID, "task_id", task.ID, "error", err)
				if errors.Is(err, queue.ErrLeaseLost) {
					return
				}
			}
		}
	}
}

// retryDelay is the exponential backoff delay before delivery attempts+1.
func (p *Pool) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.RetryInitial
	b.MaxInterval = p.cfg.RetryMax
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	if d < 0 {
		d = p.cfg.RetryMax
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

type missingHandlerError struct{ TaskID string }

func (e *missingHandlerError) Error() string { return "no handler configured for task " + e.TaskID }

func errFromRecover(v any) error { return &panicError{Val: v} }

type panicError struct{ Val any }

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.Val) }
