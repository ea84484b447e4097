// Package inference is the per-task pipeline the worker pool runs for an
// inference job: admission, debit, gateway call and the terminal transition.
// Every step tolerates replay after a redelivery.
package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/yungbote/inferbridge-backend/internal/data/repos"
	"github.com/yungbote/inferbridge-backend/internal/domain/jobs"
	"github.com/yungbote/inferbridge-backend/internal/inference/client"
	"github.com/yungbote/inferbridge-backend/internal/jobs/lifecycle"
	"github.com/yungbote/inferbridge-backend/internal/jobs/queue"
	"github.com/yungbote/inferbridge-backend/internal/observability"
	"github.com/yungbote/inferbridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/inferbridge-backend/internal/platform/logger"
	"github.com/yungbote/inferbridge-backend/internal/services"
)

// IsFatal is the worker pool's fatal-error predicate for this pipeline.
func IsFatal(err error) bool { return errors.Is(err, lifecycle.ErrConsistencyViolation) }

type Handler struct {
	log      *logger.Logger
	jobs     repos.InferenceJobRepo
	datasets repos.DatasetRepo
	ledger   services.LedgerService
	machine  *lifecycle.Machine
	gateway  client.Gateway
	metrics  *observability.Metrics
}

func NewHandler(
	baseLog *logger.Logger,
	jobRepo repos.InferenceJobRepo,
	datasetRepo repos.DatasetRepo,
	ledger services.LedgerService,
	machine *lifecycle.Machine,
	gateway client.Gateway,
	metrics *observability.Metrics,
) *Handler {
	return &Handler{
		log:      baseLog.With("component", "InferenceJobHandler"),
		jobs:     jobRepo,
		datasets: datasetRepo,
		ledger:   ledger,
		machine:  machine,
		gateway:  gateway,
		metrics:  metrics,
	}
}

// Handle runs one delivery. A nil return acks the task; any other error is
// retried by the pool, and lifecycle.ErrConsistencyViolation stops it.
func (h *Handler) Handle(ctx context.Context, task *queue.Task) error {
	job, err := h.load(ctx, task)
	if err != nil || job == nil {
		return err
	}

	ctx, span := observability.StartSpan(ctx, "job.process",
		attribute.String("job.id", job.ID),
		attribute.String("job.status", string(job.Status)),
		attribute.Int("job.attempts", task.Attempts),
	)
	defer span.End()

	if err := h.jobs.IncrementAttempts(dbctx.New(ctx), job.ID); err != nil {
		h.log.Warn("Failed to record job attempt", "job_id", job.ID, "error", err)
	}

	ds, err := h.datasets.GetByID(dbctx.New(ctx), job.DatasetID)
	if errors.Is(err, repos.ErrDatasetNotFound) {
		h.log.Warn("Dataset vanished before processing", "job_id", job.ID, "dataset_id", job.DatasetID)
		return h.abandon(ctx, job, "dataset not found")
	}
	if err != nil {
		return err
	}

	if job.Status == jobs.StatusPending {
		ok, err := h.ledger.CheckSolvency(ctx, job.OwnerEmail, job.TokenCost)
		if err != nil {
			return err
		}
		if !ok {
			h.log.Info("Insufficient tokens, aborting job", "job_id", job.ID, "cost", job.TokenCost.String())
			return h.transition(ctx, job, jobs.StatusAborted, lifecycle.Options{Error: services.ErrInsufficientFunds.Error()})
		}
		if err := h.transition(ctx, job, jobs.StatusRunning, lifecycle.Options{}); err != nil {
			return err
		}
		if job.Status != jobs.StatusRunning {
			return nil
		}
	}

	// Replays after a committed debit find the ledger entry and charge nothing.
	if err := h.ledger.DebitForJob(dbctx.New(ctx), job); err != nil {
		if errors.Is(err, services.ErrInsufficientFunds) {
			h.log.Info("Lost the balance race at debit time, aborting job", "job_id", job.ID)
			return h.transition(ctx, job, jobs.StatusAborted, lifecycle.Options{Error: err.Error()})
		}
		return err
	}

	res, err := h.gateway.Invoke(ctx, client.Request{
		DatasetID:    ds.ID,
		JobID:        job.ID,
		ModelID:      job.ModelID,
		ModelVersion: job.ModelVersion,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if client.IsFailure(err) {
			return h.failWithRefund(ctx, job, err.Error())
		}
		return err
	}

	raw := []byte(res.Raw)
	if len(raw) == 0 {
		if raw, err = json.Marshal(res); err != nil {
			return fmt.Errorf("encode result for job %s: %w", job.ID, err)
		}
	}
	return h.transition(ctx, job, jobs.StatusCompleted, lifecycle.Options{Result: raw})
}

// GiveUp leaves the job terminal once its task has exhausted its attempts.
func (h *Handler) GiveUp(ctx context.Context, task *queue.Task, cause error) error {
	job, err := h.load(ctx, task)
	if err != nil || job == nil {
		return err
	}
	reason := fmt.Sprintf("gave up after %d attempts: %v", task.Attempts, cause)
	return h.abandon(ctx, job, reason)
}

// load decodes the task and fetches its job. A nil job means there is nothing
// left to do and the task should be acked.
func (h *Handler) load(ctx context.Context, task *queue.Task) (*jobs.InferenceJob, error) {
	p, err := queue.DecodeJob(task.Payload)
	if err != nil {
		h.log.Error("Dropping undecodable task", "task_id", task.ID, "error", err)
		return nil, nil
	}
	job, err := h.jobs.GetByID(dbctx.New(ctx), p.JobID)
	if errors.Is(err, repos.ErrJobNotFound) {
		h.log.Warn("Dropping task for unknown job", "job_id", p.JobID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		h.log.Debug("Job already terminal, acking", "job_id", job.ID, "status", job.Status)
		return nil, nil
	}
	return job, nil
}

// abandon ends a job that cannot make progress: Pending jobs never ran and
// are aborted, Running jobs fail and get their debit back.
func (h *Handler) abandon(ctx context.Context, job *jobs.InferenceJob, reason string) error {
	if job.Status == jobs.StatusPending {
		return h.transition(ctx, job, jobs.StatusAborted, lifecycle.Options{Error: reason})
	}
	return h.failWithRefund(ctx, job, reason)
}

// failWithRefund commits the refund and the Failed status together.
func (h *Handler) failWithRefund(ctx context.Context, job *jobs.InferenceJob, reason string) error {
	return h.transition(ctx, job, jobs.StatusFailed, lifecycle.Options{
		Error: reason,
		Before: func(dbc dbctx.Context) error {
			_, err := h.ledger.RefundJob(dbc, job)
			return err
		},
	})
}

func (h *Handler) transition(ctx context.Context, job *jobs.InferenceJob, to jobs.Status, opts lifecycle.Options) error {
	err := h.machine.Transition(dbctx.New(ctx), job, to, opts)
	if errors.Is(err, lifecycle.ErrAlreadyTerminal) {
		h.log.Info("Job finished elsewhere, dropping task", "job_id", job.ID, "wanted", to)
		return nil
	}
	if err != nil {
		return err
	}
	if to.IsTerminal() {
		h.metrics.ObserveJobDuration(string(to), time.Since(job.CreatedAt))
	}
	return nil
}
