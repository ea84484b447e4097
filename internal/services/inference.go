package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/yungbote/inferbridge-backend/internal/data/repos"
	types "github.com/yungbote/inferbridge-backend/internal/domain"
	"github.com/yungbote/inferbridge-backend/internal/jobs/lifecycle"
	"github.com/yungbote/inferbridge-backend/internal/jobs/queue"
	"github.com/yungbote/inferbridge-backend/internal/observability"
	"github.com/yungbote/inferbridge-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/inferbridge-backend/internal/pkg/errors"
	"github.com/yungbote/inferbridge-backend/internal/platform/ctxutil"
	"github.com/yungbote/inferbridge-backend/internal/platform/logger"
)

var ErrJobNotCompleted = errors.New("job not completed")

// JobListLimit caps the JobList snapshot and the jobs endpoint.
const JobListLimit = 200

// InferenceService is the request-side half of the job core: admission and
// read-only queries. Workers own every later state change.
type InferenceService interface {
	Submit(ctx context.Context, email, datasetName, modelID, modelVersion string) (*types.InferenceJob, error)
	State(ctx context.Context, email, jobID string) (*types.InferenceJob, error)
	Result(ctx context.Context, email, jobID string) (*types.InferenceJob, error)
	List(ctx context.Context, email string) ([]*types.InferenceJob, error)
}

type inferenceService struct {
	db       *gorm.DB
	log      *logger.Logger
	jobs     repos.InferenceJobRepo
	datasets repos.DatasetRepo
	ledger   LedgerService
	machine  *lifecycle.Machine
	queue    queue.Queue
	metrics  *observability.Metrics
}

func NewInferenceService(
	db *gorm.DB,
	baseLog *logger.Logger,
	jobRepo repos.InferenceJobRepo,
	datasetRepo repos.DatasetRepo,
	ledger LedgerService,
	machine *lifecycle.Machine,
	q queue.Queue,
	metrics *observability.Metrics,
) InferenceService {
	return &inferenceService{
		db:       db,
		log:      baseLog.With("service", "InferenceService"),
		jobs:     jobRepo,
		datasets: datasetRepo,
		ledger:   ledger,
		machine:  machine,
		queue:    q,
		metrics:  metrics,
	}
}

// Submit admits a job for the caller's dataset. The job is created Pending
// and queued. When the advisory solvency precheck fails the job is recorded
// and aborted immediately instead of being queued.
func (s *inferenceService) Submit(ctx context.Context, email, datasetName, modelID, modelVersion string) (*types.InferenceJob, error) {
	email = strings.TrimSpace(email)
	datasetName = strings.TrimSpace(datasetName)
	if email == "" || datasetName == "" {
		return nil, fmt.Errorf("submit: %w: email and dataset name required", pkgerrors.ErrInvalidArgument)
	}
	logf := append([]interface{}{"email", email, "dataset", datasetName}, ctxutil.LogFields(ctx)...)

	dbc := dbctx.New(ctx)
	ds, err := s.datasets.GetByNameForOwner(dbc, datasetName, email)
	if err != nil {
		return nil, err
	}

	solvent, err := s.ledger.CheckSolvency(ctx, email, ds.TokenCost)
	if err != nil {
		return nil, err
	}

	job, err := s.jobs.Create(dbc, email, ds.ID, modelID, modelVersion, ds.TokenCost)
	if err != nil {
		return nil, err
	}
	s.metrics.IncJobSubmitted(modelID, modelVersion)

	if !solvent {
		s.log.Info("Job rejected by solvency precheck", append(logf, "job_id", job.ID, "cost", ds.TokenCost.String())...)
		if err := s.machine.Transition(dbc, job, types.JobAborted, lifecycle.Options{Error: ErrInsufficientFunds.Error()}); err != nil {
			return nil, err
		}
		return job, nil
	}

	payload, err := queue.EncodeJob(queue.JobPayload{JobID: job.ID, OwnerEmail: email})
	if err != nil {
		return nil, err
	}
	if err := s.queue.Enqueue(ctx, job.ID, payload); err != nil {
		s.log.Error("Enqueue failed, aborting job", append(logf, "job_id", job.ID, "error", err)...)
		if terr := s.machine.Transition(dbctx.New(context.WithoutCancel(ctx)), job, types.JobAborted, lifecycle.Options{Error: "enqueue failed"}); terr != nil {
			s.log.Error("Abort after enqueue failure failed", "job_id", job.ID, "error", terr)
		}
		return nil, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	s.log.Info("Job submitted", append(logf, "job_id", job.ID, "model_id", modelID, "model_version", modelVersion)...)
	return job, nil
}

func (s *inferenceService) State(ctx context.Context, email, jobID string) (*types.InferenceJob, error) {
	return s.jobs.GetByIDForOwner(dbctx.New(ctx), strings.TrimSpace(jobID), email)
}

func (s *inferenceService) Result(ctx context.Context, email, jobID string) (*types.InferenceJob, error) {
	job, err := s.State(ctx, email, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != types.JobCompleted || len(job.Result) == 0 {
		return nil, fmt.Errorf("job %s is %s: %w", job.ID, job.Status, ErrJobNotCompleted)
	}
	return job, nil
}

func (s *inferenceService) List(ctx context.Context, email string) ([]*types.InferenceJob, error) {
	return s.jobs.ListByOwner(dbctx.New(ctx), email, JobListLimit)
}
