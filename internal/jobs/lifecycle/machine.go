package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/inferbridge-backend/internal/data/repos"
	"github.com/yungbote/inferbridge-backend/internal/domain/jobs"
	"github.com/yungbote/inferbridge-backend/internal/observability"
	"github.com/yungbote/inferbridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/inferbridge-backend/internal/platform/logger"
	"github.com/yungbote/inferbridge-backend/internal/realtime"
)

var (
	// ErrConsistencyViolation means a transition outside the table was
	// attempted or the stored state contradicts the worker's view. It is
	// fatal to the worker pool.
	ErrConsistencyViolation = errors.New("job state consistency violation")
	// ErrAlreadyTerminal means another actor already finished the job.
	ErrAlreadyTerminal = errors.New("job already in a terminal state")
)

var allowed = map[jobs.Status][]jobs.Status{
	jobs.StatusPending: {jobs.StatusRunning, jobs.StatusAborted},
	jobs.StatusRunning: {jobs.StatusCompleted, jobs.StatusFailed, jobs.StatusAborted},
}

// Allowed reports whether from -> to is a legal edge.
func Allowed(from, to jobs.Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

var notifications = map[jobs.Status]realtime.MessageType{
	jobs.StatusRunning:   realtime.JobActive,
	jobs.StatusCompleted: realtime.JobCompleted,
	jobs.StatusFailed:    realtime.JobFailed,
	jobs.StatusAborted:   realtime.JobAborted,
}

type Options struct {
	// Result is stored with a Completed transition and is required for it.
	Result datatypes.JSON
	// Error is recorded as the job's last failure reason.
	Error string
	// Before runs in the same transaction as the status write, e.g. a refund
	// that must commit together with Failed.
	Before func(dbc dbctx.Context) error
}

type Machine struct {
	db      *gorm.DB
	log     *logger.Logger
	jobs    repos.InferenceJobRepo
	notify  realtime.Notifier
	metrics *observability.Metrics
}

func NewMachine(db *gorm.DB, baseLog *logger.Logger, jobRepo repos.InferenceJobRepo, notify realtime.Notifier, metrics *observability.Metrics) *Machine {
	return &Machine{
		db:      db,
		log:     baseLog.With("component", "JobStateMachine"),
		jobs:    jobRepo,
		notify:  notify,
		metrics: metrics,
	}
}

// Transition moves job to `to` with a compare-and-set on its current status,
// then notifies the owner. On success job is updated in place.
//
// A replay that finds the job already at `to` succeeds and notifies again.
// Finding the job in a different terminal state returns ErrAlreadyTerminal.
// Anything else returns ErrConsistencyViolation.
func (m *Machine) Transition(dbc dbctx.Context, job *jobs.InferenceJob, to jobs.Status, opts Options) error {
	from := job.Status
	if !Allowed(from, to) {
		m.log.Error("Illegal job transition", "job_id", job.ID, "from", from, "to", to)
		return fmt.Errorf("%w: %s -> %s for job %s", ErrConsistencyViolation, from, to, job.ID)
	}
	if to == jobs.StatusCompleted && len(opts.Result) == 0 {
		return fmt.Errorf("%w: completed job %s without result", ErrConsistencyViolation, job.ID)
	}

	var moved bool
	err := dbctx.InTx(dbc, m.db, func(dbc dbctx.Context) error {
		if opts.Before != nil {
			if err := opts.Before(dbc); err != nil {
				return err
			}
		}
		updates := map[string]interface{}{}
		if opts.Error != "" {
			updates["error"] = opts.Error
		}
		if to == jobs.StatusCompleted {
			updates["result"] = opts.Result
			updates["error"] = ""
		}
		ok, err := m.jobs.Transition(dbc, job.ID, from, to, updates)
		if err != nil {
			return err
		}
		if ok {
			moved = true
			return nil
		}
		current, err := m.jobs.GetByID(dbc, job.ID)
		if err != nil {
			return err
		}
		switch {
		case current.Status == to:
			return nil
		case current.Status.IsTerminal():
			return fmt.Errorf("%w: job %s is %s, wanted %s", ErrAlreadyTerminal, job.ID, current.Status, to)
		default:
			return fmt.Errorf("%w: job %s is %s, expected %s", ErrConsistencyViolation, job.ID, current.Status, from)
		}
	})
	if err != nil {
		if errors.Is(err, ErrConsistencyViolation) {
			m.log.Error("Job state consistency violation", "job_id", job.ID, "from", from, "to", to, "error", err)
		}
		return err
	}

	job.Status = to
	if to == jobs.StatusCompleted {
		job.Result = opts.Result
		job.Error = ""
	} else if opts.Error != "" {
		job.Error = opts.Error
	}
	if moved {
		m.metrics.IncJobTransition(string(from), string(to))
		m.log.Info("Job transitioned", "job_id", job.ID, "from", from, "to", to)
	} else {
		m.log.Debug("Job transition replayed", "job_id", job.ID, "to", to)
	}

	m.Notify(dbc.Ctx, job)
	return nil
}

// Notify pushes the message matching job's current status. Failures are
// logged only.
func (m *Machine) Notify(ctx context.Context, job *jobs.InferenceJob) {
	if m.notify == nil {
		return
	}
	t, ok := notifications[job.Status]
	if !ok {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	params := realtime.Params{UserEmail: job.OwnerEmail, JobID: job.ID}
	if err := m.notify.Notify(ctx, job.OwnerEmail, t, params); err != nil {
		m.log.Warn("Job notification failed", "job_id", job.ID, "type", t, "error", err)
	}
}
