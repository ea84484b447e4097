package worker

import (
	"time"

	"github.com/yungbote/inferbridge-backend/internal/jobs/queue"
	"github.com/yungbote/inferbridge-backend/internal/observability"
	"github.com/yungbote/inferbridge-backend/internal/platform/logger"
)

// Hooks observe task outcomes. Nil fields are skipped.
type Hooks struct {
	OnDequeue func(t *queue.Task)
	OnSuccess func(t *queue.Task)
	OnRetry   func(t *queue.Task, err error, delay time.Duration)
	OnGiveUp  func(t *queue.Task, cause error)
	OnPanic   func(t *queue.Task, recovered any)
}

// ObservedHooks logs each outcome and counts it in the worker task metric.
func ObservedHooks(baseLog *logger.Logger, metrics *observability.Metrics) Hooks {
	log := baseLog.With("component", "WorkerHooks")
	return Hooks{
		OnDequeue: func(t *queue.Task) {
			log.Debug("Task leased", "task_id", t.ID, "attempts", t.Attempts)
		},
		OnSuccess: func(t *queue.Task) {
			metrics.IncWorkerTask("success")
		},
		OnRetry: func(t *queue.Task, err error, delay time.Duration) {
			metrics.IncWorkerTask("retry")
			log.Warn("Task failed, will retry", "task_id", t.ID, "attempts", t.Attempts, "retry_in", delay, "error", err)
		},
		OnGiveUp: func(t *queue.Task, cause error) {
			metrics.IncWorkerTask("give_up")
			log.Error("Task gave up after max attempts", "task_id", t.ID, "attempts", t.Attempts, "error", cause)
		},
		OnPanic: func(t *queue.Task, recovered any) {
			metrics.IncWorkerTask("panic")
		},
	}
}

func (h Hooks) dequeue(t *queue.Task) {
	if h.OnDequeue != nil {
		h.OnDequeue(t)
	}
}

func (h Hooks) success(t *queue.Task) {
	if h.OnSuccess != nil {
		h.OnSuccess(t)
	}
}

func (h Hooks) retry(t *queue.Task, err error, delay time.Duration) {
	if h.OnRetry != nil {
		h.OnRetry(t, err, delay)
	}
}

func (h Hooks) giveUp(t *queue.Task, cause error) {
	if h.OnGiveUp != nil {
		h.OnGiveUp(t, cause)
	}
}

func (h Hooks) panicked(t *queue.Task, recovered any) {
	if h.OnPanic != nil {
		h.OnPanic(t, recovered)
	}
}
