// Package queue defines the durable task queue between job admission and the
// worker pool. Delivery is at-least-once: a task stays invisible while leased
// and becomes visible again if its lease expires before Ack.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrClosed = errors.New("queue closed")
	// ErrLeaseLost is returned by Ack/Nack/Extend when the caller's lease
	// expired and the task was handed to someone else.
	ErrLeaseLost = errors.New("queue lease lost")
)

// Task is one leased delivery of a queued job.
type Task struct {
	ID      string
	Payload []byte
	// Attempts counts deliveries including this one.
	Attempts   int
	LeaseUntil time.Time
	// LeaseToken identifies this delivery; stale holders cannot ack.
	LeaseToken string
}

type Queue interface {
	// Enqueue appends a task. Enqueueing an id that is already queued is a no-op.
	Enqueue(ctx context.Context, id string, payload []byte) error
	// Dequeue blocks until a task is leased or ctx ends.
	Dequeue(ctx context.Context) (*Task, error)
	Ack(ctx context.Context, t *Task) error
	// Nack releases the lease and makes the task visible again after delay.
	Nack(ctx context.Context, t *Task, delay time.Duration) error
	// Extend pushes the lease deadline forward by the configured lease.
	Extend(ctx context.Context, t *Task) error
	// Reap returns expired leases to the ready set and reports how many.
	Reap(ctx context.Context) (int, error)
	Close() error
}

type Options struct {
	Lease        time.Duration
	PollInterval time.Duration
}

func DefaultOptions() Options {
	return Options{Lease: 2 * time.Minute, PollInterval: 500 * time.Millisecond}
}

func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.Lease <= 0 {
		o.Lease = d.Lease
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	return o
}

// JobPayload is what admission enqueues for the inference pipeline.
type JobPayload struct {
	JobID      string `json:"job_id"`
	OwnerEmail string `json:"owner_email"`
}

func EncodeJob(p JobPayload) ([]byte, error) { return json.Marshal(p) }

func DecodeJob(raw []byte) (JobPayload, error) {
	var p JobPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return JobPayload{}, err
	}
	if p.JobID == "" {
		return JobPayload{}, errors.New("job payload missing job_id")
	}
	return p, nil
}

// Poll calls claim every interval until it yields a task, fails, or ctx ends.
// Backends with no blocking primitive share it for Dequeue.
func Poll(ctx context.Context, interval time.Duration, closed <-chan struct{}, claim func(context.Context) (*Task, error)) (*Task, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		t, err := claim(ctx)
		if err != nil || t != nil {
			return t, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-closed:
			return nil, ErrClosed
		case <-ticker.C:
		}
	}
}
