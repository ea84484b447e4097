// Package memqueue is a process-local queue with the same lease semantics as
// the durable backends. Tasks do not survive a restart; use it for
// QUEUE_BACKEND=memory in single-process development and in tests.
package memqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/inferbridge-backend/internal/jobs/queue"
)

type entry struct {
	id          string
	payload     []byte
	attempts    int
	seq         int64
	availableAt time.Time
	leaseUntil  time.Time
	token       string
}

type Queue struct {
	opts queue.Options

	mu    sync.Mutex
	seq   int64
	tasks map[string]*entry

	closeOnce sync.Once
	closed    chan struct{}
}

var _ queue.Queue = (*Queue)(nil)

func New(opts queue.Options) *Queue {
	return &Queue{
		opts:   opts.WithDefaults(),
		tasks:  map[string]*entry{},
		closed: make(chan struct{}),
	}
}

func (q *Queue) isClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

func (q *Queue) Enqueue(ctx context.Context, id string, payload []byte) error {
	if q.isClosed() {
		return queue.ErrClosed
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.tasks[id]; ok {
		return nil
	}
	q.seq++
	q.tasks[id] = &entry{
		id:          id,
		payload:     append([]byte(nil), payload...),
		seq:         q.seq,
		availableAt: time.Now(),
	}
	return nil
}

func (q *Queue) Dequeue(ctx context.Context) (*queue.Task, error) {
	if q.isClosed() {
		return nil, queue.ErrClosed
	}
	return queue.Poll(ctx, q.opts.PollInterval, q.closed, q.claim)
}

func (q *Queue) claim(context.Context) (*queue.Task, error) {
	now := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()

	var ready []*entry
	for _, e := range q.tasks {
		if e.availableAt.After(now) {
			continue
		}
		if e.token != "" && e.leaseUntil.After(now) {
			continue
		}
		ready = append(ready, e)
	}
	if len(ready) == 0 {
		return nil, nil
	}
	sort.Slice(ready, func(i, j int) bool {
		if !ready[i].availableAt.Equal(ready[j].availableAt) {
			return ready[i].availableAt.Before(ready[j].availableAt)
		}
		return ready[i].seq < ready[j].seq
	})
	e := ready[0]
	e.attempts++
	e.leaseUntil = now.Add(q.opts.Lease)
	e.token = uuid.NewString()
	return &queue.Task{
		ID:         e.id,
		Payload:    append([]byte(nil), e.payload...),
		Attempts:   e.attempts,
		LeaseUntil: e.leaseUntil,
		LeaseToken: e.token,
	}, nil
}

// held returns the entry if t still owns its lease. Callers hold q.mu.
func (q *Queue) held(t *queue.Task) (*entry, error) {
	e, ok := q.tasks[t.ID]
	if !ok || e.token == "" || e.token != t.LeaseToken {
		return nil, queue.ErrLeaseLost
	}
	return e, nil
}

func (q *Queue) Ack(ctx context.Context, t *queue.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := q.held(t); err != nil {
		return err
	}
	delete(q.tasks, t.ID)
	return nil
}

func (q *Queue) Nack(ctx context.Context, t *queue.Task, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.held(t)
	if err != nil {
		return err
	}
	e.token = ""
	e.leaseUntil = time.Time{}
	e.availableAt = time.Now().Add(delay)
	return nil
}

func (q *Queue) Extend(ctx context.Context, t *queue.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.held(t)
	if err != nil {
		return err
	}
	e.leaseUntil = time.Now().Add(q.opts.Lease)
	t.LeaseUntil = e.leaseUntil
	return nil
}

func (q *Queue) Reap(ctx context.Context) (int, error) {
	now := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.tasks {
		if e.token != "" && !e.leaseUntil.After(now) {
			e.token = ""
			e.leaseUntil = time.Time{}
			e.availableAt = now
			n++
		}
	}
	return n, nil
}

// Depth splits the queued tasks into ready and leased.
func (q *Queue) Depth(ctx context.Context) (ready int64, leased int64, err error) {
	now := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.tasks {
		if e.token != "" && e.leaseUntil.After(now) {
			leased++
		} else {
			ready++
		}
	}
	return ready, leased, nil
}

// Len reports how many tasks are queued or leased.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *Queue) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}
