// Package redisq is the Redis-backed queue: a ready sorted set scored by
// visibility time, a leased sorted set scored by lease deadline, and one hash
// per task. Every state change runs as a Lua script so it is atomic.
package redisq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/inferbridge-backend/internal/jobs/queue"
	"github.com/yungbote/inferbridge-backend/internal/platform/logger"
)

const DefaultPrefix = "inferbridge:queue:"

type Queue struct {
	rdb    goredis.UniversalClient
	log    *logger.Logger
	opts   queue.Options
	prefix string

	closeOnce sync.Once
	closed    chan struct{}
}

var _ queue.Queue = (*Queue)(nil)

// New returns a queue whose keys live under prefix. The client is not closed
// by the queue.
func New(rdb goredis.UniversalClient, baseLog *logger.Logger, prefix string, opts queue.Options) (*Queue, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Queue{
		rdb:    rdb,
		log:    baseLog.With("component", "RedisQueue"),
		opts:   opts.WithDefaults(),
		prefix: prefix,
		closed: make(chan struct{}),
	}, nil
}

func (q *Queue) readyKey() string         { return q.prefix + "ready" }
func (q *Queue) leasedKey() string        { return q.prefix + "leased" }
func (q *Queue) taskPrefix() string       { return q.prefix + "task:" }
func (q *Queue) taskKey(id string) string { return q.taskPrefix() + id }

func ms(t time.Time) int64 { return t.UnixMilli() }

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
	keys := []string{q.readyKey(), q.leasedKey(), q.taskKey(id)}
	return enqueueScript.Run(ctx, q.rdb, keys, id, string(payload), ms(time.Now())).Err()
}

func (q *Queue) Dequeue(ctx context.Context) (*queue.Task, error) {
	if q.isClosed() {
		return nil, queue.ErrClosed
	}
	return queue.Poll(ctx, q.opts.PollInterval, q.closed, q.claim)
}

func (q *Queue) claim(ctx context.Context) (*queue.Task, error) {
	now := time.Now()
	leaseUntil := now.Add(q.opts.Lease)
	token := uuid.NewString()
	keys := []string{q.readyKey(), q.leasedKey()}
	res, err := claimScript.Run(ctx, q.rdb, keys, ms(now), ms(leaseUntil), token, q.taskPrefix()).Slice()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("redisq: unexpected claim reply %v", res)
	}
	id, _ := res[0].(string)
	payload, _ := res[1].(string)
	attempts, _ := res[2].(int64)
	return &queue.Task{
		ID:         id,
		Payload:    []byte(payload),
		Attempts:   int(attempts),
		LeaseUntil: leaseUntil,
		LeaseToken: token,
	}, nil
}

func leaseResult(n int64, err error) error {
	if err != nil {
		return err
	}
	if n == 0 {
		return queue.ErrLeaseLost
	}
	return nil
}

func (q *Queue) Ack(ctx context.Context, t *queue.Task) error {
	keys := []string{q.leasedKey(), q.taskKey(t.ID)}
	return leaseResult(ackScript.Run(ctx, q.rdb, keys, t.ID, t.LeaseToken).Int64())
}

func (q *Queue) Nack(ctx context.Context, t *queue.Task, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	keys := []string{q.readyKey(), q.leasedKey(), q.taskKey(t.ID)}
	return leaseResult(nackScript.Run(ctx, q.rdb, keys, t.ID, t.LeaseToken, ms(time.Now().Add(delay))).Int64())
}

func (q *Queue) Extend(ctx context.Context, t *queue.Task) error {
	leaseUntil := time.Now().Add(q.opts.Lease)
	keys := []string{q.leasedKey(), q.taskKey(t.ID)}
	if err := leaseResult(extendScript.Run(ctx, q.rdb, keys, t.ID, t.LeaseToken, ms(leaseUntil)).Int64()); err != nil {
		return err
	}
	t.LeaseUntil = leaseUntil
	return nil
}

func (q *Queue) Reap(ctx context.Context) (int, error) {
	keys := []string{q.readyKey(), q.leasedKey()}
	n, err := reapScript.Run(ctx, q.rdb, keys, ms(time.Now()), q.taskPrefix()).Int64()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Warn("Reaped expired queue leases", "count", n)
	}
	return int(n), nil
}

// Depth reports ready and leased task counts.
func (q *Queue) Depth(ctx context.Context) (ready int64, leased int64, err error) {
	pipe := q.rdb.Pipeline()
	r := pipe.ZCard(ctx, q.readyKey())
	l := pipe.ZCard(ctx, q.leasedKey())
	if _, err = pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return r.Val(), l.Val(), nil
}

func (q *Queue) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}
