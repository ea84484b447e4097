// Package pgqueue is the database-backed queue. Claims use
// SELECT ... FOR UPDATE SKIP LOCKED on Postgres; on SQLite the single writer
// serializes claims and the conditional UPDATE keeps them exclusive.
package pgqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/inferbridge-backend/internal/jobs/queue"
	"github.com/yungbote/inferbridge-backend/internal/platform/logger"
)

// Task is the queue_task row.
type Task struct {
	ID          string         `gorm:"column:id;primaryKey"`
	Payload     datatypes.JSON `gorm:"column:payload;not null"`
	Attempts    int            `gorm:"column:attempts;not null"`
	AvailableAt time.Time      `gorm:"column:available_at;not null;index"`
	LeaseUntil  *time.Time     `gorm:"column:lease_until;index"`
	LeaseToken  string         `gorm:"column:lease_token"`
	CreatedAt   time.Time      `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time      `gorm:"column:updated_at;not null"`
}

func (Task) TableName() string { return "queue_task" }

type Queue struct {
	db   *gorm.DB
	log  *logger.Logger
	opts queue.Options

	closeOnce sync.Once
	closed    chan struct{}
}

var _ queue.Queue = (*Queue)(nil)

// New returns a queue over db. The queue_task table must be migrated; pass
// &pgqueue.Task{} to db.AutoMigrate.
func New(db *gorm.DB, baseLog *logger.Logger, opts queue.Options) *Queue {
	return &Queue{
		db:     db,
		log:    baseLog.With("component", "PGQueue"),
		opts:   opts.WithDefaults(),
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
	now := time.Now().UTC()
	row := &Task{
		ID:          id,
		Payload:     datatypes.JSON(payload),
		AvailableAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return q.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(row).Error
}

func (q *Queue) Dequeue(ctx context.Context) (*queue.Task, error) {
	if q.isClosed() {
		return nil, queue.ErrClosed
	}
	return queue.Poll(ctx, q.opts.PollInterval, q.closed, q.claim)
}

// claim leases the oldest visible task, or returns nil when none is ready.
func (q *Queue) claim(ctx context.Context) (*queue.Task, error) {
	var out *queue.Task
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		var rows []Task
		if err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("available_at <= ? AND (lease_until IS NULL OR lease_until < ?)", now, now).
			Order("available_at ASC").
			Limit(1).
			Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		row := rows[0]
		leaseUntil := now.Add(q.opts.Lease)
		token := uuid.NewString()
		res := tx.Model(&Task{}).
			Where("id = ? AND (lease_until IS NULL OR lease_until < ?)", row.ID, now).
			Updates(map[string]interface{}{
				"attempts":    gorm.Expr("attempts + 1"),
				"lease_until": leaseUntil,
				"lease_token": token,
				"updated_at":  now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		out = &queue.Task{
			ID:         row.ID,
			Payload:    []byte(row.Payload),
			Attempts:   row.Attempts + 1,
			LeaseUntil: leaseUntil,
			LeaseToken: token,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (q *Queue) Ack(ctx context.Context, t *queue.Task) error {
	res := q.db.WithContext(ctx).
		Where("id = ? AND lease_token = ?", t.ID, t.LeaseToken).
		Delete(&Task{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return queue.ErrLeaseLost
	}
	return nil
}

func (q *Queue) Nack(ctx context.Context, t *queue.Task, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	now := time.Now().UTC()
	return q.leaseUpdate(ctx, t, map[string]interface{}{
		"available_at": now.Add(delay),
		"lease_until":  nil,
		"lease_token":  "",
		"updated_at":   now,
	})
}

func (q *Queue) Extend(ctx context.Context, t *queue.Task) error {
	now := time.Now().UTC()
	leaseUntil := now.Add(q.opts.Lease)
	if err := q.leaseUpdate(ctx, t, map[string]interface{}{
		"lease_until": leaseUntil,
		"updated_at":  now,
	}); err != nil {
		return err
	}
	t.LeaseUntil = leaseUntil
	return nil
}

func (q *Queue) leaseUpdate(ctx context.Context, t *queue.Task, fields map[string]interface{}) error {
	res := q.db.WithContext(ctx).
		Model(&Task{}).
		Where("id = ? AND lease_token = ?", t.ID, t.LeaseToken).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return queue.ErrLeaseLost
	}
	return nil
}

// Reap clears expired leases. Dequeue already treats them as visible, so this
// mainly keeps lease_token honest and feeds the reaped counter.
func (q *Queue) Reap(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	res := q.db.WithContext(ctx).
		Model(&Task{}).
		Where("lease_until IS NOT NULL AND lease_until < ?", now).
		Updates(map[string]interface{}{
			"lease_until":  nil,
			"lease_token":  "",
			"available_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		q.log.Warn("Reaped expired queue leases", "count", res.RowsAffected)
	}
	return int(res.RowsAffected), nil
}

// Depth reports visible and leased task counts.
func (q *Queue) Depth(ctx context.Context) (ready int64, leased int64, err error) {
	now := time.Now().UTC()
	db := q.db.WithContext(ctx).Model(&Task{})
	if err = db.Where("lease_until IS NULL OR lease_until < ?", now).Count(&ready).Error; err != nil {
		return 0, 0, err
	}
	if err = q.db.WithContext(ctx).Model(&Task{}).Where("lease_until >= ?", now).Count(&leased).Error; err != nil {
		return 0, 0, err
	}
	return ready, leased, nil
}

func (q *Queue) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}
