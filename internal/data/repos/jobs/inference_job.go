package jobs

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/inferbridge-backend/internal/domain/jobs"
	"github.com/yungbote/inferbridge-backend/internal/domain/tokens"
	"github.com/yungbote/inferbridge-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/inferbridge-backend/internal/pkg/errors"
	"github.com/yungbote/inferbridge-backend/internal/platform/logger"
)

var ErrJobNotFound = fmt.Errorf("job %w", pkgerrors.ErrNotFound)

var terminalStatuses = []jobs.Status{jobs.StatusCompleted, jobs.StatusFailed, jobs.StatusAborted}

type InferenceJobRepo interface {
	Create(dbc dbctx.Context, ownerEmail string, datasetID int64, modelID, modelVersion string, cost tokens.Amount) (*jobs.InferenceJob, error)
	GetByID(dbc dbctx.Context, id string) (*jobs.InferenceJob, error)
	GetByIDForOwner(dbc dbctx.Context, id string, ownerEmail string) (*jobs.InferenceJob, error)
	ListByOwner(dbc dbctx.Context, ownerEmail string, limit int) ([]*jobs.InferenceJob, error)
	SetStatus(dbc dbctx.Context, id string, status jobs.Status) (bool, error)
	Transition(dbc dbctx.Context, id string, from, to jobs.Status, updates map[string]interface{}) (bool, error)
	SetResult(dbc dbctx.Context, id string, result datatypes.JSON) (bool, error)
	IncrementAttempts(dbc dbctx.Context, id string) error
	CountByStatus(dbc dbctx.Context) (map[jobs.Status]int64, error)
}

type inferenceJobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewInferenceJobRepo(db *gorm.DB, baseLog *logger.Logger) InferenceJobRepo {
	return &inferenceJobRepo{
		db:  db,
		log: baseLog.With("repo", "InferenceJobRepo"),
	}
}

func (r *inferenceJobRepo) Create(dbc dbctx.Context, ownerEmail string, datasetID int64, modelID, modelVersion string, cost tokens.Amount) (*jobs.InferenceJob, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if ownerEmail == "" {
		return nil, fmt.Errorf("create job: %w: owner required", pkgerrors.ErrInvalidArgument)
	}
	now := time.Now().UTC()
	job := &jobs.InferenceJob{
		ID:           uuid.NewString(),
		OwnerEmail:   ownerEmail,
		DatasetID:    datasetID,
		ModelID:      modelID,
		ModelVersion: modelVersion,
		Status:       jobs.StatusPending,
		TokenCost:    cost,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := transaction.WithContext(dbc.Ctx).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

func (r *inferenceJobRepo) GetByID(dbc dbctx.Context, id string) (*jobs.InferenceJob, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var job jobs.InferenceJob
	err := transaction.WithContext(dbc.Ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetByIDForOwner hides other users' jobs behind ErrJobNotFound.
func (r *inferenceJobRepo) GetByIDForOwner(dbc dbctx.Context, id string, ownerEmail string) (*jobs.InferenceJob, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == "" || ownerEmail == "" {
		return nil, ErrJobNotFound
	}
	var job jobs.InferenceJob
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ? AND owner_email = ?", id, ownerEmail).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *inferenceJobRepo) ListByOwner(dbc dbctx.Context, ownerEmail string, limit int) ([]*jobs.InferenceJob, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	out := []*jobs.InferenceJob{}
	if ownerEmail == "" {
		return out, nil
	}
	q := transaction.WithContext(dbc.Ctx).
		Where("owner_email = ?", ownerEmail).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// SetStatus overwrites the status unless the job is already terminal. Writing
// the current value again is a no-op that still reports true.
func (r *inferenceJobRepo) SetStatus(dbc dbctx.Context, id string, status jobs.Status) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if !status.Valid() {
		return false, fmt.Errorf("set status: %w: %q", pkgerrors.ErrInvalidArgument, status)
	}
	res := transaction.WithContext(dbc.Ctx).
		Model(&jobs.InferenceJob{}).
		Where("id = ?", id).
		Where("status = ? OR status NOT IN ?", status, terminalStatuses).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Transition moves id from one status to another in a single compare-and-set.
// It reports false when the row was not in `from`.
func (r *inferenceJobRepo) Transition(dbc dbctx.Context, id string, from, to jobs.Status, updates map[string]interface{}) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	fields := map[string]interface{}{}
	for k, v := range updates {
		fields[k] = v
	}
	fields["status"] = to
	if _, ok := fields["updated_at"]; !ok {
		fields["updated_at"] = time.Now().UTC()
	}
	res := transaction.WithContext(dbc.Ctx).
		Model(&jobs.InferenceJob{}).
		Where("id = ? AND status = ?", id, from).
		Updates(fields)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// SetResult completes a running job and stores its result in the same write.
func (r *inferenceJobRepo) SetResult(dbc dbctx.Context, id string, result datatypes.JSON) (bool, error) {
	if len(result) == 0 {
		return false, fmt.Errorf("set result: %w: empty result", pkgerrors.ErrInvalidArgument)
	}
	return r.Transition(dbc, id, jobs.StatusRunning, jobs.StatusCompleted, map[string]interface{}{
		"result": result,
		"error":  "",
	})
}

func (r *inferenceJobRepo) IncrementAttempts(dbc dbctx.Context, id string) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&jobs.InferenceJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": time.Now().UTC(),
		}).Error
}

func (r *inferenceJobRepo) CountByStatus(dbc dbctx.Context) (map[jobs.Status]int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var rows []struct {
		Status string
		Count  int64
	}
	if err := transaction.WithContext(dbc.Ctx).
		Model(&jobs.InferenceJob{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[jobs.Status]int64, len(rows))
	for _, row := range rows {
		out[jobs.Status(row.Status)] = row.Count
	}
	return out, nil
}
