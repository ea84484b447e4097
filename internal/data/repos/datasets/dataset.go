package datasets

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/inferbridge-backend/internal/domain/datasets"
	"github.com/yungbote/inferbridge-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/inferbridge-backend/internal/pkg/errors"
	"github.com/yungbote/inferbridge-backend/internal/platform/logger"
)

var ErrDatasetNotFound = fmt.Errorf("dataset %w", pkgerrors.ErrNotFound)

// DatasetRepo reads datasets owned by the content service. Create exists for
// seeding and administrative tooling; the job core never writes datasets.
type DatasetRepo interface {
	Create(dbc dbctx.Context, ds *datasets.Dataset) (*datasets.Dataset, error)
	GetByID(dbc dbctx.Context, id int64) (*datasets.Dataset, error)
	GetByNameForOwner(dbc dbctx.Context, name string, ownerEmail string) (*datasets.Dataset, error)
}

type datasetRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDatasetRepo(db *gorm.DB, baseLog *logger.Logger) DatasetRepo {
	return &datasetRepo{
		db:  db,
		log: baseLog.With("repo", "DatasetRepo"),
	}
}

func (r *datasetRepo) Create(dbc dbctx.Context, ds *datasets.Dataset) (*datasets.Dataset, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if ds == nil || strings.TrimSpace(ds.Name) == "" || strings.TrimSpace(ds.OwnerEmail) == "" {
		return nil, fmt.Errorf("create dataset: %w", pkgerrors.ErrInvalidArgument)
	}
	if ds.CreatedAt.IsZero() {
		ds.CreatedAt = time.Now().UTC()
	}
	if err := transaction.WithContext(dbc.Ctx).Create(ds).Error; err != nil {
		return nil, err
	}
	return ds, nil
}

// GetByID treats soft-deleted datasets as missing.
func (r *datasetRepo) GetByID(dbc dbctx.Context, id int64) (*datasets.Dataset, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var ds datasets.Dataset
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ? AND is_deleted = ?", id, false).
		First(&ds).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDatasetNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ds, nil
}

func (r *datasetRepo) GetByNameForOwner(dbc dbctx.Context, name string, ownerEmail string) (*datasets.Dataset, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var ds datasets.Dataset
	err := transaction.WithContext(dbc.Ctx).
		Where("name = ? AND owner_email = ? AND is_deleted = ?", name, ownerEmail, false).
		Order("id DESC").
		First(&ds).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDatasetNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ds, nil
}
