package repos

import (
	"gorm.io/gorm"

	"github.com/yungbote/inferbridge-backend/internal/data/repos/datasets"
	"github.com/yungbote/inferbridge-backend/internal/data/repos/jobs"
	"github.com/yungbote/inferbridge-backend/internal/data/repos/tokens"
	"github.com/yungbote/inferbridge-backend/internal/platform/logger"
)

type InferenceJobRepo = jobs.InferenceJobRepo

type AccountRepo = tokens.AccountRepo
type LedgerEntryRepo = tokens.LedgerEntryRepo

type DatasetRepo = datasets.DatasetRepo

var (
	ErrJobNotFound     = jobs.ErrJobNotFound
	ErrAccountNotFound = tokens.ErrAccountNotFound
	ErrDatasetNotFound = datasets.ErrDatasetNotFound
)

func NewInferenceJobRepo(db *gorm.DB, baseLog *logger.Logger) InferenceJobRepo {
	return jobs.NewInferenceJobRepo(db, baseLog)
}

func NewAccountRepo(db *gorm.DB, baseLog *logger.Logger) AccountRepo {
	return tokens.NewAccountRepo(db, baseLog)
}
func NewLedgerEntryRepo(db *gorm.DB, baseLog *logger.Logger) LedgerEntryRepo {
	return tokens.NewLedgerEntryRepo(db, baseLog)
}

func NewDatasetRepo(db *gorm.DB, baseLog *logger.Logger) DatasetRepo {
	return datasets.NewDatasetRepo(db, baseLog)
}
