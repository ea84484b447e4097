package domain

import (
	"github.com/yungbote/inferbridge-backend/internal/domain/datasets"
	"github.com/yungbote/inferbridge-backend/internal/domain/jobs"
	"github.com/yungbote/inferbridge-backend/internal/domain/tokens"
)

type InferenceJob = jobs.InferenceJob
type JobStatus = jobs.Status
type InferenceResult = jobs.Result

type TokenAccount = tokens.Account
type LedgerEntry = tokens.LedgerEntry
type TokenAmount = tokens.Amount
type Pricing = tokens.Pricing

type Dataset = datasets.Dataset

const (
	JobPending   = jobs.StatusPending
	JobRunning   = jobs.StatusRunning
	JobCompleted = jobs.StatusCompleted
	JobFailed    = jobs.StatusFailed
	JobAborted   = jobs.StatusAborted
)

// Models lists every persisted type for AutoMigrate.
func Models() []interface{} {
	return []interface{}{
		&tokens.Account{},
		&tokens.LedgerEntry{},
		&datasets.Dataset{},
		&jobs.InferenceJob{},
	}
}
