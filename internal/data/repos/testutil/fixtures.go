package testutil

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/inferbridge-backend/internal/domain/datasets"
	"github.com/yungbote/inferbridge-backend/internal/domain/jobs"
	"github.com/yungbote/inferbridge-backend/internal/domain/tokens"
)

func SeedAccount(tb testing.TB, db *gorm.DB, email string, balance tokens.Amount) *tokens.Account {
	tb.Helper()
	now := time.Now().UTC()
	a := &tokens.Account{Email: email, Balance: balance, CreatedAt: now, UpdatedAt: now}
	if err := db.Create(a).Error; err != nil {
		tb.Fatalf("seed account: %v", err)
	}
	return a
}

func SeedDataset(tb testing.TB, db *gorm.DB, email, name string, cost tokens.Amount) *datasets.Dataset {
	tb.Helper()
	ds := &datasets.Dataset{
		OwnerEmail: email,
		Name:       name,
		FilePath:   "user/uploads/" + name,
		TokenCost:  cost,
		CreatedAt:  time.Now().UTC(),
	}
	if err := db.Create(ds).Error; err != nil {
		tb.Fatalf("seed dataset: %v", err)
	}
	return ds
}

func SeedJob(tb testing.TB, db *gorm.DB, email string, ds *datasets.Dataset, status jobs.Status) *jobs.InferenceJob {
	tb.Helper()
	now := time.Now().UTC()
	j := &jobs.InferenceJob{
		ID:           uuid.NewString(),
		OwnerEmail:   email,
		DatasetID:    ds.ID,
		ModelID:      "YOLO8",
		ModelVersion: "YOLO8s_FSR",
		Status:       status,
		TokenCost:    ds.TokenCost,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := db.Create(j).Error; err != nil {
		tb.Fatalf("seed job: %v", err)
	}
	return j
}

func Balance(tb testing.TB, db *gorm.DB, email string) tokens.Amount {
	tb.Helper()
	var a tokens.Account
	if err := db.Where("email = ?", email).First(&a).Error; err != nil {
		tb.Fatalf("load account %s: %v", email, err)
	}
	return a.Balance
}
