package tokens

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/inferbridge-backend/internal/domain/tokens"
	"github.com/yungbote/inferbridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/inferbridge-backend/internal/platform/logger"
)

type LedgerEntryRepo interface {
	// Insert records e and reports false when an entry with the same
	// (reference, kind) already exists.
	Insert(dbc dbctx.Context, e *tokens.LedgerEntry) (bool, error)
	Get(dbc dbctx.Context, reference string, kind tokens.EntryKind) (*tokens.LedgerEntry, error)
}

type ledgerEntryRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewLedgerEntryRepo(db *gorm.DB, baseLog *logger.Logger) LedgerEntryRepo {
	return &ledgerEntryRepo{
		db:  db,
		log: baseLog.With("repo", "LedgerEntryRepo"),
	}
}

// Insert uses ON CONFLICT DO NOTHING rather than catching the unique violation:
// a failed statement would poison an enclosing Postgres transaction.
func (r *ledgerEntryRepo) Insert(dbc dbctx.Context, e *tokens.LedgerEntry) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	res := transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "reference"}, {Name: "kind"}},
			DoNothing: true,
		}).
		Create(e)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Get returns nil, nil when no entry exists.
func (r *ledgerEntryRepo) Get(dbc dbctx.Context, reference string, kind tokens.EntryKind) (*tokens.LedgerEntry, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var e tokens.LedgerEntry
	err := transaction.WithContext(dbc.Ctx).
		Where("reference = ? AND kind = ?", reference, kind).
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}
