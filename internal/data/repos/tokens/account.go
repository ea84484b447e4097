package tokens

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/inferbridge-backend/internal/domain/tokens"
	"github.com/yungbote/inferbridge-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/inferbridge-backend/internal/pkg/errors"
	"github.com/yungbote/inferbridge-backend/internal/platform/logger"
)

var ErrAccountNotFound = fmt.Errorf("account %w", pkgerrors.ErrNotFound)

type AccountRepo interface {
	Ensure(dbc dbctx.Context, email string, initial tokens.Amount) (*tokens.Account, error)
	Get(dbc dbctx.Context, email string) (*tokens.Account, error)
	DebitIfSufficient(dbc dbctx.Context, email string, amount tokens.Amount) (bool, error)
	Credit(dbc dbctx.Context, email string, amount tokens.Amount) (bool, error)
}

type accountRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAccountRepo(db *gorm.DB, baseLog *logger.Logger) AccountRepo {
	return &accountRepo{
		db:  db,
		log: baseLog.With("repo", "AccountRepo"),
	}
}

// Ensure creates the account with the initial balance if it does not exist yet
// and returns the stored row. Concurrent callers never create two accounts.
func (r *accountRepo) Ensure(dbc dbctx.Context, email string, initial tokens.Amount) (*tokens.Account, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if email == "" {
		return nil, fmt.Errorf("ensure account: %w: email required", pkgerrors.ErrInvalidArgument)
	}
	now := time.Now().UTC()
	acct := &tokens.Account{Email: email, Balance: initial, CreatedAt: now, UpdatedAt: now}
	res := transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "email"}}, DoNothing: true}).
		Create(acct)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected > 0 {
		r.log.Info("Token account provisioned", "email", email, "balance", initial.String())
		return acct, nil
	}
	return r.Get(dbc, email)
}

func (r *accountRepo) Get(dbc dbctx.Context, email string) (*tokens.Account, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var acct tokens.Account
	err := transaction.WithContext(dbc.Ctx).Where("email = ?", email).First(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// DebitIfSufficient subtracts amount in one conditional UPDATE. The balance
// check and the write are the same statement, so two concurrent debits can
// never both pass a balance that only covers one of them.
func (r *accountRepo) DebitIfSufficient(dbc dbctx.Context, email string, amount tokens.Amount) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if amount < 0 {
		return false, fmt.Errorf("debit: %w: negative amount", pkgerrors.ErrInvalidArgument)
	}
	res := transaction.WithContext(dbc.Ctx).
		Model(&tokens.Account{}).
		Where("email = ? AND balance >= ?", email, amount).
		Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance - ?", amount),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *accountRepo) Credit(dbc dbctx.Context, email string, amount tokens.Amount) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if amount < 0 {
		return false, fmt.Errorf("credit: %w: negative amount", pkgerrors.ErrInvalidArgument)
	}
	res := transaction.WithContext(dbc.Ctx).
		Model(&tokens.Account{}).
		Where("email = ?", email).
		Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance + ?", amount),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
