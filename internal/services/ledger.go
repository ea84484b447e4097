package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/inferbridge-backend/internal/data/repos"
	types "github.com/yungbote/inferbridge-backend/internal/domain"
	"github.com/yungbote/inferbridge-backend/internal/domain/tokens"
	"github.com/yungbote/inferbridge-backend/internal/observability"
	"github.com/yungbote/inferbridge-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/inferbridge-backend/internal/pkg/errors"
	"github.com/yungbote/inferbridge-backend/internal/platform/logger"
)

var ErrInsufficientFunds = errors.New("insufficient tokens")

// LedgerService owns every balance mutation. Job-scoped debits and refunds are
// keyed by job id in the ledger so redelivered tasks never charge or refund
// twice.
type LedgerService interface {
	CheckSolvency(ctx context.Context, email string, cost tokens.Amount) (bool, error)
	Debit(ctx context.Context, email string, amount tokens.Amount) (tokens.Amount, error)
	Credit(ctx context.Context, email string, amount tokens.Amount) (tokens.Amount, error)
	DebitForJob(dbc dbctx.Context, job *types.InferenceJob) error
	RefundJob(dbc dbctx.Context, job *types.InferenceJob) (bool, error)
	EnsureAccount(ctx context.Context, email string) (*types.TokenAccount, error)
	Balance(ctx context.Context, email string) (tokens.Amount, error)
	TopUp(ctx context.Context, email string, amount tokens.Amount) (*types.TokenAccount, error)
	Pricing() tokens.Pricing
}

type ledgerService struct {
	db       *gorm.DB
	log      *logger.Logger
	accounts repos.AccountRepo
	entries  repos.LedgerEntryRepo
	pricing  tokens.Pricing
	metrics  *observability.Metrics
}

func NewLedgerService(
	db *gorm.DB,
	baseLog *logger.Logger,
	accounts repos.AccountRepo,
	entries repos.LedgerEntryRepo,
	pricing tokens.Pricing,
	metrics *observability.Metrics,
) LedgerService {
	return &ledgerService{
		db:       db,
		log:      baseLog.With("service", "LedgerService"),
		accounts: accounts,
		entries:  entries,
		pricing:  pricing,
		metrics:  metrics,
	}
}

func (s *ledgerService) Pricing() tokens.Pricing { return s.pricing }

func (s *ledgerService) EnsureAccount(ctx context.Context, email string) (*types.TokenAccount, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, fmt.Errorf("ensure account: %w: email required", pkgerrors.ErrInvalidArgument)
	}
	return s.accounts.Ensure(dbctx.New(ctx), email, s.pricing.InitialBalance)
}

// CheckSolvency is advisory only. The authoritative check is the conditional
// UPDATE in Debit/DebitForJob.
func (s *ledgerService) CheckSolvency(ctx context.Context, email string, cost tokens.Amount) (bool, error) {
	acct, err := s.EnsureAccount(ctx, email)
	if err != nil {
		return false, err
	}
	return acct.Balance >= cost, nil
}

func (s *ledgerService) Balance(ctx context.Context, email string) (tokens.Amount, error) {
	acct, err := s.EnsureAccount(ctx, email)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

func (s *ledgerService) Debit(ctx context.Context, email string, amount tokens.Amount) (tokens.Amount, error) {
	if amount < 0 {
		return 0, fmt.Errorf("debit: %w: negative amount", pkgerrors.ErrInvalidArgument)
	}
	var balance tokens.Amount
	err := dbctx.InTx(dbctx.New(ctx), s.db, func(dbc dbctx.Context) error {
		if err := s.debitTx(dbc, email, amount); err != nil {
			return err
		}
		acct, err := s.accounts.Get(dbc, email)
		if err != nil {
			return err
		}
		balance = acct.Balance
		return nil
	})
	s.observe("debit", err)
	if err != nil {
		return 0, err
	}
	s.metrics.AddTokensDebited(amount.Float64())
	return balance, nil
}

func (s *ledgerService) Credit(ctx context.Context, email string, amount tokens.Amount) (tokens.Amount, error) {
	if amount < 0 {
		return 0, fmt.Errorf("credit: %w: negative amount", pkgerrors.ErrInvalidArgument)
	}
	var balance tokens.Amount
	err := dbctx.InTx(dbctx.New(ctx), s.db, func(dbc dbctx.Context) error {
		ok, err := s.accounts.Credit(dbc, email, amount)
		if err != nil {
			return err
		}
		if !ok {
			return repos.ErrAccountNotFound
		}
		acct, err := s.accounts.Get(dbc, email)
		if err != nil {
			return err
		}
		balance = acct.Balance
		return nil
	})
	s.observe("credit", err)
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// DebitForJob charges job.TokenCost to the owner once per job id. A replayed
// call after a successful debit is a no-op; a failed debit leaves no ledger
// entry behind because both writes share a transaction.
func (s *ledgerService) DebitForJob(dbc dbctx.Context, job *types.InferenceJob) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("debit for job: %w: job required", pkgerrors.ErrInvalidArgument)
	}
	charged := false
	err := dbctx.InTx(dbc, s.db, func(dbc dbctx.Context) error {
		inserted, err := s.entries.Insert(dbc, &tokens.LedgerEntry{
			Email:     job.OwnerEmail,
			Reference: job.ID,
			Kind:      tokens.EntryDebit,
			Amount:    job.TokenCost,
		})
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}
		if err := s.debitTx(dbc, job.OwnerEmail, job.TokenCost); err != nil {
			return err
		}
		charged = true
		return nil
	})
	s.observe("debit_job", err)
	if err != nil {
		return err
	}
	if charged {
		s.metrics.AddTokensDebited(job.TokenCost.Float64())
		s.log.Info("Job debited", "job_id", job.ID, "email", job.OwnerEmail, "amount", job.TokenCost.String())
	} else {
		s.log.Debug("Job debit already recorded", "job_id", job.ID)
	}
	return nil
}

// RefundJob returns exactly the amount debited for job, at most once. It
// reports whether tokens were credited by this call.
func (s *ledgerService) RefundJob(dbc dbctx.Context, job *types.InferenceJob) (bool, error) {
	if job == nil || job.ID == "" {
		return false, fmt.Errorf("refund job: %w: job required", pkgerrors.ErrInvalidArgument)
	}
	var refunded tokens.Amount
	err := dbctx.InTx(dbc, s.db, func(dbc dbctx.Context) error {
		debit, err := s.entries.Get(dbc, job.ID, tokens.EntryDebit)
		if err != nil {
			return err
		}
		if debit == nil {
			return nil
		}
		inserted, err := s.entries.Insert(dbc, &tokens.LedgerEntry{
			Email:     debit.Email,
			Reference: job.ID,
			Kind:      tokens.EntryRefund,
			Amount:    debit.Amount,
		})
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}
		ok, err := s.accounts.Credit(dbc, debit.Email, debit.Amount)
		if err != nil {
			return err
		}
		if !ok {
			return repos.ErrAccountNotFound
		}
		refunded = debit.Amount
		return nil
	})
	s.observe("refund_job", err)
	if err != nil {
		return false, err
	}
	if refunded > 0 {
		s.metrics.AddTokensRefunded(refunded.Float64())
		s.log.Info("Job refunded", "job_id", job.ID, "email", job.OwnerEmail, "amount", refunded.String())
		return true, nil
	}
	return false, nil
}

// TopUp credits an existing account on behalf of an administrator.
func (s *ledgerService) TopUp(ctx context.Context, email string, amount tokens.Amount) (*types.TokenAccount, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, fmt.Errorf("top up: %w: email required", pkgerrors.ErrInvalidArgument)
	}
	if amount <= 0 || (s.pricing.MaxTopUp > 0 && amount > s.pricing.MaxTopUp) {
		return nil, fmt.Errorf("top up: %w: amount must be between 0 and %s", pkgerrors.ErrInvalidArgument, s.pricing.MaxTopUp)
	}
	var acct *types.TokenAccount
	err := dbctx.InTx(dbctx.New(ctx), s.db, func(dbc dbctx.Context) error {
		ok, err := s.accounts.Credit(dbc, email, amount)
		if err != nil {
			return err
		}
		if !ok {
			return repos.ErrAccountNotFound
		}
		if _, err := s.entries.Insert(dbc, &tokens.LedgerEntry{
			Email:     email,
			Reference: uuid.NewString(),
			Kind:      tokens.EntryTopUp,
			Amount:    amount,
		}); err != nil {
			return err
		}
		acct, err = s.accounts.Get(dbc, email)
		return err
	})
	s.observe("topup", err)
	if err != nil {
		return nil, err
	}
	s.metrics.AddTokensTopUp(amount.Float64())
	s.log.Info("Account topped up", "email", email, "amount", amount.String(), "balance", acct.Balance.String())
	return acct, nil
}

func (s *ledgerService) debitTx(dbc dbctx.Context, email string, amount tokens.Amount) error {
	ok, err := s.accounts.DebitIfSufficient(dbc, email, amount)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if _, err := s.accounts.Get(dbc, email); err != nil {
		return err
	}
	return ErrInsufficientFunds
}

func (s *ledgerService) observe(op string, err error) {
	switch {
	case err == nil:
		s.metrics.IncLedgerOp(op, "ok")
	case errors.Is(err, ErrInsufficientFunds):
		s.metrics.IncLedgerOp(op, "insufficient")
	case errors.Is(err, repos.ErrAccountNotFound):
		s.metrics.IncLedgerOp(op, "no_account")
	default:
		s.metrics.IncLedgerOp(op, "error")
		s.log.Warn("Ledger operation failed", "op", op, "error", err)
	}
}
