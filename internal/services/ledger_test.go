package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"gorm.io/gorm"

	"github.com/yungbote/inferbridge-backend/internal/data/repos"
	"github.com/yungbote/inferbridge-backend/internal/data/repos/testutil"
	"github.com/yungbote/inferbridge-backend/internal/domain/jobs"
	"github.com/yungbote/inferbridge-backend/internal/domain/tokens"
	"github.com/yungbote/inferbridge-backend/internal/pkg/dbctx"
)

func newTestLedger(t *testing.T, db *gorm.DB) LedgerService {
	t.Helper()
	log := testutil.Logger(t)
	return NewLedgerService(
		db,
		log,
		repos.NewAccountRepo(db, log),
		repos.NewLedgerEntryRepo(db, log),
		tokens.DefaultPricing(),
		nil,
	)
}

func TestLedgerDebitCreditRoundTrip(t *testing.T) {
	db := testutil.DB(t)
	ledger := newTestLedger(t, db)
	ctx := context.Background()
	testutil.SeedAccount(t, db, "a@example.com", tokens.FromFloat(10.125))

	for _, amt := range []tokens.Amount{tokens.FromFloat(0.001), tokens.FromFloat(1.5), tokens.FromFloat(3.333), tokens.FromInt(5)} {
		after, err := ledger.Debit(ctx, "a@example.com", amt)
		if err != nil {
			t.Fatalf("Debit(%s): %v", amt, err)
		}
		restored, err := ledger.Credit(ctx, "a@example.com", amt)
		if err != nil {
			t.Fatalf("Credit(%s): %v", amt, err)
		}
		if restored != tokens.FromFloat(10.125) || after+amt != restored {
			t.Fatalf("round trip %s: after=%s restored=%s", amt, after, restored)
		}
	}
}

func TestLedgerDebitErrors(t *testing.T) {
	db := testutil.DB(t)
	ledger := newTestLedger(t, db)
	ctx := context.Background()
	testutil.SeedAccount(t, db, "a@example.com", tokens.FromInt(1))

	if _, err := ledger.Debit(ctx, "a@example.com", tokens.FromFloat(1.5)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("Debit over balance: want ErrInsufficientFunds, got %v", err)
	}
	if _, err := ledger.Debit(ctx, "ghost@example.com", tokens.FromInt(1)); !errors.Is(err, repos.ErrAccountNotFound) {
		t.Fatalf("Debit missing account: want ErrAccountNotFound, got %v", err)
	}
	if _, err := ledger.Credit(ctx, "ghost@example.com", tokens.FromInt(1)); !errors.Is(err, repos.ErrAccountNotFound) {
		t.Fatalf("Credit missing account: want ErrAccountNotFound, got %v", err)
	}
	if got := testutil.Balance(t, db, "a@example.com"); got != tokens.FromInt(1) {
		t.Fatalf("balance changed after failed debit: %s", got)
	}
}

func TestLedgerConcurrentDebits(t *testing.T) {
	db := testutil.DB(t)
	ledger := newTestLedger(t, db)
	ctx := context.Background()

	balance := tokens.FromInt(10)
	cost := tokens.FromFloat(1.5)
	testutil.SeedAccount(t, db, "a@example.com", balance)

	const n = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Debit(ctx, "a@example.com", cost)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrInsufficientFunds) {
				t.Errorf("Debit: unexpected error %v", err)
			}
		}()
	}
	wg.Wait()

	want := int(balance / cost)
	if succeeded != want {
		t.Fatalf("succeeded debits: want %d, got %d", want, succeeded)
	}
	if got := testutil.Balance(t, db, "a@example.com"); got != balance-tokens.Amount(want)*cost {
		t.Fatalf("final balance: got %s", got)
	}
}

func TestLedgerJobDebitAndRefundAreIdempotent(t *testing.T) {
	db := testutil.DB(t)
	ledger := newTestLedger(t, db)
	dbc := dbctx.New(context.Background())

	testutil.SeedAccount(t, db, "a@example.com", tokens.FromInt(2))
	ds := testutil.SeedDataset(t, db, "a@example.com", "cams", tokens.FromFloat(1.5))
	job := testutil.SeedJob(t, db, "a@example.com", ds, jobs.StatusRunning)

	refunded, err := ledger.RefundJob(dbc, job)
	if err != nil || refunded {
		t.Fatalf("RefundJob before debit: refunded=%v err=%v", refunded, err)
	}

	for i := 0; i < 3; i++ {
		if err := ledger.DebitForJob(dbc, job); err != nil {
			t.Fatalf("DebitForJob #%d: %v", i, err)
		}
	}
	if got := testutil.Balance(t, db, "a@example.com"); got != tokens.FromFloat(0.5) {
		t.Fatalf("balance after debit: want 0.5, got %s", got)
	}

	for i := 0; i < 3; i++ {
		refunded, err := ledger.RefundJob(dbc, job)
		if err != nil {
			t.Fatalf("RefundJob #%d: %v", i, err)
		}
		if refunded != (i == 0) {
			t.Fatalf("RefundJob #%d: refunded=%v", i, refunded)
		}
	}
	if got := testutil.Balance(t, db, "a@example.com"); got != tokens.FromInt(2) {
		t.Fatalf("balance after refund: want 2, got %s", got)
	}
}

func TestLedgerDebitForJobInsufficientLeavesNoEntry(t *testing.T) {
	db := testutil.DB(t)
	ledger := newTestLedger(t, db)
	dbc := dbctx.New(context.Background())

	testutil.SeedAccount(t, db, "a@example.com", tokens.FromInt(1))
	ds := testutil.SeedDataset(t, db, "a@example.com", "cams", tokens.FromFloat(1.5))
	job := testutil.SeedJob(t, db, "a@example.com", ds, jobs.StatusRunning)

	if err := ledger.DebitForJob(dbc, job); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("DebitForJob: want ErrInsufficientFunds, got %v", err)
	}
	var n int64
	if err := db.Model(&tokens.LedgerEntry{}).Where("reference = ?", job.ID).Count(&n).Error; err != nil {
		t.Fatalf("count entries: %v", err)
	}
	if n != 0 {
		t.Fatalf("ledger entries after failed debit: %d", n)
	}
	refunded, err := ledger.RefundJob(dbc, job)
	if err != nil || refunded {
		t.Fatalf("RefundJob after failed debit: refunded=%v err=%v", refunded, err)
	}
}

func TestLedgerProvisioningAndTopUp(t *testing.T) {
	db := testutil.DB(t)
	ledger := newTestLedger(t, db)
	ctx := context.Background()

	if _, err := ledger.TopUp(ctx, "new@example.com", tokens.FromInt(5)); !errors.Is(err, repos.ErrAccountNotFound) {
		t.Fatalf("TopUp before provisioning: want ErrAccountNotFound, got %v", err)
	}

	bal, err := ledger.Balance(ctx, "new@example.com")
	if err != nil || bal != tokens.FromInt(1000) {
		t.Fatalf("Balance provisions initial tokens: bal=%s err=%v", bal, err)
	}
	ok, err := ledger.CheckSolvency(ctx, "new@example.com", tokens.FromInt(1001))
	if err != nil || ok {
		t.Fatalf("CheckSolvency over balance: ok=%v err=%v", ok, err)
	}

	acct, err := ledger.TopUp(ctx, "new@example.com", tokens.FromFloat(2.5))
	if err != nil || acct.Balance != tokens.FromFloat(1002.5) {
		t.Fatalf("TopUp: err=%v acct=%+v", err, acct)
	}
	for _, bad := range []tokens.Amount{0, -1, tokens.FromInt(20001)} {
		if _, err := ledger.TopUp(ctx, "new@example.com", bad); err == nil {
			t.Fatalf("TopUp(%s): expected error", bad)
		}
	}
}
