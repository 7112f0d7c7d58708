package tokens

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rphhhh-ubt/fantola-sub001/internal/accounting"
	"github.com/rphhhh-ubt/fantola-sub001/internal/accounting/sqlite"
	"github.com/rphhhh-ubt/fantola-sub001/internal/plans"
)

func newService(t *testing.T) (*Service, accounting.Store) {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "tokens.db"))
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(store, plans.Default(), nil, nil, nil), store
}

func seed(t *testing.T, store accounting.Store, userID, balance int64) {
	t.Helper()
	if _, err := store.CreateAccount(context.Background(), accounting.Account{
		UserID:        userID,
		TokensBalance: balance,
	}); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
}

func TestDebitHappyPath(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	seed(t, store, 1, 100)

	res := svc.Debit(ctx, 1, DebitRequest{OperationType: "chatgpt_message", Amount: 5})
	if !res.OK {
		t.Fatalf("debit failed: %s", res.Err)
	}
	if res.NewBalance != 95 {
		t.Fatalf("expected balance 95, got %d", res.NewBalance)
	}
	if res.TokensSpent != 5 {
		t.Fatalf("expected spent 5, got %d", res.TokensSpent)
	}
	if res.LedgerEntryID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Fatal("missing ledger entry id")
	}
}

func TestDebitInsufficientBalance(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	seed(t, store, 1, 3)

	res := svc.Debit(ctx, 1, DebitRequest{OperationType: "chatgpt_message", Amount: 5})
	if res.OK {
		t.Fatal("debit should fail on insufficient balance")
	}
	if res.Deficit != 2 {
		t.Fatalf("expected deficit 2, got %d", res.Deficit)
	}

	// The failed debit must leave no trace.
	acct, _ := store.GetAccount(ctx, 1)
	if acct.TokensBalance != 3 || acct.TokensSpent != 0 {
		t.Fatalf("failed debit mutated account: %+v", acct)
	}
}

func TestDebitRejectsNonPositiveAmounts(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	seed(t, store, 1, 100)
	for _, amount := range []int64{0, -5} {
		res := svc.Debit(ctx, 1, DebitRequest{OperationType: "chatgpt_message", Amount: amount})
		if res.OK {
			t.Fatalf("debit of %d should fail", amount)
		}
	}

	// Rejected debits leave neither a balance change nor a ledger row.
	acct, _ := store.GetAccount(ctx, 1)
	if acct.TokensBalance != 100 || acct.TokensSpent != 0 {
		t.Fatalf("rejected debit mutated account: %+v", acct)
	}
	entries, err := store.LedgerEntries(ctx, 1, accounting.LedgerFilter{})
	if err != nil {
		t.Fatalf("LedgerEntries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("rejected debit wrote %d ledger entries", len(entries))
	}
}

func TestDebitOverdraft(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	seed(t, store, 1, 100)

	res := svc.Debit(ctx, 1, DebitRequest{OperationType: "subscription_refund", Amount: 500, AllowOverdraft: true})
	if !res.OK {
		t.Fatalf("overdraft debit failed: %s", res.Err)
	}
	if res.NewBalance != -400 {
		t.Fatalf("expected balance -400, got %d", res.NewBalance)
	}
}

func TestDebitMissingUser(t *testing.T) {
	svc, _ := newService(t)
	res := svc.Debit(context.Background(), 404, DebitRequest{OperationType: "chatgpt_message", Amount: 5})
	if res.OK || res.Err != "User not found" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestCreditAndSpentCounter(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	seed(t, store, 1, 100)

	if res := svc.Debit(ctx, 1, DebitRequest{OperationType: "image_generation", Amount: 10}); !res.OK {
		t.Fatalf("debit: %s", res.Err)
	}
	res := svc.Credit(ctx, 1, CreditRequest{OperationType: "subscription_payment", Amount: 500})
	if !res.OK {
		t.Fatalf("credit: %s", res.Err)
	}
	if res.NewBalance != 590 {
		t.Fatalf("expected balance 590, got %d", res.NewBalance)
	}
	if res.TokensSpent != 10 {
		t.Fatalf("credit must not move the spent counter, got %d", res.TokensSpent)
	}
}

func TestCreditRejectsNonPositiveAmounts(t *testing.T) {
	svc, store := newService(t)
	seed(t, store, 1, 0)
	if res := svc.Credit(context.Background(), 1, CreditRequest{OperationType: "bonus", Amount: 0}); res.OK {
		t.Fatal("zero credit should fail")
	}
}

func TestResetBalancePreservesSpent(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	seed(t, store, 1, 100)

	if res := svc.Debit(ctx, 1, DebitRequest{OperationType: "video_generation", Amount: 50}); !res.OK {
		t.Fatalf("debit: %s", res.Err)
	}
	res := svc.ResetBalance(ctx, 1, 2000, "", nil)
	if !res.OK {
		t.Fatalf("reset: %s", res.Err)
	}
	if res.NewBalance != 2000 {
		t.Fatalf("expected balance 2000, got %d", res.NewBalance)
	}

	acct, _ := store.GetAccount(ctx, 1)
	if acct.TokensSpent != 50 {
		t.Fatalf("reset must preserve tokens_spent, got %d", acct.TokensSpent)
	}

	entries, err := store.LedgerEntries(ctx, 1, accounting.LedgerFilter{OperationType: OpBalanceReset})
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one reset entry, got %d (err=%v)", len(entries), err)
	}
	if entries[0].TokensAmount != 1950 {
		t.Fatalf("reset entry should carry the delta, got %d", entries[0].TokensAmount)
	}
}

func TestResetMonthlyUsesTierAllocation(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	seed(t, store, 1, 37)

	res := svc.ResetMonthly(ctx, 1, plans.TierGift)
	if !res.OK {
		t.Fatalf("monthly reset: %s", res.Err)
	}
	if res.NewBalance != 100 {
		t.Fatalf("gift monthly allocation is 100, got %d", res.NewBalance)
	}
}

func TestCanAfford(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	seed(t, store, 1, 7)

	a, err := svc.CanAfford(ctx, 1, "chatgpt_message") // costs 5
	if err != nil {
		t.Fatalf("CanAfford: %v", err)
	}
	if !a.CanAfford || a.Balance != 7 || a.Cost != 5 {
		t.Fatalf("unexpected affordability: %+v", a)
	}

	a, err = svc.CanAfford(ctx, 1, "video_generation") // costs 50
	if err != nil {
		t.Fatalf("CanAfford: %v", err)
	}
	if a.CanAfford || a.Deficit != 43 {
		t.Fatalf("unexpected affordability: %+v", a)
	}

	if _, err := svc.CanAfford(ctx, 1, "teleportation"); err == nil {
		t.Fatal("unknown operation should error")
	}
}

type countingInvalidator struct {
	calls int
}

func (c *countingInvalidator) InvalidateUser(ctx context.Context, userID int64) { c.calls++ }

func TestMutationsInvalidateCache(t *testing.T) {
	store, err := sqlite.New(filepath.Join(t.TempDir(), "tokens.db"))
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	inv := &countingInvalidator{}
	svc := New(store, plans.Default(), nil, inv, nil)
	seed(t, store, 1, 100)

	ctx := context.Background()
	svc.Debit(ctx, 1, DebitRequest{OperationType: "chatgpt_message", Amount: 5})
	svc.Credit(ctx, 1, CreditRequest{OperationType: "subscription_payment", Amount: 10})
	svc.Debit(ctx, 1, DebitRequest{OperationType: "chatgpt_message", Amount: 10000}) // fails

	if inv.calls != 2 {
		t.Fatalf("expected 2 invalidations (failed debit must not fire), got %d", inv.calls)
	}
}
