package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rphhhh-ubt/fantola-sub001/internal/accounting"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "accounting.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedAccount(t *testing.T, store *Store, userID, balance int64) {
	t.Helper()
	if _, err := store.CreateAccount(context.Background(), accounting.Account{
		UserID:        userID,
		TokensBalance: balance,
	}); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
}

func TestMutateAppendsMatchingLedgerEntry(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	seedAccount(t, store, 42, 100)

	entry, err := store.Mutate(ctx, 42, func(acct *accounting.Account) (accounting.BalanceChange, error) {
		return accounting.BalanceChange{OperationType: "chatgpt_message", Amount: -5, TrackSpent: true}, nil
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if err := accounting.CheckEntry(*entry); err != nil {
		t.Fatalf("entry invariant: %v", err)
	}
	if entry.BalanceBefore != 100 || entry.BalanceAfter != 95 {
		t.Fatalf("unexpected balances: before=%d after=%d", entry.BalanceBefore, entry.BalanceAfter)
	}

	acct, err := store.GetAccount(ctx, 42)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct.TokensBalance != 95 {
		t.Fatalf("expected balance 95, got %d", acct.TokensBalance)
	}
	if acct.TokensSpent != 5 {
		t.Fatalf("expected spent 5, got %d", acct.TokensSpent)
	}
}

func TestMutateCreditLeavesSpentAlone(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	seedAccount(t, store, 7, 10)

	if _, err := store.Mutate(ctx, 7, func(acct *accounting.Account) (accounting.BalanceChange, error) {
		return accounting.BalanceChange{OperationType: "subscription_payment", Amount: 500}, nil
	}); err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	acct, err := store.GetAccount(ctx, 7)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct.TokensBalance != 510 {
		t.Fatalf("expected balance 510, got %d", acct.TokensBalance)
	}
	if acct.TokensSpent != 0 {
		t.Fatalf("credit must not move tokens_spent, got %d", acct.TokensSpent)
	}
}

func TestMutateCallbackErrorAborts(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	seedAccount(t, store, 9, 50)

	wantErr := errors.New("insufficient")
	if _, err := store.Mutate(ctx, 9, func(acct *accounting.Account) (accounting.BalanceChange, error) {
		return accounting.BalanceChange{}, wantErr
	}); !errors.Is(err, wantErr) {
		t.Fatalf("expected callback error, got %v", err)
	}

	acct, _ := store.GetAccount(ctx, 9)
	if acct.TokensBalance != 50 {
		t.Fatalf("aborted mutation changed balance to %d", acct.TokensBalance)
	}
	entries, err := store.LedgerEntries(ctx, 9, accounting.LedgerFilter{})
	if err != nil {
		t.Fatalf("LedgerEntries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("aborted mutation left %d ledger entries", len(entries))
	}
}

func TestMutateMissingAccount(t *testing.T) {
	store := newStore(t)
	_, err := store.Mutate(context.Background(), 404, func(acct *accounting.Account) (accounting.BalanceChange, error) {
		return accounting.BalanceChange{Amount: 1}, nil
	})
	if !errors.Is(err, accounting.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestLedgerFilterAndTotals(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	seedAccount(t, store, 1, 1000)

	mutate := func(op string, amount int64) {
		t.Helper()
		if _, err := store.Mutate(ctx, 1, func(acct *accounting.Account) (accounting.BalanceChange, error) {
			return accounting.BalanceChange{OperationType: op, Amount: amount, TrackSpent: amount < 0}, nil
		}); err != nil {
			t.Fatalf("Mutate %s: %v", op, err)
		}
	}
	mutate("chatgpt_message", -5)
	mutate("image_generation", -10)
	mutate("subscription_payment", 500)

	filtered, err := store.LedgerEntries(ctx, 1, accounting.LedgerFilter{OperationType: "image_generation"})
	if err != nil {
		t.Fatalf("LedgerEntries: %v", err)
	}
	if len(filtered) != 1 || filtered[0].TokensAmount != -10 {
		t.Fatalf("unexpected filtered entries: %+v", filtered)
	}

	totals, err := store.LedgerTotals(ctx, 1)
	if err != nil {
		t.Fatalf("LedgerTotals: %v", err)
	}
	if totals.Spent != 15 || totals.Earned != 500 {
		t.Fatalf("unexpected totals: %+v", totals)
	}
}

func TestPurgeLedgerBefore(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	seedAccount(t, store, 2, 100)

	if _, err := store.Mutate(ctx, 2, func(acct *accounting.Account) (accounting.BalanceChange, error) {
		return accounting.BalanceChange{OperationType: "chatgpt_message", Amount: -5, TrackSpent: true}, nil
	}); err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	n, err := store.PurgeLedgerBefore(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("PurgeLedgerBefore: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged entry, got %d", n)
	}
}

func TestClaimPaymentIsSingleWinner(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if _, err := store.CreatePayment(ctx, accounting.Payment{
		ExternalID: "pay-1", UserID: 42, SubscriptionTier: "starter", AmountCents: 590,
	}); err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}

	from := []accounting.PaymentStatus{accounting.PaymentPending}
	p, claimed, err := store.ClaimPayment(ctx, "pay-1", from, accounting.PaymentSucceeded)
	if err != nil {
		t.Fatalf("ClaimPayment: %v", err)
	}
	if !claimed || p.Status != accounting.PaymentSucceeded {
		t.Fatalf("first claim should win: claimed=%v status=%s", claimed, p.Status)
	}

	p, claimed, err = store.ClaimPayment(ctx, "pay-1", from, accounting.PaymentSucceeded)
	if err != nil {
		t.Fatalf("second ClaimPayment: %v", err)
	}
	if claimed {
		t.Fatal("second claim must not win")
	}
	if p.Status != accounting.PaymentSucceeded {
		t.Fatalf("second claim should report current state, got %s", p.Status)
	}
}

func TestClaimPaymentConcurrentObserversSeeClaimedState(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if _, err := store.CreatePayment(ctx, accounting.Payment{
		ExternalID: "pay-race", UserID: 42, SubscriptionTier: "starter", AmountCents: 590,
	}); err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}

	// Racing claims: exactly one wins, and every caller, winner or loser,
	// reads the post-claim row from the same transaction as its update.
	const racers = 8
	type outcome struct {
		claimed bool
		status  accounting.PaymentStatus
		err     error
	}
	results := make(chan outcome, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, claimed, err := store.ClaimPayment(ctx, "pay-race",
				[]accounting.PaymentStatus{accounting.PaymentPending}, accounting.PaymentSucceeded)
			if err != nil {
				results <- outcome{err: err}
				return
			}
			results <- outcome{claimed: claimed, status: p.Status}
		}()
	}
	wg.Wait()
	close(results)

	var winners int
	for out := range results {
		if out.err != nil {
			t.Fatalf("ClaimPayment: %v", out.err)
		}
		if out.claimed {
			winners++
		}
		if out.status != accounting.PaymentSucceeded {
			t.Fatalf("observer saw stale state %s", out.status)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func TestClaimPaymentMissing(t *testing.T) {
	store := newStore(t)
	_, _, err := store.ClaimPayment(context.Background(), "nope",
		[]accounting.PaymentStatus{accounting.PaymentPending}, accounting.PaymentSucceeded)
	if !errors.Is(err, accounting.ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	seedAccount(t, store, 5, 0)

	expires := time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Second)
	if err := store.ActivateSubscription(ctx, 5, "professional", expires); err != nil {
		t.Fatalf("ActivateSubscription: %v", err)
	}
	acct, _ := store.GetAccount(ctx, 5)
	if acct.SubscriptionTier != "professional" || acct.SubscriptionExpiresAt == nil {
		t.Fatalf("unexpected account after activation: %+v", acct)
	}

	if err := store.CancelSubscription(ctx, 5); err != nil {
		t.Fatalf("CancelSubscription: %v", err)
	}
	acct, _ = store.GetAccount(ctx, 5)
	if acct.SubscriptionTier != "" || acct.SubscriptionExpiresAt != nil {
		t.Fatalf("unexpected account after cancel: %+v", acct)
	}

	if err := store.ActivateSubscription(ctx, 404, "starter", expires); !errors.Is(err, accounting.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}
