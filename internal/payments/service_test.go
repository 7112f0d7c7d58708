package payments

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rphhhh-ubt/fantola-sub001/internal/accounting"
	"github.com/rphhhh-ubt/fantola-sub001/internal/accounting/sqlite"
	"github.com/rphhhh-ubt/fantola-sub001/internal/plans"
	"github.com/rphhhh-ubt/fantola-sub001/internal/tokens"
)

func newService(t *testing.T) (*Service, accounting.Store) {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "payments.db"))
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	table := plans.Default()
	tok := tokens.New(store, table, nil, nil, nil)
	return New(store, tok, nil, table, nil, nil), store
}

func seedPayment(t *testing.T, store accounting.Store, externalID string, userID int64, tier string) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.CreateAccount(ctx, accounting.Account{UserID: userID, TokensBalance: 100}); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if _, err := store.CreatePayment(ctx, accounting.Payment{
		ExternalID:       externalID,
		UserID:           userID,
		Status:           accounting.PaymentPending,
		SubscriptionTier: tier,
		AmountCents:      590,
	}); err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
}

func TestSuccessfulPaymentGrantsOnce(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	seedPayment(t, store, "pay-1", 42, "starter")

	ev := Event{PaymentID: "pay-1", UserID: 42, SubscriptionTier: plans.TierStarter}
	out := svc.ProcessSuccessfulPayment(ctx, ev)
	if !out.Success || out.AlreadyProcessed {
		t.Fatalf("first delivery should process: %+v", out)
	}
	if out.TokensGranted != 500 {
		t.Fatalf("starter grants 500, got %d", out.TokensGranted)
	}
	if !out.SubscriptionActivated {
		t.Fatal("subscription should be activated")
	}

	acct, _ := store.GetAccount(ctx, 42)
	if acct.TokensBalance != 600 {
		t.Fatalf("expected balance 600, got %d", acct.TokensBalance)
	}
	if acct.SubscriptionTier != "starter" {
		t.Fatalf("expected starter subscription, got %q", acct.SubscriptionTier)
	}

	// Duplicate delivery: acknowledged, no second grant.
	out = svc.ProcessSuccessfulPayment(ctx, ev)
	if !out.Success || !out.AlreadyProcessed {
		t.Fatalf("duplicate should be acknowledged: %+v", out)
	}
	acct, _ = store.GetAccount(ctx, 42)
	if acct.TokensBalance != 600 {
		t.Fatalf("duplicate delivery changed balance to %d", acct.TokensBalance)
	}
}

func TestSuccessAfterTerminalStateIsRejected(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	seedPayment(t, store, "pay-2", 7, "starter")

	ev := Event{PaymentID: "pay-2", UserID: 7}
	if out := svc.ProcessCanceledPayment(ctx, ev); !out.Success {
		t.Fatalf("cancel failed: %+v", out)
	}
	out := svc.ProcessSuccessfulPayment(ctx, Event{PaymentID: "pay-2", UserID: 7, SubscriptionTier: plans.TierStarter})
	if out.Success {
		t.Fatal("a canceled payment must not succeed later")
	}
}

func TestCanceledIsIdempotent(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	seedPayment(t, store, "pay-3", 7, "")

	ev := Event{PaymentID: "pay-3", UserID: 7}
	if out := svc.ProcessCanceledPayment(ctx, ev); !out.Success || out.AlreadyProcessed {
		t.Fatalf("first cancel: %+v", out)
	}
	if out := svc.ProcessCanceledPayment(ctx, ev); !out.Success || !out.AlreadyProcessed {
		t.Fatalf("second cancel should be acknowledged: %+v", out)
	}
}

func TestUnknownPayment(t *testing.T) {
	svc, _ := newService(t)
	out := svc.ProcessSuccessfulPayment(context.Background(), Event{PaymentID: "ghost"})
	if out.Success {
		t.Fatal("unknown payment must fail")
	}
	if out.Err != "Payment not found" {
		t.Fatalf("unexpected error: %q", out.Err)
	}
}

func TestRefundClawsBackAndCancels(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	seedPayment(t, store, "pay-4", 42, "starter")

	ev := Event{PaymentID: "pay-4", UserID: 42, SubscriptionTier: plans.TierStarter}
	if out := svc.ProcessSuccessfulPayment(ctx, ev); !out.Success {
		t.Fatalf("succeed: %+v", out)
	}

	// Spend most of the grant, then refund: the clawback overdrafts.
	tok := tokens.New(store, plans.Default(), nil, nil, nil)
	if res := tok.Debit(ctx, 42, tokens.DebitRequest{OperationType: "video_generation", Amount: 550}); !res.OK {
		t.Fatalf("spend: %s", res.Err)
	}

	out := svc.ProcessRefund(ctx, ev)
	if !out.Success {
		t.Fatalf("refund: %+v", out)
	}

	acct, _ := store.GetAccount(ctx, 42)
	if acct.TokensBalance != -450 {
		t.Fatalf("expected balance -450 after clawback, got %d", acct.TokensBalance)
	}
	if acct.SubscriptionTier != "" {
		t.Fatalf("subscription should be canceled, got %q", acct.SubscriptionTier)
	}

	// Refund of a refund: acknowledged, no double clawback.
	out = svc.ProcessRefund(ctx, ev)
	if !out.Success || !out.AlreadyProcessed {
		t.Fatalf("second refund: %+v", out)
	}
	acct, _ = store.GetAccount(ctx, 42)
	if acct.TokensBalance != -450 {
		t.Fatalf("duplicate refund changed balance to %d", acct.TokensBalance)
	}
}

func TestRefundRequiresSucceededState(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	seedPayment(t, store, "pay-5", 7, "starter")

	out := svc.ProcessRefund(ctx, Event{PaymentID: "pay-5", UserID: 7})
	if out.Success {
		t.Fatal("pending payment cannot be refunded")
	}
}
