package payments

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/rphhhh-ubt/fantola-sub001/internal/accounting"
	"github.com/rphhhh-ubt/fantola-sub001/internal/plans"
	"github.com/rphhhh-ubt/fantola-sub001/internal/tokens"
)

// Operation types written to the ledger by payment processing.
const (
	OpSubscriptionPayment = "subscription_payment"
	OpSubscriptionRefund  = "subscription_refund"
)

// Recorder receives payment metrics. Implemented by metrics.Collector.
type Recorder interface {
	RecordPaymentProcessed(tier string)
	RecordPaymentDuplicate()
	RecordRefundProcessed()
}

// Activator manages the subscription attached to an account.
// The default implementation writes through the accounting store; a billing
// system integration can replace it.
type Activator interface {
	Activate(ctx context.Context, userID int64, tier plans.Tier) error
	Cancel(ctx context.Context, userID int64) error
}

// StoreActivator activates subscriptions directly on the accounting store
// with a 30-day term.
type StoreActivator struct {
	Store accounting.Store
	Term  time.Duration
}

func (a StoreActivator) term() time.Duration {
	if a.Term > 0 {
		return a.Term
	}
	return 30 * 24 * time.Hour
}

func (a StoreActivator) Activate(ctx context.Context, userID int64, tier plans.Tier) error {
	return a.Store.ActivateSubscription(ctx, userID, string(tier), time.Now().UTC().Add(a.term()))
}

func (a StoreActivator) Cancel(ctx context.Context, userID int64) error {
	return a.Store.CancelSubscription(ctx, userID)
}

// Event is the normalized payment-provider notification. Vendor-specific
// parsing happens at the HTTP boundary; this type is what the state machine
// consumes.
type Event struct {
	PaymentID        string
	UserID           int64
	SubscriptionTier plans.Tier
	AmountCents      int64
	Metadata         map[string]string
}

// Outcome reports what a webhook delivery did. Business-rule failures set
// Success=false and Err; duplicates are successes with AlreadyProcessed.
type Outcome struct {
	Success               bool   `json:"success"`
	TokensGranted         int64  `json:"tokens_granted,omitempty"`
	SubscriptionActivated bool   `json:"subscription_activated,omitempty"`
	AlreadyProcessed      bool   `json:"already_processed,omitempty"`
	Err                   string `json:"error,omitempty"`
}

// Service drives payment rows through their lifecycle and credits tokens
// exactly once per external payment id. Idempotency rests on the store's
// atomic ClaimPayment transition, not on a read-then-write check.
type Service struct {
	store     accounting.Store
	tokens    *tokens.Service
	activator Activator
	table     *plans.Table
	recorder  Recorder
	log       *log.Logger
}

// New creates a payment service. recorder may be nil; a nil activator
// defaults to StoreActivator.
func New(store accounting.Store, tok *tokens.Service, activator Activator, table *plans.Table, recorder Recorder, logger *log.Logger) *Service {
	if activator == nil {
		activator = StoreActivator{Store: store}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Service{store: store, tokens: tok, activator: activator, table: table, recorder: recorder, log: logger}
}

// ProcessSuccessfulPayment handles a payment.succeeded notification.
// A payment already in the succeeded (or refunded) state is re-acknowledged
// without touching balances.
func (s *Service) ProcessSuccessfulPayment(ctx context.Context, ev Event) Outcome {
	p, claimed, err := s.store.ClaimPayment(ctx, ev.PaymentID,
		[]accounting.PaymentStatus{accounting.PaymentPending}, accounting.PaymentSucceeded)
	if err != nil {
		return s.claimFailure(ev.PaymentID, err)
	}
	if !claimed {
		if p.Status == accounting.PaymentSucceeded || p.Status == accounting.PaymentRefunded {
			if s.recorder != nil {
				s.recorder.RecordPaymentDuplicate()
			}
			s.log.Printf("[INFO] payments: duplicate delivery payment_id=%s status=%s", ev.PaymentID, p.Status)
			return Outcome{Success: true, AlreadyProcessed: true}
		}
		return Outcome{Err: fmt.Sprintf("payment %s is %s and cannot succeed", ev.PaymentID, p.Status)}
	}

	userID := p.UserID
	if userID == 0 {
		userID = ev.UserID
	}
	out := Outcome{Success: true}

	tier := ev.SubscriptionTier
	if tier == "" && p.SubscriptionTier != "" {
		tier = plans.Tier(p.SubscriptionTier)
	}
	if tier != "" {
		if err := s.activator.Activate(ctx, userID, tier); err != nil {
			s.log.Printf("[ERROR] payments: subscription activation failed payment_id=%s user_id=%d: %v", ev.PaymentID, userID, err)
			return Outcome{Err: fmt.Sprintf("activate subscription: %v", err)}
		}
		out.SubscriptionActivated = true

		plan := s.table.Plan(tier)
		res := s.tokens.Credit(ctx, userID, tokens.CreditRequest{
			OperationType: OpSubscriptionPayment,
			Amount:        plan.MonthlyTokens,
			Metadata: accounting.Metadata{
				"payment_id": ev.PaymentID,
				"tier":       string(tier),
			},
		})
		if !res.OK {
			// The payment is marked succeeded but tokens were not granted;
			// surface loudly, this needs reconciliation.
			s.log.Printf("[ALERT] payments: token grant failed after claim payment_id=%s user_id=%d: %s", ev.PaymentID, userID, res.Err)
			return Outcome{Err: res.Err}
		}
		out.TokensGranted = plan.MonthlyTokens
	}

	if s.recorder != nil {
		s.recorder.RecordPaymentProcessed(string(tier))
	}
	s.log.Printf("[INFO] payments: processed payment_id=%s user_id=%d tier=%s tokens=%d",
		ev.PaymentID, userID, tier, out.TokensGranted)
	return out
}

// ProcessCanceledPayment marks a pending payment canceled.
func (s *Service) ProcessCanceledPayment(ctx context.Context, ev Event) Outcome {
	return s.terminate(ctx, ev, accounting.PaymentCanceled)
}

// ProcessFailedPayment marks a pending payment failed.
func (s *Service) ProcessFailedPayment(ctx context.Context, ev Event) Outcome {
	return s.terminate(ctx, ev, accounting.PaymentFailed)
}

func (s *Service) terminate(ctx context.Context, ev Event, to accounting.PaymentStatus) Outcome {
	p, claimed, err := s.store.ClaimPayment(ctx, ev.PaymentID,
		[]accounting.PaymentStatus{accounting.PaymentPending}, to)
	if err != nil {
		return s.claimFailure(ev.PaymentID, err)
	}
	if !claimed {
		if p.Status == to {
			return Outcome{Success: true, AlreadyProcessed: true}
		}
		return Outcome{Err: fmt.Sprintf("payment %s is %s and cannot become %s", ev.PaymentID, p.Status, to)}
	}
	s.log.Printf("[INFO] payments: payment_id=%s marked %s", ev.PaymentID, to)
	return Outcome{Success: true}
}

// ProcessRefund reverses a succeeded payment: the tier allocation is
// debited back with overdraft explicitly allowed (the user may have spent
// the tokens already) and the subscription is canceled immediately.
func (s *Service) ProcessRefund(ctx context.Context, ev Event) Outcome {
	p, claimed, err := s.store.ClaimPayment(ctx, ev.PaymentID,
		[]accounting.PaymentStatus{accounting.PaymentSucceeded}, accounting.PaymentRefunded)
	if err != nil {
		return s.claimFailure(ev.PaymentID, err)
	}
	if !claimed {
		if p.Status == accounting.PaymentRefunded {
			return Outcome{Success: true, AlreadyProcessed: true}
		}
		return Outcome{Err: fmt.Sprintf("payment %s is %s and cannot be refunded", ev.PaymentID, p.Status)}
	}

	userID := p.UserID
	if userID == 0 {
		userID = ev.UserID
	}
	tier := plans.Tier(p.SubscriptionTier)
	if tier == "" {
		tier = ev.SubscriptionTier
	}

	if tier != "" {
		plan := s.table.Plan(tier)
		res := s.tokens.Debit(ctx, userID, tokens.DebitRequest{
			OperationType:  OpSubscriptionRefund,
			Amount:         plan.MonthlyTokens,
			AllowOverdraft: true,
			Metadata: accounting.Metadata{
				"payment_id": ev.PaymentID,
				"tier":       string(tier),
			},
		})
		if !res.OK {
			s.log.Printf("[ALERT] payments: refund clawback failed payment_id=%s user_id=%d: %s", ev.PaymentID, userID, res.Err)
			return Outcome{Err: res.Err}
		}
	}

	if err := s.activator.Cancel(ctx, userID); err != nil {
		s.log.Printf("[ERROR] payments: subscription cancel failed payment_id=%s user_id=%d: %v", ev.PaymentID, userID, err)
		return Outcome{Err: fmt.Sprintf("cancel subscription: %v", err)}
	}

	if s.recorder != nil {
		s.recorder.RecordRefundProcessed()
	}
	s.log.Printf("[INFO] payments: refunded payment_id=%s user_id=%d tier=%s", ev.PaymentID, userID, tier)
	return Outcome{Success: true}
}

func (s *Service) claimFailure(paymentID string, err error) Outcome {
	if errors.Is(err, accounting.ErrPaymentNotFound) {
		return Outcome{Err: "Payment not found"}
	}
	s.log.Printf("[ERROR] payments: claim failed payment_id=%s: %v", paymentID, err)
	return Outcome{Err: err.Error()}
}
