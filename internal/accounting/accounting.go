package accounting

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Account is the balance-bearing record for one user. The balance and spent
// counters are mutated only through Store.Mutate.
type Account struct {
	UserID                int64      `json:"user_id"`
	Email                 string     `json:"email,omitempty"`
	TokensBalance         int64      `json:"tokens_balance"`
	TokensSpent           int64      `json:"tokens_spent"`
	SubscriptionTier      string     `json:"subscription_tier,omitempty"`
	SubscriptionExpiresAt *time.Time `json:"subscription_expires_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// Metadata is a flat string map stored as JSON in a single column.
type Metadata map[string]string

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src interface{}) error {
	if src == nil {
		*m = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("cannot scan %T into Metadata", src)
	}
}

// LedgerEntry is one immutable signed balance change with before/after
// snapshots. BalanceAfter always equals BalanceBefore + TokensAmount.
type LedgerEntry struct {
	ID            uuid.UUID `json:"id"`
	UserID        int64     `json:"user_id"`
	OperationType string    `json:"operation_type"`
	TokensAmount  int64     `json:"tokens_amount"`
	BalanceBefore int64     `json:"balance_before"`
	BalanceAfter  int64     `json:"balance_after"`
	Metadata      Metadata  `json:"metadata,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// BalanceChange is what a Mutate callback asks the store to apply.
// Amount is signed: negative debits, positive credits. TrackSpent adds the
// debited amount to the monotonic tokens_spent counter; balance resets and
// credits leave it false so the counter never moves backwards.
type BalanceChange struct {
	OperationType string
	Amount        int64
	TrackSpent    bool
	Metadata      Metadata
}

// LedgerFilter narrows ledger history queries.
type LedgerFilter struct {
	OperationType string
	From          time.Time
	To            time.Time
	Limit         int
	Offset        int
}

// LedgerTotals aggregates a user's lifetime token flow.
type LedgerTotals struct {
	Spent  int64 `json:"spent"`  // absolute sum of negative entries
	Earned int64 `json:"earned"` // sum of positive entries
}

// PaymentStatus is the lifecycle state of an external payment.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentCanceled  PaymentStatus = "canceled"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// Payment mirrors one payment-provider object. ExternalID is the provider's
// identifier and is unique; status moves monotonically toward a terminal state.
type Payment struct {
	ID               int64         `json:"id"`
	ExternalID       string        `json:"external_id"`
	UserID           int64         `json:"user_id"`
	Status           PaymentStatus `json:"status"`
	SubscriptionTier string        `json:"subscription_tier,omitempty"`
	AmountCents      int64         `json:"amount_cents"`
	Metadata         Metadata      `json:"metadata,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

var (
	// ErrAccountNotFound is returned by Mutate when the account row is absent.
	ErrAccountNotFound = errors.New("account not found")
	// ErrPaymentNotFound is returned when no payment row matches the external id.
	ErrPaymentNotFound = errors.New("payment not found")
)

// Store is the transactional persistence contract for accounts, ledger
// entries, and payments. Implementations live in the sqlite and postgres
// subpackages; both guarantee that the balance update and ledger append
// performed by Mutate commit or abort as one unit.
type Store interface {
	CreateAccount(ctx context.Context, acct Account) (*Account, error)
	GetAccount(ctx context.Context, userID int64) (*Account, error)
	ActivateSubscription(ctx context.Context, userID int64, tier string, expiresAt time.Time) error
	CancelSubscription(ctx context.Context, userID int64) error

	// Mutate loads the account row under a write lock, invokes fn with the
	// current state, applies the returned change, and appends the matching
	// ledger entry, all inside one transaction. An error from fn aborts the
	// transaction and is returned verbatim.
	Mutate(ctx context.Context, userID int64, fn func(acct *Account) (BalanceChange, error)) (*LedgerEntry, error)

	LedgerEntries(ctx context.Context, userID int64, filter LedgerFilter) ([]LedgerEntry, error)
	LedgerTotals(ctx context.Context, userID int64) (LedgerTotals, error)
	// PurgeLedgerBefore deletes entries older than cutoff (retention policy).
	// This is the only delete path for ledger rows.
	PurgeLedgerBefore(ctx context.Context, cutoff time.Time) (int64, error)

	CreatePayment(ctx context.Context, p Payment) (*Payment, error)
	GetPayment(ctx context.Context, externalID string) (*Payment, error)
	// ClaimPayment atomically transitions the payment from one of the given
	// states to the target state. It reports claimed=false without error when
	// the row exists but is not in a claimable state, which is how duplicate
	// webhook deliveries are detected.
	ClaimPayment(ctx context.Context, externalID string, from []PaymentStatus, to PaymentStatus) (*Payment, bool, error)

	Close() error
}

// CheckEntry validates the ledger arithmetic invariant.
func CheckEntry(e LedgerEntry) error {
	if e.BalanceAfter != e.BalanceBefore+e.TokensAmount {
		return fmt.Errorf("ledger entry %s violates balance invariant: %d + %d != %d",
			e.ID, e.BalanceBefore, e.TokensAmount, e.BalanceAfter)
	}
	return nil
}
