package tokens

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/rphhhh-ubt/fantola-sub001/internal/accounting"
	"github.com/rphhhh-ubt/fantola-sub001/internal/plans"
)

// Operation types the service writes on its own behalf. Billable operation
// types (chatgpt_message, image_generation, ...) come from the plans table.
const (
	OpBalanceReset = "balance_reset"
	OpMonthlyReset = "monthly_reset"
	OpRollback     = "rollback"
)

// Recorder receives accounting metrics. Implemented by metrics.Collector;
// optional, a nil recorder is a no-op.
type Recorder interface {
	RecordDebit(operation string, amount int64)
	RecordCredit(operation string, amount int64)
	RecordAccountingFailure(reason string)
}

// Invalidator is notified after any committed balance change so cached
// views of the account can be dropped. Failures are the listener's problem,
// never the caller's.
type Invalidator interface {
	InvalidateUser(ctx context.Context, userID int64)
}

// Service performs atomic debit/credit/reset operations over user balances.
// Every mutation commits exactly one ledger entry in the same transaction
// as the balance write.
type Service struct {
	store      accounting.Store
	table      *plans.Table
	recorder   Recorder
	invalidate Invalidator
	log        *log.Logger
}

// New creates a token service. recorder and invalidate may be nil.
func New(store accounting.Store, table *plans.Table, recorder Recorder, invalidate Invalidator, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{store: store, table: table, recorder: recorder, invalidate: invalidate, log: logger}
}

// DebitRequest describes one token charge.
type DebitRequest struct {
	OperationType  string
	Amount         int64
	AllowOverdraft bool
	Metadata       accounting.Metadata
}

// CreditRequest describes one token grant.
type CreditRequest struct {
	OperationType string
	Amount        int64
	Metadata      accounting.Metadata
}

// Result is the outcome of a balance mutation. Business-rule failures are
// reported through OK=false and Err, never as Go errors, so callers can
// branch without error inspection.
type Result struct {
	OK            bool      `json:"success"`
	NewBalance    int64     `json:"new_balance,omitempty"`
	TokensSpent   int64     `json:"tokens_spent,omitempty"`
	LedgerEntryID uuid.UUID `json:"ledger_entry_id,omitempty"`
	Err           string    `json:"error,omitempty"`
	Deficit       int64     `json:"deficit,omitempty"`
}

func failure(format string, args ...interface{}) Result {
	return Result{Err: fmt.Sprintf(format, args...)}
}

// insufficientErr carries the deficit out of the Mutate callback.
type insufficientErr struct {
	deficit int64
}

func (e insufficientErr) Error() string {
	return fmt.Sprintf("insufficient balance: %d more tokens required", e.deficit)
}

// Debit removes tokens from the user's balance. The amount must be strictly
// positive; unless overdraft is allowed the balance must cover it.
func (s *Service) Debit(ctx context.Context, userID int64, req DebitRequest) Result {
	if req.Amount <= 0 {
		return failure("debit amount must be positive, got %d", req.Amount)
	}

	var spentBefore int64
	entry, err := s.store.Mutate(ctx, userID, func(acct *accounting.Account) (accounting.BalanceChange, error) {
		spentBefore = acct.TokensSpent
		if !req.AllowOverdraft && acct.TokensBalance < req.Amount {
			return accounting.BalanceChange{}, insufficientErr{deficit: req.Amount - acct.TokensBalance}
		}
		return accounting.BalanceChange{
			OperationType: req.OperationType,
			Amount:        -req.Amount,
			TrackSpent:    true,
			Metadata:      req.Metadata,
		}, nil
	})
	if err != nil {
		return s.mutationFailure(userID, req.OperationType, err)
	}

	s.afterCommit(ctx, userID)
	if s.recorder != nil {
		s.recorder.RecordDebit(req.OperationType, req.Amount)
	}
	return Result{
		OK:            true,
		NewBalance:    entry.BalanceAfter,
		TokensSpent:   spentBefore + req.Amount,
		LedgerEntryID: entry.ID,
	}
}

// Credit adds tokens to the user's balance.
func (s *Service) Credit(ctx context.Context, userID int64, req CreditRequest) Result {
	if req.Amount <= 0 {
		return failure("credit amount must be positive, got %d", req.Amount)
	}

	var spent int64
	entry, err := s.store.Mutate(ctx, userID, func(acct *accounting.Account) (accounting.BalanceChange, error) {
		spent = acct.TokensSpent
		return accounting.BalanceChange{
			OperationType: req.OperationType,
			Amount:        req.Amount,
			Metadata:      req.Metadata,
		}, nil
	})
	if err != nil {
		return s.mutationFailure(userID, req.OperationType, err)
	}

	s.afterCommit(ctx, userID)
	if s.recorder != nil {
		s.recorder.RecordCredit(req.OperationType, req.Amount)
	}
	return Result{
		OK:            true,
		NewBalance:    entry.BalanceAfter,
		TokensSpent:   spent,
		LedgerEntryID: entry.ID,
	}
}

// ResetBalance sets the balance to an absolute value, preserving the
// tokens_spent counter. Used for admin overrides and monthly renewals.
func (s *Service) ResetBalance(ctx context.Context, userID int64, newBalance int64, operationType string, meta accounting.Metadata) Result {
	if newBalance < 0 {
		return failure("reset balance must be non-negative, got %d", newBalance)
	}
	if operationType == "" {
		operationType = OpBalanceReset
	}

	var spent int64
	entry, err := s.store.Mutate(ctx, userID, func(acct *accounting.Account) (accounting.BalanceChange, error) {
		spent = acct.TokensSpent
		return accounting.BalanceChange{
			OperationType: operationType,
			Amount:        newBalance - acct.TokensBalance,
			Metadata:      meta,
		}, nil
	})
	if err != nil {
		return s.mutationFailure(userID, operationType, err)
	}

	s.afterCommit(ctx, userID)
	return Result{
		OK:            true,
		NewBalance:    entry.BalanceAfter,
		TokensSpent:   spent,
		LedgerEntryID: entry.ID,
	}
}

// ResetMonthly sets the balance to the tier's monthly allocation.
func (s *Service) ResetMonthly(ctx context.Context, userID int64, tier plans.Tier) Result {
	plan := s.table.Plan(tier)
	return s.ResetBalance(ctx, userID, plan.MonthlyTokens, OpMonthlyReset, accounting.Metadata{
		"tier": string(tier),
	})
}

// Affordability is the read-only answer to "can this user run this operation".
type Affordability struct {
	CanAfford bool  `json:"can_afford"`
	Balance   int64 `json:"balance"`
	Cost      int64 `json:"cost"`
	Deficit   int64 `json:"deficit,omitempty"`
}

// CanAfford checks the balance against the static cost table without
// mutating anything.
func (s *Service) CanAfford(ctx context.Context, userID int64, operationType string) (Affordability, error) {
	cost, ok := s.table.Cost(operationType)
	if !ok {
		return Affordability{}, fmt.Errorf("unknown operation type %q", operationType)
	}
	acct, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return Affordability{}, err
	}
	if acct == nil {
		return Affordability{}, accounting.ErrAccountNotFound
	}
	a := Affordability{Balance: acct.TokensBalance, Cost: cost}
	if acct.TokensBalance >= cost {
		a.CanAfford = true
	} else {
		a.Deficit = cost - acct.TokensBalance
	}
	return a, nil
}

// OperationCost returns the static cost for an operation type.
func (s *Service) OperationCost(operationType string) (int64, bool) {
	return s.table.Cost(operationType)
}

// Balance returns the current account state.
func (s *Service) Balance(ctx context.Context, userID int64) (*accounting.Account, error) {
	return s.store.GetAccount(ctx, userID)
}

func (s *Service) mutationFailure(userID int64, operation string, err error) Result {
	var insufficient insufficientErr
	switch {
	case errors.Is(err, accounting.ErrAccountNotFound):
		return failure("User not found")
	case errors.As(err, &insufficient):
		r := failure("%s", insufficient.Error())
		r.Deficit = insufficient.deficit
		return r
	default:
		// Infrastructure failure: log, count, surface verbatim.
		s.log.Printf("[ERROR] tokens: mutation failed user_id=%d operation=%s: %v", userID, operation, err)
		if s.recorder != nil {
			s.recorder.RecordAccountingFailure(operation)
		}
		return failure("%s", err.Error())
	}
}

// afterCommit fires the cache-invalidation hook. It runs after the
// transaction committed and cannot change the result.
func (s *Service) afterCommit(ctx context.Context, userID int64) {
	if s.invalidate == nil {
		return
	}
	s.invalidate.InvalidateUser(ctx, userID)
}
