package jobs

import (
	"context"
	"fmt"
	"log"

	"github.com/rphhhh-ubt/fantola-sub001/internal/accounting"
	"github.com/rphhhh-ubt/fantola-sub001/internal/tokens"
)

// LogAlerter writes alerts to the daemon log. Deployments route [ALERT]
// lines to paging.
type LogAlerter struct {
	Logger *log.Logger
}

func (a LogAlerter) logger() *log.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return log.Default()
}

func (a LogAlerter) Critical(msg string, args ...interface{}) {
	a.logger().Printf("[ALERT] "+msg, args...)
}

func (a LogAlerter) Warn(msg string, args ...interface{}) {
	a.logger().Printf("[WARN] "+msg, args...)
}

// Processor wraps a handler with status transitions, post-success token
// charging, failure handling, and the compensating-credit rollback path.
// One processor serves one queue with one token policy.
type Processor struct {
	handler HandlerFunc
	policy  TokenPolicy
	tokens  *tokens.Service
	records RecordStore
	alert   Alerter
	metrics Recorder
	log     *log.Logger
}

// NewProcessor builds a processor. alert defaults to LogAlerter; metrics
// may be nil.
func NewProcessor(handler HandlerFunc, policy TokenPolicy, tok *tokens.Service, records RecordStore, alert Alerter, metrics Recorder, logger *log.Logger) *Processor {
	if logger == nil {
		logger = log.Default()
	}
	if alert == nil {
		alert = LogAlerter{Logger: logger}
	}
	return &Processor{
		handler: handler,
		policy:  policy,
		tokens:  tok,
		records: records,
		alert:   alert,
		metrics: metrics,
		log:     logger,
	}
}

// chargeAmount resolves the policy amount, falling back to the cost table.
func (p *Processor) chargeAmount() (int64, error) {
	if p.policy.Amount > 0 {
		return p.policy.Amount, nil
	}
	cost, ok := p.tokens.OperationCost(p.policy.OperationType)
	if !ok {
		return 0, fmt.Errorf("no cost configured for operation %q", p.policy.OperationType)
	}
	return cost, nil
}

// Run executes one attempt. A returned error tells the queue the attempt
// failed; the queue decides between backoff retry and dead-lettering.
//
// Tokens are charged after success, never before. If the charge fails the
// completed work is not billable and the whole attempt fails. If the
// charge lands but finalizing the record throws, a compensating credit
// referencing the original ledger entry restores the balance; a failure of
// that credit is escalated as critical and not retried.
func (p *Processor) Run(ctx context.Context, job *Job) error {
	if err := p.records.MarkProcessing(ctx, job.RecordID); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	result, err := p.handler(ctx, job, func(pct int) {
		p.log.Printf("[INFO] jobs: progress queue=%s job_id=%s pct=%d", job.Queue, job.ID, pct)
	})
	if err != nil {
		p.handleFailure(ctx, job, err)
		return err
	}

	var debited *tokens.Result
	var debitedAmount int64
	if p.policy.Enabled {
		amount, aerr := p.chargeAmount()
		if aerr != nil {
			p.handleFailure(ctx, job, aerr)
			return aerr
		}
		res := p.tokens.Debit(ctx, job.UserID, tokens.DebitRequest{
			OperationType: p.policy.OperationType,
			Amount:        amount,
			Metadata: accounting.Metadata{
				"job_id":    job.ID.String(),
				"record_id": job.RecordID.String(),
			},
		})
		if !res.OK {
			// Successful work that cannot be billed is a failed job.
			derr := fmt.Errorf("post-success debit failed: %s", res.Err)
			p.handleFailure(ctx, job, derr)
			return derr
		}
		debited = &res
		debitedAmount = amount
	}

	if err := p.records.MarkCompleted(ctx, job.RecordID, result); err != nil {
		if debited != nil {
			p.rollback(ctx, job, debitedAmount, debited)
		}
		p.handleFailure(ctx, job, err)
		return fmt.Errorf("mark completed: %w", err)
	}

	if p.metrics != nil {
		p.metrics.RecordJobCompleted(job.Queue)
	}
	return nil
}

// handleFailure applies the charge-on-failure policy and logs the retry
// budget. The record stays processing until the queue dead-letters the job
// through Abandon.
func (p *Processor) handleFailure(ctx context.Context, job *Job, cause error) {
	if p.policy.Enabled && p.policy.ChargeOnFailure {
		amount, err := p.chargeAmount()
		if err == nil {
			// Fire-and-forget: a failed charge here is logged, not escalated.
			res := p.tokens.Debit(ctx, job.UserID, tokens.DebitRequest{
				OperationType: p.policy.OperationType,
				Amount:        amount,
				Metadata: accounting.Metadata{
					"job_id":            job.ID.String(),
					"charge_on_failure": "true",
				},
			})
			if !res.OK {
				p.log.Printf("[WARN] jobs: charge-on-failure debit failed queue=%s job_id=%s: %s", job.Queue, job.ID, res.Err)
			}
		}
	}

	p.log.Printf("[WARN] jobs: attempt failed queue=%s job_id=%s attempts=%d/%d: %v",
		job.Queue, job.ID, job.AttemptsMade+1, job.MaxAttempts, cause)
}

// rollback issues the compensating credit for a debit whose job ultimately
// failed after charging.
func (p *Processor) rollback(ctx context.Context, job *Job, amount int64, debited *tokens.Result) {
	res := p.tokens.Credit(ctx, job.UserID, tokens.CreditRequest{
		OperationType: tokens.OpRollback,
		Amount:        amount,
		Metadata: accounting.Metadata{
			"job_id":      job.ID.String(),
			"rollback_of": debited.LedgerEntryID.String(),
			"operation":   p.policy.OperationType,
		},
	})
	if !res.OK {
		if p.metrics != nil {
			p.metrics.RecordRollbackFailure()
		}
		p.alert.Critical("jobs: compensating credit failed, manual reconciliation required queue=%s job_id=%s user_id=%d ledger_entry=%s: %s",
			job.Queue, job.ID, job.UserID, debited.LedgerEntryID, res.Err)
		return
	}
	p.log.Printf("[INFO] jobs: rolled back debit queue=%s job_id=%s ledger_entry=%s", job.Queue, job.ID, debited.LedgerEntryID)
}

// Abandon marks the record failed once the queue has exhausted retries.
// Wire it as the queue's dead-letter handler.
func (p *Processor) Abandon(ctx context.Context, job *Job, cause error) {
	if p.metrics != nil {
		p.metrics.RecordJobDeadLettered(job.Queue)
	}
	p.alert.Warn("jobs: dead-lettered queue=%s job_id=%s attempts=%d: %v", job.Queue, job.ID, job.AttemptsMade, cause)
	if err := p.records.MarkFailed(ctx, job.RecordID, cause.Error()); err != nil {
		p.log.Printf("[ERROR] jobs: mark failed errored queue=%s job_id=%s: %v", job.Queue, job.ID, err)
	}
}
