package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Collector accumulates operational counters for the whole subsystem. It
// satisfies the Recorder ports declared by tokens, ratelimit, payments,
// jobs, and cache, so one instance is shared across all of them.
type Collector struct {
	mu sync.Mutex

	debitsByOp  map[string]int64
	creditsByOp map[string]int64
	tokensOut   int64
	tokensIn    int64

	accountingFailures map[string]int64

	denialsByOp map[string]int64

	paymentsByTier    map[string]int64
	paymentDuplicates int64
	refunds           int64

	jobsCompleted    map[string]int64
	jobsRetried      map[string]int64
	jobsDeadLettered map[string]int64
	rollbackFailures int64

	cacheHits     int64
	cacheMisses   int64
	cacheDegraded int64
}

func NewCollector() *Collector {
	return &Collector{
		debitsByOp:         make(map[string]int64),
		creditsByOp:        make(map[string]int64),
		accountingFailures: make(map[string]int64),
		denialsByOp:        make(map[string]int64),
		paymentsByTier:     make(map[string]int64),
		jobsCompleted:      make(map[string]int64),
		jobsRetried:        make(map[string]int64),
		jobsDeadLettered:   make(map[string]int64),
	}
}

func (c *Collector) RecordDebit(operationType string, amount int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.debitsByOp[operationType]++
	c.tokensOut += amount
}

func (c *Collector) RecordCredit(operationType string, amount int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creditsByOp[operationType]++
	c.tokensIn += amount
}

func (c *Collector) RecordAccountingFailure(operation string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accountingFailures[operation]++
}

func (c *Collector) RecordRateLimitDenial(operationType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.denialsByOp[operationType]++
}

func (c *Collector) RecordPaymentProcessed(tier string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paymentsByTier[tier]++
}

func (c *Collector) RecordPaymentDuplicate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paymentDuplicates++
}

func (c *Collector) RecordRefundProcessed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refunds++
}

func (c *Collector) RecordJobCompleted(queue string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobsCompleted[queue]++
}

func (c *Collector) RecordJobRetried(queue string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobsRetried[queue]++
}

func (c *Collector) RecordJobDeadLettered(queue string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobsDeadLettered[queue]++
}

func (c *Collector) RecordRollbackFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollbackFailures++
}

func (c *Collector) RecordCacheHit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheHits++
}

func (c *Collector) RecordCacheMiss() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheMisses++
}

func (c *Collector) RecordCacheDegraded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheDegraded++
}

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	DebitsByOperation  map[string]int64 `json:"debits_by_operation"`
	CreditsByOperation map[string]int64 `json:"credits_by_operation"`
	TokensDebited      int64            `json:"tokens_debited"`
	TokensCredited     int64            `json:"tokens_credited"`
	AccountingFailures map[string]int64 `json:"accounting_failures"`
	DenialsByOperation map[string]int64 `json:"rate_limit_denials"`
	PaymentsByTier     map[string]int64 `json:"payments_by_tier"`
	PaymentDuplicates  int64            `json:"payment_duplicates"`
	Refunds            int64            `json:"refunds"`
	JobsCompleted      map[string]int64 `json:"jobs_completed"`
	JobsRetried        map[string]int64 `json:"jobs_retried"`
	JobsDeadLettered   map[string]int64 `json:"jobs_dead_lettered"`
	RollbackFailures   int64            `json:"rollback_failures"`
	CacheHits          int64            `json:"cache_hits"`
	CacheMisses        int64            `json:"cache_misses"`
	CacheDegraded      int64            `json:"cache_degraded"`
}

func copyMap(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		DebitsByOperation:  copyMap(c.debitsByOp),
		CreditsByOperation: copyMap(c.creditsByOp),
		TokensDebited:      c.tokensOut,
		TokensCredited:     c.tokensIn,
		AccountingFailures: copyMap(c.accountingFailures),
		DenialsByOperation: copyMap(c.denialsByOp),
		PaymentsByTier:     copyMap(c.paymentsByTier),
		PaymentDuplicates:  c.paymentDuplicates,
		Refunds:            c.refunds,
		JobsCompleted:      copyMap(c.jobsCompleted),
		JobsRetried:        copyMap(c.jobsRetried),
		JobsDeadLettered:   copyMap(c.jobsDeadLettered),
		RollbackFailures:   c.rollbackFailures,
		CacheHits:          c.cacheHits,
		CacheMisses:        c.cacheMisses,
		CacheDegraded:      c.cacheDegraded,
	}
}

// FormatPrometheus renders the snapshot in the Prometheus text exposition
// format, counters only.
func (s Snapshot) FormatPrometheus() string {
	var b strings.Builder

	labeled := func(name, label string, m map[string]int64) {
		fmt.Fprintf(&b, "# TYPE %s counter\n", name)
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s{%s=%q} %d\n", name, label, k, m[k])
		}
	}
	scalar := func(name string, v int64) {
		fmt.Fprintf(&b, "# TYPE %s counter\n%s %d\n", name, name, v)
	}

	labeled("tokend_debits_total", "operation", s.DebitsByOperation)
	labeled("tokend_credits_total", "operation", s.CreditsByOperation)
	scalar("tokend_tokens_debited_total", s.TokensDebited)
	scalar("tokend_tokens_credited_total", s.TokensCredited)
	labeled("tokend_accounting_failures_total", "operation", s.AccountingFailures)
	labeled("tokend_ratelimit_denials_total", "operation", s.DenialsByOperation)
	labeled("tokend_payments_processed_total", "tier", s.PaymentsByTier)
	scalar("tokend_payment_duplicates_total", s.PaymentDuplicates)
	scalar("tokend_refunds_total", s.Refunds)
	labeled("tokend_jobs_completed_total", "queue", s.JobsCompleted)
	labeled("tokend_jobs_retried_total", "queue", s.JobsRetried)
	labeled("tokend_jobs_dead_lettered_total", "queue", s.JobsDeadLettered)
	scalar("tokend_rollback_failures_total", s.RollbackFailures)
	scalar("tokend_cache_hits_total", s.CacheHits)
	scalar("tokend_cache_misses_total", s.CacheMisses)
	scalar("tokend_cache_degraded_total", s.CacheDegraded)

	return b.String()
}
