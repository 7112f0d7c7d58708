package metrics

import (
	"strings"
	"testing"
)

func TestCollectorAccumulates(t *testing.T) {
	c := NewCollector()

	c.RecordDebit("chatgpt_message", 5)
	c.RecordDebit("chatgpt_message", 5)
	c.RecordDebit("image_generation", 10)
	c.RecordCredit("payment", 500)
	c.RecordAccountingFailure("debit")
	c.RecordRateLimitDenial("chatgpt_message")
	c.RecordPaymentProcessed("starter")
	c.RecordPaymentDuplicate()
	c.RecordRefundProcessed()
	c.RecordJobCompleted("image_generation")
	c.RecordJobRetried("image_generation")
	c.RecordJobDeadLettered("video_generation")
	c.RecordRollbackFailure()
	c.RecordCacheHit()
	c.RecordCacheHit()
	c.RecordCacheMiss()
	c.RecordCacheDegraded()

	s := c.Snapshot()
	if s.DebitsByOperation["chatgpt_message"] != 2 || s.DebitsByOperation["image_generation"] != 1 {
		t.Fatalf("unexpected debits: %+v", s.DebitsByOperation)
	}
	if s.TokensDebited != 20 || s.TokensCredited != 500 {
		t.Fatalf("unexpected token totals: out=%d in=%d", s.TokensDebited, s.TokensCredited)
	}
	if s.AccountingFailures["debit"] != 1 {
		t.Fatalf("unexpected accounting failures: %+v", s.AccountingFailures)
	}
	if s.DenialsByOperation["chatgpt_message"] != 1 {
		t.Fatalf("unexpected denials: %+v", s.DenialsByOperation)
	}
	if s.PaymentsByTier["starter"] != 1 || s.PaymentDuplicates != 1 || s.Refunds != 1 {
		t.Fatalf("unexpected payment counters: %+v", s)
	}
	if s.JobsCompleted["image_generation"] != 1 || s.JobsRetried["image_generation"] != 1 || s.JobsDeadLettered["video_generation"] != 1 {
		t.Fatalf("unexpected job counters: %+v", s)
	}
	if s.RollbackFailures != 1 {
		t.Fatalf("unexpected rollback failures: %d", s.RollbackFailures)
	}
	if s.CacheHits != 2 || s.CacheMisses != 1 || s.CacheDegraded != 1 {
		t.Fatalf("unexpected cache counters: %+v", s)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	c := NewCollector()
	c.RecordDebit("chatgpt_message", 5)

	s := c.Snapshot()
	s.DebitsByOperation["chatgpt_message"] = 99

	if got := c.Snapshot().DebitsByOperation["chatgpt_message"]; got != 1 {
		t.Fatalf("snapshot mutation leaked into collector: %d", got)
	}
}

func TestFormatPrometheus(t *testing.T) {
	c := NewCollector()
	c.RecordDebit("image_generation", 10)
	c.RecordDebit("chatgpt_message", 5)
	c.RecordRateLimitDenial("chatgpt_message")
	c.RecordCacheHit()

	out := c.Snapshot().FormatPrometheus()

	for _, want := range []string{
		"# TYPE tokend_debits_total counter",
		`tokend_debits_total{operation="chatgpt_message"} 1`,
		`tokend_debits_total{operation="image_generation"} 1`,
		"tokend_tokens_debited_total 15",
		`tokend_ratelimit_denials_total{operation="chatgpt_message"} 1`,
		"tokend_cache_hits_total 1",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}

	// Labeled series are emitted in sorted label order.
	if strings.Index(out, `operation="chatgpt_message"`) > strings.Index(out, `operation="image_generation"`) {
		t.Fatal("labeled series not sorted")
	}
}
