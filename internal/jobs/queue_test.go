package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestQueueProcessesJob(t *testing.T) {
	tok, _ := newTokenService(t)
	records := NewMemoryRecordStore()
	proc := NewProcessor(okHandler(`{"done":true}`), TokenPolicy{}, tok, records, nil, nil, nil)
	q := NewQueue("image_generation", proc, QueueConfig{Workers: 1})
	defer q.Close()

	recordID := records.Create()
	if _, err := q.Enqueue(42, recordID, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		rec, _ := records.Get(recordID)
		return rec.Status == StatusCompleted
	})
}

func TestQueueRetriesThenSucceeds(t *testing.T) {
	tok, _ := newTokenService(t)
	records := NewMemoryRecordStore()

	var attempts int32
	handler := func(ctx context.Context, job *Job, report func(pct int)) (json.RawMessage, error) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return nil, errors.New("transient")
		}
		return json.RawMessage(`{}`), nil
	}
	proc := NewProcessor(handler, TokenPolicy{}, tok, records, nil, nil, nil)
	q := NewQueue("image_generation", proc, QueueConfig{
		Workers:     1,
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	})
	defer q.Close()

	recordID := records.Create()
	if _, err := q.Enqueue(42, recordID, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		rec, _ := records.Get(recordID)
		return rec.Status == StatusCompleted
	})
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestQueueDeadLettersAfterMaxAttempts(t *testing.T) {
	tok, _ := newTokenService(t)
	records := NewMemoryRecordStore()

	var attempts int32
	handler := func(ctx context.Context, job *Job, report func(pct int)) (json.RawMessage, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, errors.New("permanent")
	}
	proc := NewProcessor(handler, TokenPolicy{}, tok, records, &captureAlerter{}, nil, nil)
	q := NewQueue("image_generation", proc, QueueConfig{
		Workers:     1,
		MaxAttempts: 2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	})
	defer q.Close()

	recordID := records.Create()
	if _, err := q.Enqueue(42, recordID, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		rec, _ := records.Get(recordID)
		return rec.Status == StatusFailed
	})
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
	rec, _ := records.Get(recordID)
	if rec.Error != "permanent" {
		t.Fatalf("unexpected dead-letter error: %q", rec.Error)
	}
}

func TestCloseWaitsForPendingRetries(t *testing.T) {
	tok, _ := newTokenService(t)
	records := NewMemoryRecordStore()

	var attempts int32
	handler := func(ctx context.Context, job *Job, report func(pct int)) (json.RawMessage, error) {
		atomic.AddInt32(&attempts, 1)
		time.Sleep(50 * time.Millisecond)
		return nil, errors.New("flaky backend")
	}
	proc := NewProcessor(handler, TokenPolicy{}, tok, records, &captureAlerter{}, nil, nil)
	q := NewQueue("image_generation", proc, QueueConfig{
		Workers:     1,
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	})

	recordID := records.Create()
	if _, err := q.Enqueue(42, recordID, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Close while the first attempt is still running; the remaining
	// attempts must finish before Close returns, not after.
	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&attempts) >= 1 })
	q.Close()

	atClose := atomic.LoadInt32(&attempts)
	if atClose != 3 {
		t.Fatalf("expected all 3 attempts before Close returned, got %d", atClose)
	}
	rec, _ := records.Get(recordID)
	if rec.Status != StatusFailed {
		t.Fatalf("job must be dead-lettered before Close returns, status=%s", rec.Status)
	}

	time.Sleep(200 * time.Millisecond)
	if got := atomic.LoadInt32(&attempts); got != atClose {
		t.Fatalf("attempt ran after Close returned: %d -> %d", atClose, got)
	}
}

func TestEnqueueFailsWhenFull(t *testing.T) {
	tok, _ := newTokenService(t)
	records := NewMemoryRecordStore()

	blocked := make(chan struct{})
	handler := func(ctx context.Context, job *Job, report func(pct int)) (json.RawMessage, error) {
		<-blocked
		return json.RawMessage(`{}`), nil
	}
	proc := NewProcessor(handler, TokenPolicy{}, tok, records, nil, nil, nil)
	q := NewQueue("image_generation", proc, QueueConfig{Workers: 1, Buffer: 1})
	defer func() {
		close(blocked)
		q.Close()
	}()

	// First job occupies the worker, second fills the buffer; the third
	// must be rejected rather than block.
	if _, err := q.Enqueue(42, records.Create(), nil); err != nil {
		t.Fatalf("Enqueue 1: %v", err)
	}
	var sawFull bool
	for i := 0; i < 10; i++ {
		if _, err := q.Enqueue(42, records.Create(), nil); err != nil {
			sawFull = true
			break
		}
	}
	if !sawFull {
		t.Fatal("expected a queue-full rejection")
	}
}
