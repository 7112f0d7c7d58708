package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is the user-visible mirror of a job.
type Record struct {
	ID          uuid.UUID       `json:"id"`
	Status      Status          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	RetryCount  int             `json:"retry_count"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// MemoryRecordStore keeps records in process. Production deployments put
// the record table next to the domain data; this covers tests and
// single-binary runs.
type MemoryRecordStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*Record
	now     func() time.Time
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		records: make(map[uuid.UUID]*Record),
		now:     time.Now,
	}
}

// Create registers a pending record and returns its id.
func (s *MemoryRecordStore) Create() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	now := s.now().UTC()
	s.records[id] = &Record{ID: id, Status: StatusPending, CreatedAt: now, UpdatedAt: now}
	return id
}

// Get returns a copy of the record.
func (s *MemoryRecordStore) Get(id uuid.UUID) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

func (s *MemoryRecordStore) transition(id uuid.UUID, from []Status, to Status, mut func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("record %s not found", id)
	}
	allowed := false
	for _, f := range from {
		if r.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("record %s is %s, cannot become %s", id, r.Status, to)
	}
	r.Status = to
	r.UpdatedAt = s.now().UTC()
	if mut != nil {
		mut(r)
	}
	return nil
}

func (s *MemoryRecordStore) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	// A retried attempt re-enters processing from processing: the record
	// stays processing across the whole retry budget.
	return s.transition(id, []Status{StatusPending, StatusProcessing}, StatusProcessing, nil)
}

func (s *MemoryRecordStore) MarkCompleted(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	return s.transition(id, []Status{StatusProcessing}, StatusCompleted, func(r *Record) {
		r.Result = result
		t := r.UpdatedAt
		r.CompletedAt = &t
	})
}

func (s *MemoryRecordStore) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	return s.transition(id, []Status{StatusPending, StatusProcessing}, StatusFailed, func(r *Record) {
		r.Error = errMsg
	})
}

// Retry moves a failed record back to pending and increments the counter.
func (s *MemoryRecordStore) Retry(id uuid.UUID) error {
	return s.transition(id, []Status{StatusFailed}, StatusPending, func(r *Record) {
		r.RetryCount++
		r.Error = ""
	})
}
