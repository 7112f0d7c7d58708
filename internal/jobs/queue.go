package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Queue runs jobs in-process on a pool of workers. Failed attempts are
// re-enqueued with exponential backoff until MaxAttempts is spent, then
// handed to the dead-letter handler exactly once.
// WARNING: jobs live in memory; a crash loses queued work. The record
// store is the durable view callers should reconcile against.
type Queue struct {
	name        string
	processor   *Processor
	metrics     Recorder
	logger      *log.Logger
	jobs        chan *Job
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	wg       sync.WaitGroup
	retryWG  sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// QueueConfig configures worker pool and retry behavior.
type QueueConfig struct {
	Workers     int           // parallel workers (default: 2)
	Buffer      int           // channel buffer (default: 256)
	MaxAttempts int           // attempts before dead-letter (default: 3)
	BaseBackoff time.Duration // first retry delay (default: 2s)
	MaxBackoff  time.Duration // backoff ceiling (default: 1m)
	Logger      *log.Logger
	Metrics     Recorder
}

// NewQueue starts the worker pool immediately.
func NewQueue(name string, processor *Processor, cfg QueueConfig) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	q := &Queue{
		name:        name,
		processor:   processor,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		jobs:        make(chan *Job, cfg.Buffer),
		maxAttempts: cfg.MaxAttempts,
		baseBackoff: cfg.BaseBackoff,
		maxBackoff:  cfg.MaxBackoff,
		stopChan:    make(chan struct{}),
	}

	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	q.logger.Printf("[INFO] jobs: queue %s started workers=%d buffer=%d max_attempts=%d",
		name, cfg.Workers, cfg.Buffer, cfg.MaxAttempts)
	return q
}

// Enqueue submits a new job. It fails when the buffer is full rather than
// blocking the caller; admission pressure belongs upstream.
func (q *Queue) Enqueue(userID int64, recordID uuid.UUID, payload json.RawMessage) (*Job, error) {
	job := &Job{
		ID:          uuid.New(),
		RecordID:    recordID,
		UserID:      userID,
		Queue:       q.name,
		Payload:     payload,
		MaxAttempts: q.maxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}
	select {
	case <-q.stopChan:
		return nil, fmt.Errorf("queue %s is shutting down", q.name)
	default:
	}
	select {
	case q.jobs <- job:
		return job, nil
	default:
		return nil, fmt.Errorf("queue %s is full", q.name)
	}
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	for {
		select {
		case job := <-q.jobs:
			q.attempt(job)
		case <-q.stopChan:
			// Drain what is already buffered before exiting.
			for {
				select {
				case job := <-q.jobs:
					q.attempt(job)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) attempt(job *Job) {
	ctx := context.Background()
	err := q.processor.Run(ctx, job)
	job.AttemptsMade++
	if err == nil {
		return
	}

	if job.AttemptsMade >= job.MaxAttempts {
		q.processor.Abandon(ctx, job, err)
		return
	}

	if q.metrics != nil {
		q.metrics.RecordJobRetried(q.name)
	}

	// During shutdown the retry runs inline, without backoff, inside the
	// goroutine that is already tracked; a goroutine spawned here could
	// outlive Close.
	select {
	case <-q.stopChan:
		q.attempt(job)
		return
	default:
	}

	delay := q.backoff(job.AttemptsMade)
	q.logger.Printf("[INFO] jobs: retrying queue=%s job_id=%s attempt=%d delay=%v",
		q.name, job.ID, job.AttemptsMade+1, delay)

	q.retryWG.Add(1)
	go func() {
		defer q.retryWG.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			select {
			case q.jobs <- job:
			default:
				q.attempt(job)
			}
		case <-q.stopChan:
			// Shutdown wins over the backoff; run the retry inline so
			// the job is not silently dropped.
			q.attempt(job)
		}
	}()
}

// backoff is exponential with jitter, capped at MaxBackoff:
// base * 2^(attempts-1) +- 25%.
func (q *Queue) backoff(attempts int) time.Duration {
	d := q.baseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.maxBackoff {
			d = q.maxBackoff
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2+1)) - d/4
	d += jitter
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// Close stops accepting work, lets pending retries fire, and drains the
// buffer before returning. No attempt runs after Close returns.
func (q *Queue) Close() {
	q.stopOnce.Do(func() {
		close(q.stopChan)
	})
	// Workers first: retryWG.Add only happens from a live worker or from a
	// retry goroutine whose own count is still held, so once the workers are
	// gone the retry counter can only fall.
	q.wg.Wait()
	q.retryWG.Wait()
	// A retry timer that fired during the drain may have parked its job in
	// the buffer after the workers exited; finish it here, inline.
	for {
		select {
		case job := <-q.jobs:
			q.attempt(job)
		default:
			q.logger.Printf("[INFO] jobs: queue %s stopped", q.name)
			return
		}
	}
}
