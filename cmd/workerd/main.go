package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/rphhhh-ubt/fantola-sub001/internal/accounting"
	accountingpg "github.com/rphhhh-ubt/fantola-sub001/internal/accounting/postgres"
	accountingsqlite "github.com/rphhhh-ubt/fantola-sub001/internal/accounting/sqlite"
	"github.com/rphhhh-ubt/fantola-sub001/internal/config"
	"github.com/rphhhh-ubt/fantola-sub001/internal/jobs"
	"github.com/rphhhh-ubt/fantola-sub001/internal/logging"
	"github.com/rphhhh-ubt/fantola-sub001/internal/metrics"
	"github.com/rphhhh-ubt/fantola-sub001/internal/plans"
	"github.com/rphhhh-ubt/fantola-sub001/internal/tokens"
)

// Queues are created for the long-running generation operations; cheap
// chat-style operations are charged synchronously by apid and never reach
// the worker.
var queuedOperations = []string{"image_generation", "video_generation", "music_generation"}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, logCloser, err := logging.New(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logging: %v", err)
	}
	defer logCloser.Close()

	table, err := plans.Load(cfg.PlansFile)
	if err != nil {
		logger.Fatalf("[ERROR] workerd: load plans: %v", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		logger.Fatalf("[ERROR] workerd: open store: %v", err)
	}
	defer store.Close()

	collector := metrics.NewCollector()
	tokenSvc := tokens.New(store, table, collector, nil, logger)
	records := jobs.NewMemoryRecordStore()

	backendURL := backendFromEnv()
	queues := make(map[string]*jobs.Queue, len(queuedOperations))
	for _, op := range queuedOperations {
		op := op
		handler := generationHandler(backendURL, op, logger)
		proc := jobs.NewProcessor(handler, jobs.TokenPolicy{
			Enabled:       true,
			OperationType: op,
		}, tokenSvc, records, nil, collector, logger)
		queues[op] = jobs.NewQueue(op, proc, jobs.QueueConfig{
			Workers:     cfg.WorkerConcurrency,
			MaxAttempts: cfg.JobMaxAttempts,
			Logger:      logger,
			Metrics:     collector,
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      ingestRouter(queues, records, collector, logger),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	go func() {
		logger.Printf("[INFO] workerd: listening addr=%s queues=%v concurrency=%d",
			cfg.ListenAddr, queueNames(queues), cfg.WorkerConcurrency)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("[ERROR] workerd: serve: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Printf("[INFO] workerd: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("[ERROR] workerd: shutdown: %v", err)
	}

	// Drain every queue in parallel before exiting.
	var g errgroup.Group
	for _, q := range queues {
		q := q
		g.Go(func() error {
			q.Close()
			return nil
		})
	}
	_ = g.Wait()
	logger.Printf("[INFO] workerd: stopped")
}

func openStore(cfg config.Config) (accounting.Store, error) {
	if cfg.DBDriver == "postgres" {
		return accountingpg.New(cfg.PostgresDSN, cfg.PostgresMaxOpen, cfg.PostgresMaxIdle, 30, 5)
	}
	return accountingsqlite.New(cfg.SQLitePath)
}

func queueNames(queues map[string]*jobs.Queue) []string {
	names := make([]string, 0, len(queues))
	for name := range queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// generationHandler forwards the job payload to the generation backend.
// Without a backend configured it completes immediately with the payload
// echoed back, which keeps local development self-contained.
func generationHandler(backendURL, operation string, logger *log.Logger) jobs.HandlerFunc {
	client := &http.Client{Timeout: 5 * time.Minute}
	return func(ctx context.Context, job *jobs.Job, report func(pct int)) (json.RawMessage, error) {
		report(0)
		if backendURL == "" {
			report(100)
			return job.Payload, nil
		}

		url := fmt.Sprintf("%s/generate/%s", backendURL, operation)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(job.Payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("backend call: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return nil, fmt.Errorf("backend read: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("backend returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
		}
		report(100)
		return body, nil
	}
}

type enqueueRequest struct {
	UserID  int64           `json:"user_id"`
	Payload json.RawMessage `json:"payload"`
}

// ingestRouter exposes job submission and record inspection.
func ingestRouter(queues map[string]*jobs.Queue, records *jobs.MemoryRecordStore, collector *metrics.Collector, logger *log.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	respond := func(w http.ResponseWriter, status int, payload any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(payload)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respond(w, http.StatusOK, map[string]any{"status": "healthy", "queues": queueNames(queues)})
	})
	r.Get("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(collector.Snapshot().FormatPrometheus()))
	})

	r.Post("/v1/jobs/{queue}", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "queue")
		q, ok := queues[name]
		if !ok {
			respond(w, http.StatusNotFound, map[string]any{"error": fmt.Sprintf("unknown queue %q", name)})
			return
		}
		var body enqueueRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			respond(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		if body.UserID <= 0 {
			respond(w, http.StatusBadRequest, map[string]any{"error": "user_id is required"})
			return
		}
		recordID := records.Create()
		job, err := q.Enqueue(body.UserID, recordID, body.Payload)
		if err != nil {
			respond(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
			return
		}
		logger.Printf("[INFO] workerd: enqueued queue=%s job_id=%s user_id=%d", name, job.ID, body.UserID)
		respond(w, http.StatusAccepted, map[string]any{"job_id": job.ID, "record_id": recordID})
	})

	r.Get("/v1/records/{recordID}", func(w http.ResponseWriter, req *http.Request) {
		id, err := uuid.Parse(chi.URLParam(req, "recordID"))
		if err != nil {
			respond(w, http.StatusBadRequest, map[string]any{"error": "invalid record id"})
			return
		}
		rec, ok := records.Get(id)
		if !ok {
			respond(w, http.StatusNotFound, map[string]any{"error": "record not found"})
			return
		}
		respond(w, http.StatusOK, rec)
	})

	return r
}

// backendFromEnv reads the media generation service URL. Only workerd
// cares about it, so it stays out of the shared config.
func backendFromEnv() string {
	return os.Getenv("TOKEND_GENERATION_BACKEND_URL")
}
