package httpserver

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rphhhh-ubt/fantola-sub001/internal/accounting"
	"github.com/rphhhh-ubt/fantola-sub001/internal/cache"
	"github.com/rphhhh-ubt/fantola-sub001/internal/health"
	"github.com/rphhhh-ubt/fantola-sub001/internal/metrics"
	"github.com/rphhhh-ubt/fantola-sub001/internal/payments"
	"github.com/rphhhh-ubt/fantola-sub001/internal/plans"
	"github.com/rphhhh-ubt/fantola-sub001/internal/ratelimit"
	"github.com/rphhhh-ubt/fantola-sub001/internal/tokens"
)

// Server exposes the REST surface: account balances and ledger history,
// metered operation execution, the payment webhook, and admin controls.
type Server struct {
	store     accounting.Store
	tokens    *tokens.Service
	payments  *payments.Service
	limiter   *ratelimit.Limiter
	ratelimit *ratelimit.Middleware
	cache     *cache.Cache
	table     *plans.Table
	collector *metrics.Collector
	health    *health.Checker
	logger    *log.Logger
}

// Config wires the server's dependencies. Limiter, cache, collector, and
// health are optional; nil disables the corresponding surface.
type Config struct {
	Store     accounting.Store
	Tokens    *tokens.Service
	Payments  *payments.Service
	Limiter   *ratelimit.Limiter
	RateLimit *ratelimit.Middleware
	Cache     *cache.Cache
	Table     *plans.Table
	Collector *metrics.Collector
	Health    *health.Checker
	Logger    *log.Logger
}

// New creates the HTTP server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Server{
		store:     cfg.Store,
		tokens:    cfg.Tokens,
		payments:  cfg.Payments,
		limiter:   cfg.Limiter,
		ratelimit: cfg.RateLimit,
		cache:     cfg.Cache,
		table:     cfg.Table,
		collector: cfg.Collector,
		health:    cfg.Health,
		logger:    cfg.Logger,
	}
}

// Router returns the configured chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/accounts", s.handleCreateAccount)
		api.Get("/accounts/{userID}/balance", s.handleBalance)
		api.Get("/accounts/{userID}/ledger", s.handleLedger)
		api.Get("/accounts/{userID}/ledger/totals", s.handleLedgerTotals)
		api.Get("/accounts/{userID}/affordability", s.handleAffordability)
		api.Get("/accounts/{userID}/ratelimit", s.handleRateLimitStats)

		// One metered route per operation type so each carries its own
		// admission guard.
		if s.ratelimit != nil {
			ops := make([]string, 0, len(s.table.Costs))
			for op := range s.table.Costs {
				ops = append(ops, op)
			}
			sort.Strings(ops)
			for _, op := range ops {
				op := op
				api.With(s.ratelimit.Operation(op)).
					Post("/operations/"+op, s.handleOperation(op))
			}
		}

		api.Post("/payments/webhook", s.handlePaymentWebhook)

		api.Route("/admin", func(admin chi.Router) {
			admin.Post("/accounts/{userID}/credit", s.handleAdminCredit)
			admin.Post("/accounts/{userID}/debit", s.handleAdminDebit)
			admin.Post("/accounts/{userID}/reset", s.handleAdminReset)
			admin.Post("/ratelimit/reset", s.handleAdminRateLimitReset)
		})
	})

	return r
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}

func pathUserID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "userID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid user id")
	}
	return id, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.respondJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
		return
	}
	report := s.health.Check(r.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, report)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		http.Error(w, "metrics disabled", http.StatusNotFound)
		return
	}
	snap := s.collector.Snapshot()
	if r.URL.Query().Get("format") == "json" {
		s.respondJSON(w, http.StatusOK, snap)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(snap.FormatPrometheus()))
}
