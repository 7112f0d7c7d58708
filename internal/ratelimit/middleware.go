package ratelimit

import (
	"encoding/json"
	"log"
	"math"
	"net/http"
	"strconv"

	"github.com/rphhhh-ubt/fantola-sub001/internal/plans"
)

// DenialRecorder counts rejected requests. Implemented by metrics.Collector.
type DenialRecorder interface {
	RecordRateLimitDenial(check string)
}

// IdentifyFunc resolves the requesting user and tier. Set by the auth layer.
type IdentifyFunc func(r *http.Request) (userID int64, tier plans.Tier, ok bool)

// Middleware applies per-operation admission control to HTTP handlers.
type Middleware struct {
	limiter  *Limiter
	enabled  bool
	identify IdentifyFunc
	metrics  DenialRecorder
	logger   *log.Logger
}

// NewMiddleware creates a rate limiting middleware. metrics may be nil.
func NewMiddleware(limiter *Limiter, enabled bool, identify IdentifyFunc, metrics DenialRecorder, logger *log.Logger) *Middleware {
	if logger == nil {
		logger = log.Default()
	}
	return &Middleware{limiter: limiter, enabled: enabled, identify: identify, metrics: metrics, logger: logger}
}

// Operation returns a chi-compatible middleware guarding one operation type.
func (m *Middleware) Operation(operation string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !m.enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, tier, ok := m.identify(r)
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			d, err := m.limiter.Check(r.Context(), userID, tier, operation)
			if err != nil {
				// Fail closed: the store is unreachable, so deny.
				m.logger.Printf("[ERROR] ratelimit: check failed user_id=%d operation=%s: %v", userID, operation, err)
				http.Error(w, "rate limiter unavailable", http.StatusServiceUnavailable)
				return
			}

			setDecisionHeaders(w, d)
			if !d.Allowed {
				if m.metrics != nil {
					m.metrics.RecordRateLimitDenial(d.DeniedBy)
				}
				m.logger.Printf("[WARN] ratelimit: denied user_id=%d operation=%s check=%s", userID, operation, d.DeniedBy)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]interface{}{
					"error":       "rate limit exceeded, try again later",
					"retry_after": int(math.Ceil(d.RetryAfter.Seconds())),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func setDecisionHeaders(w http.ResponseWriter, d Decision) {
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	if d.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
	}
}
