package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/rphhhh-ubt/fantola-sub001/internal/accounting"
	"github.com/rphhhh-ubt/fantola-sub001/internal/cache"
	"github.com/rphhhh-ubt/fantola-sub001/internal/plans"
	"github.com/rphhhh-ubt/fantola-sub001/internal/ratelimit"
	"github.com/rphhhh-ubt/fantola-sub001/internal/tokens"
)

// Identity builds the rate limiter's user resolver. Callers present their
// user id in X-User-ID; the tier comes from the account row, falling back
// to gift for expired or absent subscriptions.
func Identity(store accounting.Store) ratelimit.IdentifyFunc {
	return func(r *http.Request) (int64, plans.Tier, bool) {
		raw := r.Header.Get("X-User-ID")
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || userID <= 0 {
			return 0, "", false
		}
		acct, err := store.GetAccount(r.Context(), userID)
		if err != nil || acct == nil {
			return 0, "", false
		}
		return userID, accountTier(acct), true
	}
}

func accountTier(acct *accounting.Account) plans.Tier {
	if acct.SubscriptionTier == "" {
		return plans.TierGift
	}
	if acct.SubscriptionExpiresAt != nil && acct.SubscriptionExpiresAt.Before(time.Now().UTC()) {
		return plans.TierGift
	}
	return plans.Tier(acct.SubscriptionTier)
}

type createAccountRequest struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Tier   string `json:"tier,omitempty"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID <= 0 {
		s.respondError(w, http.StatusBadRequest, errors.New("user_id is required"))
		return
	}
	tier := plans.Tier(req.Tier)
	if req.Tier == "" {
		tier = plans.TierGift
	} else if !s.table.Known(tier) {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("unknown tier %q", req.Tier))
		return
	}
	plan := s.table.Plan(tier)

	acct, err := s.store.CreateAccount(r.Context(), accounting.Account{
		UserID:           req.UserID,
		Email:            req.Email,
		TokensBalance:    plan.MonthlyTokens,
		SubscriptionTier: string(tier),
	})
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Printf("[INFO] http: account created user_id=%d tier=%s balance=%d", acct.UserID, tier, acct.TokensBalance)
	s.respondJSON(w, http.StatusCreated, acct)
}

// balanceView is the cached answer for the balance endpoint.
type balanceView struct {
	UserID           int64  `json:"user_id"`
	TokensBalance    int64  `json:"tokens_balance"`
	TokensSpent      int64  `json:"tokens_spent"`
	SubscriptionTier string `json:"subscription_tier,omitempty"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUserID(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	load := func(ctx context.Context) (interface{}, error) {
		acct, err := s.store.GetAccount(ctx, userID)
		if err != nil {
			return nil, err
		}
		if acct == nil {
			return nil, accounting.ErrAccountNotFound
		}
		return balanceView{
			UserID:           acct.UserID,
			TokensBalance:    acct.TokensBalance,
			TokensSpent:      acct.TokensSpent,
			SubscriptionTier: acct.SubscriptionTier,
		}, nil
	}

	var view balanceView
	if s.cache != nil {
		key := fmt.Sprintf("balance:%d", userID)
		err = s.cache.GetOrSet(r.Context(), key, &view, load, cache.Options{
			Tags: []string{cache.UserTag(userID)},
		})
	} else {
		var v interface{}
		v, err = load(r.Context())
		if err == nil {
			view = v.(balanceView)
		}
	}
	if err != nil {
		if errors.Is(err, accounting.ErrAccountNotFound) {
			s.respondError(w, http.StatusNotFound, accounting.ErrAccountNotFound)
			return
		}
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUserID(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	q := r.URL.Query()
	filter := accounting.LedgerFilter{
		OperationType: q.Get("operation_type"),
		Limit:         50,
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filter.Offset = n
		}
	}
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.From = t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.To = t
		}
	}

	entries, err := s.store.LedgerEntries(r.Context(), userID, filter)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleLedgerTotals(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUserID(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	totals, err := s.store.LedgerTotals(r.Context(), userID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, totals)
}

func (s *Server) handleAffordability(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUserID(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	operation := r.URL.Query().Get("operation")
	if operation == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("operation query parameter is required"))
		return
	}
	a, err := s.tokens.CanAfford(r.Context(), userID, operation)
	if err != nil {
		if errors.Is(err, accounting.ErrAccountNotFound) {
			s.respondError(w, http.StatusNotFound, err)
			return
		}
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	s.respondJSON(w, http.StatusOK, a)
}

func (s *Server) handleRateLimitStats(w http.ResponseWriter, r *http.Request) {
	if s.limiter == nil {
		s.respondError(w, http.StatusNotFound, errors.New("rate limiting disabled"))
		return
	}
	userID, err := pathUserID(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	operation := r.URL.Query().Get("operation")
	if operation == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("operation query parameter is required"))
		return
	}
	acct, err := s.store.GetAccount(r.Context(), userID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if acct == nil {
		s.respondError(w, http.StatusNotFound, accounting.ErrAccountNotFound)
		return
	}
	stats, err := s.limiter.UserStats(r.Context(), userID, accountTier(acct), operation)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}

// handleOperation charges the static cost for one metered operation. The
// rate limit middleware has already admitted the request by the time this
// runs; a failed debit reports the business reason with HTTP 200 so the
// caller can distinguish "denied" from "broken".
func (s *Server) handleOperation(operation string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("X-User-ID")
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || userID <= 0 {
			s.respondError(w, http.StatusUnauthorized, errors.New("missing or invalid X-User-ID"))
			return
		}
		cost, ok := s.table.Cost(operation)
		if !ok {
			s.respondError(w, http.StatusNotFound, fmt.Errorf("unknown operation %q", operation))
			return
		}
		req := tokens.DebitRequest{OperationType: operation, Amount: cost}
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			req.Metadata = accounting.Metadata{"request_id": reqID}
		}
		res := s.tokens.Debit(r.Context(), userID, req)
		status := http.StatusOK
		if !res.OK && res.Err == "User not found" {
			status = http.StatusNotFound
		}
		s.respondJSON(w, status, res)
	}
}
