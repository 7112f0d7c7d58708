package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rphhhh-ubt/fantola-sub001/internal/accounting"
	"github.com/rphhhh-ubt/fantola-sub001/internal/tokens"
)

type adminMutationRequest struct {
	OperationType  string            `json:"operation_type"`
	Amount         int64             `json:"amount"`
	AllowOverdraft bool              `json:"allow_overdraft,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func (r adminMutationRequest) metadata() accounting.Metadata {
	if len(r.Metadata) == 0 {
		return nil
	}
	meta := make(accounting.Metadata, len(r.Metadata))
	for k, v := range r.Metadata {
		meta[k] = v
	}
	return meta
}

func (s *Server) handleAdminCredit(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUserID(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	var req adminMutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.OperationType == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("operation_type is required"))
		return
	}
	res := s.tokens.Credit(r.Context(), userID, tokens.CreditRequest{
		OperationType: req.OperationType,
		Amount:        req.Amount,
		Metadata:      req.metadata(),
	})
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleAdminDebit(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUserID(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	var req adminMutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.OperationType == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("operation_type is required"))
		return
	}
	res := s.tokens.Debit(r.Context(), userID, tokens.DebitRequest{
		OperationType:  req.OperationType,
		Amount:         req.Amount,
		AllowOverdraft: req.AllowOverdraft,
		Metadata:       req.metadata(),
	})
	s.respondJSON(w, http.StatusOK, res)
}

type adminResetRequest struct {
	NewBalance int64             `json:"new_balance"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleAdminReset(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUserID(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	var req adminResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	meta := make(accounting.Metadata, len(req.Metadata))
	for k, v := range req.Metadata {
		meta[k] = v
	}
	res := s.tokens.ResetBalance(r.Context(), userID, req.NewBalance, tokens.OpBalanceReset, meta)
	s.respondJSON(w, http.StatusOK, res)
}

type rateLimitResetRequest struct {
	UserID    int64  `json:"user_id"`
	Operation string `json:"operation,omitempty"` // empty clears all operations
}

func (s *Server) handleAdminRateLimitReset(w http.ResponseWriter, r *http.Request) {
	if s.limiter == nil {
		s.respondError(w, http.StatusNotFound, errors.New("rate limiting disabled"))
		return
	}
	var req rateLimitResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID <= 0 {
		s.respondError(w, http.StatusBadRequest, errors.New("user_id is required"))
		return
	}
	if err := s.limiter.Reset(r.Context(), req.UserID, req.Operation); err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Printf("[INFO] http: rate limit reset user_id=%d operation=%q", req.UserID, req.Operation)
	s.respondJSON(w, http.StatusOK, map[string]any{"success": true})
}
