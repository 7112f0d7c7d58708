package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rphhhh-ubt/fantola-sub001/internal/accounting"
	"github.com/rphhhh-ubt/fantola-sub001/internal/payments"
	"github.com/rphhhh-ubt/fantola-sub001/internal/plans"
)

// webhookNotification is the provider's delivery envelope. Amounts arrive
// as decimal strings ("590.00"); user and tier ride in object metadata.
type webhookNotification struct {
	Event  string `json:"event"`
	Object struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Amount struct {
			Value    string `json:"value"`
			Currency string `json:"currency"`
		} `json:"amount"`
		Metadata map[string]string `json:"metadata"`
	} `json:"object"`
}

// parseAmountCents converts "590.00" to 59000. Malformed fractions fail
// rather than round.
func parseAmountCents(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	whole, frac, _ := strings.Cut(value, ".")
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", value)
	}
	cents := int64(0)
	if frac != "" {
		if len(frac) > 2 {
			return 0, fmt.Errorf("invalid amount %q", value)
		}
		for len(frac) < 2 {
			frac += "0"
		}
		cents, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid amount %q", value)
		}
	}
	return units*100 + cents, nil
}

// handlePaymentWebhook accepts provider notifications. Unknown events are
// acknowledged with 200 so the provider stops retrying them; processing
// failures return the outcome with 200 as well, because the retry that a
// non-2xx triggers would hit the same deterministic failure.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var n webhookNotification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if n.Object.ID == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("missing object.id"))
		return
	}

	userID, _ := strconv.ParseInt(n.Object.Metadata["userId"], 10, 64)
	amountCents, err := parseAmountCents(n.Object.Amount.Value)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	ev := payments.Event{
		PaymentID:        n.Object.ID,
		UserID:           userID,
		SubscriptionTier: plans.Tier(n.Object.Metadata["subscriptionTier"]),
		AmountCents:      amountCents,
		Metadata:         n.Object.Metadata,
	}

	// Register the payment on first contact so every later transition is a
	// guarded status move on an existing row.
	existing, err := s.store.GetPayment(r.Context(), ev.PaymentID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if existing == nil {
		meta := make(accounting.Metadata, len(ev.Metadata))
		for k, v := range ev.Metadata {
			meta[k] = v
		}
		if _, cerr := s.store.CreatePayment(r.Context(), accounting.Payment{
			ExternalID:       ev.PaymentID,
			UserID:           ev.UserID,
			Status:           accounting.PaymentPending,
			SubscriptionTier: string(ev.SubscriptionTier),
			AmountCents:      ev.AmountCents,
			Metadata:         meta,
		}); cerr != nil {
			// A concurrent delivery may have won the insert; the claim
			// below sorts that out.
			s.logger.Printf("[WARN] http: payment insert raced payment_id=%s: %v", ev.PaymentID, cerr)
		}
	}

	var out payments.Outcome
	switch n.Event {
	case "payment.succeeded":
		out = s.payments.ProcessSuccessfulPayment(r.Context(), ev)
	case "payment.canceled":
		out = s.payments.ProcessCanceledPayment(r.Context(), ev)
	case "payment.failed":
		out = s.payments.ProcessFailedPayment(r.Context(), ev)
	case "refund.succeeded":
		out = s.payments.ProcessRefund(r.Context(), ev)
	default:
		s.logger.Printf("[INFO] http: ignoring webhook event=%s payment_id=%s", n.Event, ev.PaymentID)
		s.respondJSON(w, http.StatusOK, map[string]any{"ignored": true})
		return
	}
	s.respondJSON(w, http.StatusOK, out)
}
