package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/PeterCowling/base-shop-sub075/internal/app"
	"github.com/PeterCowling/base-shop-sub075/internal/domain"
)

// EventProcessor is the minimal interface needed to process provider events.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, ev domain.WebhookEvent) (app.ProcessResult, error)
}

// HandleWebhook returns an HTTP handler for payment provider deliveries.
// The provider retries non-2xx responses, so the status codes distinguish
// transient failures (retry) from unrecoverable payloads (park).
func HandleWebhook(svc EventProcessor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req webhookRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}

		result, err := svc.ProcessEvent(r.Context(), domain.WebhookEvent{
			ID:              req.ID,
			ShopID:          req.ShopID,
			Type:            req.Type,
			HoldID:          req.HoldID,
			SessionID:       req.SessionID,
			PaymentIntentID: req.PaymentIntentID,
			Deposit:         req.Deposit,
			RiskScore:       req.RiskScore,
		})
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrUnrecoverableEvent):
				writeError(w, http.StatusBadRequest, codeUnrecoverableEvent, err.Error())
			case errors.Is(err, domain.ErrEventInFlight):
				writeError(w, http.StatusConflict, codeEventInFlight, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
			}
			return
		}

		resp := webhookResponse{
			Outcome:   result.Outcome,
			Duplicate: result.Duplicate,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

type webhookRequest struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ShopID          string `json:"shop_id"`
	HoldID          string `json:"hold_id,omitempty"`
	SessionID       string `json:"session_id,omitempty"`
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
	Deposit         int    `json:"deposit,omitempty"`
	RiskScore       int    `json:"risk_score,omitempty"`
}

type webhookResponse struct {
	Outcome   domain.EventOutcome `json:"outcome"`
	Duplicate bool                `json:"duplicate"`
}
