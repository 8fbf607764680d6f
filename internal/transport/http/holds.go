package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/PeterCowling/base-shop-sub075/internal/app"
	"github.com/PeterCowling/base-shop-sub075/internal/domain"
)

// HoldCreator is the minimal interface needed to create a hold.
type HoldCreator interface {
	CreateHold(ctx context.Context, in app.CreateHoldInput) (domain.Hold, error)
}

// HandleCreateHold returns an HTTP handler for creating holds.
func HandleCreateHold(svc HoldCreator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createHoldRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}
		if req.ShopID == "" {
			writeError(w, http.StatusBadRequest, codeShopRequired, "shop_id is required")
			return
		}

		in := app.CreateHoldInput{
			ShopID: req.ShopID,
			TTL:    time.Duration(req.TTLSeconds) * time.Second,
		}
		for _, line := range req.Lines {
			in.Lines = append(in.Lines, app.CreateHoldLine{
				SKU:               line.SKU,
				VariantAttributes: line.VariantAttributes,
				Quantity:          line.Quantity,
			})
		}

		hold, err := svc.CreateHold(r.Context(), in)
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrEmptyLineItems):
				writeError(w, http.StatusBadRequest, codeEmptyLineItems, err.Error())
			case errors.Is(err, domain.ErrInvalidQuantity):
				writeError(w, http.StatusBadRequest, codeInvalidQuantity, err.Error())
			case errors.Is(err, domain.ErrInvalidTTL):
				writeError(w, http.StatusBadRequest, codeInvalidTTL, err.Error())
			case errors.Is(err, domain.ErrItemNotFound):
				writeError(w, http.StatusNotFound, codeItemNotFound, err.Error())
			case errors.Is(err, domain.ErrInsufficientStock):
				writeError(w, http.StatusConflict, codeInsufficientStock, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
			}
			return
		}

		resp := holdResponse{
			ID:        hold.ID,
			Status:    string(hold.Status),
			ExpiresAt: hold.ExpiresAt,
			Lines:     make([]holdLineResponse, 0, len(hold.Lines)),
		}
		for _, line := range hold.Lines {
			resp.Lines = append(resp.Lines, holdLineResponse{
				SKU:        line.SKU,
				VariantKey: line.VariantKey,
				Quantity:   line.Quantity,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

type createHoldRequest struct {
	ShopID     string                  `json:"shop_id"`
	Lines      []createHoldLineRequest `json:"lines"`
	TTLSeconds int                     `json:"ttl_seconds,omitempty"`
}

type createHoldLineRequest struct {
	SKU               string            `json:"sku"`
	VariantAttributes map[string]string `json:"variant_attributes,omitempty"`
	Quantity          int               `json:"quantity"`
}

type holdResponse struct {
	ID        string             `json:"id"`
	Status    string             `json:"status"`
	ExpiresAt time.Time          `json:"expires_at"`
	Lines     []holdLineResponse `json:"lines"`
}

type holdLineResponse struct {
	SKU        string `json:"sku"`
	VariantKey string `json:"variant_key"`
	Quantity   int    `json:"quantity"`
}

// HoldGetter is the minimal interface needed to read a hold.
type HoldGetter interface {
	GetHold(ctx context.Context, shopID, holdID string) (domain.Hold, error)
}

// HandleGetHold returns an HTTP handler for reading a single hold.
func HandleGetHold(svc HoldGetter, holdIDFromPath func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		shopID := r.URL.Query().Get("shop")
		if shopID == "" {
			writeError(w, http.StatusBadRequest, codeShopRequired, "shop query parameter is required")
			return
		}

		hold, err := svc.GetHold(r.Context(), shopID, holdIDFromPath(r))
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrInvalidID):
				writeError(w, http.StatusBadRequest, codeInvalidID, err.Error())
			case errors.Is(err, domain.ErrHoldNotFound):
				writeError(w, http.StatusNotFound, codeHoldNotFound, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
			}
			return
		}

		resp := holdDetailResponse{
			holdResponse: holdResponse{
				ID:        hold.ID,
				Status:    string(hold.Status),
				ExpiresAt: hold.ExpiresAt,
				Lines:     make([]holdLineResponse, 0, len(hold.Lines)),
			},
			ReleaseReason: hold.ReleaseReason,
			OrderRef:      hold.OrderRef,
		}
		for _, line := range hold.Lines {
			resp.Lines = append(resp.Lines, holdLineResponse{
				SKU:        line.SKU,
				VariantKey: line.VariantKey,
				Quantity:   line.Quantity,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

type holdDetailResponse struct {
	holdResponse
	ReleaseReason string `json:"release_reason,omitempty"`
	OrderRef      string `json:"order_ref,omitempty"`
}
