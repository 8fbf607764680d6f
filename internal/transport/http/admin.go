package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/PeterCowling/base-shop-sub075/internal/app"
	"github.com/PeterCowling/base-shop-sub075/internal/domain"
)

// AdminInventoryService is the minimal interface needed for admin inventory
// endpoints.
type AdminInventoryService interface {
	UpsertItem(ctx context.Context, in app.UpsertItemInput) (domain.InventoryItem, error)
	AdjustQuantity(ctx context.Context, shopID, sku string, attrs map[string]string, delta int) (domain.InventoryItem, error)
	ListItems(ctx context.Context, shopID string) ([]domain.InventoryItem, error)
}

// HandleAdminInventory returns an HTTP handler for inventory listing and
// restocking.
func HandleAdminInventory(svc AdminInventoryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			shopID := r.URL.Query().Get("shop")
			if shopID == "" {
				writeError(w, http.StatusBadRequest, codeShopRequired, "shop query parameter is required")
				return
			}
			items, err := svc.ListItems(r.Context(), shopID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
				return
			}
			resp := make([]inventoryItemResponse, 0, len(items))
			for _, item := range items {
				resp = append(resp, itemResponse(item))
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(resp)
			return
		case http.MethodPut:
			var req upsertItemRequest
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
			if req.SKU == "" {
				writeError(w, http.StatusBadRequest, codeSKURequired, "sku is required")
				return
			}

			item, err := svc.UpsertItem(r.Context(), app.UpsertItemInput{
				ShopID:            req.ShopID,
				SKU:               req.SKU,
				VariantAttributes: req.VariantAttributes,
				Quantity:          req.Quantity,
			})
			if err != nil {
				switch {
				case errors.Is(err, domain.ErrInvalidQuantity):
					writeError(w, http.StatusBadRequest, codeInvalidQuantity, err.Error())
				default:
					writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
				}
				return
			}

			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(itemResponse(item))
			return
		case http.MethodPatch:
			var req adjustItemRequest
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
			if req.SKU == "" {
				writeError(w, http.StatusBadRequest, codeSKURequired, "sku is required")
				return
			}

			item, err := svc.AdjustQuantity(r.Context(), req.ShopID, req.SKU, req.VariantAttributes, req.Delta)
			if err != nil {
				switch {
				case errors.Is(err, domain.ErrInvalidQuantity):
					writeError(w, http.StatusBadRequest, codeInvalidQuantity, err.Error())
				case errors.Is(err, domain.ErrItemNotFound):
					writeError(w, http.StatusNotFound, codeItemNotFound, err.Error())
				default:
					writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
				}
				return
			}

			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(itemResponse(item))
			return
		default:
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
			return
		}
	}
}

type upsertItemRequest struct {
	ShopID            string            `json:"shop_id"`
	SKU               string            `json:"sku"`
	VariantAttributes map[string]string `json:"variant_attributes,omitempty"`
	Quantity          int               `json:"quantity"`
}

type adjustItemRequest struct {
	ShopID            string            `json:"shop_id"`
	SKU               string            `json:"sku"`
	VariantAttributes map[string]string `json:"variant_attributes,omitempty"`
	Delta             int               `json:"delta"`
}

type inventoryItemResponse struct {
	ShopID            string            `json:"shop_id"`
	SKU               string            `json:"sku"`
	VariantKey        string            `json:"variant_key"`
	VariantAttributes map[string]string `json:"variant_attributes,omitempty"`
	Quantity          int               `json:"quantity"`
}

func itemResponse(item domain.InventoryItem) inventoryItemResponse {
	return inventoryItemResponse{
		ShopID:            item.ShopID,
		SKU:               item.SKU,
		VariantKey:        item.VariantKey,
		VariantAttributes: item.VariantAttributes,
		Quantity:          item.Quantity,
	}
}
