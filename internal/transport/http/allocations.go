package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/PeterCowling/base-shop-sub075/internal/domain"
)

// AllocationLister is the minimal interface needed to report allocations.
type AllocationLister interface {
	AllocationsForShop(ctx context.Context, shopID string) ([]domain.Allocation, error)
}

// HandleAllocations returns an HTTP handler for the allocation snapshot.
func HandleAllocations(svc AllocationLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		shopID := r.URL.Query().Get("shop")
		if shopID == "" {
			writeError(w, http.StatusBadRequest, codeShopRequired, "shop query parameter is required")
			return
		}

		allocations, err := svc.AllocationsForShop(r.Context(), shopID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
			return
		}

		resp := make([]allocationResponse, 0, len(allocations))
		for _, a := range allocations {
			resp = append(resp, allocationResponse{
				SKU:               a.SKU,
				VariantKey:        a.VariantKey,
				AllocatedQuantity: a.AllocatedQuantity,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

type allocationResponse struct {
	SKU               string `json:"sku"`
	VariantKey        string `json:"variant_key"`
	AllocatedQuantity int    `json:"allocated_quantity"`
}
