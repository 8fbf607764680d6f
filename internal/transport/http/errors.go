package http

import (
	"encoding/json"
	"net/http"
)

const (
	codeMethodNotAllowed   = "method_not_allowed"
	codeNotFound           = "not_found"
	codeInvalidRequestBody = "invalid_request_body"
	codeShopRequired       = "shop_required"
	codeSKURequired        = "sku_required"
	codeInvalidQuantity    = "invalid_quantity"
	codeInvalidTTL         = "invalid_ttl"
	codeEmptyLineItems     = "empty_line_items"
	codeInvalidID          = "invalid_id"
	codeItemNotFound       = "item_not_found"
	codeHoldNotFound       = "hold_not_found"
	codeHoldNotActive      = "hold_not_active"
	codeInsufficientStock  = "insufficient_stock"
	codeEventInFlight      = "event_in_flight"
	codeUnrecoverableEvent = "unrecoverable_event"
	codeForbidden          = "forbidden"
	codeInternalError      = "internal_error"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	payload, err := json.Marshal(errorResponse{
		Error: msg,
		Code:  code,
	})
	if err != nil {
		_, _ = w.Write([]byte(`{"error":"internal error","code":"internal_error"}`))
		return
	}
	_, _ = w.Write(payload)
}
