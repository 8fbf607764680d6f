package domain

import "errors"

var (
	ErrItemNotFound       = errors.New("inventory item not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidQuantity    = errors.New("invalid quantity")
	ErrInvalidTTL         = errors.New("ttl below minimum")
	ErrEmptyLineItems     = errors.New("hold requires at least one line item")
	ErrHoldNotFound       = errors.New("hold not found")
	ErrHoldNotActive      = errors.New("hold is not active")
	ErrOrderNotFound      = errors.New("order not found")
	ErrOrderExists        = errors.New("order already exists for hold")
	ErrEventInFlight      = errors.New("event is being processed")
	ErrUnrecoverableEvent = errors.New("unrecoverable event payload")
	ErrInvalidID          = errors.New("invalid id")
)
