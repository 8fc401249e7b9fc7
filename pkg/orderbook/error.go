package orderbook

import "errors"

var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrInvalidOrder    = errors.New("invalid order")
	ErrDuplicateOrder  = errors.New("duplicate order")
	ErrStaleOrder      = errors.New("stale order index entry")
	errUnsupportedSide = errors.New("unsupported side")
)
