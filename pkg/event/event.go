// Package event defines the messages exchanged between the order, wallet and
// matching services. The set of event types is closed: anything not listed
// here is rejected by Unmarshal.
package event

import (
	"fmt"
	"time"
)

type Type string

const (
	TypeOrderCreate         Type = "order.create"
	TypeOrderAdmitted       Type = "order.admitted"
	TypeOrderFailed         Type = "order.failed"
	TypeOrderMatched        Type = "order.matched"
	TypeOrderCancel         Type = "order.cancel"
	TypeOrderCancelled      Type = "order.cancelled"
	TypeOrderCancelRejected Type = "order.cancel_rejected"
	TypeOrderMatchFailed    Type = "order.match_failed"
)

// Types lists every known event type.
var Types = []Type{
	TypeOrderCreate,
	TypeOrderAdmitted,
	TypeOrderFailed,
	TypeOrderMatched,
	TypeOrderCancel,
	TypeOrderCancelled,
	TypeOrderCancelRejected,
	TypeOrderMatchFailed,
}

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type FailureType string

const (
	FailureWalletNotFound        FailureType = "WALLET_NOT_FOUND"
	FailureInsufficientBalance   FailureType = "INSUFFICIENT_BALANCE"
	FailureInsufficientInventory FailureType = "INSUFFICIENT_INVENTORY"
	FailureInvalidOrder          FailureType = "INVALID_ORDER"
	FailureOrderNotFound         FailureType = "ORDER_NOT_FOUND"
)

// Payload is implemented by every event body.
type Payload interface {
	EventType() Type
	// Key is the partition key: events sharing a key keep their relative order
	// on transports that support it.
	Key() string
	Validate() error
}

// OrderDetails is the order shape shared by order.create and order.admitted.
type OrderDetails struct {
	OrderID   string    `json:"order_id"`
	UserID    string    `json:"user_id"`
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	Price     int64     `json:"price"`
	Quantity  int64     `json:"quantity"`
	CreatedAt time.Time `json:"created_at"`
}

func (o OrderDetails) validate() error {
	switch {
	case o.OrderID == "":
		return fmt.Errorf("%w: missing order_id", ErrMalformedEvent)
	case o.UserID == "":
		return fmt.Errorf("%w: missing user_id", ErrMalformedEvent)
	case o.Symbol == "":
		return fmt.Errorf("%w: missing symbol", ErrMalformedEvent)
	case !o.Side.Valid():
		return fmt.Errorf("%w: invalid side %q", ErrMalformedEvent, o.Side)
	case o.Price <= 0:
		return fmt.Errorf("%w: price must be positive", ErrMalformedEvent)
	case o.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be positive", ErrMalformedEvent)
	}
	return nil
}

// OrderCreate asks the wallet service to reserve funds or inventory for a new
// order. The order id is generated by the requester.
type OrderCreate struct {
	OrderDetails
}

func (OrderCreate) EventType() Type   { return TypeOrderCreate }
func (e OrderCreate) Key() string     { return e.OrderID }
func (e OrderCreate) Validate() error { return e.validate() }

// OrderAdmitted is published once the reservation is in place; the order can
// now rest or match.
type OrderAdmitted struct {
	OrderDetails
	AdmittedAt time.Time `json:"admitted_at"`
}

func (OrderAdmitted) EventType() Type   { return TypeOrderAdmitted }
func (e OrderAdmitted) Key() string     { return e.OrderID }
func (e OrderAdmitted) Validate() error { return e.validate() }

type OrderFailed struct {
	OrderID     string      `json:"order_id"`
	UserID      string      `json:"user_id"`
	Reason      string      `json:"reason"`
	FailureType FailureType `json:"failure_type"`
	FailedAt    time.Time   `json:"failed_at"`
}

func (OrderFailed) EventType() Type { return TypeOrderFailed }
func (e OrderFailed) Key() string   { return e.OrderID }

func (e OrderFailed) Validate() error {
	if e.OrderID == "" || e.FailureType == "" {
		return fmt.Errorf("%w: order.failed needs order_id and failure_type", ErrMalformedEvent)
	}
	return nil
}

// OrderMatched describes one fill between a resting maker and an incoming
// taker. DealPrice is always the maker's price. BuyerPrice is the limit the
// buyer reserved funds at, so settlement can release the whole reservation.
type OrderMatched struct {
	MatchID     string    `json:"match_id"`
	Symbol      string    `json:"symbol"`
	BuyOrderID  string    `json:"buy_order_id"`
	SellOrderID string    `json:"sell_order_id"`
	BuyerID     string    `json:"buyer_id"`
	SellerID    string    `json:"seller_id"`
	BuyerPrice  int64     `json:"buyer_price"`
	SellerPrice int64     `json:"seller_price"`
	DealPrice   int64     `json:"deal_price"`
	Amount      int64     `json:"amount"`
	TakerSide   Side      `json:"taker_side"`
	MatchedAt   time.Time `json:"matched_at"`
}

func (OrderMatched) EventType() Type { return TypeOrderMatched }
func (e OrderMatched) Key() string   { return e.MatchID }

func (e OrderMatched) Validate() error {
	switch {
	case e.MatchID == "":
		return fmt.Errorf("%w: missing match_id", ErrMalformedEvent)
	case e.BuyerID == "" || e.SellerID == "":
		return fmt.Errorf("%w: missing counterparty", ErrMalformedEvent)
	case e.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrMalformedEvent)
	case e.DealPrice <= 0:
		return fmt.Errorf("%w: deal_price must be positive", ErrMalformedEvent)
	case e.DealPrice > e.BuyerPrice:
		return fmt.Errorf("%w: deal_price %d above buyer_price %d", ErrMalformedEvent, e.DealPrice, e.BuyerPrice)
	case e.SellerPrice > e.DealPrice:
		return fmt.Errorf("%w: deal_price %d below seller_price %d", ErrMalformedEvent, e.DealPrice, e.SellerPrice)
	}
	return nil
}

// OrderCancel requests removal of a resting order.
type OrderCancel struct {
	OrderID     string    `json:"order_id"`
	UserID      string    `json:"user_id"`
	Symbol      string    `json:"symbol,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

func (OrderCancel) EventType() Type { return TypeOrderCancel }
func (e OrderCancel) Key() string   { return e.OrderID }

func (e OrderCancel) Validate() error {
	if e.OrderID == "" {
		return fmt.Errorf("%w: missing order_id", ErrMalformedEvent)
	}
	return nil
}

// OrderCancelled reports that the remaining quantity left the book; the wallet
// releases the matching part of the reservation.
type OrderCancelled struct {
	OrderID     string    `json:"order_id"`
	UserID      string    `json:"user_id"`
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	Price       int64     `json:"price"`
	Remaining   int64     `json:"remaining"`
	CancelledAt time.Time `json:"cancelled_at"`
}

func (OrderCancelled) EventType() Type { return TypeOrderCancelled }
func (e OrderCancelled) Key() string   { return e.OrderID }

func (e OrderCancelled) Validate() error {
	switch {
	case e.OrderID == "" || e.UserID == "":
		return fmt.Errorf("%w: order.cancelled needs order_id and user_id", ErrMalformedEvent)
	case !e.Side.Valid():
		return fmt.Errorf("%w: invalid side %q", ErrMalformedEvent, e.Side)
	case e.Remaining <= 0 || e.Price <= 0:
		return fmt.Errorf("%w: remaining and price must be positive", ErrMalformedEvent)
	}
	return nil
}

// OrderCancelRejected reports a cancel that found nothing to remove.
type OrderCancelRejected struct {
	OrderID     string      `json:"order_id"`
	UserID      string      `json:"user_id"`
	Reason      string      `json:"reason"`
	FailureType FailureType `json:"failure_type"`
	RejectedAt  time.Time   `json:"rejected_at"`
}

func (OrderCancelRejected) EventType() Type { return TypeOrderCancelRejected }
func (e OrderCancelRejected) Key() string   { return e.OrderID }

func (e OrderCancelRejected) Validate() error {
	if e.OrderID == "" {
		return fmt.Errorf("%w: missing order_id", ErrMalformedEvent)
	}
	return nil
}

// OrderMatchFailed reports a match the ledger could not settle. Nothing of it
// was applied; both orders go back on the book for the matched amount.
type OrderMatchFailed struct {
	Match    OrderMatched `json:"match"`
	Reason   string       `json:"reason"`
	FailedAt time.Time    `json:"failed_at"`
}

func (OrderMatchFailed) EventType() Type   { return TypeOrderMatchFailed }
func (e OrderMatchFailed) Key() string     { return e.Match.MatchID }
func (e OrderMatchFailed) Validate() error { return e.Match.Validate() }
