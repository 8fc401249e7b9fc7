package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/joripage/powerex/pkg/event"
)

type OrderStatus string

const (
	OrderStatusPendingCheck     OrderStatus = "PENDING_CHECK"
	OrderStatusAdmitted         OrderStatus = "ADMITTED"
	OrderStatusPartiallyMatched OrderStatus = "PARTIALLY_MATCHED"
	OrderStatusMatched          OrderStatus = "MATCHED"
	OrderStatusRejected         OrderStatus = "REJECTED"
	OrderStatusCancelled        OrderStatus = "CANCELLED"
)

type OrderSide = event.Side

const (
	OrderSideBuy  = event.SideBuy
	OrderSideSell = event.SideSell
)

// Order is the client-facing view of one order, projected from the events
// the exchange publishes about it.
type Order struct {
	OrderID  string      `gorm:"primaryKey" json:"order_id"`
	UserID   string      `gorm:"index;not null" json:"user_id"`
	Symbol   string      `gorm:"not null" json:"symbol"`
	Side     OrderSide   `gorm:"not null" json:"side"`
	Price    int64       `gorm:"not null" json:"price"`
	Quantity int64       `gorm:"not null" json:"quantity"`
	Status   OrderStatus `gorm:"index;not null" json:"status"`

	// calculated info
	CumQuantity  int64             `gorm:"not null;default:0" json:"cum_quantity"`
	Notional     int64             `gorm:"not null;default:0" json:"notional"`
	LastQuantity int64             `json:"last_quantity"`
	LastPrice    int64             `json:"last_price"`
	FailureType  event.FailureType `json:"failure_type,omitempty"`
	Reason       string            `json:"reason,omitempty"`

	TransactTime time.Time `json:"transact_time"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Order) TableName() string { return "oms_orders" }

func (o *Order) LeavesQuantity() int64 {
	if o.IsEnd() {
		return 0
	}
	return o.Quantity - o.CumQuantity
}

// AvgPrice is the quantity-weighted deal price of the fills so far.
func (o *Order) AvgPrice() decimal.Decimal {
	if o.CumQuantity == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(o.Notional).DivRound(decimal.NewFromInt(o.CumQuantity), 4)
}

func (o *Order) IsEnd() bool {
	switch o.Status {
	case OrderStatusMatched, OrderStatusRejected, OrderStatusCancelled:
		return true
	}
	return false
}

func (o *Order) CanCancel() bool {
	return !o.IsEnd()
}

func (o *Order) UpdateAdmitted() {
	if o.Status == OrderStatusPendingCheck {
		o.Status = OrderStatusAdmitted
	}
}

func (o *Order) UpdateFailed(f event.OrderFailed) {
	if o.IsEnd() {
		return
	}
	o.Status = OrderStatusRejected
	o.FailureType = f.FailureType
	o.Reason = f.Reason
}

// UpdateMatchResult adds one fill. Fills that arrive after a cancel are
// still counted, but the order stays cancelled.
func (o *Order) UpdateMatchResult(amount, dealPrice int64) {
	o.CumQuantity += amount
	o.Notional += amount * dealPrice
	o.LastQuantity = amount
	o.LastPrice = dealPrice
	if o.IsEnd() {
		return
	}
	if o.CumQuantity >= o.Quantity {
		o.Status = OrderStatusMatched
		return
	}
	o.Status = OrderStatusPartiallyMatched
}

// UpdateMatchFailed takes back a fill the ledger could not settle. The
// quantity is open again unless the order has ended otherwise.
func (o *Order) UpdateMatchFailed(amount, dealPrice int64) {
	o.CumQuantity -= amount
	o.Notional -= amount * dealPrice
	if o.Status == OrderStatusRejected || o.Status == OrderStatusCancelled {
		return
	}
	if o.CumQuantity > 0 {
		o.Status = OrderStatusPartiallyMatched
		return
	}
	o.Status = OrderStatusAdmitted
}

func (o *Order) UpdateCancelled() {
	if o.IsEnd() {
		return
	}
	o.Status = OrderStatusCancelled
}
