package model

import (
	"time"

	"github.com/joripage/powerex/pkg/event"
)

// OrderEvent is one applied event in an order's history. EventID is unique,
// so a redelivered event is recorded at most once.
type OrderEvent struct {
	ID        uint        `gorm:"primaryKey" json:"-"`
	EventID   string      `gorm:"uniqueIndex;not null" json:"event_id"`
	OrderID   string      `gorm:"index;not null" json:"order_id"`
	Type      event.Type  `gorm:"not null" json:"type"`
	Status    OrderStatus `gorm:"not null" json:"status"`
	Qty       int64       `json:"qty"`
	Price     int64       `json:"price"`
	Timestamp time.Time   `json:"timestamp"`
}

func (OrderEvent) TableName() string { return "order_events" }

func NewOrderEvent(env *event.Envelope, order *Order, qty, price int64) *OrderEvent {
	return &OrderEvent{
		EventID:   NewEventID(env.ID, order.OrderID),
		OrderID:   order.OrderID,
		Type:      env.Type,
		Status:    order.Status,
		Qty:       qty,
		Price:     price,
		Timestamp: env.OccurredAt,
	}
}

// NewEventID keys an event per order; one match event touches two orders.
func NewEventID(envelopeID, orderID string) string {
	return envelopeID + "/" + orderID
}
