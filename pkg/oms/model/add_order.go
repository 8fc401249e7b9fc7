package model

import (
	"time"
)

type AddOrder struct {
	// OrderID is optional; resubmitting an id still pending resends it.
	OrderID      string
	UserID       string
	Symbol       string
	Side         OrderSide
	Price        int64
	Quantity     int64
	TransactTime time.Time
}

func (a *AddOrder) ToOrder() *Order {
	return &Order{
		OrderID:      a.OrderID,
		UserID:       a.UserID,
		Symbol:       a.Symbol,
		Side:         a.Side,
		Price:        a.Price,
		Quantity:     a.Quantity,
		Status:       OrderStatusPendingCheck,
		TransactTime: a.TransactTime,
	}
}

type CancelOrder struct {
	OrderID string
	UserID  string
}
