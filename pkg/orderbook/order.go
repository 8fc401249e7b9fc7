package orderbook

import (
	"fmt"
	"sort"
	"time"

	"github.com/joripage/powerex/pkg/event"
)

type Side = event.Side

const (
	BUY  = event.SideBuy
	SELL = event.SideSell
)

// Order is a resting limit order. Qty is the remaining quantity.
//
// Time priority within a price level is (CreatedAt, Seq). Seq is assigned by
// the book on first insert and kept on re-insert, so a partially filled maker
// goes back to its original place in the queue.
type Order struct {
	ID        string    `json:"order_id"`
	UserID    string    `json:"user_id"`
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	Price     int64     `json:"price"`
	Qty       int64     `json:"remaining"`
	CreatedAt time.Time `json:"created_at"`
	Seq       uint64    `json:"-"`
}

func (o *Order) validate() error {
	switch {
	case o == nil:
		return fmt.Errorf("%w: nil order", ErrInvalidOrder)
	case o.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidOrder)
	case o.Symbol == "":
		return fmt.Errorf("%w: missing symbol", ErrInvalidOrder)
	case !o.Side.Valid():
		return fmt.Errorf("%w: side %q", ErrInvalidOrder, o.Side)
	case o.Price <= 0:
		return fmt.Errorf("%w: price %d", ErrInvalidOrder, o.Price)
	case o.Qty < 0:
		return fmt.Errorf("%w: qty %d", ErrInvalidOrder, o.Qty)
	}
	return nil
}

// before reports whether o has time priority over other.
func (o *Order) before(other *Order) bool {
	if !o.CreatedAt.Equal(other.CreatedAt) {
		return o.CreatedAt.Before(other.CreatedAt)
	}
	return o.Seq < other.Seq
}

func (o *Order) clone() *Order {
	c := *o
	return &c
}

// crosses reports whether a resting order at price can trade with a taker on
// takerSide limited at limit.
func crosses(takerSide Side, limit, price int64) bool {
	if takerSide == BUY {
		return price <= limit
	}
	return price >= limit
}

func sortByPriority(orders []*Order) {
	sort.Slice(orders, func(i, j int) bool { return orders[i].before(orders[j]) })
}
