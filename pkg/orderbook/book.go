package orderbook

import "context"

// Book is the per-symbol price-time priority index of resting orders.
//
// Add, PopBestMatch and Remove are atomic with respect to each other, so two
// matchers never receive the same resting order and a cancel racing a match
// resolves to exactly one of them.
type Book interface {
	// Add inserts an order. An order with zero remaining quantity is ignored.
	Add(ctx context.Context, o *Order) error
	// PopBestMatch removes and returns the best resting order on the side
	// opposite takerSide whose price crosses limit, or nil when none does.
	// Among equal prices the earliest order wins.
	PopBestMatch(ctx context.Context, symbol string, takerSide Side, limit int64) (*Order, error)
	// Remove deletes an order by id. It reports false when the order was not
	// resting.
	Remove(ctx context.Context, orderID string) (*Order, bool, error)
	Get(ctx context.Context, orderID string) (*Order, error)
	Depth(ctx context.Context, symbol string, levels int) (*Snapshot, error)
	BestBid(ctx context.Context, symbol string) (int64, bool, error)
	BestAsk(ctx context.Context, symbol string) (int64, bool, error)
	OrdersByUser(ctx context.Context, userID string) ([]*Order, error)
}

// Level is one aggregated price level.
type Level struct {
	Price    int64 `json:"price"`
	Quantity int64 `json:"quantity"`
	Orders   int   `json:"orders"`
}

// Snapshot is a read-only view of the top of the book. Bids are sorted
// descending and asks ascending.
type Snapshot struct {
	Symbol string  `json:"symbol"`
	Bids   []Level `json:"bids"`
	Asks   []Level `json:"asks"`
}

// levelBuilder folds a price-ordered stream of orders into at most max levels.
type levelBuilder struct {
	max    int
	levels []Level
}

// add returns false once the builder is full and price starts a new level.
func (b *levelBuilder) add(price, qty int64) bool {
	n := len(b.levels)
	if n > 0 && b.levels[n-1].Price == price {
		b.levels[n-1].Quantity += qty
		b.levels[n-1].Orders++
		return true
	}
	if n >= b.max {
		return false
	}
	b.levels = append(b.levels, Level{Price: price, Quantity: qty, Orders: 1})
	return true
}
