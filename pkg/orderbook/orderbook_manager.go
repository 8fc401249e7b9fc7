package orderbook

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryBook is an in-process Book. Each symbol has its own lock; the
// order-id index lets Remove and Get find an order without its symbol.
type MemoryBook struct {
	books sync.Map // symbol -> *orderBook
	index sync.Map // order id -> symbol
	seq   atomic.Uint64
}

var _ Book = (*MemoryBook)(nil)

func NewMemoryBook() *MemoryBook {
	return &MemoryBook{}
}

func (s *MemoryBook) Add(_ context.Context, order *Order) error {
	if err := order.validate(); err != nil {
		return err
	}
	if order.Qty == 0 {
		return nil
	}

	o := order.clone()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	if o.Seq == 0 {
		o.Seq = s.seq.Add(1)
	}

	book := s.getOrCreateBook(o.Symbol)
	book.mu.Lock()
	defer book.mu.Unlock()

	if _, loaded := s.index.LoadOrStore(o.ID, o.Symbol); loaded {
		return ErrDuplicateOrder
	}
	book.addOrder(o)
	return nil
}

func (s *MemoryBook) PopBestMatch(_ context.Context, symbol string, takerSide Side, limit int64) (*Order, error) {
	if !takerSide.Valid() {
		return nil, errUnsupportedSide
	}
	book := s.getBook(symbol)
	if book == nil {
		return nil, nil
	}
	book.mu.Lock()
	defer book.mu.Unlock()

	order := book.popBestMatch(takerSide, limit)
	if order == nil {
		return nil, nil
	}
	s.index.Delete(order.ID)
	return order, nil
}

func (s *MemoryBook) Remove(_ context.Context, orderID string) (*Order, bool, error) {
	symbol, ok := s.index.Load(orderID)
	if !ok {
		return nil, false, nil
	}
	book := s.getBook(symbol.(string))
	if book == nil {
		return nil, false, nil
	}
	book.mu.Lock()
	defer book.mu.Unlock()

	order, ok := book.removeOrder(orderID)
	if !ok {
		return nil, false, nil
	}
	s.index.Delete(orderID)
	return order, true, nil
}

func (s *MemoryBook) Get(_ context.Context, orderID string) (*Order, error) {
	symbol, ok := s.index.Load(orderID)
	if !ok {
		return nil, ErrOrderNotFound
	}
	book := s.getBook(symbol.(string))
	if book == nil {
		return nil, ErrOrderNotFound
	}
	book.mu.Lock()
	defer book.mu.Unlock()

	order, ok := book.ordersByID[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return order.clone(), nil
}

func (s *MemoryBook) Depth(_ context.Context, symbol string, levels int) (*Snapshot, error) {
	snap := &Snapshot{Symbol: symbol, Bids: []Level{}, Asks: []Level{}}
	book := s.getBook(symbol)
	if book == nil || levels <= 0 {
		return snap, nil
	}
	book.mu.Lock()
	defer book.mu.Unlock()

	snap.Bids = book.depth(BUY, levels)
	snap.Asks = book.depth(SELL, levels)
	return snap, nil
}

func (s *MemoryBook) BestBid(_ context.Context, symbol string) (int64, bool, error) {
	price, ok := s.bestPrice(symbol, BUY)
	return price, ok, nil
}

func (s *MemoryBook) BestAsk(_ context.Context, symbol string) (int64, bool, error) {
	price, ok := s.bestPrice(symbol, SELL)
	return price, ok, nil
}

func (s *MemoryBook) bestPrice(symbol string, side Side) (int64, bool) {
	book := s.getBook(symbol)
	if book == nil {
		return 0, false
	}
	book.mu.Lock()
	defer book.mu.Unlock()

	price, _, ok := book.best(side)
	return price, ok
}

func (s *MemoryBook) OrdersByUser(_ context.Context, userID string) ([]*Order, error) {
	var orders []*Order
	s.books.Range(func(_, v any) bool {
		book := v.(*orderBook)
		book.mu.Lock()
		for _, o := range book.ordersByID {
			if o.UserID == userID {
				orders = append(orders, o.clone())
			}
		}
		book.mu.Unlock()
		return true
	})
	sortByPriority(orders)
	return orders, nil
}

func (s *MemoryBook) getBook(symbol string) *orderBook {
	if val, ok := s.books.Load(symbol); ok {
		return val.(*orderBook)
	}
	return nil
}

func (s *MemoryBook) getOrCreateBook(symbol string) *orderBook {
	if val, ok := s.books.Load(symbol); ok {
		return val.(*orderBook)
	}
	actual, _ := s.books.LoadOrStore(symbol, newOrderBook(symbol))
	return actual.(*orderBook)
}
