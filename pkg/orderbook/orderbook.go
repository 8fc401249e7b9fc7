package orderbook

import (
	"container/heap"
	"sort"
	"sync"

	"github.com/gammazero/deque"
)

// orderBook holds one symbol. Empty price levels are dropped lazily when they
// reach the top of their heap.
type orderBook struct {
	symbol string

	buyOrders  map[int64]*deque.Deque[*Order]
	sellOrders map[int64]*deque.Deque[*Order]

	buyLevels  *priceLevels
	sellLevels *priceLevels

	ordersByID map[string]*Order

	mu sync.Mutex
}

func newOrderBook(symbol string) *orderBook {
	return &orderBook{
		symbol:     symbol,
		buyOrders:  make(map[int64]*deque.Deque[*Order]),
		sellOrders: make(map[int64]*deque.Deque[*Order]),
		buyLevels:  newPriceLevels(BUY),
		sellLevels: newPriceLevels(SELL),
		ordersByID: make(map[string]*Order),
	}
}

func (ob *orderBook) side(side Side) (map[int64]*deque.Deque[*Order], *priceLevels) {
	if side == BUY {
		return ob.buyOrders, ob.buyLevels
	}
	return ob.sellOrders, ob.sellLevels
}

// addOrder inserts order behind every order at its price with earlier time
// priority. Caller holds mu.
func (ob *orderBook) addOrder(order *Order) {
	book, levels := ob.side(order.Side)
	q := book[order.Price]
	if q == nil {
		q = &deque.Deque[*Order]{}
		book[order.Price] = q
		levels.add(order.Price)
	}

	// Re-inserted makers are the only orders that land anywhere but the back.
	at := q.Len()
	for at > 0 && order.before(q.At(at-1)) {
		at--
	}
	if at == q.Len() {
		q.PushBack(order)
	} else {
		q.Insert(at, order)
	}
	ob.ordersByID[order.ID] = order
}

// best returns the top non-empty level of a side. Caller holds mu.
func (ob *orderBook) best(side Side) (int64, *deque.Deque[*Order], bool) {
	book, levels := ob.side(side)
	for {
		price, ok := levels.top()
		if !ok {
			return 0, nil, false
		}
		q := book[price]
		if q != nil && q.Len() > 0 {
			return price, q, true
		}
		levels.drop()
		delete(book, price)
	}
}

func (ob *orderBook) popBestMatch(takerSide Side, limit int64) *Order {
	price, q, ok := ob.best(takerSide.Opposite())
	if !ok || !crosses(takerSide, limit, price) {
		return nil
	}
	order := q.PopFront()
	delete(ob.ordersByID, order.ID)
	return order
}

func (ob *orderBook) removeOrder(orderID string) (*Order, bool) {
	order, ok := ob.ordersByID[orderID]
	if !ok {
		return nil, false
	}
	book, _ := ob.side(order.Side)
	q := book[order.Price]
	if i := q.Index(func(o *Order) bool { return o.ID == orderID }); i >= 0 {
		q.Remove(i)
	}
	delete(ob.ordersByID, orderID)
	return order, true
}

func (ob *orderBook) depth(side Side, levels int) []Level {
	book, _ := ob.side(side)
	prices := make([]int64, 0, len(book))
	for price, q := range book {
		if q.Len() > 0 {
			prices = append(prices, price)
		}
	}
	if side == BUY {
		sort.Slice(prices, func(i, j int) bool { return prices[i] > prices[j] })
	} else {
		sort.Slice(prices, func(i, j int) bool { return prices[i] < prices[j] })
	}

	b := levelBuilder{max: levels}
	for _, price := range prices {
		q := book[price]
		for i := 0; i < q.Len(); i++ {
			if !b.add(price, q.At(i).Qty) {
				return b.levels
			}
		}
	}
	return b.levels
}

// priceLevels is a heap of the distinct prices on one side of the book, best
// first: highest for bids, lowest for asks. It implements heap.Interface;
// use add and drop rather than Push and Pop.
type priceLevels struct {
	prices []int64
	seen   map[int64]struct{}
	bids   bool
}

func newPriceLevels(side Side) *priceLevels {
	return &priceLevels{seen: make(map[int64]struct{}), bids: side == BUY}
}

func (h *priceLevels) Len() int { return len(h.prices) }

func (h *priceLevels) Less(i, j int) bool {
	if h.bids {
		return h.prices[i] > h.prices[j]
	}
	return h.prices[i] < h.prices[j]
}

func (h *priceLevels) Swap(i, j int) { h.prices[i], h.prices[j] = h.prices[j], h.prices[i] }

func (h *priceLevels) Push(x any) { h.prices = append(h.prices, x.(int64)) }

func (h *priceLevels) Pop() any {
	n := len(h.prices) - 1
	price := h.prices[n]
	h.prices = h.prices[:n]
	return price
}

// add inserts price unless it is already a level.
func (h *priceLevels) add(price int64) {
	if _, ok := h.seen[price]; ok {
		return
	}
	h.seen[price] = struct{}{}
	heap.Push(h, price)
}

// drop removes the top price.
func (h *priceLevels) drop() {
	delete(h.seen, heap.Pop(h).(int64))
}

func (h *priceLevels) top() (int64, bool) {
	if len(h.prices) == 0 {
		return 0, false
	}
	return h.prices[0], true
}
