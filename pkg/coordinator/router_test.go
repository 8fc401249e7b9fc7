package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/joripage/powerex/pkg/event"
	"github.com/joripage/powerex/pkg/matching"
	"github.com/joripage/powerex/pkg/orderbook"
)

func TestRouterDropsUnhandledTypes(t *testing.T) {
	var called int
	r := NewRouter(zaptest.NewLogger(t)).
		Handle(event.TypeOrderCancel, func(context.Context, *event.Envelope, event.Payload) error {
			called++
			return nil
		})
	assert.Equal(t, []event.Type{event.TypeOrderCancel}, r.Types())

	p := event.OrderFailed{OrderID: "o1", UserID: "u", FailureType: event.FailureInvalidOrder, FailedAt: time.Now()}
	env, err := event.New("test", p)
	require.NoError(t, err)
	require.NoError(t, r.Dispatch(context.Background(), env, p))
	assert.Zero(t, called)
}

type flakyPublisher struct {
	fail bool
	sent []*event.Envelope
}

func (p *flakyPublisher) Publish(_ context.Context, env *event.Envelope) error {
	if p.fail {
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, env)
	return nil
}

func admittedEvent(t *testing.T, id string, side event.Side, price, qty int64) (*event.Envelope, event.OrderAdmitted) {
	t.Helper()
	a := event.OrderAdmitted{
		OrderDetails: event.OrderDetails{OrderID: id, UserID: "alice", Symbol: "KWH", Side: side, Price: price, Quantity: qty, CreatedAt: time.Now()},
		AdmittedAt:   time.Now(),
	}
	env, err := event.New("test", a)
	require.NoError(t, err)
	return env, a
}

func TestHandleAdmitted_PublishFailureAllowsRetry(t *testing.T) {
	ctx := context.Background()
	log := zaptest.NewLogger(t)
	book := orderbook.NewMemoryBook()
	require.NoError(t, book.Add(ctx, &orderbook.Order{ID: "S1", UserID: "bob", Symbol: "KWH", Side: orderbook.SELL, Price: 10, Qty: 5}))

	pub := &flakyPublisher{fail: true}
	claimer := matching.NewMemoryClaimer()
	c := NewMatchingCoordinator(matching.NewEngine(book, pub, log, matching.WithRestoreRetries(1)), book, claimer, pub, log, nil)

	env, a := admittedEvent(t, "B1", event.SideBuy, 10, 5)
	err := c.HandleAdmitted(ctx, env, a)
	require.ErrorIs(t, err, matching.ErrPublish)

	// taker is off the book and the maker kept its place
	_, err = book.Get(ctx, "B1")
	assert.ErrorIs(t, err, orderbook.ErrOrderNotFound)
	maker, err := book.Get(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), maker.Qty)

	pub.fail = false
	require.NoError(t, c.HandleAdmitted(ctx, env, a))
	require.Len(t, pub.sent, 1)
	assert.Equal(t, "order.matched:B1-1", pub.sent[0].ID)

	// a third delivery is a no-op
	require.NoError(t, c.HandleAdmitted(ctx, env, a))
	assert.Len(t, pub.sent, 1)
}

func TestHandleCancel_PublishFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	log := zaptest.NewLogger(t)
	book := orderbook.NewMemoryBook()
	require.NoError(t, book.Add(ctx, &orderbook.Order{ID: "B1", UserID: "alice", Symbol: "KWH", Side: orderbook.BUY, Price: 10, Qty: 5}))

	pub := &flakyPublisher{fail: true}
	c := NewMatchingCoordinator(matching.NewEngine(book, pub, log, matching.WithRestoreRetries(1)), book, matching.NewMemoryClaimer(), pub, log, nil)

	req := event.OrderCancel{OrderID: "B1", UserID: "alice", Symbol: "KWH", RequestedAt: time.Now()}
	env, err := event.New("test", req)
	require.NoError(t, err)

	require.ErrorIs(t, c.HandleCancel(ctx, env, req), matching.ErrPublish)
	_, err = book.Get(ctx, "B1")
	require.NoError(t, err, "order must stay on the book")

	pub.fail = false
	require.NoError(t, c.HandleCancel(ctx, env, req))
	require.Len(t, pub.sent, 1)
	assert.Equal(t, event.TypeOrderCancelled, pub.sent[0].Type)
}

// outageBook fails every write while down is set, and Remove alone while
// removeFails is.
type outageBook struct {
	*orderbook.MemoryBook
	mu          sync.Mutex
	down        bool
	removeFails bool
}

var errBookDown = errors.New("book store unavailable")

func (b *outageBook) isDown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.down
}

func (b *outageBook) setDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = down
}

func (b *outageBook) Add(ctx context.Context, o *orderbook.Order) error {
	if b.isDown() {
		return errBookDown
	}
	return b.MemoryBook.Add(ctx, o)
}

func (b *outageBook) PopBestMatch(ctx context.Context, symbol string, side orderbook.Side, limit int64) (*orderbook.Order, error) {
	if b.isDown() {
		return nil, errBookDown
	}
	return b.MemoryBook.PopBestMatch(ctx, symbol, side, limit)
}

func (b *outageBook) Remove(ctx context.Context, orderID string) (*orderbook.Order, bool, error) {
	b.mu.Lock()
	fails := b.down || b.removeFails
	b.mu.Unlock()
	if fails {
		return nil, false, errBookDown
	}
	return b.MemoryBook.Remove(ctx, orderID)
}

func TestHandleAdmitted_StoreOutageIsRetried(t *testing.T) {
	ctx := context.Background()
	log := zaptest.NewLogger(t)
	book := &outageBook{MemoryBook: orderbook.NewMemoryBook(), down: true}
	pub := &flakyPublisher{}
	c := NewMatchingCoordinator(matching.NewEngine(book, pub, log, matching.WithRestoreRetries(1)), book, matching.NewMemoryClaimer(), pub, log, nil)

	env, a := admittedEvent(t, "B1", event.SideBuy, 10, 5)
	err := c.HandleAdmitted(ctx, env, a)
	require.ErrorIs(t, err, matching.ErrNotRested, "an outage must not ack the admission")

	book.setDown(false)
	require.NoError(t, c.HandleAdmitted(ctx, env, a))
	rested, err := book.Get(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), rested.Qty)

	require.NoError(t, c.HandleAdmitted(ctx, env, a))
	assert.Empty(t, pub.sent)
}

func TestHandleAdmitted_UndoFailureKeepsClaimPending(t *testing.T) {
	ctx := context.Background()
	log := zaptest.NewLogger(t)
	book := &outageBook{MemoryBook: orderbook.NewMemoryBook()}
	require.NoError(t, book.Add(ctx, &orderbook.Order{ID: "S1", UserID: "bob", Symbol: "KWH", Side: orderbook.SELL, Price: 10, Qty: 5}))

	pub := &flakyPublisher{fail: true}
	c := NewMatchingCoordinator(matching.NewEngine(book, pub, log, matching.WithRestoreRetries(1)), book, matching.NewMemoryClaimer(), pub, log, nil)

	// the match cannot go out and the rested taker cannot be taken back
	book.mu.Lock()
	book.removeFails = true
	book.mu.Unlock()
	env, a := admittedEvent(t, "B1", event.SideBuy, 10, 5)
	err := c.HandleAdmitted(ctx, env, a)
	require.ErrorIs(t, err, matching.ErrPublish)
	require.ErrorIs(t, err, errBookDown)

	book.mu.Lock()
	book.removeFails = false
	book.mu.Unlock()
	pub.fail = false
	require.NoError(t, c.HandleAdmitted(ctx, env, a))
	require.Len(t, pub.sent, 1)
	assert.Equal(t, "order.matched:B1-1", pub.sent[0].ID)
	_, err = book.Get(ctx, "B1")
	assert.ErrorIs(t, err, orderbook.ErrOrderNotFound)

	require.NoError(t, c.HandleAdmitted(ctx, env, a))
	assert.Len(t, pub.sent, 1)
}

// racingBook lets another taker trade consumed units of the first order
// Remove is asked for, just before the removal runs.
type racingBook struct {
	*orderbook.MemoryBook
	consumed int64
	raced    bool
}

func (b *racingBook) Remove(ctx context.Context, orderID string) (*orderbook.Order, bool, error) {
	if b.raced {
		return b.MemoryBook.Remove(ctx, orderID)
	}
	b.raced = true
	o, ok, err := b.MemoryBook.Remove(ctx, orderID)
	if err != nil || !ok {
		return o, ok, err
	}
	o.Qty -= b.consumed
	if o.Qty == 0 {
		return nil, false, nil
	}
	return o, true, nil
}

func TestHandleAdmitted_ConsumedWhileRestingIsNotMatchedAgain(t *testing.T) {
	for _, tc := range []struct {
		name     string
		consumed int64
		resting  int64
	}{
		{name: "fully", consumed: 5},
		{name: "partly", consumed: 2, resting: 3},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			log := zaptest.NewLogger(t)
			book := &racingBook{MemoryBook: orderbook.NewMemoryBook(), consumed: tc.consumed}
			require.NoError(t, book.Add(ctx, &orderbook.Order{ID: "S1", UserID: "bob", Symbol: "KWH", Side: orderbook.SELL, Price: 10, Qty: 5}))

			pub := &flakyPublisher{fail: true}
			c := NewMatchingCoordinator(matching.NewEngine(book, pub, log, matching.WithRestoreRetries(1)), book, matching.NewMemoryClaimer(), pub, log, nil)

			env, a := admittedEvent(t, "B1", event.SideBuy, 10, 5)
			require.NoError(t, c.HandleAdmitted(ctx, env, a), "a consumed taker is acked")

			pub.fail = false
			require.NoError(t, c.HandleAdmitted(ctx, env, a))
			assert.Empty(t, pub.sent, "the redelivery must not trade B1 again")

			b1, err := book.Get(ctx, "B1")
			if tc.resting == 0 {
				assert.ErrorIs(t, err, orderbook.ErrOrderNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.resting, b1.Qty)
		})
	}
}

func TestHandleAdmitted_PendingClaimResumes(t *testing.T) {
	ctx := context.Background()
	log := zaptest.NewLogger(t)
	book := orderbook.NewMemoryBook()
	require.NoError(t, book.Add(ctx, &orderbook.Order{ID: "S1", UserID: "bob", Symbol: "KWH", Side: orderbook.SELL, Price: 10, Qty: 5}))
	// left behind by an attempt that stopped after resting the taker
	require.NoError(t, book.Add(ctx, &orderbook.Order{ID: "B1", UserID: "alice", Symbol: "KWH", Side: orderbook.BUY, Price: 10, Qty: 5}))

	claimer := matching.NewMemoryClaimer()
	_, err := claimer.Claim(ctx, "B1")
	require.NoError(t, err)

	pub := &flakyPublisher{}
	c := NewMatchingCoordinator(matching.NewEngine(book, pub, log), book, claimer, pub, log, nil)
	env, a := admittedEvent(t, "B1", event.SideBuy, 10, 5)
	require.NoError(t, c.HandleAdmitted(ctx, env, a))
	require.Len(t, pub.sent, 1)
	assert.Equal(t, "order.matched:B1-1", pub.sent[0].ID)

	state, err := claimer.Claim(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, matching.ClaimDone, state)
}

func TestHandleMatchFailed_RequeuesBothSides(t *testing.T) {
	ctx := context.Background()
	log := zaptest.NewLogger(t)
	book := orderbook.NewMemoryBook()
	require.NoError(t, book.Add(ctx, &orderbook.Order{ID: "B1", UserID: "alice", Symbol: "KWH", Side: orderbook.BUY, Price: 12, Qty: 2}))

	pub := &flakyPublisher{}
	c := NewMatchingCoordinator(matching.NewEngine(book, pub, log), book, matching.NewMemoryClaimer(), pub, log, nil)

	f := event.OrderMatchFailed{
		Match: event.OrderMatched{
			MatchID: "S1-1", Symbol: "KWH", BuyOrderID: "B1", SellOrderID: "S1",
			BuyerID: "alice", SellerID: "bob", BuyerPrice: 12, SellerPrice: 11, DealPrice: 12,
			Amount: 3, TakerSide: event.SideSell, MatchedAt: time.Now(),
		},
		Reason:   "seller bob cannot release 3",
		FailedAt: time.Now(),
	}
	env, err := event.NewWithID(event.DerivedID(event.TypeOrderMatchFailed, "S1-1"), "wallet", f)
	require.NoError(t, err)

	for range 2 {
		require.NoError(t, c.HandleMatchFailed(ctx, env, f))
	}

	b1, err := book.Get(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), b1.Qty)
	s1, err := book.Get(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), s1.Qty)
	assert.Equal(t, int64(11), s1.Price)
	assert.Empty(t, pub.sent)
}
