package market

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/joripage/powerex/pkg/event"
	"github.com/joripage/powerex/pkg/eventbus"
	"github.com/joripage/powerex/pkg/matching"
	"github.com/joripage/powerex/pkg/orderbook"
	"github.com/joripage/powerex/pkg/wallet"
)

type settlements map[string][]wallet.Settlement

func (s settlements) SettlementsByUser(_ context.Context, userID string) ([]wallet.Settlement, error) {
	if userID == "broken" {
		return nil, errors.New("db down")
	}
	return s[userID], nil
}

// brokenBook fails every call.
type brokenBook struct{ orderbook.Book }

var errDown = errors.New("redis down")

func (brokenBook) Depth(context.Context, string, int) (*orderbook.Snapshot, error) {
	return nil, errDown
}
func (brokenBook) BestBid(context.Context, string) (int64, bool, error) { return 0, false, errDown }
func (brokenBook) BestAsk(context.Context, string) (int64, bool, error) { return 0, false, errDown }
func (brokenBook) OrdersByUser(context.Context, string) ([]*orderbook.Order, error) {
	return nil, errDown
}

func newTestService(t *testing.T) (*Service, *orderbook.MemoryBook, *eventbus.MemoryBus) {
	t.Helper()
	log := zaptest.NewLogger(t)
	book := orderbook.NewMemoryBook()
	bus := eventbus.NewMemoryBus(nil, log)
	ledger := settlements{"alice": {{MatchID: "B0-1", Symbol: "KWH", BuyerID: "alice", SellerID: "bob", DealPrice: 9, Amount: 3, MatchedAt: time.Now()}}}
	return NewService(book, ledger, matching.NewEngine(book, bus, log), log), book, bus
}

func rest(t *testing.T, book orderbook.Book, id, user string, side orderbook.Side, price, qty int64) {
	t.Helper()
	require.NoError(t, book.Add(context.Background(), &orderbook.Order{ID: id, UserID: user, Symbol: "KWH", Side: side, Price: price, Qty: qty}))
}

func TestSummary(t *testing.T) {
	s, book, _ := newTestService(t)
	ctx := context.Background()

	empty := s.Summary(ctx, "KWH")
	assert.Nil(t, empty.BestBid)
	assert.Nil(t, empty.MidPrice)

	rest(t, book, "B1", "alice", orderbook.BUY, 10, 5)
	rest(t, book, "S1", "bob", orderbook.SELL, 11, 5)

	sum := s.Summary(ctx, "KWH")
	require.NotNil(t, sum.Spread)
	assert.Equal(t, int64(10), *sum.BestBid)
	assert.Equal(t, int64(11), *sum.BestAsk)
	assert.Equal(t, int64(1), *sum.Spread)
	assert.Equal(t, "10.5", sum.MidPrice.String())
	assert.Equal(t, "952.38", sum.SpreadBps.String())
}

func TestSnapshotAndUserOrders(t *testing.T) {
	s, book, _ := newTestService(t)
	ctx := context.Background()
	rest(t, book, "B1", "alice", orderbook.BUY, 10, 5)
	rest(t, book, "B2", "carol", orderbook.BUY, 10, 7)
	rest(t, book, "B3", "alice", orderbook.BUY, 9, 1)

	snap := s.Snapshot(ctx, "KWH", 1)
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, orderbook.Level{Price: 10, Quantity: 12, Orders: 2}, snap.Bids[0])
	assert.Empty(t, snap.Asks)

	u := s.UserOrders(ctx, "alice")
	assert.Len(t, u.Resting, 2)
	assert.Len(t, u.Settled, 1)
}

func TestCancelTwice(t *testing.T) {
	s, book, bus := newTestService(t)
	ctx := context.Background()
	rest(t, book, "B1", "alice", orderbook.BUY, 10, 5)

	assert.True(t, s.Cancel(ctx, "B1"))
	assert.False(t, s.Cancel(ctx, "B1"))
	assert.Len(t, bus.Published(eventbus.Topic(event.TypeOrderCancelled)), 1)
}

func TestReadsDegradeToEmpty(t *testing.T) {
	log := zaptest.NewLogger(t)
	s := NewService(brokenBook{}, settlements{}, nil, log)
	ctx := context.Background()

	snap := s.Snapshot(ctx, "KWH", 5)
	assert.Empty(t, snap.Bids)
	assert.Empty(t, snap.Asks)
	assert.Nil(t, s.Summary(ctx, "KWH").BestBid)

	u := s.UserOrders(ctx, "broken")
	assert.NotNil(t, u.Resting)
	assert.Empty(t, u.Resting)
	assert.Empty(t, u.Settled)
}

func TestHTTPRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s, book, _ := newTestService(t)
	rest(t, book, "S1", "bob", orderbook.SELL, 11, 4)

	router := gin.New()
	s.RegisterRoutes(router.Group("/api/v1"))

	do := func(method, path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(method, path, nil))
		return w
	}

	w := do(http.MethodGet, "/api/v1/market/KWH/book?depth=3")
	require.Equal(t, http.StatusOK, w.Code)
	var snap orderbook.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, []orderbook.Level{{Price: 11, Quantity: 4, Orders: 1}}, snap.Asks)

	assert.Equal(t, http.StatusBadRequest, do(http.MethodGet, "/api/v1/market/KWH/book?depth=x").Code)

	w = do(http.MethodGet, "/api/v1/market/KWH/summary")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"best_ask":11`)

	w = do(http.MethodDelete, "/api/v1/book/orders/S1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"cancelled":true}`, w.Body.String())

	w = do(http.MethodDelete, "/api/v1/book/orders/S1")
	assert.JSONEq(t, `{"cancelled":false}`, w.Body.String())
}
