package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/joripage/powerex/pkg/event"
	"github.com/joripage/powerex/pkg/eventbus"
	"github.com/joripage/powerex/pkg/matching"
	"github.com/joripage/powerex/pkg/orderbook"
	"github.com/joripage/powerex/pkg/wallet"
)

type exchange struct {
	t      *testing.T
	bus    *eventbus.MemoryBus
	book   *orderbook.MemoryBook
	ledger *wallet.Ledger
	db     *gorm.DB
}

func newExchange(t *testing.T) *exchange {
	t.Helper()
	log := zaptest.NewLogger(t)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	ledger := wallet.NewLedger(db, log)
	require.NoError(t, ledger.AutoMigrate())

	bus := eventbus.NewMemoryBus(&eventbus.Config{MaxRetries: 2, RetryBackoffMs: 1}, log)
	book := orderbook.NewMemoryBook()
	engine := matching.NewEngine(book, bus, log)

	walletRouter := NewWalletCoordinator(ledger, bus, log, nil).Register(NewRouter(log))
	matchRouter := NewMatchingCoordinator(engine, book, matching.NewMemoryClaimer(), bus, log, nil).Register(NewRouter(log))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go walletRouter.Run(ctx, bus, "wallet")
	go matchRouter.Run(ctx, bus, "matching")
	require.Eventually(t, func() bool { return bus.Subscriptions() == 6 }, time.Second, time.Millisecond)

	return &exchange{t: t, bus: bus, book: book, ledger: ledger, db: db}
}

func (x *exchange) fund(userID string, currency, inventory int64) {
	ctx := context.Background()
	_, err := x.ledger.OpenAccount(ctx, userID)
	require.NoError(x.t, err)
	_, err = x.ledger.Deposit(ctx, userID, currency, inventory)
	require.NoError(x.t, err)
}

func (x *exchange) send(p event.Payload) *event.Envelope {
	env, err := event.New("test", p)
	require.NoError(x.t, err)
	require.NoError(x.t, x.bus.Publish(context.Background(), env))
	return env
}

func (x *exchange) submit(orderID, userID string, side event.Side, price, qty int64) *event.Envelope {
	env := x.send(event.OrderCreate{OrderDetails: event.OrderDetails{
		OrderID: orderID, UserID: userID, Symbol: "KWH", Side: side, Price: price, Quantity: qty,
		CreatedAt: time.Now().UTC(),
	}})
	x.settle()
	return env
}

func (x *exchange) settle() {
	require.True(x.t, x.bus.WaitIdle(5*time.Second), "bus did not drain")
}

func (x *exchange) balances(userID string) [4]int64 {
	acc, err := x.ledger.Account(context.Background(), userID)
	require.NoError(x.t, err)
	return [4]int64{acc.AvailableCurrency, acc.LockedCurrency, acc.AvailableInventory, acc.LockedInventory}
}

func (x *exchange) matches() []event.OrderMatched {
	var out []event.OrderMatched
	for _, env := range x.bus.Published(eventbus.Topic(event.TypeOrderMatched)) {
		p, err := env.Decode()
		require.NoError(x.t, err)
		out = append(out, p.(event.OrderMatched))
	}
	return out
}

// totals sums every pool across users; matching only moves value between
// accounts and pools.
func (x *exchange) totals(users ...string) (currency, inventory int64) {
	for _, u := range users {
		b := x.balances(u)
		currency += b[0] + b[1]
		inventory += b[2] + b[3]
	}
	return currency, inventory
}

func TestRestsWhenBookEmpty(t *testing.T) {
	x := newExchange(t)
	x.fund("alice", 10_000, 0)

	x.submit("B1", "alice", event.SideBuy, 10, 100)

	assert.Empty(t, x.matches())
	resting, err := x.book.Get(context.Background(), "B1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), resting.Qty)
	assert.Equal(t, [4]int64{9_000, 1_000, 0, 0}, x.balances("alice"))
}

func TestPartialFillRestsRemainder(t *testing.T) {
	x := newExchange(t)
	x.fund("alice", 10_000, 0)
	x.fund("bob", 0, 50)

	x.submit("S1", "bob", event.SideSell, 10, 50)
	x.submit("B1", "alice", event.SideBuy, 10, 100)

	fills := x.matches()
	require.Len(t, fills, 1)
	assert.Equal(t, int64(50), fills[0].Amount)
	assert.Equal(t, int64(10), fills[0].DealPrice)

	resting, err := x.book.Get(context.Background(), "B1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), resting.Qty)

	assert.Equal(t, [4]int64{9_000, 500, 50, 0}, x.balances("alice"))
	assert.Equal(t, [4]int64{500, 0, 0, 0}, x.balances("bob"))
	c, inv := x.totals("alice", "bob")
	assert.Equal(t, int64(10_000), c)
	assert.Equal(t, int64(50), inv)
}

func TestWalksPriceLevels(t *testing.T) {
	x := newExchange(t)
	x.fund("alice", 10_000, 0)
	x.fund("bob", 0, 30)
	x.fund("carol", 0, 20)

	x.submit("S1", "bob", event.SideSell, 9, 30)
	x.submit("S2", "carol", event.SideSell, 10, 20)
	x.submit("B1", "alice", event.SideBuy, 10, 50)

	fills := x.matches()
	require.Len(t, fills, 2)
	assert.Equal(t, [2]int64{30, 9}, [2]int64{fills[0].Amount, fills[0].DealPrice})
	assert.Equal(t, [2]int64{20, 10}, [2]int64{fills[1].Amount, fills[1].DealPrice})

	snap, err := x.book.Depth(context.Background(), "KWH", 10)
	require.NoError(t, err)
	assert.Empty(t, snap.Bids)
	assert.Empty(t, snap.Asks)

	// reserved 500, paid 470
	assert.Equal(t, [4]int64{9_530, 0, 50, 0}, x.balances("alice"))
	assert.Equal(t, [4]int64{270, 0, 0, 0}, x.balances("bob"))
	assert.Equal(t, [4]int64{200, 0, 0, 0}, x.balances("carol"))
	c, inv := x.totals("alice", "bob", "carol")
	assert.Equal(t, int64(10_000), c)
	assert.Equal(t, int64(50), inv)
}

func TestInsufficientBalanceFails(t *testing.T) {
	x := newExchange(t)
	x.fund("alice", 50, 0)

	x.submit("B1", "alice", event.SideBuy, 10, 10)

	failed := x.bus.Published(eventbus.Topic(event.TypeOrderFailed))
	require.Len(t, failed, 1)
	p, err := failed[0].Decode()
	require.NoError(t, err)
	assert.Equal(t, event.FailureInsufficientBalance, p.(event.OrderFailed).FailureType)

	assert.Empty(t, x.bus.Published(eventbus.Topic(event.TypeOrderAdmitted)))
	_, err = x.book.Get(context.Background(), "B1")
	assert.ErrorIs(t, err, orderbook.ErrOrderNotFound)
	assert.Equal(t, [4]int64{50, 0, 0, 0}, x.balances("alice"))
}

func TestCancelRestingOrder(t *testing.T) {
	x := newExchange(t)
	x.fund("alice", 10_000, 0)
	x.submit("B1", "alice", event.SideBuy, 10, 100)

	cancel := event.OrderCancel{OrderID: "B1", UserID: "alice", Symbol: "KWH", RequestedAt: time.Now()}
	x.send(cancel)
	x.settle()

	cancelled := x.bus.Published(eventbus.Topic(event.TypeOrderCancelled))
	require.Len(t, cancelled, 1)
	_, err := x.book.Get(context.Background(), "B1")
	assert.ErrorIs(t, err, orderbook.ErrOrderNotFound)
	assert.Equal(t, [4]int64{10_000, 0, 0, 0}, x.balances("alice"))

	x.send(cancel)
	x.settle()
	assert.Len(t, x.bus.Published(eventbus.Topic(event.TypeOrderCancelled)), 1)
	rejected := x.bus.Published(eventbus.Topic(event.TypeOrderCancelRejected))
	require.Len(t, rejected, 1)
	p, err := rejected[0].Decode()
	require.NoError(t, err)
	assert.Equal(t, event.FailureOrderNotFound, p.(event.OrderCancelRejected).FailureType)
}

func TestRedeliveredCreateIsAdmittedOnce(t *testing.T) {
	x := newExchange(t)
	x.fund("alice", 10_000, 0)
	x.fund("bob", 0, 100)
	x.submit("S1", "bob", event.SideSell, 10, 100)

	env := x.submit("B1", "alice", event.SideBuy, 10, 40)
	require.NoError(t, x.bus.Publish(context.Background(), env))
	x.settle()

	admitted := x.bus.Published(eventbus.Topic(event.TypeOrderAdmitted))
	// the duplicate is answered again under the same id
	require.Len(t, admitted, 3)
	assert.Equal(t, admitted[1].ID, admitted[2].ID)

	fills := x.matches()
	require.Len(t, fills, 1)
	assert.Equal(t, [4]int64{9_600, 0, 40, 0}, x.balances("alice"))
	assert.Equal(t, [4]int64{400, 0, 0, 60}, x.balances("bob"))
}

func TestRedeliveredMatchSettlesOnce(t *testing.T) {
	x := newExchange(t)
	x.fund("alice", 10_000, 0)
	x.fund("bob", 0, 10)
	x.submit("S1", "bob", event.SideSell, 10, 10)
	x.submit("B1", "alice", event.SideBuy, 10, 10)

	matched := x.bus.Published(eventbus.Topic(event.TypeOrderMatched))
	require.Len(t, matched, 1)
	require.NoError(t, x.bus.Publish(context.Background(), matched[0]))
	x.settle()

	assert.Equal(t, [4]int64{9_900, 0, 10, 0}, x.balances("alice"))
	assert.Equal(t, [4]int64{100, 0, 0, 0}, x.balances("bob"))
}

func TestStaleMatchIsRequeued(t *testing.T) {
	x := newExchange(t)
	ctx := context.Background()
	x.fund("alice", 10_000, 0)
	x.fund("bob", 0, 5)
	x.submit("S1", "bob", event.SideSell, 10, 5)

	// the seller's lock disappears behind the ledger's back
	require.NoError(t, x.db.Model(&wallet.Account{}).Where("user_id = ?", "bob").Update("locked_inventory", 0).Error)

	x.submit("B1", "alice", event.SideBuy, 10, 5)

	require.Len(t, x.matches(), 1)
	failed := x.bus.Published(eventbus.Topic(event.TypeOrderMatchFailed))
	require.Len(t, failed, 1)
	assert.Equal(t, "order.match_failed:B1-1", failed[0].ID)

	for _, id := range []string{"B1", "S1"} {
		o, err := x.book.Get(ctx, id)
		require.NoError(t, err, id)
		assert.Equal(t, int64(5), o.Qty, id)
	}
	// nothing was settled
	assert.Equal(t, [4]int64{9_950, 50, 0, 0}, x.balances("alice"))
	assert.Equal(t, [4]int64{0, 0, 0, 0}, x.balances("bob"))
	settled, err := x.ledger.SettlementsByUser(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, settled)
}
