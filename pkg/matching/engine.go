// Package matching drives admitted orders against the book.
package matching

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/joripage/powerex/pkg/event"
	"github.com/joripage/powerex/pkg/logging"
	"github.com/joripage/powerex/pkg/metrics"
	"github.com/joripage/powerex/pkg/orderbook"
)

// Publisher queues an event for delivery. A nil return means the event is
// durably queued.
type Publisher interface {
	Publish(ctx context.Context, env *event.Envelope) error
}

type Engine struct {
	book    orderbook.Book
	pub     Publisher
	log     *zap.Logger
	metrics *metrics.Metrics
	source  string
	now     func() time.Time

	// bounds retries when putting an order back into the book
	restoreRetries uint64
}

type Option func(*Engine)

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithSource(source string) Option {
	return func(e *Engine) { e.source = source }
}

func WithRestoreRetries(n uint64) Option {
	return func(e *Engine) { e.restoreRetries = n }
}

func NewEngine(book orderbook.Book, pub Publisher, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		book:           book,
		pub:            pub,
		log:            log,
		metrics:        metrics.NewNop(),
		source:         "matchengine",
		now:            time.Now,
		restoreRetries: 5,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MatchID is the idempotency key of the n-th fill (1-based) of a taker.
func MatchID(takerOrderID string, n int) string {
	return takerOrderID + "-" + strconv.Itoa(n)
}

// Process matches taker against the opposite side until it is filled or no
// resting order crosses its limit, then rests the remainder. It returns the
// match events that were published.
//
// A resting order leaves the book only through PopBestMatch and goes back
// with its pre-match quantity if the event cannot be published. On any
// failure after the loop has started, the taker's remainder is rested. An
// order the book will not take back is withdrawn rather than dropped.
func (e *Engine) Process(ctx context.Context, taker *orderbook.Order) ([]event.OrderMatched, error) {
	start := time.Now()
	defer func() { e.metrics.MatchLoop.Observe(time.Since(start).Seconds()) }()

	log := logging.FromContext(ctx, e.log).With(
		zap.String("order_id", taker.ID),
		zap.String("symbol", taker.Symbol),
	)

	var fills []event.OrderMatched
	for taker.Qty > 0 {
		maker, err := e.book.PopBestMatch(ctx, taker.Symbol, taker.Side, taker.Price)
		if errors.Is(err, orderbook.ErrStaleOrder) {
			log.Warn("skipping stale book entry", zap.Error(err))
			continue
		}
		if err != nil {
			return fills, e.rest(ctx, log, taker, len(fills) > 0, fmt.Errorf("pop best match: %w", err))
		}
		if maker == nil {
			break
		}

		amount := min(taker.Qty, maker.Qty)
		m := e.newMatch(taker, maker, amount, len(fills)+1)
		if err := e.publish(ctx, m); err != nil {
			cause := fmt.Errorf("%w %s: %v", ErrPublish, m.MatchID, err)
			return fills, e.rest(ctx, log, taker, len(fills) > 0, errors.Join(cause, e.restore(ctx, log, maker)))
		}

		fills = append(fills, m)
		e.metrics.Matches.WithLabelValues(m.Symbol).Inc()
		e.metrics.MatchedQuantity.WithLabelValues(m.Symbol).Add(float64(amount))
		log.Info("matched",
			zap.String("match_id", m.MatchID),
			zap.String("maker_order_id", maker.ID),
			zap.Int64("deal_price", m.DealPrice),
			zap.Int64("amount", amount),
		)

		taker.Qty -= amount
		maker.Qty -= amount
		if maker.Qty > 0 {
			if err := e.restore(ctx, log, maker); err != nil {
				return fills, err
			}
		}
	}

	if taker.Qty > 0 {
		log.Debug("resting", zap.Int64("remaining", taker.Qty))
	}
	return fills, e.rest(ctx, log, taker, len(fills) > 0, nil)
}

func (e *Engine) newMatch(taker, maker *orderbook.Order, amount int64, n int) event.OrderMatched {
	buy, sell := taker, maker
	if taker.Side == orderbook.SELL {
		buy, sell = maker, taker
	}
	return event.OrderMatched{
		MatchID:     MatchID(taker.ID, n),
		Symbol:      taker.Symbol,
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		BuyerID:     buy.UserID,
		SellerID:    sell.UserID,
		BuyerPrice:  buy.Price,
		SellerPrice: sell.Price,
		DealPrice:   maker.Price,
		Amount:      amount,
		TakerSide:   taker.Side,
		MatchedAt:   e.now().UTC(),
	}
}

func (e *Engine) publish(ctx context.Context, m event.OrderMatched) error {
	env, err := event.NewWithID(event.DerivedID(event.TypeOrderMatched, m.MatchID), e.source, m)
	if err != nil {
		return err
	}
	return e.pub.Publish(ctx, env)
}

// place adds o to the book, retrying transient store errors. An order that
// is already resting counts as placed.
func (e *Engine) place(ctx context.Context, o *orderbook.Order) error {
	op := func() error {
		err := e.book.Add(ctx, o)
		if errors.Is(err, orderbook.ErrDuplicateOrder) {
			return nil
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), e.restoreRetries), ctx)
	return backoff.Retry(op, b)
}

// restore puts an order that already traded or was popped back on the book.
// Its CreatedAt and Seq are unchanged, so it keeps its place in the queue.
// If the book will not take it, the order is withdrawn with order.cancelled
// so its reservation is released; ErrRestore means that failed as well.
func (e *Engine) restore(ctx context.Context, log *zap.Logger, o *orderbook.Order) error {
	err := e.place(ctx, o)
	if err == nil {
		return nil
	}
	log.Error("cannot put order back, withdrawing it",
		zap.String("resting_order_id", o.ID),
		zap.Int64("qty", o.Qty),
		zap.Error(err),
	)
	e.metrics.Withdrawals.WithLabelValues(o.Symbol).Inc()
	if _, wErr := e.publishCancelled(ctx, o); wErr != nil {
		return fmt.Errorf("%w %s: %v", ErrRestore, o.ID, errors.Join(err, wErr))
	}
	return nil
}

// Restore is restore for callers outside the matching loop.
func (e *Engine) Restore(ctx context.Context, o *orderbook.Order) error {
	return e.restore(ctx, logging.FromContext(ctx, e.log).With(zap.String("order_id", o.ID)), o)
}

// rest puts the taker's remainder on the book and returns cause, joined with
// the rest error if that failed too. A taker that already traded is
// restored; one that did not is left off the book and ErrNotRested tells the
// caller it can be processed again from scratch.
func (e *Engine) rest(ctx context.Context, log *zap.Logger, taker *orderbook.Order, traded bool, cause error) error {
	if cause != nil {
		log.Error("matching interrupted", zap.Int64("remaining", taker.Qty), zap.Error(cause))
	}
	if taker.Qty == 0 {
		return cause
	}
	if traded {
		return errors.Join(cause, e.restore(ctx, log, taker))
	}
	if err := e.place(ctx, taker); err != nil {
		return errors.Join(cause, fmt.Errorf("%w %s: %v", ErrNotRested, taker.ID, err))
	}
	return cause
}

// Requeue hands amount back to an order whose match could not be settled.
// A resting order grows in place and keeps its priority; otherwise o is
// rested as given.
func (e *Engine) Requeue(ctx context.Context, o *orderbook.Order) error {
	log := logging.FromContext(ctx, e.log).With(zap.String("order_id", o.ID))

	resting, ok, err := e.book.Remove(ctx, o.ID)
	if err != nil {
		return fmt.Errorf("requeue %s: %w", o.ID, err)
	}
	if ok {
		resting.Qty += o.Qty
		o = resting
	}
	if err := e.restore(ctx, log, o); err != nil {
		return err
	}
	log.Info("requeued", zap.Int64("qty", o.Qty), zap.Bool("was_resting", ok))
	return nil
}

func (e *Engine) publishCancelled(ctx context.Context, o *orderbook.Order) (*event.OrderCancelled, error) {
	c := event.OrderCancelled{
		OrderID:     o.ID,
		UserID:      o.UserID,
		Symbol:      o.Symbol,
		Side:        o.Side,
		Price:       o.Price,
		Remaining:   o.Qty,
		CancelledAt: e.now().UTC(),
	}
	env, err := event.NewWithID(event.DerivedID(event.TypeOrderCancelled, c.OrderID), e.source, c)
	if err != nil {
		return nil, err
	}
	if err := e.pub.Publish(ctx, env); err != nil {
		return nil, err
	}
	return &c, nil
}

// Cancel takes a resting order off the book and publishes order.cancelled.
// It returns nil when the order is not resting or belongs to another user
// (userID "" matches any owner). If the event cannot be published the order
// goes back with its original priority and the error is returned.
func (e *Engine) Cancel(ctx context.Context, orderID, userID string) (*event.OrderCancelled, error) {
	log := logging.FromContext(ctx, e.log).With(zap.String("order_id", orderID))

	resting, err := e.book.Get(ctx, orderID)
	if errors.Is(err, orderbook.ErrOrderNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", orderID, err)
	}
	if userID != "" && resting.UserID != userID {
		log.Warn("cancel by non-owner", zap.String("user_id", userID))
		return nil, nil
	}

	removed, ok, err := e.book.Remove(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("remove %s: %w", orderID, err)
	}
	if !ok {
		return nil, nil
	}

	c, err := e.publishCancelled(ctx, removed)
	if err != nil {
		cause := fmt.Errorf("%w %s: %v", ErrPublish, event.TypeOrderCancelled, err)
		if rErr := e.place(ctx, removed); rErr != nil {
			return nil, errors.Join(cause, fmt.Errorf("%w %s: %v", ErrRestore, removed.ID, rErr))
		}
		return nil, cause
	}
	log.Info("cancelled", zap.Int64("remaining", c.Remaining))
	return c, nil
}
