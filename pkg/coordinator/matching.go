package coordinator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/joripage/powerex/pkg/event"
	"github.com/joripage/powerex/pkg/eventbus"
	"github.com/joripage/powerex/pkg/logging"
	"github.com/joripage/powerex/pkg/matching"
	"github.com/joripage/powerex/pkg/metrics"
	"github.com/joripage/powerex/pkg/orderbook"
)

// MatchingCoordinator feeds admitted orders to the engine and executes
// cancel requests against the book.
type MatchingCoordinator struct {
	engine  *matching.Engine
	book    orderbook.Book
	claimer matching.Claimer
	pub     eventbus.Publisher
	log     *zap.Logger
	metrics *metrics.Metrics
	source  string
}

func NewMatchingCoordinator(engine *matching.Engine, book orderbook.Book, claimer matching.Claimer, pub eventbus.Publisher, log *zap.Logger, m *metrics.Metrics) *MatchingCoordinator {
	if m == nil {
		m = metrics.NewNop()
	}
	return &MatchingCoordinator{
		engine:  engine,
		book:    book,
		claimer: claimer,
		pub:     pub,
		log:     log,
		metrics: m,
		source:  "matchengine",
	}
}

func (c *MatchingCoordinator) Register(r *Router) *Router {
	return r.
		Handle(event.TypeOrderAdmitted, c.HandleAdmitted).
		Handle(event.TypeOrderCancel, c.HandleCancel).
		Handle(event.TypeOrderMatchFailed, c.HandleMatchFailed)
}

// HandleAdmitted matches an admitted order once. The claim is released only
// when the attempt is known to have left nothing behind; once a fill was
// published, or the order was touched by another taker, it is completed and
// the order is never processed again.
func (c *MatchingCoordinator) HandleAdmitted(ctx context.Context, env *event.Envelope, payload event.Payload) error {
	a, ok := payload.(event.OrderAdmitted)
	if !ok {
		return nil
	}
	log := logging.FromContext(ctx, c.log).With(zap.String("order_id", a.OrderID), zap.String("symbol", a.Symbol))

	state, err := c.claimer.Claim(ctx, a.OrderID)
	if err != nil {
		return err
	}
	switch state {
	case matching.ClaimDone:
		log.Info("admission already processed")
		return nil
	case matching.ClaimPending:
		log.Warn("resuming interrupted admission")
		if again, err := c.takeBack(ctx, log, a, false); err != nil || !again {
			return err
		}
	}

	taker := &orderbook.Order{
		ID:        a.OrderID,
		UserID:    a.UserID,
		Symbol:    a.Symbol,
		Side:      a.Side,
		Price:     a.Price,
		Qty:       a.Quantity,
		CreatedAt: a.CreatedAt,
	}
	fills, err := c.engine.Process(ctx, taker)
	if err == nil || len(fills) > 0 {
		if err != nil {
			log.Error("order partly matched before failure", zap.Int("fills", len(fills)), zap.Error(err))
		}
		c.complete(ctx, log, a.OrderID)
		return nil
	}
	if errors.Is(err, matching.ErrNotRested) {
		return c.release(ctx, a.OrderID, err)
	}

	// Nothing was published but the taker rests: take it back off the book
	// and let the channel redeliver.
	again, rmErr := c.takeBack(ctx, log, a, true)
	if rmErr != nil {
		return errors.Join(err, rmErr)
	}
	if !again {
		return nil
	}
	return c.release(ctx, a.OrderID, err)
}

// takeBack removes a taker whose earlier attempt failed. It reports true
// when the order is off the book untouched and can be processed again. An
// order another taker traded against stays as it is and its claim is
// completed. rested says the taker is known to have reached the book, so
// finding it gone means it was consumed.
func (c *MatchingCoordinator) takeBack(ctx context.Context, log *zap.Logger, a event.OrderAdmitted, rested bool) (bool, error) {
	removed, ok, err := c.book.Remove(ctx, a.OrderID)
	if err != nil {
		return false, fmt.Errorf("take back %s: %w", a.OrderID, err)
	}
	if !ok {
		if !rested {
			return true, nil
		}
		log.Warn("order was consumed while resting")
		c.complete(ctx, log, a.OrderID)
		return false, nil
	}
	if removed.Qty != a.Quantity {
		log.Warn("order was partly consumed while resting", zap.Int64("remaining", removed.Qty))
		if err := c.engine.Restore(ctx, removed); err != nil {
			return false, err
		}
		c.complete(ctx, log, a.OrderID)
		return false, nil
	}
	return true, nil
}

func (c *MatchingCoordinator) complete(ctx context.Context, log *zap.Logger, orderID string) {
	if err := c.claimer.Complete(ctx, orderID); err != nil {
		// the pending claim expires with its ttl; redelivery is not expected
		// once the event is acked
		log.Error("cannot complete claim", zap.Error(err))
	}
}

// release drops the claim so a redelivery starts over and returns cause.
func (c *MatchingCoordinator) release(ctx context.Context, orderID string, cause error) error {
	if err := c.claimer.Release(ctx, orderID); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// HandleMatchFailed hands the quantity of a match the ledger rejected back
// to both orders. Each side is claimed on its own so a redelivery skips the
// side that was already requeued.
func (c *MatchingCoordinator) HandleMatchFailed(ctx context.Context, env *event.Envelope, payload event.Payload) error {
	f, ok := payload.(event.OrderMatchFailed)
	if !ok {
		return nil
	}
	m := f.Match
	log := logging.FromContext(ctx, c.log).With(zap.String("match_id", m.MatchID), zap.String("symbol", m.Symbol))
	log.Warn("requeueing unsettled match", zap.String("reason", f.Reason), zap.Int64("amount", m.Amount))

	sides := []*orderbook.Order{
		{ID: m.BuyOrderID, UserID: m.BuyerID, Symbol: m.Symbol, Side: event.SideBuy, Price: m.BuyerPrice, Qty: m.Amount, CreatedAt: m.MatchedAt},
		{ID: m.SellOrderID, UserID: m.SellerID, Symbol: m.Symbol, Side: event.SideSell, Price: m.SellerPrice, Qty: m.Amount, CreatedAt: m.MatchedAt},
	}
	for _, o := range sides {
		key := env.ID + "/" + o.ID
		state, err := c.claimer.Claim(ctx, key)
		if err != nil {
			return err
		}
		if state != matching.ClaimNew {
			log.Info("side already requeued", zap.String("order_id", o.ID), zap.Stringer("claim", state))
			continue
		}
		if err := c.engine.Requeue(ctx, o); err != nil {
			return c.release(ctx, key, err)
		}
		c.metrics.Requeues.WithLabelValues(m.Symbol).Inc()
		c.complete(ctx, log, key)
	}
	return nil
}

// HandleCancel removes the order from the book. A cancel that finds nothing
// to remove is answered with order.cancel_rejected.
func (c *MatchingCoordinator) HandleCancel(ctx context.Context, env *event.Envelope, payload event.Payload) error {
	req, ok := payload.(event.OrderCancel)
	if !ok {
		return nil
	}
	log := logging.FromContext(ctx, c.log).With(zap.String("order_id", req.OrderID), zap.String("user_id", req.UserID))

	cancelled, err := c.engine.Cancel(ctx, req.OrderID, req.UserID)
	if errors.Is(err, matching.ErrPublish) {
		c.metrics.Cancels.WithLabelValues(metrics.OutcomeFailed).Inc()
		return err
	}
	if err != nil {
		return err
	}
	if cancelled != nil {
		c.metrics.Cancels.WithLabelValues(metrics.OutcomeCancelled).Inc()
		return nil
	}

	c.metrics.Cancels.WithLabelValues(metrics.OutcomeNotFound).Inc()
	log.Warn("cancel target not resting")
	return publish(ctx, c.pub, c.source, env.ID, event.OrderCancelRejected{
		OrderID:     req.OrderID,
		UserID:      req.UserID,
		Reason:      "order is not resting in the book",
		FailureType: event.FailureOrderNotFound,
		RejectedAt:  env.OccurredAt.UTC(),
	})
}
