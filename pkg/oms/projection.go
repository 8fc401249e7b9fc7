package oms

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/joripage/powerex/pkg/event"
	"github.com/joripage/powerex/pkg/logging"
	"github.com/joripage/powerex/pkg/oms/model"
	"github.com/joripage/powerex/pkg/oms/repo"
)

// Types lists the events HandleEvent projects.
func (s *OMS) Types() []event.Type {
	return []event.Type{
		event.TypeOrderAdmitted,
		event.TypeOrderFailed,
		event.TypeOrderMatched,
		event.TypeOrderMatchFailed,
		event.TypeOrderCancelled,
		event.TypeOrderCancelRejected,
	}
}

// HandleEvent applies one event to the orders it names. Each order update
// and its history row commit together, and an event id already in the
// history is skipped.
func (s *OMS) HandleEvent(ctx context.Context, env *event.Envelope, payload event.Payload) error {
	switch p := payload.(type) {
	case event.OrderAdmitted:
		return s.apply(ctx, env, p.OrderID, 0, 0, func(o *model.Order) { o.UpdateAdmitted() }, func() *model.Order {
			o := (&model.AddOrder{
				OrderID: p.OrderID, UserID: p.UserID, Symbol: p.Symbol, Side: p.Side,
				Price: p.Price, Quantity: p.Quantity, TransactTime: p.CreatedAt,
			}).ToOrder()
			o.Status = model.OrderStatusAdmitted
			return o
		})
	case event.OrderFailed:
		return s.apply(ctx, env, p.OrderID, 0, 0, func(o *model.Order) { o.UpdateFailed(p) }, nil)
	case event.OrderMatched:
		fill := func(o *model.Order) { o.UpdateMatchResult(p.Amount, p.DealPrice) }
		if err := s.apply(ctx, env, p.BuyOrderID, p.Amount, p.DealPrice, fill, nil); err != nil {
			return err
		}
		return s.apply(ctx, env, p.SellOrderID, p.Amount, p.DealPrice, fill, nil)
	case event.OrderMatchFailed:
		m := p.Match
		revert := func(o *model.Order) { o.UpdateMatchFailed(m.Amount, m.DealPrice) }
		if err := s.apply(ctx, env, m.BuyOrderID, m.Amount, m.DealPrice, revert, nil); err != nil {
			return err
		}
		return s.apply(ctx, env, m.SellOrderID, m.Amount, m.DealPrice, revert, nil)
	case event.OrderCancelled:
		return s.apply(ctx, env, p.OrderID, p.Remaining, p.Price, func(o *model.Order) { o.UpdateCancelled() }, nil)
	case event.OrderCancelRejected:
		return s.apply(ctx, env, p.OrderID, 0, 0, func(*model.Order) {}, nil)
	}
	logging.FromContext(ctx, s.log).Warn("unexpected event", zap.String("event_type", string(env.Type)))
	return nil
}

// apply updates orderID with update and records env in its history. When the
// order is unknown, missing builds it, or the event is skipped if missing is
// nil.
func (s *OMS) apply(ctx context.Context, env *event.Envelope, orderID string, qty, price int64, update func(*model.Order), missing func() *model.Order) error {
	log := logging.FromContext(ctx, s.log).With(zap.String("order_id", orderID), zap.String("event_type", string(env.Type)))

	return s.repo.Transaction(ctx, func(r repo.IRepo) error {
		order, err := r.Order().GetForUpdate(ctx, orderID)
		created := false
		switch {
		case errors.Is(err, repo.ErrNotFound) && missing != nil:
			order, created = missing(), true
		case errors.Is(err, repo.ErrNotFound):
			log.Warn("event for unknown order")
			return nil
		case err != nil:
			return err
		}

		before := order.Status
		if !created {
			update(order)
		}
		inserted, err := r.OrderEvent().Create(ctx, model.NewOrderEvent(env, order, qty, price))
		if err != nil {
			return err
		}
		if !inserted {
			log.Info("event already applied")
			return nil
		}
		if created {
			return r.Order().Create(ctx, order)
		}
		if before != order.Status {
			log.Info("order status changed", zap.String("from", string(before)), zap.String("to", string(order.Status)))
		}
		return r.Order().Save(ctx, order)
	})
}
