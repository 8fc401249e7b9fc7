// Package oms is the client-facing side of the exchange: it accepts orders
// and cancel requests, and keeps each order's status up to date from the
// events the other services publish.
package oms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/joripage/powerex/pkg/event"
	"github.com/joripage/powerex/pkg/eventbus"
	"github.com/joripage/powerex/pkg/logging"
	"github.com/joripage/powerex/pkg/oms/model"
	"github.com/joripage/powerex/pkg/oms/repo"
	riskrule "github.com/joripage/powerex/pkg/oms/risk_rule"
)

const source = "oms"

type OMS struct {
	repo  repo.IRepo
	pub   eventbus.Publisher
	log   *zap.Logger
	rules []riskrule.RiskRule
	now   func() time.Time
}

func NewOMS(r repo.IRepo, pub eventbus.Publisher, log *zap.Logger, rules ...riskrule.RiskRule) *OMS {
	return &OMS{
		repo:  r,
		pub:   pub,
		log:   log,
		rules: append([]riskrule.RiskRule{riskrule.PositiveRule{}}, rules...),
		now:   time.Now,
	}
}

// Submit checks the order against the risk rules, records it as
// PENDING_CHECK and publishes order.create. The order id is generated here
// unless the caller supplied one; submitting an id that is still pending
// publishes the same order.create again.
func (s *OMS) Submit(ctx context.Context, addOrder *model.AddOrder) (string, error) {
	order := addOrder.ToOrder()
	if order.OrderID == "" {
		order.OrderID = uuid.NewString()
	}
	if order.TransactTime.IsZero() {
		order.TransactTime = s.now()
	}
	order.TransactTime = order.TransactTime.UTC()
	log := logging.FromContext(ctx, s.log).With(zap.String("order_id", order.OrderID), zap.String("user_id", order.UserID))

	for _, rule := range s.rules {
		if err := rule.Check(order); err != nil {
			log.Warn("order refused", zap.Error(err))
			return "", err
		}
	}

	existing, err := s.repo.Order().Get(ctx, order.OrderID)
	switch {
	case err == nil:
		if existing.Status != model.OrderStatusPendingCheck || existing.UserID != order.UserID {
			return "", ErrDuplicateOrder
		}
		order = existing
	case errors.Is(err, repo.ErrNotFound):
		if err := s.repo.Order().Create(ctx, order); err != nil {
			return "", fmt.Errorf("create order %s: %w", order.OrderID, err)
		}
	default:
		return "", fmt.Errorf("lookup order %s: %w", order.OrderID, err)
	}

	req := event.OrderCreate{OrderDetails: event.OrderDetails{
		OrderID:   order.OrderID,
		UserID:    order.UserID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		Price:     order.Price,
		Quantity:  order.Quantity,
		CreatedAt: order.TransactTime,
	}}
	env, err := event.NewWithID(event.DerivedID(event.TypeOrderCreate, order.OrderID), source, req)
	if err != nil {
		return "", err
	}
	if err := s.pub.Publish(ctx, env); err != nil {
		// the order stays pending; resubmitting the id retries
		log.Error("publish order.create", zap.Error(err))
		return order.OrderID, fmt.Errorf("%w: %v", ErrPublish, err)
	}
	if _, err := s.repo.OrderEvent().Create(ctx, model.NewOrderEvent(env, order, order.Quantity, order.Price)); err != nil {
		log.Warn("record order event", zap.Error(err))
	}
	log.Info("order submitted", zap.String("symbol", order.Symbol), zap.String("side", string(order.Side)))
	return order.OrderID, nil
}

// RequestCancel asks the matching service to take the order off the book.
// The outcome arrives as order.cancelled or order.cancel_rejected.
func (s *OMS) RequestCancel(ctx context.Context, cancelOrder *model.CancelOrder) error {
	order, err := s.repo.Order().Get(ctx, cancelOrder.OrderID)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && order.UserID != cancelOrder.UserID) {
		return ErrOrderNotFound
	}
	if err != nil {
		return err
	}
	if !order.CanCancel() {
		return ErrInvalidOrderStatus
	}

	env, err := event.New(source, event.OrderCancel{
		OrderID:     order.OrderID,
		UserID:      order.UserID,
		Symbol:      order.Symbol,
		RequestedAt: s.now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := s.pub.Publish(ctx, env); err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	logging.FromContext(ctx, s.log).Info("cancel requested", zap.String("order_id", order.OrderID))
	return nil
}

func (s *OMS) Order(ctx context.Context, orderID string) (*model.Order, error) {
	o, err := s.repo.Order().Get(ctx, orderID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

// OrdersByUser lists the user's orders. A store error is logged and yields
// an empty list.
func (s *OMS) OrdersByUser(ctx context.Context, userID string) []*model.Order {
	orders, err := s.repo.Order().ListByUser(ctx, userID)
	if err != nil {
		logging.FromContext(ctx, s.log).Error("list orders", zap.String("user_id", userID), zap.Error(err))
		return []*model.Order{}
	}
	return orders
}

// History lists the events applied to an order, oldest first.
func (s *OMS) History(ctx context.Context, orderID string) ([]*model.OrderEvent, error) {
	return s.repo.OrderEvent().ListByOrder(ctx, orderID)
}
