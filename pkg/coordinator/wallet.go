package coordinator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/joripage/powerex/pkg/event"
	"github.com/joripage/powerex/pkg/eventbus"
	"github.com/joripage/powerex/pkg/logging"
	"github.com/joripage/powerex/pkg/metrics"
	"github.com/joripage/powerex/pkg/wallet"
)

// Ledger is the part of the wallet the choreography drives.
type Ledger interface {
	CheckAndLock(ctx context.Context, req event.OrderCreate) (*wallet.Admission, error)
	Settle(ctx context.Context, m event.OrderMatched) (bool, error)
	Release(ctx context.Context, orderID string, remaining int64) (bool, error)
}

// WalletCoordinator admits new orders and applies matches and cancellations
// to the ledger.
type WalletCoordinator struct {
	ledger  Ledger
	pub     eventbus.Publisher
	log     *zap.Logger
	metrics *metrics.Metrics
	source  string
	now     func() time.Time
}

func NewWalletCoordinator(ledger Ledger, pub eventbus.Publisher, log *zap.Logger, m *metrics.Metrics) *WalletCoordinator {
	if m == nil {
		m = metrics.NewNop()
	}
	return &WalletCoordinator{ledger: ledger, pub: pub, log: log, metrics: m, source: "wallet", now: time.Now}
}

// Register adds the wallet's handlers to r.
func (c *WalletCoordinator) Register(r *Router) *Router {
	return r.
		Handle(event.TypeOrderCreate, c.HandleCreate).
		Handle(event.TypeOrderMatched, c.HandleMatched).
		Handle(event.TypeOrderCancelled, c.HandleCancelled)
}

// HandleCreate runs the admission check and answers with order.admitted or
// order.failed. A redelivered request gets the stored outcome published
// again under the same event id.
func (c *WalletCoordinator) HandleCreate(ctx context.Context, env *event.Envelope, payload event.Payload) error {
	req, ok := payload.(event.OrderCreate)
	if !ok {
		return c.unexpected(ctx, env, payload)
	}

	adm, err := c.ledger.CheckAndLock(ctx, req)
	if err != nil {
		return err
	}
	switch {
	case adm.Duplicate:
		c.metrics.Admissions.WithLabelValues(metrics.OutcomeDuplicate).Inc()
	case adm.Admitted:
		c.metrics.Admissions.WithLabelValues(metrics.OutcomeAdmitted).Inc()
	default:
		c.metrics.Admissions.WithLabelValues(metrics.OutcomeRejected).Inc()
	}

	if adm.Admitted {
		return publish(ctx, c.pub, c.source, req.OrderID, event.OrderAdmitted{
			OrderDetails: req.OrderDetails,
			AdmittedAt:   adm.DecidedAt.UTC(),
		})
	}
	return publish(ctx, c.pub, c.source, req.OrderID, event.OrderFailed{
		OrderID:     req.OrderID,
		UserID:      req.UserID,
		Reason:      adm.Reason,
		FailureType: adm.FailureType,
		FailedAt:    adm.DecidedAt.UTC(),
	})
}

// HandleMatched settles a match. A match the ledger cannot honor is answered
// with order.match_failed.
func (c *WalletCoordinator) HandleMatched(ctx context.Context, env *event.Envelope, payload event.Payload) error {
	m, ok := payload.(event.OrderMatched)
	if !ok {
		return c.unexpected(ctx, env, payload)
	}
	log := logging.FromContext(ctx, c.log).With(zap.String("match_id", m.MatchID), zap.String("symbol", m.Symbol))

	applied, err := c.ledger.Settle(ctx, m)
	if errors.Is(err, wallet.ErrStaleMatch) {
		// nothing of the match was applied; the matcher hands it back to
		// both orders
		c.metrics.Settlements.WithLabelValues(metrics.OutcomeFailed).Inc()
		log.Error("cannot settle match", zap.Error(err))
		return publish(ctx, c.pub, c.source, m.MatchID, event.OrderMatchFailed{
			Match:    m,
			Reason:   err.Error(),
			FailedAt: c.now().UTC(),
		})
	}
	if err != nil {
		return err
	}
	if !applied {
		c.metrics.Settlements.WithLabelValues(metrics.OutcomeDuplicate).Inc()
		log.Info("match already settled")
		return nil
	}
	c.metrics.Settlements.WithLabelValues(metrics.OutcomeApplied).Inc()
	log.Info("match settled",
		zap.String("buyer_id", m.BuyerID),
		zap.String("seller_id", m.SellerID),
		zap.Int64("deal_price", m.DealPrice),
		zap.Int64("amount", m.Amount),
	)
	return nil
}

func (c *WalletCoordinator) HandleCancelled(ctx context.Context, env *event.Envelope, payload event.Payload) error {
	cancelled, ok := payload.(event.OrderCancelled)
	if !ok {
		return c.unexpected(ctx, env, payload)
	}
	log := logging.FromContext(ctx, c.log).With(zap.String("order_id", cancelled.OrderID))

	released, err := c.ledger.Release(ctx, cancelled.OrderID, cancelled.Remaining)
	if errors.Is(err, wallet.ErrReservationNotFound) {
		log.Warn("cancelled order has no reservation")
		return nil
	}
	if err != nil {
		return err
	}
	if !released {
		log.Info("reservation already released")
	}
	return nil
}

func (c *WalletCoordinator) unexpected(ctx context.Context, env *event.Envelope, payload event.Payload) error {
	logging.FromContext(ctx, c.log).Warn("unexpected payload",
		zap.String("event_type", string(env.Type)),
		zap.String("payload_type", string(payload.EventType())),
	)
	return nil
}
