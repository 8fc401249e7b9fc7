// Package market answers synchronous queries about the book and a user's
// orders. Reads never fail: a store error is logged and an empty result
// returned.
package market

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/joripage/powerex/pkg/event"
	"github.com/joripage/powerex/pkg/logging"
	"github.com/joripage/powerex/pkg/orderbook"
	"github.com/joripage/powerex/pkg/wallet"
)

const DefaultDepth = 10

type SettlementReader interface {
	SettlementsByUser(ctx context.Context, userID string) ([]wallet.Settlement, error)
}

// Canceller removes a resting order and announces it; matching.Engine
// implements it.
type Canceller interface {
	Cancel(ctx context.Context, orderID, userID string) (*event.OrderCancelled, error)
}

type Summary struct {
	Symbol  string `json:"symbol"`
	BestBid *int64 `json:"best_bid,omitempty"`
	BestAsk *int64 `json:"best_ask,omitempty"`
	// Spread, MidPrice and SpreadBps are set only when both sides quote.
	Spread    *int64           `json:"spread,omitempty"`
	MidPrice  *decimal.Decimal `json:"mid_price,omitempty"`
	SpreadBps *decimal.Decimal `json:"spread_bps,omitempty"`
}

type UserOrders struct {
	UserID  string              `json:"user_id"`
	Resting []*orderbook.Order  `json:"resting"`
	Settled []wallet.Settlement `json:"settled"`
}

type Service struct {
	book      orderbook.Book
	ledger    SettlementReader
	canceller Canceller
	log       *zap.Logger
}

func NewService(book orderbook.Book, ledger SettlementReader, canceller Canceller, log *zap.Logger) *Service {
	return &Service{book: book, ledger: ledger, canceller: canceller, log: log}
}

// Snapshot aggregates the best depth price levels of each side.
func (s *Service) Snapshot(ctx context.Context, symbol string, depth int) *orderbook.Snapshot {
	if depth <= 0 {
		depth = DefaultDepth
	}
	snap, err := s.book.Depth(ctx, symbol, depth)
	if err != nil {
		logging.FromContext(ctx, s.log).Error("book snapshot", zap.String("symbol", symbol), zap.Error(err))
		return &orderbook.Snapshot{Symbol: symbol, Bids: []orderbook.Level{}, Asks: []orderbook.Level{}}
	}
	return snap
}

func (s *Service) Summary(ctx context.Context, symbol string) Summary {
	log := logging.FromContext(ctx, s.log).With(zap.String("symbol", symbol))
	out := Summary{Symbol: symbol}

	bid, hasBid, err := s.book.BestBid(ctx, symbol)
	if err != nil {
		log.Error("best bid", zap.Error(err))
		return out
	}
	ask, hasAsk, err := s.book.BestAsk(ctx, symbol)
	if err != nil {
		log.Error("best ask", zap.Error(err))
		return out
	}
	if hasBid {
		out.BestBid = &bid
	}
	if hasAsk {
		out.BestAsk = &ask
	}
	if hasBid && hasAsk {
		spread := ask - bid
		mid := decimal.NewFromInt(bid).Add(decimal.NewFromInt(ask)).Div(decimal.NewFromInt(2))
		bps := decimal.NewFromInt(spread).Mul(decimal.NewFromInt(10_000)).DivRound(mid, 2)
		out.Spread, out.MidPrice, out.SpreadBps = &spread, &mid, &bps
	}
	return out
}

// UserOrders lists the user's resting orders and settled fills.
func (s *Service) UserOrders(ctx context.Context, userID string) UserOrders {
	log := logging.FromContext(ctx, s.log).With(zap.String("user_id", userID))
	out := UserOrders{UserID: userID, Resting: []*orderbook.Order{}, Settled: []wallet.Settlement{}}

	if resting, err := s.book.OrdersByUser(ctx, userID); err != nil {
		log.Error("resting orders", zap.Error(err))
	} else if resting != nil {
		out.Resting = resting
	}
	if settled, err := s.ledger.SettlementsByUser(ctx, userID); err != nil {
		log.Error("settled orders", zap.Error(err))
	} else if settled != nil {
		out.Settled = settled
	}
	return out
}

// Cancel reports whether orderID was resting and is now gone. A second call
// for the same id returns false.
func (s *Service) Cancel(ctx context.Context, orderID string) bool {
	c, err := s.canceller.Cancel(ctx, orderID, "")
	if err != nil {
		logging.FromContext(ctx, s.log).Error("cancel", zap.String("order_id", orderID), zap.Error(err))
		return false
	}
	return c != nil
}

// NoSettlements serves a market without ledger access; users see resting
// orders only.
type NoSettlements struct{}

func (NoSettlements) SettlementsByUser(context.Context, string) ([]wallet.Settlement, error) {
	return nil, nil
}
