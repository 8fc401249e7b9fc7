// Package wallet owns user balances: admission locks funds or inventory for
// an order, settlement moves locked value between buyer and seller, and
// release unlocks what a cancelled order no longer needs.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/joripage/powerex/pkg/event"
	"github.com/joripage/powerex/pkg/logging"
)

type Ledger struct {
	db  *gorm.DB
	log *zap.Logger
	now func() time.Time
}

func NewLedger(db *gorm.DB, log *zap.Logger) *Ledger {
	return &Ledger{db: db, log: log, now: time.Now}
}

// AutoMigrate creates the ledger tables. Production schemas come from
// migration/sql; this is for tests and single-process mode.
func (l *Ledger) AutoMigrate() error {
	return l.db.AutoMigrate(&Account{}, &Reservation{}, &Settlement{})
}

func (l *Ledger) dbWithContext(ctx context.Context) *gorm.DB {
	return l.db.WithContext(ctx)
}

// OpenAccount creates an empty account.
func (l *Ledger) OpenAccount(ctx context.Context, userID string) (*Account, error) {
	acc := &Account{UserID: userID}
	res := l.dbWithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(acc)
	if res.Error != nil {
		return nil, fmt.Errorf("open account %s: %w", userID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrAccountExists
	}
	return acc, nil
}

// Deposit adds to the available pools.
func (l *Ledger) Deposit(ctx context.Context, userID string, currency, inventory int64) (*Account, error) {
	if currency < 0 || inventory < 0 {
		return nil, ErrInvalidAmount
	}
	res := l.dbWithContext(ctx).Model(&Account{}).
		Where("user_id = ?", userID).
		UpdateColumns(map[string]any{
			"available_currency":  gorm.Expr("available_currency + ?", currency),
			"available_inventory": gorm.Expr("available_inventory + ?", inventory),
			"updated_at":          l.now(),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("deposit %s: %w", userID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrWalletNotFound
	}
	return l.Account(ctx, userID)
}

func (l *Ledger) Account(ctx context.Context, userID string) (*Account, error) {
	var acc Account
	err := l.dbWithContext(ctx).Where("user_id = ?", userID).Take(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", userID, err)
	}
	return &acc, nil
}

func (l *Ledger) Reservation(ctx context.Context, orderID string) (*Reservation, error) {
	var r Reservation
	err := l.dbWithContext(ctx).Where("order_id = ?", orderID).Take(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load reservation %s: %w", orderID, err)
	}
	return &r, nil
}

// SettlementsByUser lists the user's fills as buyer or seller, newest first.
func (l *Ledger) SettlementsByUser(ctx context.Context, userID string) ([]Settlement, error) {
	var out []Settlement
	err := l.dbWithContext(ctx).
		Where("buyer_id = ? OR seller_id = ?", userID, userID).
		Order("matched_at DESC").Order("match_id").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("settlements of %s: %w", userID, err)
	}
	return out, nil
}

// lockCost is the value CheckAndLock moves into a locked pool.
func lockCost(side event.Side, price, qty int64) (int64, bool) {
	if side == event.SideSell {
		return qty, true
	}
	if price > math.MaxInt64/qty {
		return 0, false
	}
	return price * qty, true
}

// CheckAndLock admits an order if the account can cover it and locks the
// cost in the same transaction as the reservation row. The lock is a single
// UPDATE guarded by the available pool, so concurrent admissions for one user
// cannot both pass against the same balance.
//
// Rejections are outcomes, not errors; an error means the store failed and
// nothing was changed. Checking the same order id again returns the stored
// outcome.
func (l *Ledger) CheckAndLock(ctx context.Context, req event.OrderCreate) (*Admission, error) {
	log := logging.FromContext(ctx, l.log).With(
		zap.String("order_id", req.OrderID),
		zap.String("user_id", req.UserID),
	)
	if err := req.Validate(); err != nil {
		log.Warn("rejecting invalid order", zap.Error(err))
		return &Admission{OrderID: req.OrderID, FailureType: event.FailureInvalidOrder, Reason: err.Error(), DecidedAt: l.now()}, nil
	}
	cost, ok := lockCost(req.Side, req.Price, req.Quantity)
	if !ok {
		log.Warn("rejecting order whose value overflows")
		return &Admission{OrderID: req.OrderID, FailureType: event.FailureInvalidOrder, Reason: "order value overflows", DecidedAt: l.now()}, nil
	}

	var adm *Admission
	err := l.dbWithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := l.now()
		res := &Reservation{
			OrderID:   req.OrderID,
			UserID:    req.UserID,
			Symbol:    req.Symbol,
			Side:      req.Side,
			Price:     req.Price,
			Quantity:  req.Quantity,
			Remaining: req.Quantity,
			Status:    ReservationActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
		ins := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(res)
		if ins.Error != nil {
			return ins.Error
		}
		if ins.RowsAffected == 0 {
			var existing Reservation
			if err := tx.Where("order_id = ?", req.OrderID).Take(&existing).Error; err != nil {
				return err
			}
			adm = admissionFrom(&existing)
			adm.Duplicate = true
			return nil
		}

		available, locked := "available_currency", "locked_currency"
		if req.Side == event.SideSell {
			available, locked = "available_inventory", "locked_inventory"
		}
		upd := tx.Model(&Account{}).
			Where("user_id = ? AND "+available+" >= ?", req.UserID, cost).
			UpdateColumns(map[string]any{
				available:    gorm.Expr(available+" - ?", cost),
				locked:       gorm.Expr(locked+" + ?", cost),
				"updated_at": now,
			})
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected == 1 {
			adm = &Admission{OrderID: req.OrderID, Admitted: true, DecidedAt: now}
			return nil
		}

		var n int64
		if err := tx.Model(&Account{}).Where("user_id = ?", req.UserID).Count(&n).Error; err != nil {
			return err
		}
		ft := event.FailureInsufficientBalance
		switch {
		case n == 0:
			ft = event.FailureWalletNotFound
		case req.Side == event.SideSell:
			ft = event.FailureInsufficientInventory
		}
		adm = &Admission{OrderID: req.OrderID, FailureType: ft, Reason: failureErrors[ft].Error(), DecidedAt: now}
		return tx.Model(&Reservation{}).Where("order_id = ?", req.OrderID).
			UpdateColumns(map[string]any{
				"status":       ReservationRejected,
				"remaining":    0,
				"failure_type": ft,
				"reason":       adm.Reason,
			}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("check and lock %s: %w", req.OrderID, err)
	}

	switch {
	case adm.Duplicate:
		log.Info("admission already decided", zap.Bool("admitted", adm.Admitted))
	case adm.Admitted:
		log.Info("order admitted", zap.Int64("locked", cost))
	default:
		log.Warn("order rejected", zap.String("failure_type", string(adm.FailureType)))
	}
	return adm, nil
}

// Settle applies a match. The settlement row is written first; if the match
// id is already there the delivery is a duplicate and nothing changes.
//
// Buyer: the reservation made at BuyerPrice is released, DealPrice is paid
// and the difference returns to available currency. Seller: locked inventory
// is consumed and DealPrice*Amount credited.
func (l *Ledger) Settle(ctx context.Context, m event.OrderMatched) (bool, error) {
	if err := m.Validate(); err != nil {
		return false, err
	}
	reserved, ok1 := lockCost(event.SideBuy, m.BuyerPrice, m.Amount)
	paid, ok2 := lockCost(event.SideBuy, m.DealPrice, m.Amount)
	if !ok1 || !ok2 {
		return false, fmt.Errorf("%w: match %s value overflows", ErrStaleMatch, m.MatchID)
	}

	applied := false
	err := l.dbWithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := l.now()
		ins := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&Settlement{
			MatchID:     m.MatchID,
			Symbol:      m.Symbol,
			BuyOrderID:  m.BuyOrderID,
			SellOrderID: m.SellOrderID,
			BuyerID:     m.BuyerID,
			SellerID:    m.SellerID,
			BuyerPrice:  m.BuyerPrice,
			DealPrice:   m.DealPrice,
			Amount:      m.Amount,
			MatchedAt:   m.MatchedAt,
			CreatedAt:   now,
		})
		if ins.Error != nil {
			return ins.Error
		}
		if ins.RowsAffected == 0 {
			return nil
		}

		buyer := tx.Model(&Account{}).
			Where("user_id = ? AND locked_currency >= ?", m.BuyerID, reserved).
			UpdateColumns(map[string]any{
				"locked_currency":     gorm.Expr("locked_currency - ?", reserved),
				"available_currency":  gorm.Expr("available_currency + ?", reserved-paid),
				"available_inventory": gorm.Expr("available_inventory + ?", m.Amount),
				"updated_at":          now,
			})
		if buyer.Error != nil {
			return buyer.Error
		}
		if buyer.RowsAffected == 0 {
			return fmt.Errorf("%w: buyer %s cannot release %d", ErrStaleMatch, m.BuyerID, reserved)
		}

		seller := tx.Model(&Account{}).
			Where("user_id = ? AND locked_inventory >= ?", m.SellerID, m.Amount).
			UpdateColumns(map[string]any{
				"locked_inventory":   gorm.Expr("locked_inventory - ?", m.Amount),
				"available_currency": gorm.Expr("available_currency + ?", paid),
				"updated_at":         now,
			})
		if seller.Error != nil {
			return seller.Error
		}
		if seller.RowsAffected == 0 {
			return fmt.Errorf("%w: seller %s cannot release %d", ErrStaleMatch, m.SellerID, m.Amount)
		}

		for _, orderID := range []string{m.BuyOrderID, m.SellOrderID} {
			if err := consumeReservation(tx, orderID, m.Amount, now); err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("settle %s: %w", m.MatchID, err)
	}
	return applied, nil
}

// consumeReservation lowers an order's remaining quantity. Reservations are
// bookkeeping for Release; balances were already moved, so a missing row is
// tolerated.
func consumeReservation(tx *gorm.DB, orderID string, amount int64, now time.Time) error {
	return tx.Model(&Reservation{}).
		Where("order_id = ? AND status = ? AND remaining >= ?", orderID, ReservationActive, amount).
		UpdateColumns(map[string]any{
			"remaining":  gorm.Expr("remaining - ?", amount),
			"status":     gorm.Expr("CASE WHEN remaining = ? THEN ? ELSE status END", amount, ReservationFilled),
			"updated_at": now,
		}).Error
}

// Release unlocks the value of remaining units of a cancelled order: currency
// at the reserved price for a buy, inventory for a sell. The book reports the
// quantity it removed, so it is used as is rather than the reservation's own
// count, which may lag behind in-flight settlements. Releasing twice is a
// no-op.
func (l *Ledger) Release(ctx context.Context, orderID string, remaining int64) (bool, error) {
	if remaining <= 0 {
		return false, ErrInvalidAmount
	}

	released := false
	err := l.dbWithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r Reservation
		err := tx.Where("order_id = ?", orderID).Take(&r).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrReservationNotFound
		}
		if err != nil {
			return err
		}
		if r.Status == ReservationReleased || r.Status == ReservationRejected {
			return nil
		}

		amount, ok := lockCost(r.Side, r.Price, remaining)
		if !ok {
			return ErrInvalidAmount
		}
		available, locked := "available_currency", "locked_currency"
		if r.Side == event.SideSell {
			available, locked = "available_inventory", "locked_inventory"
		}

		now := l.now()
		cas := tx.Model(&Reservation{}).
			Where("order_id = ? AND status = ?", orderID, r.Status).
			UpdateColumns(map[string]any{
				"status":     ReservationReleased,
				"remaining":  0,
				"updated_at": now,
			})
		if cas.Error != nil {
			return cas.Error
		}
		if cas.RowsAffected == 0 {
			return nil
		}

		upd := tx.Model(&Account{}).
			Where("user_id = ? AND "+locked+" >= ?", r.UserID, amount).
			UpdateColumns(map[string]any{
				locked:       gorm.Expr(locked+" - ?", amount),
				available:    gorm.Expr(available+" + ?", amount),
				"updated_at": now,
			})
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected == 0 {
			return fmt.Errorf("%w: %s cannot unlock %d", ErrStaleMatch, r.UserID, amount)
		}
		released = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("release %s: %w", orderID, err)
	}
	return released, nil
}
