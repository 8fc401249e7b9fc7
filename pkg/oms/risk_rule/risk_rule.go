package riskrule

import (
	"errors"

	"github.com/joripage/powerex/pkg/oms/model"
)

var ErrRiskViolation = errors.New("risk rule violation")

type RiskRule interface {
	Check(order *model.Order) error
}

// PositiveRule rejects orders without a symbol, user, side or a positive
// price and quantity.
type PositiveRule struct{}

func (PositiveRule) Check(order *model.Order) error {
	switch {
	case order.UserID == "" || order.Symbol == "":
		return errors.Join(ErrRiskViolation, errors.New("user and symbol are required"))
	case !order.Side.Valid():
		return errors.Join(ErrRiskViolation, errors.New("unknown side"))
	case order.Price <= 0:
		return errors.Join(ErrRiskViolation, errors.New("price must be positive"))
	case order.Quantity <= 0:
		return errors.Join(ErrRiskViolation, errors.New("quantity must be positive"))
	}
	return nil
}
