package riskrule

import (
	"fmt"

	"github.com/joripage/powerex/pkg/oms/model"
)

type LimitPrice struct {
	Ceil  int64 `yaml:"ceil" json:"ceil"`
	Floor int64 `yaml:"floor" json:"floor"`
}

// LimitPriceRule keeps prices inside a per-symbol band. Symbols without a
// band are not checked; a zero Ceil means no upper bound.
type LimitPriceRule struct {
	prices map[string]LimitPrice
}

func NewLimitPriceRule(prices map[string]LimitPrice) *LimitPriceRule {
	return &LimitPriceRule{prices: prices}
}

func (r *LimitPriceRule) Check(order *model.Order) error {
	band, ok := r.prices[order.Symbol]
	if !ok {
		return nil
	}
	if (band.Ceil > 0 && order.Price > band.Ceil) || order.Price < band.Floor {
		return fmt.Errorf("%w: price %d outside [%d, %d] for %s", ErrRiskViolation, order.Price, band.Floor, band.Ceil, order.Symbol)
	}
	return nil
}
