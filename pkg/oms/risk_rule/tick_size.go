package riskrule

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/joripage/powerex/pkg/oms/model"
)

type TickSize struct {
	MaxPrice int64 `yaml:"maxPrice" json:"maxPrice"` // 0 = no limit
	Step     int64 `yaml:"step" json:"step"`
}

// TickSizeRule holds price steps per symbol, ordered by MaxPrice.
type TickSizeRule struct {
	Config map[string][]TickSize
}

// NewTickSizeRuleFromFile loads a YAML (or JSON) file mapping symbol to
// price steps.
func NewTickSizeRuleFromFile(path string) (*TickSizeRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg map[string][]TickSize
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &TickSizeRule{Config: cfg}, nil
}

func (r *TickSizeRule) Check(order *model.Order) error {
	rules, ok := r.Config[order.Symbol]
	if !ok { // no config -> no rule
		return nil
	}

	for _, rule := range rules {
		if rule.MaxPrice == 0 || order.Price <= rule.MaxPrice {
			if rule.Step > 0 && order.Price%rule.Step != 0 {
				return fmt.Errorf("%w: price %d is not a multiple of %d", ErrRiskViolation, order.Price, rule.Step)
			}
			return nil
		}
	}

	return nil
}
