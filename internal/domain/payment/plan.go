package payment

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Plan is one purchasable credit lot.
type Plan struct {
	Code      string          `json:"code"`
	Name      string          `json:"name"`
	Amount    decimal.Decimal `json:"amount"`
	Credits   int             `json:"credits"`
	ValidDays int             `json:"validDays"`
}

// Catalogue maps plan codes to plans.
type Catalogue struct {
	plans map[string]Plan
}

// NewCatalogue validates and indexes plans.
func NewCatalogue(plans ...Plan) (*Catalogue, error) {
	c := &Catalogue{plans: make(map[string]Plan, len(plans))}
	for _, p := range plans {
		if p.Code == "" {
			return nil, fmt.Errorf("plan without code")
		}
		if _, dup := c.plans[p.Code]; dup {
			return nil, fmt.Errorf("duplicate plan %q", p.Code)
		}
		if !p.Amount.IsPositive() || p.Credits <= 0 || p.ValidDays <= 0 {
			return nil, fmt.Errorf("plan %q needs a positive amount, credit count and validity", p.Code)
		}
		c.plans[p.Code] = p
	}
	return c, nil
}

// DefaultCatalogue is the 7, 14 and 30 day lineup.
func DefaultCatalogue() *Catalogue {
	c, err := NewCatalogue(
		Plan{Code: "day7", Name: "7 day pack", Amount: decimal.RequireFromString("4.99"), Credits: 20, ValidDays: 7},
		Plan{Code: "day14", Name: "14 day pack", Amount: decimal.RequireFromString("8.99"), Credits: 45, ValidDays: 14},
		Plan{Code: "day30", Name: "30 day pack", Amount: decimal.RequireFromString("14.99"), Credits: 100, ValidDays: 30},
	)
	if err != nil {
		panic(err)
	}
	return c
}

// Lookup returns the plan for code.
func (c *Catalogue) Lookup(code string) (Plan, error) {
	p, ok := c.plans[code]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrUnknownPlan, code)
	}
	return p, nil
}

// Codes lists plan codes in price order.
func (c *Catalogue) Codes() []string {
	plans := c.All()
	codes := make([]string, len(plans))
	for i, p := range plans {
		codes[i] = p.Code
	}
	return codes
}

// All lists plans in price order.
func (c *Catalogue) All() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Amount.Equal(out[j].Amount) {
			return out[i].Amount.LessThan(out[j].Amount)
		}
		return out[i].Code < out[j].Code
	})
	return out
}
