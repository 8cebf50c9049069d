package pricing

import (
	"errors"
	"fmt"
	"strings"
)

// Costs are integer milli-credits throughout. Multipliers and markups are
// basis points (10000 = 1.0x) so the calculator never touches floats.

const (
	basisPointScale = 10000

	// ModeBYO callers bring their own upstream credentials and are never
	// charged credits. Quota still applies.
	ModeBYO = "byo"
)

var (
	ErrUnknownPricingKey = errors.New("unknown_pricing_key")
	ErrInvalidQuantity   = errors.New("invalid_quantity")
)

// BaseRate prices one resource type.
type BaseRate struct {
	UnitSize         int64 `mapstructure:"unit_size"`
	RateMilliCredits int64 `mapstructure:"rate_milli_credits"`
}

// Table is the injected pricing configuration.
type Table struct {
	BaseRates         map[string]BaseRate `mapstructure:"base_rates"`
	ModeMultipliersBp map[string]int64    `mapstructure:"mode_multipliers_bp"`
	TierMarkupsBp     map[string]int64    `mapstructure:"tier_markups_bp"`
	MinimumCharge     int64               `mapstructure:"minimum_charge_milli_credits"`
}

// Validate fails startup on a malformed table rather than mispricing later.
func (t Table) Validate() error {
	if len(t.BaseRates) == 0 {
		return errors.New("pricing table has no base rates")
	}
	for resource, rate := range t.BaseRates {
		if strings.TrimSpace(resource) == "" {
			return errors.New("pricing table has an unnamed resource")
		}
		if rate.UnitSize <= 0 {
			return fmt.Errorf("resource %q has non-positive unit size", resource)
		}
		if rate.RateMilliCredits < 0 {
			return fmt.Errorf("resource %q has negative rate", resource)
		}
	}
	if len(t.ModeMultipliersBp) == 0 {
		return errors.New("pricing table has no mode multipliers")
	}
	for mode, bp := range t.ModeMultipliersBp {
		if bp < 0 {
			return fmt.Errorf("mode %q has negative multiplier", mode)
		}
	}
	for tier, bp := range t.TierMarkupsBp {
		if bp < -basisPointScale {
			return fmt.Errorf("tier %q markup below -100%%", tier)
		}
	}
	if t.MinimumCharge < 0 {
		return errors.New("pricing table has negative minimum charge")
	}
	return nil
}

// Calculator is a pure function over the injected table. No I/O, fully
// deterministic, safe to call for both pre-flight estimates and actual-cost
// recomputation.
type Calculator struct {
	table Table
}

func NewCalculator(table Table) (*Calculator, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return &Calculator{table: table}, nil
}

// Estimate maps consumption to milli-credits.
//
// credits = ceil(quantity / unit_size) * base_rate * mode_multiplier * (1 + tier_markup)
//
// Unknown keys fail closed with ErrUnknownPricingKey; silently defaulting to
// zero cost is a revenue-loss bug class this guards against.
func (c *Calculator) Estimate(resourceType string, quantity int64, routingMode, tier string) (int64, error) {
	if quantity < 0 {
		return 0, ErrInvalidQuantity
	}

	routingMode = strings.ToLower(strings.TrimSpace(routingMode))
	if routingMode == ModeBYO {
		return 0, nil
	}

	rate, ok := c.table.BaseRates[strings.TrimSpace(resourceType)]
	if !ok {
		return 0, fmt.Errorf("%w: resource %q", ErrUnknownPricingKey, resourceType)
	}
	modeBp, ok := c.table.ModeMultipliersBp[routingMode]
	if !ok {
		return 0, fmt.Errorf("%w: mode %q", ErrUnknownPricingKey, routingMode)
	}
	markupBp, ok := c.table.TierMarkupsBp[strings.ToLower(strings.TrimSpace(tier))]
	if !ok {
		return 0, fmt.Errorf("%w: tier %q", ErrUnknownPricingKey, tier)
	}

	if quantity == 0 {
		return c.table.MinimumCharge, nil
	}

	units := ceilDiv(quantity, rate.UnitSize)
	cost := units * rate.RateMilliCredits
	cost = ceilDiv(cost*modeBp, basisPointScale)
	cost = ceilDiv(cost*(basisPointScale+markupBp), basisPointScale)

	if cost < c.table.MinimumCharge {
		cost = c.table.MinimumCharge
	}
	return cost, nil
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
