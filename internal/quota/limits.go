package quota

import (
	"fmt"
	"strings"

	"github.com/relaybill/relaybill/internal/config"
	"github.com/spf13/viper"
)

// LimitsTable maps subscription tiers to window caps. Counters are keyed by
// principal, not tier, so a tier change re-evaluates the same counts against
// the new caps on the next request.
type LimitsTable struct {
	Default Limits            `mapstructure:"default"`
	Tiers   map[string]Limits `mapstructure:"tiers"`
}

// For resolves the caps for a tier. Unknown or empty tiers use Default.
func (t LimitsTable) For(tier string) Limits {
	tier = strings.ToLower(strings.TrimSpace(tier))
	if limits, ok := t.Tiers[tier]; ok {
		return limits
	}
	return t.Default
}

func (t LimitsTable) isZero() bool {
	return t.Default == (Limits{}) && len(t.Tiers) == 0
}

// LoadLimitsTable reads the tier_quota_limits section from the pricing table
// file. The section is optional; the QUOTA_DAILY_LIMIT and
// QUOTA_MONTHLY_LIMIT env values apply to every tier when it is absent.
func LoadLimitsTable(cfg config.Config) (LimitsTable, error) {
	fallback := LimitsTable{
		Default: Limits{
			Daily:   cfg.Quota.DailyLimit,
			Monthly: cfg.Quota.MonthlyLimit,
		},
	}

	path := strings.TrimSpace(cfg.PricingTablePath)
	if path == "" {
		return fallback, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return LimitsTable{}, fmt.Errorf("read quota limits %s: %w", path, err)
	}
	if !v.IsSet("tier_quota_limits") {
		return fallback, nil
	}

	var table LimitsTable
	if err := v.UnmarshalKey("tier_quota_limits", &table); err != nil {
		return LimitsTable{}, fmt.Errorf("decode quota limits %s: %w", path, err)
	}
	if table.Default == (Limits{}) {
		table.Default = fallback.Default
	}
	return table, nil
}
