package quota

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/relaybill/relaybill/internal/config"
)

func TestLimitsTableFallsBackToDefault(t *testing.T) {
	table := LimitsTable{
		Default: Limits{Daily: 100, Monthly: 1000},
		Tiers: map[string]Limits{
			"pro": {Daily: 500, Monthly: 5000},
		},
	}

	if got := table.For("pro"); got.Daily != 500 {
		t.Fatalf("expected pro daily 500, got %d", got.Daily)
	}
	if got := table.For("  PRO "); got.Daily != 500 {
		t.Fatalf("tier lookup must normalize case and whitespace, got %d", got.Daily)
	}
	if got := table.For("enterprise"); got.Daily != 100 {
		t.Fatalf("unknown tier must use default, got %d", got.Daily)
	}
	if got := table.For(""); got.Monthly != 1000 {
		t.Fatalf("empty tier must use default, got %d", got.Monthly)
	}
}

func TestLoadLimitsTableFromPricingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	contents := []byte(`
base_rates:
  llm_tokens:
    unit_size: 1000
    rate_milli_credits: 25
tier_quota_limits:
  default:
    daily: 50
    monthly: 500
  tiers:
    pro:
      daily: 200
      monthly: 2000
`)
	if err := os.WriteFile(path, contents, 0o600); err != nil {
		t.Fatalf("write table: %v", err)
	}

	cfg := config.Config{PricingTablePath: path}
	table, err := LoadLimitsTable(cfg)
	if err != nil {
		t.Fatalf("load limits: %v", err)
	}
	if table.Default.Daily != 50 || table.Default.Monthly != 500 {
		t.Fatalf("unexpected default limits: %+v", table.Default)
	}
	if got := table.For("pro"); got.Daily != 200 || got.Monthly != 2000 {
		t.Fatalf("unexpected pro limits: %+v", got)
	}
}

func TestLoadLimitsTableWithoutSectionUsesEnvDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	contents := []byte(`
base_rates:
  llm_tokens:
    unit_size: 1000
    rate_milli_credits: 25
`)
	if err := os.WriteFile(path, contents, 0o600); err != nil {
		t.Fatalf("write table: %v", err)
	}

	cfg := config.Config{PricingTablePath: path}
	cfg.Quota.DailyLimit = 77
	cfg.Quota.MonthlyLimit = 777

	table, err := LoadLimitsTable(cfg)
	if err != nil {
		t.Fatalf("load limits: %v", err)
	}
	if table.Default.Daily != 77 || table.Default.Monthly != 777 {
		t.Fatalf("expected env-configured defaults, got %+v", table.Default)
	}
	if len(table.Tiers) != 0 {
		t.Fatalf("expected no tier overrides, got %+v", table.Tiers)
	}
}
