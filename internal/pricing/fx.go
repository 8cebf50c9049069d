package pricing

import (
	"github.com/relaybill/relaybill/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func NewFromConfig(cfg config.Config, log *zap.Logger) (*Calculator, error) {
	table, err := LoadTable(cfg.PricingTablePath)
	if err != nil {
		return nil, err
	}
	log.Named("pricing").Info("pricing table loaded",
		zap.String("path", cfg.PricingTablePath),
		zap.Int("resources", len(table.BaseRates)),
	)
	return NewCalculator(table)
}

var Module = fx.Module("pricing",
	fx.Provide(NewFromConfig),
)
