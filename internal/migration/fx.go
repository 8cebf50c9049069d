package migration

import (
	auditdomain "github.com/relaybill/relaybill/internal/audit/domain"
	"github.com/relaybill/relaybill/internal/config"
	"github.com/relaybill/relaybill/internal/dedup"
	"github.com/relaybill/relaybill/internal/identity"
	ledgerdomain "github.com/relaybill/relaybill/internal/ledger/domain"
	"github.com/relaybill/relaybill/internal/quota"
	subscriptiondomain "github.com/relaybill/relaybill/internal/subscription/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		// The versioned SQL path is postgres-only; sqlite and mysql (local
		// and test setups) derive the schema from the models instead.
		if cfg.DBType != "postgres" {
			return conn.AutoMigrate(
				&identity.Principal{},
				&identity.OrgMembership{},
				&ledgerdomain.CreditPool{},
				&ledgerdomain.Allocation{},
				&ledgerdomain.AttributionRecord{},
				&ledgerdomain.CreditGrant{},
				&subscriptiondomain.SubscriptionRecord{},
				&dedup.ProcessedEvent{},
				&quota.QuotaCounter{},
				&auditdomain.AuditLog{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
