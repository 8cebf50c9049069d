package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/relaybill/relaybill/internal/audit"
	"github.com/relaybill/relaybill/internal/billing"
	"github.com/relaybill/relaybill/internal/clock"
	"github.com/relaybill/relaybill/internal/config"
	"github.com/relaybill/relaybill/internal/dedup"
	"github.com/relaybill/relaybill/internal/identity"
	"github.com/relaybill/relaybill/internal/ledger"
	"github.com/relaybill/relaybill/internal/migration"
	"github.com/relaybill/relaybill/internal/observability"
	"github.com/relaybill/relaybill/internal/pricing"
	providerbilling "github.com/relaybill/relaybill/internal/providers/billing"
	"github.com/relaybill/relaybill/internal/quota"
	"github.com/relaybill/relaybill/internal/reconcile"
	"github.com/relaybill/relaybill/internal/server"
	"github.com/relaybill/relaybill/internal/subscription"
	"github.com/relaybill/relaybill/internal/webhook"
	"github.com/relaybill/relaybill/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Functional domains
		identity.Module,
		ledger.Module,
		pricing.Module,
		quota.Module,
		dedup.Module,
		subscription.Module,
		audit.Module,
		providerbilling.Module,
		webhook.Module,
		billing.Module,
		reconcile.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
