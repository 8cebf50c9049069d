package billing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/relaybill/relaybill/internal/clock"
	"github.com/relaybill/relaybill/internal/config"
	"github.com/relaybill/relaybill/internal/identity"
	ledgerdomain "github.com/relaybill/relaybill/internal/ledger/domain"
	ledgerservice "github.com/relaybill/relaybill/internal/ledger/service"
	"github.com/relaybill/relaybill/internal/pricing"
	"github.com/relaybill/relaybill/internal/quota"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type orchestratorHarness struct {
	orchestrator *Orchestrator
	ledger       ledgerdomain.Service
	db           *gorm.DB
	node         *snowflake.Node
	clock        *clock.FakeClock
}

func setupOrchestrator(t *testing.T, dailyLimit, monthlyLimit int64) *orchestratorHarness {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error
	_ = db.Exec("PRAGMA journal_mode = WAL").Error

	if err := db.AutoMigrate(
		&ledgerdomain.CreditPool{},
		&ledgerdomain.Allocation{},
		&ledgerdomain.AttributionRecord{},
		&ledgerdomain.CreditGrant{},
		&quota.QuotaCounter{},
		&identity.Principal{},
		&identity.OrgMembership{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(4)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	fake := clock.NewFakeClock(time.Date(2026, 7, 10, 9, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	cfg := config.Config{}
	cfg.Quota.DailyLimit = dailyLimit
	cfg.Quota.MonthlyLimit = monthlyLimit

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB: db, Log: log, GenID: node, Clock: fake,
	})
	calculator, err := pricing.NewCalculator(pricing.Table{
		BaseRates: map[string]pricing.BaseRate{
			"llm_tokens": {UnitSize: 1000, RateMilliCredits: 25},
		},
		ModeMultipliersBp: map[string]int64{"standard": 10000},
		TierMarkupsBp:     map[string]int64{"free": 0},
	})
	if err != nil {
		t.Fatalf("pricing table: %v", err)
	}

	orchestrator := NewOrchestrator(Params{
		Log:   log,
		Quota: quota.NewEnforcer(quota.Params{DB: db, Log: log, Clock: fake, Config: cfg}),
		Identity: identity.NewResolver(identity.Params{
			DB: db, Log: log,
		}),
		Ledger:  ledgerSvc,
		Pricing: calculator,
	})

	return &orchestratorHarness{
		orchestrator: orchestrator,
		ledger:       ledgerSvc,
		db:           db,
		node:         node,
		clock:        fake,
	}
}

// seedIndividualPool funds the principal's own pool and allocates the whole
// balance to them.
func (h *orchestratorHarness) seedIndividualPool(t *testing.T, principal snowflake.ID, credits int64) snowflake.ID {
	t.Helper()
	ctx := context.Background()

	pool, err := h.ledger.EnsurePool(ctx, ledgerdomain.OwnerTypePrincipal, principal)
	if err != nil {
		t.Fatalf("ensure pool: %v", err)
	}
	if _, err := h.ledger.Credit(ctx, pool.ID, credits, "purchase", fmt.Sprintf("evt-seed-%s", pool.ID)); err != nil {
		t.Fatalf("seed credit: %v", err)
	}
	if _, err := h.ledger.Allocate(ctx, pool.ID, principal, credits, "seed@test", nil); err != nil {
		t.Fatalf("seed allocate: %v", err)
	}
	return pool.ID
}

func (h *orchestratorHarness) chargeTokens(ctx context.Context, principal snowflake.ID, correlationID string, quantity int64) (ChargeResult, error) {
	return h.orchestrator.Charge(ctx, ChargeRequest{
		PrincipalID:   principal,
		CorrelationID: correlationID,
		ResourceType:  "llm_tokens",
		ResourceName:  "gpt-large",
		Quantity:      quantity,
		RoutingMode:   "standard",
		Tier:          "free",
	})
}

func TestChargeHappyPath(t *testing.T) {
	h := setupOrchestrator(t, 1000, 0)
	ctx := context.Background()
	principal := h.node.Generate()
	h.seedIndividualPool(t, principal, 10000)

	// 2000 tokens at 25 milli-credits per 1000-token unit.
	result, err := h.chargeTokens(ctx, principal, "corr-happy", 2000)
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if result.CreditsCharged != 50 {
		t.Fatalf("expected 50 milli-credits charged, got %d", result.CreditsCharged)
	}
	if result.Remaining != 9950 {
		t.Fatalf("expected 9950 remaining, got %d", result.Remaining)
	}
	if result.Overdraft || result.Replayed {
		t.Fatalf("unexpected flags on first charge: %+v", result)
	}
	if len(result.QuotaResults) != 1 || result.QuotaResults[0].Count != 1 {
		t.Fatalf("expected daily quota count 1, got %+v", result.QuotaResults)
	}
}

func TestChargeInsufficientCreditsWithQuotaRoom(t *testing.T) {
	h := setupOrchestrator(t, 1000, 0)
	ctx := context.Background()
	principal := h.node.Generate()
	h.seedIndividualPool(t, principal, 100)

	// 75 of 100 spent, the next 50-credit request must fail on credits.
	if _, err := h.chargeTokens(ctx, principal, "corr-spend", 3000); err != nil {
		t.Fatalf("seed charge: %v", err)
	}

	_, err := h.chargeTokens(ctx, principal, "corr-over", 2000)
	if !errors.Is(err, ledgerdomain.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}

	// The rejection carries the shortfall so the HTTP layer can report it.
	var shortfall *InsufficientCreditsError
	if !errors.As(err, &shortfall) {
		t.Fatalf("expected InsufficientCreditsError, got %T", err)
	}
	if shortfall.RequiredCredits != 50 {
		t.Fatalf("expected required 50 milli-credits, got %d", shortfall.RequiredCredits)
	}
	if shortfall.RemainingCredits != 25 {
		t.Fatalf("expected remaining 25 milli-credits, got %d", shortfall.RemainingCredits)
	}
}

func TestChargeQuotaExceededWithCreditsRemaining(t *testing.T) {
	h := setupOrchestrator(t, 2, 0)
	ctx := context.Background()
	principal := h.node.Generate()
	h.seedIndividualPool(t, principal, 100000)

	for i := 0; i < 2; i++ {
		if _, err := h.chargeTokens(ctx, principal, fmt.Sprintf("corr-%d", i), 1000); err != nil {
			t.Fatalf("charge %d: %v", i, err)
		}
	}

	result, err := h.chargeTokens(ctx, principal, "corr-over-quota", 1000)
	if !errors.Is(err, quota.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	// The rejected request is still counted.
	if len(result.QuotaResults) != 1 || result.QuotaResults[0].Count != 3 {
		t.Fatalf("expected quota count 3 after rejection, got %+v", result.QuotaResults)
	}

	var attributions int64
	if err := h.db.Model(&ledgerdomain.AttributionRecord{}).
		Where("correlation_id = ?", "corr-over-quota").
		Count(&attributions).Error; err != nil {
		t.Fatalf("count attributions: %v", err)
	}
	if attributions != 0 {
		t.Fatal("quota rejection must not touch the ledger")
	}
}

func TestChargeHundredFirstRequestRejected(t *testing.T) {
	h := setupOrchestrator(t, 100, 0)
	ctx := context.Background()
	principal := h.node.Generate()
	h.seedIndividualPool(t, principal, 1000000)

	for i := 0; i < 100; i++ {
		if _, err := h.chargeTokens(ctx, principal, fmt.Sprintf("corr-bulk-%d", i), 1000); err != nil {
			t.Fatalf("charge %d: %v", i, err)
		}
	}

	result, err := h.chargeTokens(ctx, principal, "corr-101", 1000)
	if !errors.Is(err, quota.ErrQuotaExceeded) {
		t.Fatalf("expected 101st request rejected, got %v", err)
	}
	if result.QuotaResults[0].Count != 101 {
		t.Fatalf("expected counter 101, got %d", result.QuotaResults[0].Count)
	}
}

func TestChargeOrgFallbackMidSession(t *testing.T) {
	h := setupOrchestrator(t, 1000, 0)
	ctx := context.Background()
	principal := h.node.Generate()
	org := h.node.Generate()

	individualPool := h.seedIndividualPool(t, principal, 1000)
	if _, err := h.chargeTokens(ctx, principal, "corr-individual", 2000); err != nil {
		t.Fatalf("charge individual: %v", err)
	}

	// Joining an org mid-session redirects the very next charge; pool
	// resolution is per-request, not per-session.
	orgPool, err := h.ledger.EnsurePool(ctx, ledgerdomain.OwnerTypeOrg, org)
	if err != nil {
		t.Fatalf("ensure org pool: %v", err)
	}
	if _, err := h.ledger.Credit(ctx, orgPool.ID, 5000, "purchase", "evt-org-seed"); err != nil {
		t.Fatalf("credit org pool: %v", err)
	}
	if _, err := h.ledger.Allocate(ctx, orgPool.ID, principal, 5000, "admin@test", nil); err != nil {
		t.Fatalf("allocate org pool: %v", err)
	}
	if err := h.db.Create(&identity.OrgMembership{
		ID:          h.node.Generate(),
		PrincipalID: principal,
		OrgID:       org,
		IsDefault:   true,
		CreatedAt:   h.clock.Now(),
	}).Error; err != nil {
		t.Fatalf("create membership: %v", err)
	}

	result, err := h.chargeTokens(ctx, principal, "corr-org", 2000)
	if err != nil {
		t.Fatalf("charge after join: %v", err)
	}
	if result.PoolID != orgPool.ID {
		t.Fatalf("expected charge on org pool %s, got %s", orgPool.ID, result.PoolID)
	}

	var pool ledgerdomain.CreditPool
	if err := h.db.Where("id = ?", individualPool).First(&pool).Error; err != nil {
		t.Fatalf("load individual pool: %v", err)
	}
	if pool.UsedCredits != 50 {
		t.Fatalf("individual pool should hold only the pre-join charge, got used %d", pool.UsedCredits)
	}
}

func TestFinalizeOverdraftStillSucceeds(t *testing.T) {
	h := setupOrchestrator(t, 1000, 0)
	ctx := context.Background()
	principal := h.node.Generate()
	pool := h.seedIndividualPool(t, principal, 100)

	auth, err := h.orchestrator.Authorize(ctx, AuthorizeRequest{
		PrincipalID:       principal,
		ResourceType:      "llm_tokens",
		EstimatedQuantity: 2000,
		RoutingMode:       "standard",
		Tier:              "free",
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}

	// A rival request drains the allocation between authorize and finalize.
	if _, err := h.ledger.Deduct(ctx, ledgerdomain.DeductRequest{
		PoolID: pool, PrincipalID: principal, Amount: 100, CorrelationID: "corr-rival",
	}); err != nil {
		t.Fatalf("rival deduct: %v", err)
	}

	result, err := h.orchestrator.Finalize(ctx, FinalizeRequest{
		PrincipalID:    principal,
		PoolID:         auth.PoolID,
		CorrelationID:  "corr-late",
		ResourceType:   "llm_tokens",
		ActualQuantity: 2000,
		RoutingMode:    "standard",
		Tier:           "free",
	})
	if err != nil {
		t.Fatalf("finalize must succeed on overdraft: %v", err)
	}
	if !result.Overdraft {
		t.Fatal("expected overdraft flag")
	}
	if result.CreditsCharged != 0 {
		t.Fatalf("overdraft must charge 0, got %d", result.CreditsCharged)
	}

	var record ledgerdomain.AttributionRecord
	if err := h.db.Where("correlation_id = ?", "corr-late").First(&record).Error; err != nil {
		t.Fatalf("load overdraft attribution: %v", err)
	}
	if record.Kind != ledgerdomain.AttributionKindOverdraft {
		t.Fatalf("expected overdraft kind, got %s", record.Kind)
	}
	if record.OverdraftCredits != 50 {
		t.Fatalf("expected overdraft_credits 50, got %d", record.OverdraftCredits)
	}
}

func TestChargeBYOSkipsCreditsButCountsQuota(t *testing.T) {
	h := setupOrchestrator(t, 10, 0)
	ctx := context.Background()
	principal := h.node.Generate()
	h.seedIndividualPool(t, principal, 100)

	result, err := h.orchestrator.Charge(ctx, ChargeRequest{
		PrincipalID:   principal,
		CorrelationID: "corr-byo",
		ResourceType:  "llm_tokens",
		Quantity:      1000000,
		RoutingMode:   "byo",
		Tier:          "free",
	})
	if err != nil {
		t.Fatalf("byo charge: %v", err)
	}
	if result.CreditsCharged != 0 {
		t.Fatalf("byo must charge 0, got %d", result.CreditsCharged)
	}
	if len(result.QuotaResults) != 1 || result.QuotaResults[0].Count != 1 {
		t.Fatalf("byo still consumes quota, got %+v", result.QuotaResults)
	}

	var attributions int64
	if err := h.db.Model(&ledgerdomain.AttributionRecord{}).Count(&attributions).Error; err != nil {
		t.Fatalf("count attributions: %v", err)
	}
	if attributions != 0 {
		t.Fatalf("byo must not write attribution rows, got %d", attributions)
	}
}

func TestChargeReplayedCorrelationChargesOnce(t *testing.T) {
	h := setupOrchestrator(t, 1000, 0)
	ctx := context.Background()
	principal := h.node.Generate()
	h.seedIndividualPool(t, principal, 10000)

	first, err := h.chargeTokens(ctx, principal, "corr-retry", 2000)
	if err != nil {
		t.Fatalf("first charge: %v", err)
	}
	second, err := h.chargeTokens(ctx, principal, "corr-retry", 2000)
	if err != nil {
		t.Fatalf("retried charge: %v", err)
	}
	if !second.Replayed {
		t.Fatal("expected replay flag on retried correlation id")
	}
	if second.Remaining != first.Remaining {
		t.Fatalf("replay moved the balance: %d vs %d", second.Remaining, first.Remaining)
	}
}
