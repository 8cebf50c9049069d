package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/relaybill/relaybill/internal/clock"
	ledgerdomain "github.com/relaybill/relaybill/internal/ledger/domain"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestDeductHappyPath(t *testing.T) {
	node := mustNode(t)
	svc, db := setupLedgerService(t, node, clock.NewSystem())
	ctx := context.Background()

	pool, principal := seedPoolWithAllocation(t, svc, node, 10000, 10000)

	res, err := svc.Deduct(ctx, ledgerdomain.DeductRequest{
		PoolID:        pool,
		PrincipalID:   principal,
		Amount:        50,
		CorrelationID: "corr-happy",
		ResourceType:  "llm_tokens",
		ResourceName:  "gpt-large",
	})
	if err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if res.Remaining != 9950 {
		t.Fatalf("expected remaining 9950, got %d", res.Remaining)
	}
	if res.Replayed {
		t.Fatal("unexpected replay on first deduct")
	}

	record := findAttribution(t, db, "corr-happy")
	if record.CreditsCharged != 50 {
		t.Fatalf("expected credits_charged 50, got %d", record.CreditsCharged)
	}
	if record.Kind != ledgerdomain.AttributionKindCharge {
		t.Fatalf("expected charge kind, got %s", record.Kind)
	}
}

func TestDeductInsufficientLeavesStateUnchanged(t *testing.T) {
	node := mustNode(t)
	svc, db := setupLedgerService(t, node, clock.NewSystem())
	ctx := context.Background()

	pool, principal := seedPoolWithAllocation(t, svc, node, 100, 100)

	if _, err := svc.Deduct(ctx, ledgerdomain.DeductRequest{
		PoolID: pool, PrincipalID: principal, Amount: 90, CorrelationID: "corr-spend-90",
	}); err != nil {
		t.Fatalf("seed deduct: %v", err)
	}

	_, err := svc.Deduct(ctx, ledgerdomain.DeductRequest{
		PoolID: pool, PrincipalID: principal, Amount: 20, CorrelationID: "corr-over",
	})
	if !errors.Is(err, ledgerdomain.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}

	alloc := activeAllocationRow(t, db, pool, principal)
	if alloc.UsedCredits != 90 {
		t.Fatalf("expected used 90 after failed deduct, got %d", alloc.UsedCredits)
	}
	if count := countAttributions(t, db, "corr-over"); count != 0 {
		t.Fatalf("expected no attribution for failed deduct, got %d", count)
	}
}

func TestDeductConcurrentNoDoubleSpend(t *testing.T) {
	node := mustNode(t)
	svc, db := setupLedgerService(t, node, clock.NewSystem())
	ctx := context.Background()

	const remaining = 500
	pool, principal := seedPoolWithAllocation(t, svc, node, remaining, remaining)

	const workers = 25
	amounts := make([]int64, workers)
	for i := range amounts {
		amounts[i] = int64(10 + rand.Intn(90))
	}

	var wg sync.WaitGroup
	type outcome struct {
		amount int64
		err    error
	}
	results := make(chan outcome, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Deduct(ctx, ledgerdomain.DeductRequest{
				PoolID:        pool,
				PrincipalID:   principal,
				Amount:        amounts[i],
				CorrelationID: fmt.Sprintf("corr-race-%d", i),
			})
			results <- outcome{amount: amounts[i], err: err}
		}(i)
	}
	wg.Wait()
	close(results)

	var spent int64
	for res := range results {
		if res.err == nil {
			spent += res.amount
			continue
		}
		if !errors.Is(res.err, ledgerdomain.ErrInsufficientCredits) {
			t.Fatalf("unexpected deduct error: %v", res.err)
		}
	}
	if spent > remaining {
		t.Fatalf("double spend: %d spent from %d remaining", spent, remaining)
	}

	alloc := activeAllocationRow(t, db, pool, principal)
	if alloc.UsedCredits != spent {
		t.Fatalf("allocation used %d does not match successful deducts %d", alloc.UsedCredits, spent)
	}
	if sum := sumAttributions(t, db, pool, principal); sum != spent {
		t.Fatalf("attribution sum %d does not match used %d", sum, spent)
	}
}

func TestDeductReplayedCorrelationIsNoOp(t *testing.T) {
	node := mustNode(t)
	svc, db := setupLedgerService(t, node, clock.NewSystem())
	ctx := context.Background()

	pool, principal := seedPoolWithAllocation(t, svc, node, 1000, 1000)

	req := ledgerdomain.DeductRequest{
		PoolID: pool, PrincipalID: principal, Amount: 70, CorrelationID: "corr-retry",
	}
	first, err := svc.Deduct(ctx, req)
	if err != nil {
		t.Fatalf("first deduct: %v", err)
	}
	second, err := svc.Deduct(ctx, req)
	if err != nil {
		t.Fatalf("replayed deduct: %v", err)
	}
	if !second.Replayed {
		t.Fatal("expected replay flag on second deduct")
	}
	if first.AttributionID != second.AttributionID {
		t.Fatalf("expected same attribution, got %s vs %s", first.AttributionID, second.AttributionID)
	}

	alloc := activeAllocationRow(t, db, pool, principal)
	if alloc.UsedCredits != 70 {
		t.Fatalf("expected used 70 after replay, got %d", alloc.UsedCredits)
	}
	if count := countAttributions(t, db, "corr-retry"); count != 1 {
		t.Fatalf("expected 1 attribution row, got %d", count)
	}
}

func TestCreditAppliesExactlyOnce(t *testing.T) {
	node := mustNode(t)
	svc, db := setupLedgerService(t, node, clock.NewSystem())
	ctx := context.Background()

	pool, err := svc.EnsurePool(ctx, ledgerdomain.OwnerTypeOrg, node.Generate())
	if err != nil {
		t.Fatalf("ensure pool: %v", err)
	}

	const workers = 10
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Credit(ctx, pool.ID, 2500, "invoice_paid", "evt-invoice-1")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("credit: %v", err)
		}
	}

	var total int64
	if err := db.Raw(`SELECT total_credits FROM credit_pools WHERE id = ?`, pool.ID).Scan(&total).Error; err != nil {
		t.Fatalf("read pool: %v", err)
	}
	if total != 2500 {
		t.Fatalf("expected exactly one grant of 2500, got total %d", total)
	}

	var grants int64
	if err := db.Raw(`SELECT COUNT(1) FROM credit_grants WHERE pool_id = ?`, pool.ID).Scan(&grants).Error; err != nil {
		t.Fatalf("count grants: %v", err)
	}
	if grants != 1 {
		t.Fatalf("expected 1 grant row, got %d", grants)
	}
}

func TestAllocateExhaustedPool(t *testing.T) {
	node := mustNode(t)
	svc, _ := setupLedgerService(t, node, clock.NewSystem())
	ctx := context.Background()

	pool, err := svc.EnsurePool(ctx, ledgerdomain.OwnerTypeOrg, node.Generate())
	if err != nil {
		t.Fatalf("ensure pool: %v", err)
	}
	if _, err := svc.Credit(ctx, pool.ID, 100, "purchase", "evt-small"); err != nil {
		t.Fatalf("credit: %v", err)
	}

	_, err = svc.Allocate(ctx, pool.ID, node.Generate(), 500, "admin@test", nil)
	if !errors.Is(err, ledgerdomain.ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
}

func TestAllocateReplacesPriorAllocation(t *testing.T) {
	node := mustNode(t)
	svc, db := setupLedgerService(t, node, clock.NewSystem())
	ctx := context.Background()

	pool, err := svc.EnsurePool(ctx, ledgerdomain.OwnerTypeOrg, node.Generate())
	if err != nil {
		t.Fatalf("ensure pool: %v", err)
	}
	if _, err := svc.Credit(ctx, pool.ID, 10000, "purchase", "evt-topup"); err != nil {
		t.Fatalf("credit: %v", err)
	}

	principal := node.Generate()
	firstID, err := svc.Allocate(ctx, pool.ID, principal, 1000, "admin@test", nil)
	if err != nil {
		t.Fatalf("first allocate: %v", err)
	}
	secondID, err := svc.Allocate(ctx, pool.ID, principal, 2000, "admin@test", nil)
	if err != nil {
		t.Fatalf("second allocate: %v", err)
	}
	if firstID == secondID {
		t.Fatal("expected a new allocation row on reallocate")
	}

	var activeCount int64
	if err := db.Raw(
		`SELECT COUNT(1) FROM allocations WHERE pool_id = ? AND principal_id = ? AND active = ?`,
		pool.ID, principal, true,
	).Scan(&activeCount).Error; err != nil {
		t.Fatalf("count active: %v", err)
	}
	if activeCount != 1 {
		t.Fatalf("expected exactly one active allocation, got %d", activeCount)
	}

	var allocated int64
	if err := db.Raw(`SELECT allocated_credits FROM credit_pools WHERE id = ?`, pool.ID).Scan(&allocated).Error; err != nil {
		t.Fatalf("read pool: %v", err)
	}
	if allocated != 3000 {
		t.Fatalf("expected pool allocated 3000 (full amounts, not delta), got %d", allocated)
	}
}

func TestRefundClampsToRecordedUsage(t *testing.T) {
	node := mustNode(t)
	svc, db := setupLedgerService(t, node, clock.NewSystem())
	ctx := context.Background()

	pool, principal := seedPoolWithAllocation(t, svc, node, 1000, 1000)
	if _, err := svc.Deduct(ctx, ledgerdomain.DeductRequest{
		PoolID: pool, PrincipalID: principal, Amount: 30, CorrelationID: "corr-use-30",
	}); err != nil {
		t.Fatalf("deduct: %v", err)
	}

	res, err := svc.Refund(ctx, ledgerdomain.RefundRequest{
		PoolID: pool, PrincipalID: principal, Amount: 50, CorrelationID: "corr-refund-50",
	})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if !res.Clamped {
		t.Fatal("expected clamped refund")
	}
	if res.Refunded != 30 {
		t.Fatalf("expected refunded 30, got %d", res.Refunded)
	}

	alloc := activeAllocationRow(t, db, pool, principal)
	if alloc.UsedCredits != 0 {
		t.Fatalf("expected used 0 after clamped refund, got %d", alloc.UsedCredits)
	}
	if sum := sumAttributions(t, db, pool, principal); sum != alloc.UsedCredits {
		t.Fatalf("attribution sum %d does not match used %d", sum, alloc.UsedCredits)
	}
}

func TestAttributionSumsToUsageAfterRandomOps(t *testing.T) {
	node := mustNode(t)
	svc, db := setupLedgerService(t, node, clock.NewSystem())
	ctx := context.Background()

	pool, principal := seedPoolWithAllocation(t, svc, node, 100000, 100000)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 60; i++ {
		amount := int64(1 + rng.Intn(500))
		if rng.Intn(4) == 0 {
			_, err := svc.Refund(ctx, ledgerdomain.RefundRequest{
				PoolID:        pool,
				PrincipalID:   principal,
				Amount:        amount,
				CorrelationID: fmt.Sprintf("corr-seq-refund-%d", i),
			})
			if err != nil {
				t.Fatalf("refund op %d: %v", i, err)
			}
			continue
		}
		_, err := svc.Deduct(ctx, ledgerdomain.DeductRequest{
			PoolID:        pool,
			PrincipalID:   principal,
			Amount:        amount,
			CorrelationID: fmt.Sprintf("corr-seq-deduct-%d", i),
		})
		if err != nil && !errors.Is(err, ledgerdomain.ErrInsufficientCredits) {
			t.Fatalf("deduct op %d: %v", i, err)
		}
	}

	alloc := activeAllocationRow(t, db, pool, principal)
	if sum := sumAttributions(t, db, pool, principal); sum != alloc.UsedCredits {
		t.Fatalf("attribution sum %d does not match used %d", sum, alloc.UsedCredits)
	}
}

func TestDeductExpiredAllocationIsInsufficient(t *testing.T) {
	node := mustNode(t)
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := setupLedgerService(t, node, fake)
	ctx := context.Background()

	pool, err := svc.EnsurePool(ctx, ledgerdomain.OwnerTypePrincipal, node.Generate())
	if err != nil {
		t.Fatalf("ensure pool: %v", err)
	}
	if _, err := svc.Credit(ctx, pool.ID, 1000, "purchase", "evt-exp"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	principal := node.Generate()
	expires := fake.Now().Add(time.Hour)
	if _, err := svc.Allocate(ctx, pool.ID, principal, 1000, "admin@test", &expires); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	if _, err := svc.Deduct(ctx, ledgerdomain.DeductRequest{
		PoolID: pool.ID, PrincipalID: principal, Amount: 10, CorrelationID: "corr-before-expiry",
	}); err != nil {
		t.Fatalf("deduct before expiry: %v", err)
	}

	fake.Advance(2 * time.Hour)

	_, err = svc.Deduct(ctx, ledgerdomain.DeductRequest{
		PoolID: pool.ID, PrincipalID: principal, Amount: 10, CorrelationID: "corr-after-expiry",
	})
	if !errors.Is(err, ledgerdomain.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits after expiry, got %v", err)
	}
}

func TestRecordOverdraftKeepsSumsExact(t *testing.T) {
	node := mustNode(t)
	svc, db := setupLedgerService(t, node, clock.NewSystem())
	ctx := context.Background()

	pool, principal := seedPoolWithAllocation(t, svc, node, 100, 100)
	if _, err := svc.Deduct(ctx, ledgerdomain.DeductRequest{
		PoolID: pool, PrincipalID: principal, Amount: 100, CorrelationID: "corr-drain",
	}); err != nil {
		t.Fatalf("deduct: %v", err)
	}

	if _, err := svc.RecordOverdraft(ctx, ledgerdomain.OverdraftRequest{
		PoolID:        pool,
		PrincipalID:   principal,
		Amount:        40,
		CorrelationID: "corr-overdraft",
		ResourceType:  "llm_tokens",
	}); err != nil {
		t.Fatalf("record overdraft: %v", err)
	}

	record := findAttribution(t, db, "corr-overdraft")
	if record.Kind != ledgerdomain.AttributionKindOverdraft {
		t.Fatalf("expected overdraft kind, got %s", record.Kind)
	}
	if record.CreditsCharged != 0 {
		t.Fatalf("overdraft must charge 0 credits, got %d", record.CreditsCharged)
	}
	if record.OverdraftCredits != 40 {
		t.Fatalf("expected overdraft_credits 40, got %d", record.OverdraftCredits)
	}

	alloc := activeAllocationRow(t, db, pool, principal)
	if sum := sumAttributions(t, db, pool, principal); sum != alloc.UsedCredits {
		t.Fatalf("attribution sum %d does not match used %d", sum, alloc.UsedCredits)
	}
}

func setupLedgerService(t *testing.T, node *snowflake.Node, clk clock.Clock) (ledgerdomain.Service, *gorm.DB) {
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
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
	})
	return svc, db
}

func seedPoolWithAllocation(t *testing.T, svc ledgerdomain.Service, node *snowflake.Node, total, allocated int64) (snowflake.ID, snowflake.ID) {
	t.Helper()
	ctx := context.Background()

	pool, err := svc.EnsurePool(ctx, ledgerdomain.OwnerTypeOrg, node.Generate())
	if err != nil {
		t.Fatalf("ensure pool: %v", err)
	}
	if _, err := svc.Credit(ctx, pool.ID, total, "purchase", fmt.Sprintf("evt-seed-%s", pool.ID)); err != nil {
		t.Fatalf("seed credit: %v", err)
	}
	principal := node.Generate()
	if _, err := svc.Allocate(ctx, pool.ID, principal, allocated, "seed@test", nil); err != nil {
		t.Fatalf("seed allocate: %v", err)
	}
	return pool.ID, principal
}

func activeAllocationRow(t *testing.T, db *gorm.DB, poolID, principalID snowflake.ID) ledgerdomain.Allocation {
	t.Helper()
	var alloc ledgerdomain.Allocation
	if err := db.Where("pool_id = ? AND principal_id = ? AND active = ?", poolID, principalID, true).
		First(&alloc).Error; err != nil {
		t.Fatalf("load allocation: %v", err)
	}
	return alloc
}

func findAttribution(t *testing.T, db *gorm.DB, correlationID string) ledgerdomain.AttributionRecord {
	t.Helper()
	var record ledgerdomain.AttributionRecord
	if err := db.Where("correlation_id = ?", correlationID).First(&record).Error; err != nil {
		t.Fatalf("load attribution %s: %v", correlationID, err)
	}
	return record
}

func countAttributions(t *testing.T, db *gorm.DB, correlationID string) int {
	t.Helper()
	var count int
	if err := db.Raw(`SELECT COUNT(1) FROM attribution_records WHERE correlation_id = ?`, correlationID).Scan(&count).Error; err != nil {
		t.Fatalf("count attributions: %v", err)
	}
	return count
}

func sumAttributions(t *testing.T, db *gorm.DB, poolID, principalID snowflake.ID) int64 {
	t.Helper()
	var sum int64
	if err := db.Raw(
		`SELECT COALESCE(SUM(credits_charged), 0) FROM attribution_records WHERE pool_id = ? AND principal_id = ?`,
		poolID, principalID,
	).Scan(&sum).Error; err != nil {
		t.Fatalf("sum attributions: %v", err)
	}
	return sum
}

func mustNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node
}
