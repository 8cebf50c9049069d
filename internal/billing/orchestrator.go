package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/relaybill/relaybill/internal/identity"
	ledgerdomain "github.com/relaybill/relaybill/internal/ledger/domain"
	obsmetrics "github.com/relaybill/relaybill/internal/observability/metrics"
	"github.com/relaybill/relaybill/internal/pricing"
	"github.com/relaybill/relaybill/internal/quota"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrInvalidPrincipal     = errors.New("invalid_principal")
	ErrInvalidCorrelationID = errors.New("invalid_correlation_id")
)

// InsufficientCreditsError carries the shortfall detail for the payment
// required response. It unwraps to ledgerdomain.ErrInsufficientCredits so
// existing errors.Is checks keep matching.
type InsufficientCreditsError struct {
	RequiredCredits  int64
	RemainingCredits int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, remaining %d milli-credits",
		e.RequiredCredits, e.RemainingCredits)
}

func (e *InsufficientCreditsError) Unwrap() error { return ledgerdomain.ErrInsufficientCredits }

// AuthorizeRequest is the pre-flight check before a metered action runs.
type AuthorizeRequest struct {
	PrincipalID       snowflake.ID
	ResourceType      string
	ResourceName      string
	EstimatedQuantity int64
	RoutingMode       string
	Tier              string
}

// Authorization is the accepted pre-flight outcome. QuotaResults are
// populated even on rejection so callers can emit rate-limit headers.
type Authorization struct {
	PoolID           snowflake.ID
	OwnerType        string
	EstimatedCredits int64
	QuotaResults     []quota.Result
	Balance          ledgerdomain.Balance
}

// FinalizeRequest settles the actual cost after the action completed.
type FinalizeRequest struct {
	PrincipalID    snowflake.ID
	PoolID         snowflake.ID
	CorrelationID  string
	ResourceType   string
	ResourceName   string
	ActualQuantity int64
	RoutingMode    string
	Tier           string
	Metadata       map[string]any
}

// ChargeRequest is the single-shot path for non-streaming calls.
type ChargeRequest struct {
	PrincipalID   snowflake.ID
	CorrelationID string
	ResourceType  string
	ResourceName  string
	Quantity      int64
	RoutingMode   string
	Tier          string
	Metadata      map[string]any
}

// ChargeResult reports the settled charge. Overdraft means the metered
// action already happened but the credits could not be collected; the
// caller's request still succeeds and the shortfall is on the ledger.
type ChargeResult struct {
	CorrelationID  string
	PoolID         snowflake.ID
	CreditsCharged int64
	Remaining      int64
	Overdraft      bool
	Replayed       bool
	QuotaResults   []quota.Result
}

type Params struct {
	fx.In

	Log        *zap.Logger
	Quota      *quota.Enforcer
	Identity   *identity.Resolver
	Ledger     ledgerdomain.Service
	Pricing    *pricing.Calculator
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Orchestrator sequences quota, pool resolution, pricing, and the ledger
// for one metered request. Quota and credits are independent gates: a
// request can fail either one without consulting the other's balance.
type Orchestrator struct {
	log        *zap.Logger
	quota      *quota.Enforcer
	identity   *identity.Resolver
	ledger     ledgerdomain.Service
	pricing    *pricing.Calculator
	obsMetrics *obsmetrics.Metrics
}

func NewOrchestrator(p Params) *Orchestrator {
	return &Orchestrator{
		log:        p.Log.Named("billing.orchestrator"),
		quota:      p.Quota,
		identity:   p.Identity,
		ledger:     p.Ledger,
		pricing:    p.Pricing,
		obsMetrics: p.ObsMetrics,
	}
}

// Authorize runs the pre-flight gates in order: quota, pool resolution,
// price estimate, balance. The quota counter is incremented here and only
// here; Finalize never counts a second request.
func (o *Orchestrator) Authorize(ctx context.Context, req AuthorizeRequest) (Authorization, error) {
	if req.PrincipalID == 0 {
		return Authorization{}, ErrInvalidPrincipal
	}

	quotaResults, err := o.quota.CheckAndIncrement(ctx, req.PrincipalID, req.Tier)
	if err != nil {
		o.recordCharge(req.ResourceType, "quota_exceeded", errors.Is(err, quota.ErrQuotaExceeded))
		return Authorization{QuotaResults: quotaResults}, err
	}

	pool, err := o.resolvePool(ctx, req.PrincipalID)
	if err != nil {
		return Authorization{QuotaResults: quotaResults}, err
	}

	estimate, err := o.pricing.Estimate(req.ResourceType, req.EstimatedQuantity, req.RoutingMode, req.Tier)
	if err != nil {
		return Authorization{QuotaResults: quotaResults}, err
	}

	if estimate > 0 {
		sufficient, err := o.ledger.HasSufficient(ctx, pool.ID, req.PrincipalID, estimate)
		if err != nil {
			return Authorization{QuotaResults: quotaResults}, err
		}
		if !sufficient {
			o.recordCharge(req.ResourceType, "insufficient_credits", true)
			auth := Authorization{
				PoolID:           pool.ID,
				OwnerType:        pool.OwnerType,
				EstimatedCredits: estimate,
				QuotaResults:     quotaResults,
			}
			// The balance read is for the rejection payload; a failure
			// here must not mask the shortfall.
			balance, balErr := o.ledger.GetBalance(ctx, pool.ID, req.PrincipalID)
			if balErr == nil {
				auth.Balance = balance
			}
			return auth, &InsufficientCreditsError{
				RequiredCredits:  estimate,
				RemainingCredits: balance.AllocationRemaining,
			}
		}
	}

	balance, err := o.ledger.GetBalance(ctx, pool.ID, req.PrincipalID)
	if err != nil {
		return Authorization{QuotaResults: quotaResults}, err
	}

	return Authorization{
		PoolID:           pool.ID,
		OwnerType:        pool.OwnerType,
		EstimatedCredits: estimate,
		QuotaResults:     quotaResults,
		Balance:          balance,
	}, nil
}

// Finalize settles the actual cost. The metered action has already run, so
// an insufficient-credits race is not a failure here: the shortfall is
// recorded as an overdraft attribution and the caller still succeeds.
func (o *Orchestrator) Finalize(ctx context.Context, req FinalizeRequest) (ChargeResult, error) {
	if req.PrincipalID == 0 {
		return ChargeResult{}, ErrInvalidPrincipal
	}
	correlationID := strings.TrimSpace(req.CorrelationID)
	if correlationID == "" {
		return ChargeResult{}, ErrInvalidCorrelationID
	}

	poolID := req.PoolID
	if poolID == 0 {
		pool, err := o.resolvePool(ctx, req.PrincipalID)
		if err != nil {
			return ChargeResult{}, err
		}
		poolID = pool.ID
	}

	cost, err := o.pricing.Estimate(req.ResourceType, req.ActualQuantity, req.RoutingMode, req.Tier)
	if err != nil {
		return ChargeResult{}, err
	}

	result := ChargeResult{CorrelationID: correlationID, PoolID: poolID}
	if cost == 0 {
		balance, err := o.ledger.GetBalance(ctx, poolID, req.PrincipalID)
		if err != nil {
			return ChargeResult{}, err
		}
		result.Remaining = balance.AllocationRemaining
		o.recordCharge(req.ResourceType, "charged_zero", true)
		return result, nil
	}

	deducted, err := o.ledger.Deduct(ctx, ledgerdomain.DeductRequest{
		PoolID:        poolID,
		PrincipalID:   req.PrincipalID,
		Amount:        cost,
		CorrelationID: correlationID,
		ResourceType:  req.ResourceType,
		ResourceName:  req.ResourceName,
		Metadata:      req.Metadata,
	})
	switch {
	case errors.Is(err, ledgerdomain.ErrInsufficientCredits):
		if _, overdraftErr := o.ledger.RecordOverdraft(ctx, ledgerdomain.OverdraftRequest{
			PoolID:        poolID,
			PrincipalID:   req.PrincipalID,
			Amount:        cost,
			CorrelationID: correlationID,
			ResourceType:  req.ResourceType,
			ResourceName:  req.ResourceName,
			Metadata:      req.Metadata,
		}); overdraftErr != nil {
			return ChargeResult{}, fmt.Errorf("record overdraft: %w", overdraftErr)
		}
		result.Overdraft = true
		o.recordCharge(req.ResourceType, "overdraft", true)
		return result, nil
	case err != nil:
		return ChargeResult{}, err
	}

	result.CreditsCharged = cost
	result.Remaining = deducted.Remaining
	result.Replayed = deducted.Replayed
	if !deducted.Replayed {
		o.recordCharge(req.ResourceType, "charged", true)
	}
	return result, nil
}

// Charge is Authorize plus an immediate Finalize with the same quantity.
// Quota rejection and insufficient credits surface as errors; the caller
// never ran the metered action, so there is nothing to overdraft.
func (o *Orchestrator) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	auth, err := o.Authorize(ctx, AuthorizeRequest{
		PrincipalID:       req.PrincipalID,
		ResourceType:      req.ResourceType,
		ResourceName:      req.ResourceName,
		EstimatedQuantity: req.Quantity,
		RoutingMode:       req.RoutingMode,
		Tier:              req.Tier,
	})
	if err != nil {
		return ChargeResult{QuotaResults: auth.QuotaResults}, err
	}

	result, err := o.Finalize(ctx, FinalizeRequest{
		PrincipalID:    req.PrincipalID,
		PoolID:         auth.PoolID,
		CorrelationID:  req.CorrelationID,
		ResourceType:   req.ResourceType,
		ResourceName:   req.ResourceName,
		ActualQuantity: req.Quantity,
		RoutingMode:    req.RoutingMode,
		Tier:           req.Tier,
		Metadata:       req.Metadata,
	})
	if err != nil {
		return ChargeResult{QuotaResults: auth.QuotaResults}, err
	}
	result.QuotaResults = auth.QuotaResults
	return result, nil
}

// Balance reports the caller's current pool and allocation view without
// consuming quota.
func (o *Orchestrator) Balance(ctx context.Context, principalID snowflake.ID) (ledgerdomain.Balance, error) {
	if principalID == 0 {
		return ledgerdomain.Balance{}, ErrInvalidPrincipal
	}
	pool, err := o.resolvePool(ctx, principalID)
	if err != nil {
		return ledgerdomain.Balance{}, err
	}
	return o.ledger.GetBalance(ctx, pool.ID, principalID)
}

// resolvePool maps a principal to its billing pool, creating the pool row
// on first use. Membership changes take effect on the next request; there
// is no per-session stickiness.
func (o *Orchestrator) resolvePool(ctx context.Context, principalID snowflake.ID) (*ledgerdomain.CreditPool, error) {
	owner, err := o.identity.ResolvePoolOwner(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("resolve pool owner: %w", err)
	}
	pool, err := o.ledger.EnsurePool(ctx, owner.OwnerType, owner.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("ensure pool: %w", err)
	}
	return pool, nil
}

func (o *Orchestrator) recordCharge(resourceType, outcome string, when bool) {
	if when && o.obsMetrics != nil {
		o.obsMetrics.RecordCharge(resourceType, outcome)
	}
}

var Module = fx.Module("billing",
	fx.Provide(NewOrchestrator),
)
