package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// All credit amounts are integer milli-credits. Display conversion to
// decimal credits happens at the HTTP boundary only.

const (
	OwnerTypeOrg       = "org"
	OwnerTypePrincipal = "principal"
)

type AttributionKind string

const (
	AttributionKindCharge    AttributionKind = "charge"
	AttributionKindRefund    AttributionKind = "refund"
	AttributionKindOverdraft AttributionKind = "overdraft"
)

// CreditPool is the shared balance for one billing entity. Pools are never
// deleted, only zeroed.
type CreditPool struct {
	ID               snowflake.ID `gorm:"primaryKey" json:"id,string"`
	OwnerType        string       `gorm:"size:16;index:idx_credit_pools_owner,unique" json:"owner_type"`
	OwnerID          snowflake.ID `gorm:"index:idx_credit_pools_owner,unique" json:"owner_id,string"`
	TotalCredits     int64        `json:"total_credits"`
	AllocatedCredits int64        `json:"allocated_credits"`
	UsedCredits      int64        `json:"used_credits"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

func (CreditPool) TableName() string { return "credit_pools" }

// AvailableCredits is derived, never stored.
func (p CreditPool) AvailableCredits() int64 {
	return p.TotalCredits - p.AllocatedCredits
}

// Allocation is a per-principal budget carved from a pool. At most one
// active row per (pool_id, principal_id); reallocation deactivates the
// prior row instead of mutating it.
type Allocation struct {
	ID               snowflake.ID `gorm:"primaryKey" json:"id,string"`
	PoolID           snowflake.ID `gorm:"index" json:"pool_id,string"`
	PrincipalID      snowflake.ID `gorm:"index" json:"principal_id,string"`
	AllocatedCredits int64        `json:"allocated_credits"`
	UsedCredits      int64        `json:"used_credits"`
	Active           bool         `json:"active"`
	ExpiresAt        *time.Time   `json:"expires_at,omitempty"`
	AllocatedBy      string       `gorm:"size:128" json:"allocated_by"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

func (Allocation) TableName() string { return "allocations" }

func (a Allocation) RemainingCredits() int64 {
	return a.AllocatedCredits - a.UsedCredits
}

// AttributionRecord is the append-only usage ledger. Refund rows carry
// negative credits_charged; overdraft rows charge zero and carry the
// uncollectable amount in overdraft_credits, so for any allocation
// sum(credits_charged) always equals used_credits.
type AttributionRecord struct {
	ID               snowflake.ID      `gorm:"primaryKey" json:"id,string"`
	PoolID           snowflake.ID      `gorm:"index" json:"pool_id,string"`
	PrincipalID      snowflake.ID      `gorm:"index" json:"principal_id,string"`
	Kind             AttributionKind   `gorm:"size:16" json:"kind"`
	ResourceType     string            `gorm:"size:64" json:"resource_type"`
	ResourceName     string            `gorm:"size:128" json:"resource_name"`
	CreditsCharged   int64             `json:"credits_charged"`
	OverdraftCredits int64             `json:"overdraft_credits"`
	CorrelationID    string            `gorm:"size:128;uniqueIndex" json:"correlation_id"`
	Metadata         datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

func (AttributionRecord) TableName() string { return "attribution_records" }

// CreditGrant records one applied top-up. The unique source_event_id makes
// Credit exactly-once under webhook replay, including concurrent deliveries.
type CreditGrant struct {
	ID            snowflake.ID `gorm:"primaryKey" json:"id,string"`
	PoolID        snowflake.ID `gorm:"index" json:"pool_id,string"`
	Credits       int64        `json:"credits"`
	Reason        string       `gorm:"size:64" json:"reason"`
	SourceEventID string       `gorm:"size:128;uniqueIndex" json:"source_event_id"`
	CreatedAt     time.Time    `json:"created_at"`
}

func (CreditGrant) TableName() string { return "credit_grants" }

// DeductRequest describes one usage-time deduction.
type DeductRequest struct {
	PoolID        snowflake.ID
	PrincipalID   snowflake.ID
	Amount        int64
	CorrelationID string
	ResourceType  string
	ResourceName  string
	Metadata      map[string]any
}

// DeductResult reports the committed deduction. Replayed is set when the
// correlation ID had already been charged; the stored outcome is returned
// and nothing is written again.
type DeductResult struct {
	AttributionID snowflake.ID
	Remaining     int64
	Replayed      bool
}

// RefundRequest describes a symmetric usage decrement.
type RefundRequest struct {
	PoolID        snowflake.ID
	PrincipalID   snowflake.ID
	Amount        int64
	CorrelationID string
	ResourceType  string
	ResourceName  string
	Metadata      map[string]any
}

// RefundResult reports the applied refund. Clamped marks the anomaly case
// where the requested amount exceeded recorded usage.
type RefundResult struct {
	Refunded int64
	Clamped  bool
	Replayed bool
}

// OverdraftRequest records a deduction that lost the race after the metered
// action already happened.
type OverdraftRequest struct {
	PoolID        snowflake.ID
	PrincipalID   snowflake.ID
	Amount        int64
	CorrelationID string
	ResourceType  string
	ResourceName  string
	Metadata      map[string]any
}

// Balance is the pool plus active-allocation view used for response headers.
type Balance struct {
	PoolID              snowflake.ID `json:"pool_id,string"`
	TotalCredits        int64        `json:"total_credits"`
	AllocatedCredits    int64        `json:"allocated_credits"`
	PoolUsedCredits     int64        `json:"pool_used_credits"`
	AllocationCredits   int64        `json:"allocation_credits"`
	AllocationUsed      int64        `json:"allocation_used"`
	AllocationRemaining int64        `json:"allocation_remaining"`
}

type Service interface {
	EnsurePool(ctx context.Context, ownerType string, ownerID snowflake.ID) (*CreditPool, error)
	HasSufficient(ctx context.Context, poolID, principalID snowflake.ID, amount int64) (bool, error)
	Deduct(ctx context.Context, req DeductRequest) (DeductResult, error)
	Credit(ctx context.Context, poolID snowflake.ID, amount int64, reason, sourceEventID string) (bool, error)
	Allocate(ctx context.Context, poolID, principalID snowflake.ID, amount int64, allocatedBy string, expiresAt *time.Time) (snowflake.ID, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
	RecordOverdraft(ctx context.Context, req OverdraftRequest) (snowflake.ID, error)
	FindAttributionByCorrelationID(ctx context.Context, correlationID string) (*AttributionRecord, error)
	GetBalance(ctx context.Context, poolID, principalID snowflake.ID) (Balance, error)
}
