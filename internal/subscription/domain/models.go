package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// SubscriptionRecord mirrors the external billing provider's subscription.
// Only the webhook processor writes these rows, keeping a single writer for
// provider-owned state.
type SubscriptionRecord struct {
	ID                     snowflake.ID `gorm:"primaryKey" json:"id,string"`
	PrincipalID            snowflake.ID `gorm:"index" json:"principal_id,string"`
	PlanCode               string       `gorm:"size:64" json:"plan_code"`
	Status                 Status       `gorm:"size:16" json:"status"`
	ExternalSubscriptionID string       `gorm:"size:128;uniqueIndex" json:"external_subscription_id"`
	CurrentPeriodEnd       *time.Time   `json:"current_period_end,omitempty"`
	CreatedAt              time.Time    `json:"created_at"`
	UpdatedAt              time.Time    `json:"updated_at"`
}

func (SubscriptionRecord) TableName() string { return "subscription_records" }

var (
	ErrInvalidStatus        = errors.New("invalid_subscription_status")
	ErrInvalidExternalID    = errors.New("invalid_external_subscription_id")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrTransitionNotAllowed = errors.New("subscription_transition_not_allowed")
)

// ParseStatus validates a provider-supplied status string.
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusTrialing:
		return StatusTrialing, nil
	case StatusActive:
		return StatusActive, nil
	case StatusPastDue:
		return StatusPastDue, nil
	case StatusCanceled:
		return StatusCanceled, nil
	default:
		return "", ErrInvalidStatus
	}
}

// CanTransition reports whether from → to is a legal move in
// trialing → active → {past_due ↔ active} → canceled. Every state may
// re-enter itself so out-of-order provider deliveries stay idempotent.
// Canceled is terminal.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusTrialing:
		return to == StatusActive || to == StatusCanceled || to == StatusPastDue
	case StatusActive:
		return to == StatusPastDue || to == StatusCanceled
	case StatusPastDue:
		return to == StatusActive || to == StatusCanceled
	case StatusCanceled:
		return false
	default:
		return false
	}
}

// UpsertRequest carries provider state for create/update events.
type UpsertRequest struct {
	PrincipalID            snowflake.ID
	PlanCode               string
	Status                 Status
	ExternalSubscriptionID string
	CurrentPeriodEnd       *time.Time
}

type ListFilter struct {
	PrincipalID snowflake.ID
	Status      Status
}

type Repository interface {
	Upsert(ctx context.Context, req UpsertRequest) (*SubscriptionRecord, error)
	SetStatus(ctx context.Context, externalSubscriptionID string, status Status) (*SubscriptionRecord, error)
	FindByExternalID(ctx context.Context, externalSubscriptionID string) (*SubscriptionRecord, error)
	List(ctx context.Context, filter ListFilter) ([]SubscriptionRecord, error)
}
