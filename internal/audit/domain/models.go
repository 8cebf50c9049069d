package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/relaybill/relaybill/pkg/db/pagination"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ActorTypeSystem marks entries written without an authenticated operator.
const ActorTypeSystem = "system"

// AuditLog records one administrative or reconciliation action.
type AuditLog struct {
	ID          snowflake.ID      `gorm:"primaryKey" json:"id,string"`
	PrincipalID *snowflake.ID     `gorm:"index" json:"principal_id,omitempty"`
	Actor       string            `gorm:"size:128" json:"actor"`
	Action      string            `gorm:"size:64;index" json:"action"`
	TargetType  string            `gorm:"size:64" json:"target_type"`
	TargetID    *string           `gorm:"size:128" json:"target_id,omitempty"`
	Metadata    datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

func (AuditLog) TableName() string { return "audit_logs" }

// AuditCursor positions a list query after a (created_at, id) pair.
type AuditCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

// ListFilter narrows audit log queries.
type ListFilter struct {
	PrincipalID *snowflake.ID
	Action      string
	TargetType  string
	TargetID    string
	StartAt     *time.Time
	EndAt       *time.Time
	Cursor      *AuditCursor
	Limit       int
}

type ListAuditLogRequest struct {
	pagination.Pagination
	PrincipalID *snowflake.ID
	Action      string
	TargetType  string
	TargetID    string
	StartAt     *time.Time
	EndAt       *time.Time
}

type ListAuditLogResponse struct {
	pagination.PageInfo
	AuditLogs []AuditLog `json:"audit_logs"`
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*AuditLog, error)
}

type Service interface {
	Record(ctx context.Context, principalID *snowflake.ID, action, targetType string, targetID *string, metadata map[string]any) error
	List(ctx context.Context, req ListAuditLogRequest) (ListAuditLogResponse, error)
}

var (
	ErrInvalidAction    = errors.New("invalid_action")
	ErrInvalidPageToken = errors.New("invalid_page_token")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
)
