package identity

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Principal is any caller the gateway bills: a user or a service account.
type Principal struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id,string"`
	ExternalRef string       `gorm:"size:128;uniqueIndex" json:"external_ref"`
	Kind        string       `gorm:"size:32" json:"kind"`
	CreatedAt   time.Time    `json:"created_at"`
}

func (Principal) TableName() string { return "principals" }

// OrgMembership links a principal to an organization billing pool.
type OrgMembership struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id,string"`
	PrincipalID snowflake.ID `gorm:"index:idx_org_memberships_principal_org,unique" json:"principal_id,string"`
	OrgID       snowflake.ID `gorm:"index:idx_org_memberships_principal_org,unique" json:"org_id,string"`
	IsDefault   bool         `json:"is_default"`
	CreatedAt   time.Time    `json:"created_at"`
}

func (OrgMembership) TableName() string { return "org_memberships" }

// PoolOwner identifies the pool a charge is drawn from.
type PoolOwner struct {
	OwnerType string
	OwnerID   snowflake.ID
}
