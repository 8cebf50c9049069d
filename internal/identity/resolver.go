package identity

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	OwnerTypeOrg       = "org"
	OwnerTypePrincipal = "principal"
)

var ErrInvalidPrincipal = errors.New("invalid_principal")

type Params struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

// Resolver picks the billing pool owner for a principal.
//
// Resolution order is deterministic: a default-marked org membership wins,
// then the earliest-joined membership, then org ID as a final tiebreak.
// A principal with no memberships bills its individual pool.
type Resolver struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewResolver(p Params) *Resolver {
	return &Resolver{
		db:  p.DB,
		log: p.Log.Named("identity.resolver"),
	}
}

func (r *Resolver) ResolvePoolOwner(ctx context.Context, principalID snowflake.ID) (PoolOwner, error) {
	if principalID == 0 {
		return PoolOwner{}, ErrInvalidPrincipal
	}

	var membership OrgMembership
	err := r.db.WithContext(ctx).
		Where("principal_id = ?", principalID).
		Order("is_default desc, created_at asc, org_id asc").
		First(&membership).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return PoolOwner{OwnerType: OwnerTypePrincipal, OwnerID: principalID}, nil
		}
		return PoolOwner{}, err
	}

	return PoolOwner{OwnerType: OwnerTypeOrg, OwnerID: membership.OrgID}, nil
}

var Module = fx.Module("identity",
	fx.Provide(NewResolver),
)
