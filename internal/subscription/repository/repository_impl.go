package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/relaybill/relaybill/internal/clock"
	"github.com/relaybill/relaybill/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type repo struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func Provide(p Params) domain.Repository {
	return &repo{
		db:    p.DB,
		log:   p.Log.Named("subscription.repository"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (r *repo) Upsert(ctx context.Context, req domain.UpsertRequest) (*domain.SubscriptionRecord, error) {
	externalID := strings.TrimSpace(req.ExternalSubscriptionID)
	if externalID == "" {
		return nil, domain.ErrInvalidExternalID
	}
	if _, err := domain.ParseStatus(string(req.Status)); err != nil {
		return nil, err
	}

	var record *domain.SubscriptionRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := r.clock.Now()

		existing, err := r.findByExternalID(ctx, tx, externalID)
		if err != nil && !errors.Is(err, domain.ErrSubscriptionNotFound) {
			return err
		}

		if existing == nil {
			record = &domain.SubscriptionRecord{
				ID:                     r.genID.Generate(),
				PrincipalID:            req.PrincipalID,
				PlanCode:               strings.TrimSpace(req.PlanCode),
				Status:                 req.Status,
				ExternalSubscriptionID: externalID,
				CurrentPeriodEnd:       req.CurrentPeriodEnd,
				CreatedAt:              now,
				UpdatedAt:              now,
			}
			return tx.Create(record).Error
		}

		if !domain.CanTransition(existing.Status, req.Status) {
			return domain.ErrTransitionNotAllowed
		}

		existing.Status = req.Status
		if plan := strings.TrimSpace(req.PlanCode); plan != "" {
			existing.PlanCode = plan
		}
		if req.PrincipalID != 0 {
			existing.PrincipalID = req.PrincipalID
		}
		if req.CurrentPeriodEnd != nil {
			existing.CurrentPeriodEnd = req.CurrentPeriodEnd
		}
		existing.UpdatedAt = now
		record = existing
		return tx.Save(existing).Error
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (r *repo) SetStatus(ctx context.Context, externalSubscriptionID string, status domain.Status) (*domain.SubscriptionRecord, error) {
	externalID := strings.TrimSpace(externalSubscriptionID)
	if externalID == "" {
		return nil, domain.ErrInvalidExternalID
	}
	if _, err := domain.ParseStatus(string(status)); err != nil {
		return nil, err
	}

	var record *domain.SubscriptionRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := r.findByExternalID(ctx, tx, externalID)
		if err != nil {
			return err
		}
		if existing.Status == status {
			record = existing
			return nil
		}
		if !domain.CanTransition(existing.Status, status) {
			return domain.ErrTransitionNotAllowed
		}
		existing.Status = status
		existing.UpdatedAt = r.clock.Now()
		record = existing
		return tx.Save(existing).Error
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (r *repo) FindByExternalID(ctx context.Context, externalSubscriptionID string) (*domain.SubscriptionRecord, error) {
	externalID := strings.TrimSpace(externalSubscriptionID)
	if externalID == "" {
		return nil, domain.ErrInvalidExternalID
	}
	return r.findByExternalID(ctx, r.db, externalID)
}

func (r *repo) List(ctx context.Context, filter domain.ListFilter) ([]domain.SubscriptionRecord, error) {
	stmt := r.db.WithContext(ctx).Model(&domain.SubscriptionRecord{})
	if filter.PrincipalID != 0 {
		stmt = stmt.Where("principal_id = ?", filter.PrincipalID)
	}
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}

	var records []domain.SubscriptionRecord
	if err := stmt.Order("created_at asc, id asc").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) findByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*domain.SubscriptionRecord, error) {
	var record domain.SubscriptionRecord
	err := db.WithContext(ctx).
		Where("external_subscription_id = ?", externalID).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &record, nil
}
