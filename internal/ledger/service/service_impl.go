package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/relaybill/relaybill/internal/audit/domain"
	"github.com/relaybill/relaybill/internal/clock"
	ledgerdomain "github.com/relaybill/relaybill/internal/ledger/domain"
	obsmetrics "github.com/relaybill/relaybill/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	AuditSvc   auditdomain.Service `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	auditSvc   auditdomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		auditSvc:   p.AuditSvc,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) EnsurePool(ctx context.Context, ownerType string, ownerID snowflake.ID) (*ledgerdomain.CreditPool, error) {
	ownerType = strings.TrimSpace(ownerType)
	switch ownerType {
	case ledgerdomain.OwnerTypeOrg, ledgerdomain.OwnerTypePrincipal:
	default:
		return nil, ledgerdomain.ErrInvalidOwnerType
	}
	if ownerID == 0 {
		return nil, ledgerdomain.ErrInvalidPool
	}

	now := s.clock.Now()
	if err := s.db.WithContext(ctx).Exec(
		`INSERT INTO credit_pools (
			id, owner_type, owner_id, total_credits, allocated_credits, used_credits, created_at, updated_at
		) VALUES (?, ?, ?, 0, 0, 0, ?, ?)
		ON CONFLICT (owner_type, owner_id) DO NOTHING`,
		s.genID.Generate(),
		ownerType,
		ownerID,
		now,
		now,
	).Error; err != nil {
		return nil, err
	}

	var pool ledgerdomain.CreditPool
	if err := s.db.WithContext(ctx).
		Where("owner_type = ? AND owner_id = ?", ownerType, ownerID).
		First(&pool).Error; err != nil {
		return nil, err
	}
	return &pool, nil
}

// HasSufficient is advisory only. Deduct re-checks atomically, so a later
// deduct may still fail after a positive answer here.
func (s *Service) HasSufficient(ctx context.Context, poolID, principalID snowflake.ID, amount int64) (bool, error) {
	if poolID == 0 {
		return false, ledgerdomain.ErrInvalidPool
	}
	if principalID == 0 {
		return false, ledgerdomain.ErrInvalidPrincipal
	}
	if amount < 0 {
		return false, ledgerdomain.ErrInvalidAmount
	}
	if amount == 0 {
		return true, nil
	}

	alloc, err := s.activeAllocation(ctx, s.db, poolID, principalID)
	if err != nil {
		if errors.Is(err, ledgerdomain.ErrAllocationNotFound) {
			return false, nil
		}
		return false, err
	}
	return alloc.RemainingCredits() >= amount, nil
}

func (s *Service) Deduct(ctx context.Context, req ledgerdomain.DeductRequest) (ledgerdomain.DeductResult, error) {
	if req.PoolID == 0 {
		return ledgerdomain.DeductResult{}, ledgerdomain.ErrInvalidPool
	}
	if req.PrincipalID == 0 {
		return ledgerdomain.DeductResult{}, ledgerdomain.ErrInvalidPrincipal
	}
	if req.Amount <= 0 {
		return ledgerdomain.DeductResult{}, ledgerdomain.ErrInvalidAmount
	}
	correlationID := strings.TrimSpace(req.CorrelationID)
	if correlationID == "" {
		return ledgerdomain.DeductResult{}, ledgerdomain.ErrInvalidCorrelationID
	}

	var res ledgerdomain.DeductResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		attrID := s.genID.Generate()
		now := s.clock.Now()

		// Correlation ID uniqueness makes a blind retry a no-op.
		insert := tx.WithContext(ctx).Exec(
			`INSERT INTO attribution_records (
				id, pool_id, principal_id, kind, resource_type, resource_name,
				credits_charged, overdraft_credits, correlation_id, metadata, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
			ON CONFLICT (correlation_id) DO NOTHING`,
			attrID,
			req.PoolID,
			req.PrincipalID,
			string(ledgerdomain.AttributionKindCharge),
			strings.TrimSpace(req.ResourceType),
			strings.TrimSpace(req.ResourceName),
			req.Amount,
			correlationID,
			datatypes.JSONMap(req.Metadata),
			now,
		)
		if insert.Error != nil {
			return insert.Error
		}
		if insert.RowsAffected == 0 {
			existing, err := s.findAttribution(ctx, tx, correlationID)
			if err != nil {
				return err
			}
			remaining, err := s.remainingCredits(ctx, tx, req.PoolID, req.PrincipalID, now)
			if err != nil {
				return err
			}
			res = ledgerdomain.DeductResult{
				AttributionID: existing.ID,
				Remaining:     remaining,
				Replayed:      true,
			}
			return nil
		}

		// Compare-and-set: the balance check and the increment are one
		// statement, so concurrent deducts on the same allocation serialize
		// on the row and cannot jointly overdraw it.
		update := tx.WithContext(ctx).Exec(
			`UPDATE allocations
			SET used_credits = used_credits + ?, updated_at = ?
			WHERE pool_id = ? AND principal_id = ? AND active = ?
			  AND (expires_at IS NULL OR expires_at > ?)
			  AND allocated_credits - used_credits >= ?`,
			req.Amount,
			now,
			req.PoolID,
			req.PrincipalID,
			true,
			now,
			req.Amount,
		)
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected == 0 {
			return ledgerdomain.ErrInsufficientCredits
		}

		if err := tx.WithContext(ctx).Exec(
			`UPDATE credit_pools SET used_credits = used_credits + ?, updated_at = ? WHERE id = ?`,
			req.Amount,
			now,
			req.PoolID,
		).Error; err != nil {
			return err
		}

		remaining, err := s.remainingCredits(ctx, tx, req.PoolID, req.PrincipalID, now)
		if err != nil {
			return err
		}
		res = ledgerdomain.DeductResult{AttributionID: attrID, Remaining: remaining}
		return nil
	})
	if err != nil {
		return ledgerdomain.DeductResult{}, err
	}

	if !res.Replayed && s.obsMetrics != nil {
		s.obsMetrics.RecordCreditsSpent(req.ResourceType, req.Amount)
	}
	return res, nil
}

func (s *Service) Credit(ctx context.Context, poolID snowflake.ID, amount int64, reason, sourceEventID string) (bool, error) {
	if poolID == 0 {
		return false, ledgerdomain.ErrInvalidPool
	}
	if amount <= 0 {
		return false, ledgerdomain.ErrInvalidAmount
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return false, ledgerdomain.ErrInvalidReason
	}
	sourceEventID = strings.TrimSpace(sourceEventID)
	if sourceEventID == "" {
		return false, ledgerdomain.ErrInvalidSourceEventID
	}

	granted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()

		// First writer wins on source_event_id; a replayed grant leaves the
		// pool untouched even when two deliveries race.
		insert := tx.WithContext(ctx).Exec(
			`INSERT INTO credit_grants (
				id, pool_id, credits, reason, source_event_id, created_at
			) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (source_event_id) DO NOTHING`,
			s.genID.Generate(),
			poolID,
			amount,
			reason,
			sourceEventID,
			now,
		)
		if insert.Error != nil {
			return insert.Error
		}
		if insert.RowsAffected == 0 {
			return nil
		}

		result := tx.WithContext(ctx).Exec(
			`UPDATE credit_pools SET total_credits = total_credits + ?, updated_at = ? WHERE id = ?`,
			amount,
			now,
			poolID,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ledgerdomain.ErrPoolNotFound
		}
		granted = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if granted && s.obsMetrics != nil {
		s.obsMetrics.RecordCreditGrant(reason)
	}
	return granted, nil
}

func (s *Service) Allocate(ctx context.Context, poolID, principalID snowflake.ID, amount int64, allocatedBy string, expiresAt *time.Time) (snowflake.ID, error) {
	if poolID == 0 {
		return 0, ledgerdomain.ErrInvalidPool
	}
	if principalID == 0 {
		return 0, ledgerdomain.ErrInvalidPrincipal
	}
	if amount <= 0 {
		return 0, ledgerdomain.ErrInvalidAmount
	}
	allocatedBy = strings.TrimSpace(allocatedBy)

	var allocationID snowflake.ID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()

		// Replacement semantics: the pool-level counter grows by the full
		// new amount, not by the delta against the deactivated row.
		grab := tx.WithContext(ctx).Exec(
			`UPDATE credit_pools
			SET allocated_credits = allocated_credits + ?, updated_at = ?
			WHERE id = ? AND total_credits - allocated_credits >= ?`,
			amount,
			now,
			poolID,
			amount,
		)
		if grab.Error != nil {
			return grab.Error
		}
		if grab.RowsAffected == 0 {
			var count int64
			if err := tx.WithContext(ctx).Model(&ledgerdomain.CreditPool{}).
				Where("id = ?", poolID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ledgerdomain.ErrPoolNotFound
			}
			return ledgerdomain.ErrPoolExhausted
		}

		if err := tx.WithContext(ctx).Exec(
			`UPDATE allocations SET active = ?, updated_at = ? WHERE pool_id = ? AND principal_id = ? AND active = ?`,
			false,
			now,
			poolID,
			principalID,
			true,
		).Error; err != nil {
			return err
		}

		allocationID = s.genID.Generate()
		return tx.WithContext(ctx).Exec(
			`INSERT INTO allocations (
				id, pool_id, principal_id, allocated_credits, used_credits, active,
				expires_at, allocated_by, created_at, updated_at
			) VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
			allocationID,
			poolID,
			principalID,
			amount,
			true,
			expiresAt,
			allocatedBy,
			now,
			now,
		).Error
	})
	if err != nil {
		return 0, err
	}

	s.audit(ctx, &principalID, "ledger.allocate", "allocation", allocationID.String(), map[string]any{
		"pool_id":      poolID.String(),
		"principal_id": principalID.String(),
		"credits":      amount,
		"allocated_by": allocatedBy,
	})
	return allocationID, nil
}

func (s *Service) Refund(ctx context.Context, req ledgerdomain.RefundRequest) (ledgerdomain.RefundResult, error) {
	if req.PoolID == 0 {
		return ledgerdomain.RefundResult{}, ledgerdomain.ErrInvalidPool
	}
	if req.PrincipalID == 0 {
		return ledgerdomain.RefundResult{}, ledgerdomain.ErrInvalidPrincipal
	}
	if req.Amount <= 0 {
		return ledgerdomain.RefundResult{}, ledgerdomain.ErrInvalidAmount
	}
	correlationID := strings.TrimSpace(req.CorrelationID)
	if correlationID == "" {
		return ledgerdomain.RefundResult{}, ledgerdomain.ErrInvalidCorrelationID
	}

	var res ledgerdomain.RefundResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()

		alloc, err := s.activeAllocation(ctx, tx, req.PoolID, req.PrincipalID)
		if err != nil {
			return err
		}

		refunded := req.Amount
		clamped := false
		if refunded > alloc.UsedCredits {
			refunded = alloc.UsedCredits
			clamped = true
		}

		// Refunds are negative charge rows so attribution sums still equal
		// used_credits exactly.
		metadata := map[string]any{}
		for key, value := range req.Metadata {
			if key == "" {
				continue
			}
			metadata[key] = value
		}
		if clamped {
			metadata["clamped"] = true
			metadata["requested_credits"] = req.Amount
		}

		insert := tx.WithContext(ctx).Exec(
			`INSERT INTO attribution_records (
				id, pool_id, principal_id, kind, resource_type, resource_name,
				credits_charged, overdraft_credits, correlation_id, metadata, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
			ON CONFLICT (correlation_id) DO NOTHING`,
			s.genID.Generate(),
			req.PoolID,
			req.PrincipalID,
			string(ledgerdomain.AttributionKindRefund),
			strings.TrimSpace(req.ResourceType),
			strings.TrimSpace(req.ResourceName),
			-refunded,
			correlationID,
			datatypes.JSONMap(metadata),
			now,
		)
		if insert.Error != nil {
			return insert.Error
		}
		if insert.RowsAffected == 0 {
			res = ledgerdomain.RefundResult{Replayed: true}
			return nil
		}

		if refunded > 0 {
			update := tx.WithContext(ctx).Exec(
				`UPDATE allocations
				SET used_credits = used_credits - ?, updated_at = ?
				WHERE id = ? AND used_credits >= ?`,
				refunded,
				now,
				alloc.ID,
				refunded,
			)
			if update.Error != nil {
				return update.Error
			}
			if update.RowsAffected == 0 {
				return ledgerdomain.ErrInsufficientCredits
			}

			if err := tx.WithContext(ctx).Exec(
				`UPDATE credit_pools
				SET used_credits = CASE WHEN used_credits >= ? THEN used_credits - ? ELSE 0 END,
				    updated_at = ?
				WHERE id = ?`,
				refunded,
				refunded,
				now,
				req.PoolID,
			).Error; err != nil {
				return err
			}
		}

		res = ledgerdomain.RefundResult{Refunded: refunded, Clamped: clamped}
		return nil
	})
	if err != nil {
		return ledgerdomain.RefundResult{}, err
	}

	if res.Clamped {
		s.log.Warn("refund clamped to recorded usage",
			zap.String("pool_id", req.PoolID.String()),
			zap.String("principal_id", req.PrincipalID.String()),
			zap.Int64("requested", req.Amount),
			zap.Int64("refunded", res.Refunded),
		)
	}
	if !res.Replayed {
		s.audit(ctx, &req.PrincipalID, "ledger.refund", "attribution", correlationID, map[string]any{
			"pool_id":  req.PoolID.String(),
			"credits":  res.Refunded,
			"clamped":  res.Clamped,
			"resource": req.ResourceType,
		})
	}
	return res, nil
}

func (s *Service) RecordOverdraft(ctx context.Context, req ledgerdomain.OverdraftRequest) (snowflake.ID, error) {
	if req.PoolID == 0 {
		return 0, ledgerdomain.ErrInvalidPool
	}
	if req.PrincipalID == 0 {
		return 0, ledgerdomain.ErrInvalidPrincipal
	}
	if req.Amount <= 0 {
		return 0, ledgerdomain.ErrInvalidAmount
	}
	correlationID := strings.TrimSpace(req.CorrelationID)
	if correlationID == "" {
		return 0, ledgerdomain.ErrInvalidCorrelationID
	}

	attrID := s.genID.Generate()
	now := s.clock.Now()
	insert := s.db.WithContext(ctx).Exec(
		`INSERT INTO attribution_records (
			id, pool_id, principal_id, kind, resource_type, resource_name,
			credits_charged, overdraft_credits, correlation_id, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
		ON CONFLICT (correlation_id) DO NOTHING`,
		attrID,
		req.PoolID,
		req.PrincipalID,
		string(ledgerdomain.AttributionKindOverdraft),
		strings.TrimSpace(req.ResourceType),
		strings.TrimSpace(req.ResourceName),
		req.Amount,
		correlationID,
		datatypes.JSONMap(req.Metadata),
		now,
	)
	if insert.Error != nil {
		return 0, insert.Error
	}
	if insert.RowsAffected == 0 {
		existing, err := s.findAttribution(ctx, s.db, correlationID)
		if err != nil {
			return 0, err
		}
		return existing.ID, nil
	}

	s.log.Warn("overdraft recorded",
		zap.String("pool_id", req.PoolID.String()),
		zap.String("principal_id", req.PrincipalID.String()),
		zap.Int64("credits", req.Amount),
		zap.String("correlation_id", correlationID),
	)
	if s.obsMetrics != nil {
		s.obsMetrics.RecordOverdraft()
	}
	s.audit(ctx, &req.PrincipalID, "ledger.overdraft", "attribution", correlationID, map[string]any{
		"pool_id": req.PoolID.String(),
		"credits": req.Amount,
	})
	return attrID, nil
}

func (s *Service) FindAttributionByCorrelationID(ctx context.Context, correlationID string) (*ledgerdomain.AttributionRecord, error) {
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return nil, ledgerdomain.ErrInvalidCorrelationID
	}
	return s.findAttribution(ctx, s.db, correlationID)
}

func (s *Service) GetBalance(ctx context.Context, poolID, principalID snowflake.ID) (ledgerdomain.Balance, error) {
	if poolID == 0 {
		return ledgerdomain.Balance{}, ledgerdomain.ErrInvalidPool
	}

	var pool ledgerdomain.CreditPool
	if err := s.db.WithContext(ctx).Where("id = ?", poolID).First(&pool).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledgerdomain.Balance{}, ledgerdomain.ErrPoolNotFound
		}
		return ledgerdomain.Balance{}, err
	}

	balance := ledgerdomain.Balance{
		PoolID:           pool.ID,
		TotalCredits:     pool.TotalCredits,
		AllocatedCredits: pool.AllocatedCredits,
		PoolUsedCredits:  pool.UsedCredits,
	}

	if principalID != 0 {
		alloc, err := s.activeAllocation(ctx, s.db, poolID, principalID)
		if err != nil && !errors.Is(err, ledgerdomain.ErrAllocationNotFound) {
			return ledgerdomain.Balance{}, err
		}
		if err == nil {
			balance.AllocationCredits = alloc.AllocatedCredits
			balance.AllocationUsed = alloc.UsedCredits
			balance.AllocationRemaining = alloc.RemainingCredits()
		}
	}
	return balance, nil
}

func (s *Service) activeAllocation(ctx context.Context, db *gorm.DB, poolID, principalID snowflake.ID) (*ledgerdomain.Allocation, error) {
	var alloc ledgerdomain.Allocation
	err := db.WithContext(ctx).
		Where("pool_id = ? AND principal_id = ? AND active = ?", poolID, principalID, true).
		First(&alloc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ledgerdomain.ErrAllocationNotFound
		}
		return nil, err
	}
	return &alloc, nil
}

func (s *Service) remainingCredits(ctx context.Context, db *gorm.DB, poolID, principalID snowflake.ID, now time.Time) (int64, error) {
	alloc, err := s.activeAllocation(ctx, db, poolID, principalID)
	if err != nil {
		if errors.Is(err, ledgerdomain.ErrAllocationNotFound) {
			return 0, nil
		}
		return 0, err
	}
	if alloc.ExpiresAt != nil && !alloc.ExpiresAt.After(now) {
		return 0, nil
	}
	return alloc.RemainingCredits(), nil
}

func (s *Service) findAttribution(ctx context.Context, db *gorm.DB, correlationID string) (*ledgerdomain.AttributionRecord, error) {
	var record ledgerdomain.AttributionRecord
	err := db.WithContext(ctx).Where("correlation_id = ?", correlationID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ledgerdomain.ErrAttributionNotFound
		}
		return nil, err
	}
	return &record, nil
}

func (s *Service) audit(ctx context.Context, principalID *snowflake.ID, action, targetType, targetID string, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	target := targetID
	if err := s.auditSvc.Record(ctx, principalID, action, targetType, &target, metadata); err != nil {
		s.log.Warn("failed to write ledger audit log", zap.String("action", action), zap.Error(err))
	}
}
