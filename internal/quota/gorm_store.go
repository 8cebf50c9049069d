package quota

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/relaybill/relaybill/internal/clock"
	"gorm.io/gorm"
)

// QuotaCounter is the durable window counter, retained after window rollover
// for historical reporting.
type QuotaCounter struct {
	PrincipalID snowflake.ID `gorm:"primaryKey;autoIncrement:false" json:"principal_id,string"`
	WindowKey   string       `gorm:"primaryKey;size:32" json:"window_key"`
	Count       int64        `json:"count"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

func (QuotaCounter) TableName() string { return "quota_counters" }

// GormStore is the durable counter store. It survives restarts and backs
// historical usage reporting; the redis store fronts it for latency.
type GormStore struct {
	db    *gorm.DB
	clock clock.Clock
}

func NewGormStore(db *gorm.DB, clk clock.Clock) *GormStore {
	return &GormStore{db: db, clock: clk}
}

func (s *GormStore) Increment(ctx context.Context, principalID snowflake.ID, windowKey string, _ time.Duration) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrStoreUnavailable
	}

	var count int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		if err := tx.Exec(
			`INSERT INTO quota_counters (principal_id, window_key, count, updated_at)
			VALUES (?, ?, 1, ?)
			ON CONFLICT (principal_id, window_key) DO UPDATE SET
				count = quota_counters.count + 1,
				updated_at = ?`,
			principalID,
			windowKey,
			now,
			now,
		).Error; err != nil {
			return err
		}
		return tx.Raw(
			`SELECT count FROM quota_counters WHERE principal_id = ? AND window_key = ?`,
			principalID,
			windowKey,
		).Scan(&count).Error
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *GormStore) Get(ctx context.Context, principalID snowflake.ID, windowKey string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrStoreUnavailable
	}
	var counter QuotaCounter
	err := s.db.WithContext(ctx).
		Where("principal_id = ? AND window_key = ?", principalID, windowKey).
		First(&counter).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return counter.Count, nil
}

func (s *GormStore) Reset(ctx context.Context, principalID snowflake.ID, windowKey string) error {
	if s == nil || s.db == nil {
		return ErrStoreUnavailable
	}
	return s.db.WithContext(ctx).Exec(
		`UPDATE quota_counters SET count = 0, updated_at = ? WHERE principal_id = ? AND window_key = ?`,
		s.clock.Now(),
		principalID,
		windowKey,
	).Error
}

var _ CounterStore = (*GormStore)(nil)
