package dedup

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/relaybill/relaybill/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidEventID = errors.New("invalid_event_id")

// ProcessedEvent marks an externally-delivered event as applied. Presence of
// a row means "skip"; the primary key is the concurrency primitive for
// webhook idempotency.
type ProcessedEvent struct {
	EventID    string    `gorm:"primaryKey;size:128" json:"event_id"`
	Provider   string    `gorm:"size:64" json:"provider"`
	ReceivedAt time.Time `gorm:"index" json:"received_at"`
	ResultHash *string   `gorm:"size:64" json:"result_hash,omitempty"`
}

func (ProcessedEvent) TableName() string { return "processed_events" }

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
}

type Store struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
}

func NewStore(p Params) *Store {
	return &Store{
		db:    p.DB,
		log:   p.Log.Named("dedup.store"),
		clock: p.Clock,
	}
}

// Seen reports whether the event was already applied.
func (s *Store) Seen(ctx context.Context, eventID string) (bool, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return false, ErrInvalidEventID
	}
	var count int64
	err := s.db.WithContext(ctx).Model(&ProcessedEvent{}).
		Where("event_id = ?", eventID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// MarkProcessed records the event. First writer wins; a false return means
// another delivery of the same event got there first.
func (s *Store) MarkProcessed(ctx context.Context, eventID, provider string, resultHash *string) (bool, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return false, ErrInvalidEventID
	}
	result := s.db.WithContext(ctx).Exec(
		`INSERT INTO processed_events (event_id, provider, received_at, result_hash)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID,
		strings.TrimSpace(provider),
		s.clock.Now(),
		resultHash,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// PurgeOlderThan evicts rows past the retention window. Providers do not
// retry indefinitely, so old rows are dead weight.
func (s *Store) PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.clock.Now().Add(-retention)
	result := s.db.WithContext(ctx).Exec(
		`DELETE FROM processed_events WHERE received_at < ?`,
		cutoff,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
