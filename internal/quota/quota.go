package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	WindowDaily   = "daily"
	WindowMonthly = "monthly"
)

var (
	ErrQuotaExceeded    = errors.New("quota_exceeded")
	ErrInvalidWindow    = errors.New("invalid_window")
	ErrStoreUnavailable = errors.New("quota_store_unavailable")
)

// CounterStore is a windowed request counter. Window keys encode the period,
// so expiry is implicit once a window rolls over.
type CounterStore interface {
	Increment(ctx context.Context, principalID snowflake.ID, windowKey string, ttl time.Duration) (int64, error)
	Get(ctx context.Context, principalID snowflake.ID, windowKey string) (int64, error)
	Reset(ctx context.Context, principalID snowflake.ID, windowKey string) error
}

// Limits are the per-principal request caps. Zero disables a window.
type Limits struct {
	Daily   int64 `mapstructure:"daily"`
	Monthly int64 `mapstructure:"monthly"`
}

// Result reports one window's state after an increment, for response headers.
type Result struct {
	Window    string    `json:"window"`
	Limit     int64     `json:"limit"`
	Count     int64     `json:"count"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// DailyKey returns the UTC day window key.
func DailyKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// MonthlyKey returns the UTC month window key.
func MonthlyKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// DailyResetAt is the next UTC midnight after t.
func DailyResetAt(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

// MonthlyResetAt is the first instant of the next UTC month after t.
func MonthlyResetAt(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}

func windowKeyFor(window string, t time.Time) (string, error) {
	switch window {
	case WindowDaily:
		return DailyKey(t), nil
	case WindowMonthly:
		return MonthlyKey(t), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidWindow, window)
	}
}
