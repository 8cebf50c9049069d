package quota

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/relaybill/relaybill/internal/audit/domain"
	"github.com/relaybill/relaybill/internal/clock"
	"github.com/relaybill/relaybill/internal/config"
	obsmetrics "github.com/relaybill/relaybill/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Config     config.Config
	Limits     LimitsTable         `optional:"true"`
	Fast       *RedisStore         `optional:"true"`
	AuditSvc   auditdomain.Service `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Enforcer counts requests against daily and monthly windows. Quota is a
// hard cap on request count, independent of credit balance; the two failure
// modes are never conflated.
type Enforcer struct {
	fast       CounterStore
	durable    *GormStore
	limits     LimitsTable
	clock      clock.Clock
	log        *zap.Logger
	auditSvc   auditdomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewEnforcer(p Params) *Enforcer {
	limits := p.Limits
	if limits.isZero() {
		limits.Default = Limits{
			Daily:   p.Config.Quota.DailyLimit,
			Monthly: p.Config.Quota.MonthlyLimit,
		}
	}
	e := &Enforcer{
		durable:    NewGormStore(p.DB, p.Clock),
		limits:     limits,
		clock:      p.Clock,
		log:        p.Log.Named("quota.enforcer"),
		auditSvc:   p.AuditSvc,
		obsMetrics: p.ObsMetrics,
	}
	if p.Fast != nil {
		e.fast = p.Fast
	}
	return e
}

// CheckAndIncrement increments every window configured for the tier and then
// compares. Over-limit requests are still counted, so usage beyond the quota
// stays observable for billing and audit. Results for all windows are
// returned even on rejection, for response headers.
func (e *Enforcer) CheckAndIncrement(ctx context.Context, principalID snowflake.ID, tier string) ([]Result, error) {
	now := e.clock.Now()
	limits := e.limits.For(tier)

	type window struct {
		name    string
		key     string
		limit   int64
		resetAt time.Time
	}
	windows := make([]window, 0, 2)
	if limits.Daily > 0 {
		windows = append(windows, window{
			name:    WindowDaily,
			key:     DailyKey(now),
			limit:   limits.Daily,
			resetAt: DailyResetAt(now),
		})
	}
	if limits.Monthly > 0 {
		windows = append(windows, window{
			name:    WindowMonthly,
			key:     MonthlyKey(now),
			limit:   limits.Monthly,
			resetAt: MonthlyResetAt(now),
		})
	}

	results := make([]Result, 0, len(windows))
	var exceeded string
	for _, w := range windows {
		ttl := w.resetAt.Sub(now) + time.Hour
		count, err := e.increment(ctx, principalID, w.key, ttl)
		if err != nil {
			return nil, err
		}

		remaining := w.limit - count
		if remaining < 0 {
			remaining = 0
		}
		results = append(results, Result{
			Window:    w.name,
			Limit:     w.limit,
			Count:     count,
			Remaining: remaining,
			ResetAt:   w.resetAt,
		})

		if count > w.limit && exceeded == "" {
			exceeded = w.name
		}
	}

	if exceeded != "" {
		if e.obsMetrics != nil {
			e.obsMetrics.RecordQuotaDenied(exceeded)
		}
		return results, fmt.Errorf("%w: %s window", ErrQuotaExceeded, exceeded)
	}
	return results, nil
}

// ForceReset zeroes the current window only, in both stores. Past windows
// are historical data and stay untouched.
func (e *Enforcer) ForceReset(ctx context.Context, principalID snowflake.ID, windowName string) error {
	windowName = strings.ToLower(strings.TrimSpace(windowName))
	key, err := windowKeyFor(windowName, e.clock.Now())
	if err != nil {
		return err
	}

	if e.fast != nil {
		if err := e.fast.Reset(ctx, principalID, key); err != nil {
			return err
		}
	}
	if err := e.durable.Reset(ctx, principalID, key); err != nil {
		return err
	}

	if e.auditSvc != nil {
		target := key
		if err := e.auditSvc.Record(ctx, &principalID, "quota.force_reset", "quota_counter", &target, map[string]any{
			"principal_id": principalID.String(),
			"window":       windowName,
			"window_key":   key,
		}); err != nil {
			e.log.Warn("failed to write quota audit log", zap.Error(err))
		}
	}
	return nil
}

// Usage reads the current window counts for the tier without incrementing.
func (e *Enforcer) Usage(ctx context.Context, principalID snowflake.ID, tier string) ([]Result, error) {
	now := e.clock.Now()
	limits := e.limits.For(tier)
	results := make([]Result, 0, 2)

	if limits.Daily > 0 {
		count, err := e.get(ctx, principalID, DailyKey(now))
		if err != nil {
			return nil, err
		}
		results = append(results, Result{
			Window: WindowDaily, Limit: limits.Daily, Count: count,
			Remaining: maxInt64(limits.Daily-count, 0), ResetAt: DailyResetAt(now),
		})
	}
	if limits.Monthly > 0 {
		count, err := e.get(ctx, principalID, MonthlyKey(now))
		if err != nil {
			return nil, err
		}
		results = append(results, Result{
			Window: WindowMonthly, Limit: limits.Monthly, Count: count,
			Remaining: maxInt64(limits.Monthly-count, 0), ResetAt: MonthlyResetAt(now),
		})
	}
	return results, nil
}

func (e *Enforcer) increment(ctx context.Context, principalID snowflake.ID, key string, ttl time.Duration) (int64, error) {
	if e.fast != nil {
		count, err := e.fast.Increment(ctx, principalID, key, ttl)
		if err != nil {
			return 0, err
		}
		// Durable mirror is best effort; the fast store is authoritative
		// within a window.
		if _, err := e.durable.Increment(ctx, principalID, key, ttl); err != nil {
			e.log.Warn("durable quota increment failed",
				zap.String("principal_id", principalID.String()),
				zap.String("window_key", key),
				zap.Error(err),
			)
		}
		return count, nil
	}
	return e.durable.Increment(ctx, principalID, key, ttl)
}

func (e *Enforcer) get(ctx context.Context, principalID snowflake.ID, key string) (int64, error) {
	if e.fast != nil {
		return e.fast.Get(ctx, principalID, key)
	}
	return e.durable.Get(ctx, principalID, key)
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
