package dedup

import (
	"context"
	"time"

	"github.com/relaybill/relaybill/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Janitor periodically evicts processed events past the retention window.
type Janitor struct {
	store    *Store
	log      *zap.Logger
	interval time.Duration
	retain   time.Duration
	stop     chan struct{}
	done     chan struct{}
}

func NewJanitor(store *Store, cfg config.Config, log *zap.Logger) *Janitor {
	interval := time.Duration(cfg.Dedup.PurgeIntervalM) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	retain := time.Duration(cfg.Dedup.RetentionDays) * 24 * time.Hour
	if retain <= 0 {
		retain = 14 * 24 * time.Hour
	}
	return &Janitor{
		store:    store,
		log:      log.Named("dedup.janitor"),
		interval: interval,
		retain:   retain,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (j *Janitor) run() {
	defer close(j.done)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			purged, err := j.store.PurgeOlderThan(ctx, j.retain)
			cancel()
			if err != nil {
				j.log.Warn("dedup purge failed", zap.Error(err))
				continue
			}
			if purged > 0 {
				j.log.Info("purged processed events", zap.Int64("count", purged))
			}
		case <-j.stop:
			return
		}
	}
}

func registerJanitor(lc fx.Lifecycle, j *Janitor) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go j.run()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(j.stop)
			select {
			case <-j.done:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		},
	})
}

var Module = fx.Module("dedup",
	fx.Provide(NewStore, NewJanitor),
	fx.Invoke(registerJanitor),
)
