package quota

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/relaybill/relaybill/internal/config"
)

// INCR and the first-write expiry are one atomic script, so concurrent
// requests in a fresh window cannot leave the key without a TTL.
const windowIncrScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`

const keyQuotaWindow = "quota:%s:%s"

// RedisStore is the low-latency counter fronting the durable store.
type RedisStore struct {
	client *redis.Client
	script *redis.Script
}

// NewRedisStore returns nil when no redis address is configured; the
// enforcer then falls back to the durable store alone.
func NewRedisStore(cfg config.Config) *RedisStore {
	addr := strings.TrimSpace(cfg.Quota.RedisAddr)
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Quota.RedisPassword,
		DB:       cfg.Quota.RedisDB,
	})
	return &RedisStore{
		client: client,
		script: redis.NewScript(windowIncrScript),
	}
}

func (s *RedisStore) Increment(ctx context.Context, principalID snowflake.ID, windowKey string, ttl time.Duration) (int64, error) {
	if s == nil || s.client == nil {
		return 0, ErrStoreUnavailable
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	count, err := s.script.Run(
		ctx,
		s.client,
		[]string{s.key(principalID, windowKey)},
		int64(ttl/time.Millisecond),
	).Int64()
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *RedisStore) Get(ctx context.Context, principalID snowflake.ID, windowKey string) (int64, error) {
	if s == nil || s.client == nil {
		return 0, ErrStoreUnavailable
	}
	count, err := s.client.Get(ctx, s.key(principalID, windowKey)).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, err
	}
	return count, nil
}

func (s *RedisStore) Reset(ctx context.Context, principalID snowflake.ID, windowKey string) error {
	if s == nil || s.client == nil {
		return ErrStoreUnavailable
	}
	return s.client.Del(ctx, s.key(principalID, windowKey)).Err()
}

func (s *RedisStore) key(principalID snowflake.ID, windowKey string) string {
	return fmt.Sprintf(keyQuotaWindow, principalID.String(), windowKey)
}

var _ CounterStore = (*RedisStore)(nil)
