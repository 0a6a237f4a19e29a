package alert

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const suppressPrefix = "ransomeye:dedup:"

// Suppressor is the fast path of dedup-key suppression: a Redis cache in
// front of the alert store. Cache misses and Redis outages fall through
// to the store lookup, so the cache only ever saves work, never decides
// alone. A nil *Suppressor is a pass-through.
type Suppressor struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewSuppressor wraps a Redis client. rdb may be nil to disable caching.
func NewSuppressor(rdb *redis.Client) *Suppressor {
	if rdb == nil {
		return nil
	}
	return &Suppressor{rdb: rdb, logger: slog.Default().With("component", "suppress")}
}

// Lookup returns the alert id cached for dedupKey, if any.
func (s *Suppressor) Lookup(ctx context.Context, dedupKey string) (string, bool) {
	if s == nil {
		return "", false
	}
	alertID, err := s.rdb.Get(ctx, suppressPrefix+dedupKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.WarnContext(ctx, "suppression cache lookup failed", "error", err)
		}
		return "", false
	}
	return alertID, true
}

// Remember caches dedupKey → alertID for the suppression window.
// Best-effort: the store row is the source of truth.
func (s *Suppressor) Remember(ctx context.Context, dedupKey, alertID string, ttl time.Duration) {
	if s == nil || ttl <= 0 {
		return
	}
	if err := s.rdb.Set(ctx, suppressPrefix+dedupKey, alertID, ttl).Err(); err != nil {
		s.logger.WarnContext(ctx, "suppression cache store failed", "error", err)
	}
}

// Forget drops the cache entry, used when an alert leaves the open state
// so a recurrence opens a fresh alert.
func (s *Suppressor) Forget(ctx context.Context, dedupKey string) {
	if s == nil {
		return
	}
	if err := s.rdb.Del(ctx, suppressPrefix+dedupKey).Err(); err != nil {
		s.logger.WarnContext(ctx, "suppression cache delete failed", "error", err)
	}
}
