package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/synaptica-ai/intake/pkg/common/logger"
)

const (
	cachePrefix = "intake:idem:"
	claimPrefix = "intake:idem:claim:"
)

type Store interface {
	Find(ctx context.Context, key string) (Record, error)
	Insert(ctx context.Context, rec *Record) error
}

// Guard suppresses repeated side effects for redelivered payloads. Redis is
// optional: without it the guard falls back to the persisted records and the
// in-flight claim becomes advisory.
type Guard struct {
	store    Store
	redis    *redis.Client
	cacheTTL time.Duration
	claimTTL time.Duration
}

func NewGuard(store Store, client *redis.Client, cacheTTL, claimTTL time.Duration) *Guard {
	if cacheTTL <= 0 {
		cacheTTL = 72 * time.Hour
	}
	if claimTTL <= 0 {
		claimTTL = 2 * time.Minute
	}
	return &Guard{store: store, redis: client, cacheTTL: cacheTTL, claimTTL: claimTTL}
}

// Lookup returns the cached outcome for key, if any.
func (g *Guard) Lookup(ctx context.Context, key string) (*Outcome, bool, error) {
	if g.redis != nil {
		data, err := g.redis.Get(ctx, cachePrefix+key).Bytes()
		switch {
		case err == nil:
			var out Outcome
			if jsonErr := json.Unmarshal(data, &out); jsonErr == nil {
				return &out, true, nil
			}
		case !errors.Is(err, redis.Nil):
			logger.FromContext(ctx).WithError(err).Warn("idempotency cache unavailable")
		}
	}

	rec, err := g.store.Find(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	out := &Outcome{StatusCode: rec.StatusCode, Body: rec.Response}
	g.cache(ctx, key, out)
	return out, true, nil
}

// Claim marks key as in flight. It returns false when another delivery of the
// same bytes holds the claim.
func (g *Guard) Claim(ctx context.Context, key string) bool {
	if g.redis == nil {
		return true
	}
	ok, err := g.redis.SetNX(ctx, claimPrefix+key, time.Now().UTC().Format(time.RFC3339Nano), g.claimTTL).Result()
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warn("idempotency claim unavailable, continuing without it")
		return true
	}
	return ok
}

func (g *Guard) Release(ctx context.Context, key string) {
	if g.redis == nil {
		return
	}
	if err := g.redis.Del(ctx, claimPrefix+key).Err(); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("failed to release idempotency claim")
	}
}

// Cacheable reports whether an outcome with this status is remembered.
// Failures stay replayable.
func Cacheable(status int) bool {
	return status == http.StatusOK || status == http.StatusAccepted
}

// Complete records the final outcome and releases the claim.
func (g *Guard) Complete(ctx context.Context, key, source string, status int, body []byte) error {
	defer g.Release(ctx, key)
	if !Cacheable(status) {
		return nil
	}
	rec := &Record{Key: key, Source: source, StatusCode: status, Response: body}
	if err := g.store.Insert(ctx, rec); err != nil {
		return fmt.Errorf("persist idempotency record: %w", err)
	}
	g.cache(ctx, key, &Outcome{StatusCode: status, Body: body})
	return nil
}

func (g *Guard) cache(ctx context.Context, key string, out *Outcome) {
	if g.redis == nil {
		return
	}
	data, err := json.Marshal(out)
	if err != nil {
		return
	}
	if err := g.redis.Set(ctx, cachePrefix+key, data, g.cacheTTL).Err(); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("failed to cache idempotency outcome")
	}
}
