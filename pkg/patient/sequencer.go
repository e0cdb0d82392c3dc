package patient

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/synaptica-ai/intake/pkg/common/logger"
	"github.com/synaptica-ai/intake/pkg/tenant"
)

// Sequencer hands out per-tenant chart numbers. Numbers may be skipped but a
// collision is caught by the (tenant, chart) unique index.
type Sequencer interface {
	Next(ctx context.Context) (int64, error)
}

type chartMaxer interface {
	MaxChartNumber(ctx context.Context) (int64, error)
}

// DBSequencer is max+1 over the tenant's patients.
type DBSequencer struct {
	repo chartMaxer
}

func NewDBSequencer(repo chartMaxer) *DBSequencer {
	return &DBSequencer{repo: repo}
}

func (s *DBSequencer) Next(ctx context.Context) (int64, error) {
	top, err := s.repo.MaxChartNumber(ctx)
	if err != nil {
		return 0, err
	}
	return top + 1, nil
}

// RedisSequencer uses INCR on a per-tenant counter seeded from the table max.
// When redis is unreachable it falls back to the database.
type RedisSequencer struct {
	client *redis.Client
	db     *DBSequencer
}

func NewRedisSequencer(client *redis.Client, repo chartMaxer) *RedisSequencer {
	return &RedisSequencer{client: client, db: NewDBSequencer(repo)}
}

func chartKey(ctx context.Context) (string, error) {
	id, err := tenant.IDFrom(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("intake:chart:%s", id), nil
}

func (s *RedisSequencer) Next(ctx context.Context) (int64, error) {
	key, err := chartKey(ctx)
	if err != nil {
		return 0, err
	}
	if s.client == nil {
		return s.db.Next(ctx)
	}

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warn("chart sequencer unavailable, using database max")
		return s.db.Next(ctx)
	}
	if exists == 0 {
		top, err := s.db.repo.MaxChartNumber(ctx)
		if err != nil {
			return 0, err
		}
		if err := s.client.SetNX(ctx, key, top, 0).Err(); err != nil {
			return s.db.Next(ctx)
		}
	}

	next, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warn("chart sequencer unavailable, using database max")
		return s.db.Next(ctx)
	}
	return next, nil
}
