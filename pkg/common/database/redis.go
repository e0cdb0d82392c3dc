package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/synaptica-ai/intake/pkg/common/config"
	"github.com/synaptica-ai/intake/pkg/common/logger"
)

// NewRedis returns a client for the idempotency claim and chart sequencer.
// A failed ping is reported but the client is still returned: both callers
// degrade per command, and redis may come up after the service does.
func NewRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort),
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return client, fmt.Errorf("redis ping %s: %w", client.Options().Addr, err)
	}
	logger.Log.WithField("addr", client.Options().Addr).Info("Connected to Redis")
	return client, nil
}
