// Package data provides the broker client and supporting data components.
package data

import (
	"context"
	"time"

	"RelayGuard/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient creates a new Redis client with connection pool configuration.
// It returns the client and a cleanup function. Connection failure does not
// prevent application startup (graceful degradation).
func NewRedisClient(c *conf.Data, logger log.Logger) (*redis.Client, func()) {
	helper := log.NewHelper(logger)

	// Validate configuration
	if c == nil || c.Redis == nil || c.Redis.Addr == "" {
		helper.Warn("redis configuration is missing, skipping redis initialization")
		return nil, func() {}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:            c.Redis.Addr,
		PoolSize:        100,
		MinIdleConns:    10,
		DialTimeout:     3 * time.Second,
		ReadTimeout:     c.Redis.ReadTimeout,
		WriteTimeout:    c.Redis.WriteTimeout,
		ConnMaxIdleTime: 5 * time.Minute,
	})

	// Health check: verify connection with ping
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		helper.Warnf("failed to connect to redis at %s: %v (application will continue without broker)", c.Redis.Addr, err)
	} else {
		helper.Infof("successfully connected to redis at %s", c.Redis.Addr)
	}

	cleanup := func() {
		helper.Info("closing redis client")
		if err := rdb.Close(); err != nil {
			helper.Errorf("failed to close redis client: %v", err)
		}
	}

	return rdb, cleanup
}
