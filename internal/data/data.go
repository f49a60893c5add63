// Package data provides the broker client and supporting data components.
package data

import (
	"RelayGuard/internal/biz"
	"RelayGuard/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
	"github.com/redis/go-redis/v9"
)

// ProviderSet is data providers.
var ProviderSet = wire.NewSet(
	NewData,
	NewRedisClient,
	NewBrokerTransport,
	NewFallbackCache,
	wire.Bind(new(biz.Transport), new(*BrokerTransport)),
	wire.Bind(new(biz.FallbackCache), new(*LastGoodCache)),
)

// Data contains data layer dependencies.
type Data struct {
	// redisClient is the broker client
	redisClient *redis.Client
}

// NewData creates a new Data instance. Broker connection failure does not
// prevent application startup (graceful degradation).
func NewData(_ *conf.Data, logger log.Logger, rdb *redis.Client) (*Data, func(), error) {
	helper := log.NewHelper(logger)

	if rdb == nil {
		helper.Warn("redis client is nil, broker transport will be unavailable")
	}

	d := &Data{
		redisClient: rdb,
	}

	cleanup := func() {
		helper.Info("closing the data resources")
		// Redis cleanup is handled by NewRedisClient's cleanup function
	}

	return d, cleanup, nil
}

// GetRedisClient returns the broker client for advanced operations.
func (d *Data) GetRedisClient() *redis.Client {
	return d.redisClient
}
