package data

import (
	"github.com/go-kratos/kratos/v2/log"
	lru "github.com/hashicorp/golang-lru/v2"
)

// fallbackCacheSize bounds the number of cached last-good responses.
const fallbackCacheSize = 512

// LastGoodCache keeps the most recent successful response per breaker key so
// the dispatcher can serve a cached value while a non-critical dependency is
// unavailable. In-process on purpose: the cache must work exactly when the
// broker does not.
type LastGoodCache struct {
	cache  *lru.Cache[string, []byte]
	logger *log.Helper
}

// NewFallbackCache creates the bounded last-good response cache.
func NewFallbackCache(logger log.Logger) (*LastGoodCache, error) {
	c, err := lru.New[string, []byte](fallbackCacheSize)
	if err != nil {
		return nil, err
	}
	return &LastGoodCache{
		cache:  c,
		logger: log.NewHelper(logger),
	}, nil
}

// Get returns the cached response for a breaker key.
func (c *LastGoodCache) Get(key string) ([]byte, bool) {
	return c.cache.Get(key)
}

// Add stores the latest successful response for a breaker key.
func (c *LastGoodCache) Add(key string, value []byte) {
	c.cache.Add(key, value)
}
