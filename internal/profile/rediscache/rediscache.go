// Package rediscache provides a read-through Redis cache in front of a profile.Store.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/switchboard/internal/profile"
	"github.com/linnemanlabs/switchboard/internal/ticket"
)

// DefaultTTL is how long a cached profile stays valid.
const DefaultTTL = 10 * time.Minute

const keyPrefix = "switchboard:profile:"

// Cache serves profiles from Redis and falls back to the backing store on a
// miss. Redis errors never fail a lookup; they only bypass the cache.
type Cache struct {
	client  redis.UniversalClient
	backing profile.Store
	ttl     time.Duration
	logger  log.Logger
}

// New wraps backing with a Redis cache.
func New(client redis.UniversalClient, backing profile.Store, ttl time.Duration, logger log.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Cache{client: client, backing: backing, ttl: ttl, logger: logger}
}

// Key returns the Redis key for a customer.
func Key(customerID string) string { return keyPrefix + customerID }

// Get implements profile.Store.
func (c *Cache) Get(ctx context.Context, customerID string) (ticket.Profile, bool, error) {
	key := Key(customerID)

	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var p ticket.Profile
		if uerr := json.Unmarshal(data, &p); uerr == nil {
			return p, true, nil
		}
		c.logger.Warn(ctx, "discarding corrupt cached profile", "key", key)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn(ctx, "profile cache read failed", "key", key, "err", err)
	}

	p, ok, err := c.backing.Get(ctx, customerID)
	if err != nil || !ok {
		return p, ok, err
	}

	if b, merr := json.Marshal(p); merr == nil {
		if serr := c.client.Set(ctx, key, b, c.ttl).Err(); serr != nil {
			c.logger.Warn(ctx, "profile cache write failed", "key", key, "err", serr)
		}
	}
	return p, true, nil
}

// Invalidate drops the cached profile for customerID.
func (c *Cache) Invalidate(ctx context.Context, customerID string) error {
	return c.client.Del(ctx, Key(customerID)).Err()
}
