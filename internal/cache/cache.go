// Package cache holds the best-effort allocated_cpus counter: a
// single atomic integer in Redis, reconciled periodically against the
// durable store, which stays the source of truth.
package cache

import (
	"context"

	goredis "github.com/redis/go-redis/v9"
)

const allocatedCPUsKey = "resource:allocated_cpus"

type AllocatedCPUsCache interface {
	Get(ctx context.Context) (int, bool, error)
	Set(ctx context.Context, v int) error
	Incr(ctx context.Context, delta int) (int64, error)
	// Decr floors the counter at zero; a release can never drive
	// consumed capacity negative.
	Decr(ctx context.Context, delta int) (int64, error)
}

type redisCache struct {
	rdb *goredis.Client
}

func New(rdb *goredis.Client) AllocatedCPUsCache {
	return &redisCache{rdb: rdb}
}

func (c *redisCache) Get(ctx context.Context) (int, bool, error) {
	v, err := c.rdb.Get(ctx, allocatedCPUsKey).Int()
	if err == goredis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func (c *redisCache) Set(ctx context.Context, v int) error {
	return c.rdb.Set(ctx, allocatedCPUsKey, v, 0).Err()
}

func (c *redisCache) Incr(ctx context.Context, delta int) (int64, error) {
	if delta == 0 {
		v, _, err := c.Get(ctx)
		return int64(v), err
	}
	return c.rdb.IncrBy(ctx, allocatedCPUsKey, int64(delta)).Result()
}

// Decr uses a small Lua script so the floor-at-zero check and the
// decrement happen atomically — otherwise two concurrent releases
// could both read a small positive value and both subtract, driving
// the counter negative.
var decrFloorScript = goredis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local delta = tonumber(ARGV[1])
local next = cur - delta
if next < 0 then next = 0 end
redis.call("SET", KEYS[1], next)
return next
`)

func (c *redisCache) Decr(ctx context.Context, delta int) (int64, error) {
	if delta <= 0 {
		v, _, err := c.Get(ctx)
		return int64(v), err
	}
	res, err := decrFloorScript.Run(ctx, c.rdb, []string{allocatedCPUsKey}, delta).Result()
	if err != nil {
		return 0, err
	}
	switch n := res.(type) {
	case int64:
		return n, nil
	default:
		return 0, nil
	}
}
