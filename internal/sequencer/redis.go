package sequencer

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisCounter is a shared counter backed by Redis INCR.
type RedisCounter struct {
	client *redis.Client
}

// NewRedisCounter creates a counter over client.
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

// Incr atomically increments key.
func (c *RedisCounter) Incr(ctx context.Context, key string) (int64, error) {
	return c.client.Incr(ctx, key).Result()
}

// raiseTo sets KEYS[1] to ARGV[1] unless it already holds a larger value.
var raiseTo = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local floor = tonumber(ARGV[1])
if cur < floor then
	redis.call("SET", KEYS[1], floor)
end
return 0
`)

// Raise lifts key to at least floor.
func (c *RedisCounter) Raise(ctx context.Context, key string, floor int64) error {
	return raiseTo.Run(ctx, c.client, []string{key}, floor).Err()
}

// Name returns the backend name.
func (c *RedisCounter) Name() string {
	return "redis"
}
