package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseIfOwner removes KEYS[1] only while it still holds ARGV[1].
var releaseIfOwner = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (c *Client) Set(ctx context.Context, k string, value any, ttl time.Duration) error {
	store, err := c.cmd()
	if err != nil {
		return err
	}
	return store.Set(ctx, k, value, ttl).Err()
}

// Get returns the string at k; a missing key yields redis.Nil.
func (c *Client) Get(ctx context.Context, k string) (string, error) {
	store, err := c.cmd()
	if err != nil {
		return "", err
	}
	return store.Get(ctx, k).Result()
}

func (c *Client) SetNX(ctx context.Context, k string, value any, ttl time.Duration) (bool, error) {
	store, err := c.cmd()
	if err != nil {
		return false, err
	}
	return store.SetNX(ctx, k, value, ttl).Result()
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	store, err := c.cmd()
	if err != nil {
		return err
	}
	return store.Del(ctx, keys...).Err()
}

// DeleteIfValue deletes k when it still holds value and reports whether it
// did.
func (c *Client) DeleteIfValue(ctx context.Context, k, value string) (bool, error) {
	store, err := c.cmd()
	if err != nil {
		return false, err
	}
	removed, err := releaseIfOwner.Run(ctx, store, []string{k}, value).Int64()
	return removed > 0, err
}

// IncrWithTTL increments k and arms ttl on the first increment only, so the
// window is anchored to the first hit.
func (c *Client) IncrWithTTL(ctx context.Context, k string, ttl time.Duration) (int64, error) {
	store, err := c.cmd()
	if err != nil {
		return 0, err
	}
	n, err := store.Incr(ctx, k).Result()
	if err != nil || n != 1 || ttl <= 0 {
		return n, err
	}
	return n, store.Expire(ctx, k, ttl).Err()
}

// FixedWindowAllow counts one hit against scope and reports whether the
// count is still within limit.
func (c *Client) FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error) {
	n, err := c.IncrWithTTL(ctx, c.RateLimitKey(scope), window)
	if err != nil {
		return false, 0, err
	}
	return n <= limit, n, nil
}
