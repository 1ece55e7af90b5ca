package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript increments a counter and sets its absolute expiry only when the
// increment created the key, keeping both steps atomic.
var incrScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIREAT', KEYS[1], ARGV[1])
end
return count
`)

// RedisCounter stores window counters in Redis so every process shares them.
type RedisCounter struct {
	client   *redis.Client
	scanSize int64
}

// NewRedisCounter wraps client.
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client, scanSize: 100}
}

// Incr implements Counter.
func (c *RedisCounter) Incr(ctx context.Context, key string, expireAt time.Time) (int64, error) {
	n, err := incrScript.Run(ctx, c.client, []string{key}, expireAt.UnixMilli()).Int64()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return n, nil
}

// Get implements Counter.
func (c *RedisCounter) Get(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", key, err)
	}
	return n, nil
}

// globEscaper quotes the characters SCAN MATCH treats as pattern syntax.
var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// DeletePrefix implements Counter. The prefix is matched literally, so a
// tenant id holding glob characters cannot reach other tenants' keys.
func (c *RedisCounter) DeletePrefix(ctx context.Context, prefix string) error {
	pattern := globEscaper.Replace(prefix) + "*"
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, c.scanSize).Result()
		if err != nil {
			return fmt.Errorf("scan %s: %w", pattern, err)
		}
		matched := keys[:0]
		for _, k := range keys {
			if strings.HasPrefix(k, prefix) {
				matched = append(matched, k)
			}
		}
		if len(matched) > 0 {
			if err := c.client.Del(ctx, matched...).Err(); err != nil {
				return fmt.Errorf("delete %d keys: %w", len(matched), err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
