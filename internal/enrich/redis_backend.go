package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores entries as JSON strings with native key expiry and
// takes locks with SET NX.
type RedisBackend struct {
	client *redis.Client
}

// renewLockScript extends a lock still held by the token, or re-takes a key
// that expired without another owner.
var renewLockScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if not current then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
return 0
`)

var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func NewRedisBackend(dsn string) (*RedisBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, err
	}
	return NewRedisBackendWithClient(redis.NewClient(opts)), nil
}

func NewRedisBackendWithClient(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) Get(ctx context.Context, key string) (CacheEntry, bool, error) {
	data, err := b.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, err
	}
	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return CacheEntry{}, false, err
	}
	return entry, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, entry CacheEntry, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidInput
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return b.client.Set(ctx, key, data, ttl).Err()
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		return "", false, ErrInvalidInput
	}
	token := newLockToken()
	acquired, err := b.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !acquired {
		return "", false, err
	}
	return token, true, nil
}

func (b *RedisBackend) Renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if ttl <= 0 || token == "" {
		return false, ErrInvalidInput
	}
	n, err := renewLockScript.Run(ctx, b.client, []string{key}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (b *RedisBackend) Release(ctx context.Context, key, token string) error {
	return releaseLockScript.Run(ctx, b.client, []string{key}, token).Err()
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
