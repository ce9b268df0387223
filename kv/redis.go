package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection pool settings for NewRedisClient.
type RedisConfig struct {
	URL                 string
	MaxConnections      int
	ConnectTimeout      time.Duration
	SocketTimeout       time.Duration
	HealthCheckInterval time.Duration
	RetryOnTimeout      bool
}

// NewRedisClient builds a pooled client from cfg.URL and applies the pool
// limits and timeouts on top of what the URL specifies.
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	url := cfg.URL
	if url == "" {
		url = "redis://localhost:6379/0"
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.MaxConnections > 0 {
		opt.PoolSize = cfg.MaxConnections
	}
	if cfg.ConnectTimeout > 0 {
		opt.DialTimeout = cfg.ConnectTimeout
	}
	if cfg.SocketTimeout > 0 {
		opt.ReadTimeout = cfg.SocketTimeout
		opt.WriteTimeout = cfg.SocketTimeout
	}
	if cfg.HealthCheckInterval > 0 {
		opt.ConnMaxIdleTime = cfg.HealthCheckInterval
	}
	if cfg.RetryOnTimeout {
		opt.MaxRetries = 2
	} else {
		opt.MaxRetries = -1
	}
	return redis.NewClient(opt), nil
}

const moveScript = `
local ttl = redis.call("PTTL", KEYS[1])
if ttl == -2 then
  return 0
end
local value = redis.call("GET", KEYS[1])
redis.call("DEL", KEYS[1])
if ttl > 0 then
  redis.call("SET", KEYS[2], value, "PX", ttl)
else
  redis.call("SET", KEYS[2], value)
end
return 1
`

var moveLua = redis.NewScript(moveScript)

const incrWindowScript = `
local n = redis.call("INCR", KEYS[1])
if redis.call("PTTL", KEYS[1]) < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`

var incrWindowLua = redis.NewScript(incrWindowScript)

// updateAttempts bounds optimistic retries when a watched key changes
// between the read and the EXEC.
const updateAttempts = 8

// Redis is a Store backed by a go-redis client.
type Redis struct {
	client    redis.UniversalClient
	scanCount int64
}

// NewRedis wraps client. The caller keeps ownership of the client lifecycle
// unless Close is called.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client, scanCount: 1000}
}

// Client exposes the underlying client for health checks and tooling.
func (r *Redis) Client() redis.UniversalClient { return r.client }

func (r *Redis) wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return opErr(op, key, ErrNotFound)
	}
	if strings.HasPrefix(err.Error(), "WRONGTYPE") {
		return opErr(op, key, fmt.Errorf("%w: %v", ErrWrongType, err))
	}
	return opErr(op, key, fmt.Errorf("%w: %v", ErrUnavailable, err))
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, r.wrap("get", key, err)
	}
	return b, nil
}

func (r *Redis) SetEX(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return r.wrap("setex", key, r.client.Set(ctx, key, value, ttl).Err())
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.wrap("delete", keys[0], r.client.Del(ctx, keys...).Err())
}

func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, r.wrap("incr", key, err)
	}
	return n, nil
}

// IncrWindow increments key and, in the same script, gives it window as
// expiry when it has none.
func (r *Redis) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := incrWindowLua.Run(ctx, r.client, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, r.wrap("incr", key, err)
	}
	return n, nil
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.wrap("expire", key, r.client.Expire(ctx, key, ttl).Err())
}

// TTL returns the remaining lifetime of key, zero for keys without expiry.
func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := r.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, r.wrap("ttl", key, err)
	}
	switch {
	case d == -2*time.Nanosecond || d == -2*time.Millisecond:
		return 0, opErr("ttl", key, ErrNotFound)
	case d < 0:
		return 0, nil
	}
	return d, nil
}

func (r *Redis) SAdd(ctx context.Context, set string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.wrap("sadd", set, r.client.SAdd(ctx, set, args...).Err())
}

func (r *Redis) SRem(ctx context.Context, set string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.wrap("srem", set, r.client.SRem(ctx, set, args...).Err())
}

func (r *Redis) SMembers(ctx context.Context, set string) ([]string, error) {
	members, err := r.client.SMembers(ctx, set).Result()
	if err != nil {
		return nil, r.wrap("smembers", set, err)
	}
	return members, nil
}

// Scan walks the keyspace with SCAN and returns every key starting with prefix.
func (r *Redis) Scan(ctx context.Context, prefix string) ([]string, error) {
	var (
		cursor uint64
		out    []string
	)
	pattern := escapeGlob(prefix) + "*"
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, r.scanCount).Result()
		if err != nil {
			return nil, r.wrap("scan", prefix, err)
		}
		out = append(out, keys...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// Move renames src to dst in one script call, keeping the remaining TTL.
// Both keys must hash to the same slot on a cluster deployment.
func (r *Redis) Move(ctx context.Context, src, dst string) (bool, error) {
	n, err := moveLua.Run(ctx, r.client, []string{src, dst}).Int64()
	if err != nil {
		return false, r.wrap("move", src, err)
	}
	return n == 1, nil
}

// Update runs fn inside a WATCH/MULTI transaction on key and retries when
// another client writes the key first.
func (r *Redis) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	if ttl < 0 {
		ttl = 0
	}
	var fnErr error
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		next, err := fn(current)
		if err != nil {
			fnErr = err
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, ttl)
			return nil
		})
		return err
	}
	for attempt := 0; attempt < updateAttempts; attempt++ {
		fnErr = nil
		err := r.client.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return nil
		case fnErr != nil:
			return fnErr
		case errors.Is(err, redis.TxFailedErr):
			continue
		}
		return r.wrap("update", key, err)
	}
	return opErr("update", key, ErrConflict)
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.wrap("ping", "", r.client.Ping(ctx).Err())
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
