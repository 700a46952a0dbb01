package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of Redis commands the store needs.
type RedisClient interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// GetDel returns ok=false when the key does not exist.
	GetDel(ctx context.Context, key string) (string, bool, error)
	// DeleteIfToken deletes key when its JSON value carries token.
	DeleteIfToken(ctx context.Context, key, token string) (bool, error)
}

// RealRedisClient adapts go-redis to RedisClient.
type RealRedisClient struct {
	client *redis.Client
}

// NewRealRedisClient parses a redis:// URL.
func NewRealRedisClient(url string) (*RealRedisClient, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RealRedisClient{client: redis.NewClient(opt)}, nil
}

// Ping checks connectivity.
func (c *RealRedisClient) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (c *RealRedisClient) Close() error {
	return c.client.Close()
}

func (c *RealRedisClient) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RealRedisClient) GetDel(ctx context.Context, key string) (string, bool, error) {
	v, err := c.client.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

var deleteIfToken = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
	return 0
end
local ok, doc = pcall(cjson.decode, v)
if ok and type(doc) == 'table' and doc.token == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

func (c *RealRedisClient) DeleteIfToken(ctx context.Context, key, token string) (bool, error) {
	n, err := deleteIfToken.Run(ctx, c.client, []string{key}, token).Int()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RedisStore shares slots between replicas and keeps them across restarts.
type RedisStore struct {
	client RedisClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore builds a Store on client. Keys are prefix:pending:bot:user.
func NewRedisStore(client RedisClient, prefix string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "botrunner"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, now: time.Now}
}

// WithClock replaces the time source. Intended for tests.
func (s *RedisStore) WithClock(now func() time.Time) *RedisStore {
	s.now = now
	return s
}

func (s *RedisStore) redisKey(key Key) string {
	return s.prefix + ":pending:" + key.String()
}

func (s *RedisStore) Set(ctx context.Context, key Key, p Pending) error {
	p = stamp(p, s.now(), s.ttl)
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pending: %w", err)
	}
	if err := s.client.Set(ctx, s.redisKey(key), string(data), s.ttl); err != nil {
		return fmt.Errorf("redis set pending: %w", err)
	}
	return nil
}

func (s *RedisStore) Take(ctx context.Context, key Key) (Pending, bool, error) {
	raw, ok, err := s.client.GetDel(ctx, s.redisKey(key))
	if err != nil {
		return Pending{}, false, fmt.Errorf("redis take pending: %w", err)
	}
	if !ok {
		return Pending{}, false, nil
	}
	var p Pending
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Pending{}, false, fmt.Errorf("decode pending: %w", err)
	}
	if p.Expired(s.now()) {
		return Pending{}, false, nil
	}
	return p, true, nil
}

func (s *RedisStore) Discard(ctx context.Context, key Key, token string) (bool, error) {
	ok, err := s.client.DeleteIfToken(ctx, s.redisKey(key), token)
	if err != nil {
		return false, fmt.Errorf("redis discard pending: %w", err)
	}
	return ok, nil
}
