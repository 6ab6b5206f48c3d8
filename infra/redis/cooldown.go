// Package redis stores saturation cooldowns in Redis so several engine
// instances share the same view of which contractors are cooling down.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Config selects the Redis instance.
type Config struct {
	URL    string `json:"url"`
	Prefix string `json:"prefix"`
}

func (c *Config) SetDefaults() {
	if c.Prefix == "" {
		c.Prefix = "leadalloc:cooldown:"
	}
}

func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("redis: url is required")
	}
	if _, err := goredis.ParseURL(c.URL); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

// startScript only replaces a cooldown whose end is not after now.
var startScript = goredis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and tonumber(cur) > tonumber(ARGV[1]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// CooldownStore implements balancer.CooldownStore. The cooldown end is stored
// as unix milliseconds so callers with their own clock get consistent answers;
// the key TTL only reclaims memory.
type CooldownStore struct {
	rdb    goredis.UniversalClient
	prefix string
}

// NewClient opens a client from cfg.URL.
func NewClient(cfg Config) (*goredis.Client, error) {
	opt, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return goredis.NewClient(opt), nil
}

// NewCooldownStore wraps an existing client.
func NewCooldownStore(rdb goredis.UniversalClient, cfg Config) *CooldownStore {
	cfg.SetDefaults()
	return &CooldownStore{rdb: rdb, prefix: cfg.Prefix}
}

func (s *CooldownStore) key(id string) string { return s.prefix + id }

func (s *CooldownStore) Start(ctx context.Context, contractorID string, now time.Time, d time.Duration) (bool, error) {
	if d <= 0 {
		return false, nil
	}
	end := now.Add(d)
	ttl := d.Milliseconds()
	if ttl < 1 {
		ttl = 1
	}
	n, err := startScript.Run(ctx, s.rdb, []string{s.key(contractorID)},
		now.UnixMilli(), end.UnixMilli(), ttl).Int()
	if err != nil {
		return false, fmt.Errorf("start cooldown %s: %w", contractorID, err)
	}
	return n == 1, nil
}

func (s *CooldownStore) Active(ctx context.Context, contractorID string, now time.Time) (bool, error) {
	v, err := s.rdb.Get(ctx, s.key(contractorID)).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read cooldown %s: %w", contractorID, err)
	}
	end, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return false, fmt.Errorf("decode cooldown %s: %w", contractorID, err)
	}
	return now.UnixMilli() < end, nil
}

// Ping checks connectivity.
func (s *CooldownStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *CooldownStore) Close() error { return s.rdb.Close() }
