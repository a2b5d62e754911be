package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the list the Redis sink writes to.
const DefaultRedisKey = "dispatchd:journal"

// RedisSink keeps the newest entries in a capped Redis list.
type RedisSink struct {
	client     *redis.Client
	key        string
	maxEntries int64
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	URL        string // redis://host:port/db
	Password   string
	Key        string
	MaxEntries int
}

// OpenRedis connects to Redis and verifies the connection.
func OpenRedis(cfg RedisConfig) (*RedisSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("journal: redis url not configured")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("journal: invalid redis url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.MaxRetries = 3

	c := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("journal: redis connection failed: %w", err)
	}
	log.Println("[Journal] ✅ Redis connected")
	return NewRedisSink(c, cfg.Key, cfg.MaxEntries), nil
}

// NewRedisSink wraps an existing client. maxEntries <= 0 means 1000.
func NewRedisSink(c *redis.Client, key string, maxEntries int) *RedisSink {
	if key == "" {
		key = DefaultRedisKey
	}
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &RedisSink{client: c, key: key, maxEntries: int64(maxEntries)}
}

// Record pushes e and trims the list.
func (s *RedisSink) Record(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key, data)
	pipe.LTrim(ctx, s.key, 0, s.maxEntries-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("journal push: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *RedisSink) Recent(ctx context.Context, limit int) ([]Entry, error) {
	raw, err := s.client.LRange(ctx, s.key, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(raw))
	for _, r := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			log.Printf("[Journal] skipping malformed redis entry: %v", err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Close closes the client.
func (s *RedisSink) Close() error { return s.client.Close() }
