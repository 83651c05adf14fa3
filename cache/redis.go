package cache

import (
	"context"
	"encoding/json"
	"errors"
	log "log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options configures a redis-backed L2 cache connection.
type Options struct {
	Address                  string
	Password                 string
	DB                       int
	DefaultDurationInSeconds int
}

// GetDefaultDuration returns the configured default TTL as a time.Duration.
func (opt *Options) GetDefaultDuration() time.Duration {
	return time.Duration(opt.DefaultDurationInSeconds) * time.Second
}

// DefaultOptions returns sane localhost defaults, matching the teacher's L2 cache default.
func DefaultOptions() Options {
	return Options{
		Address:                  "localhost:6379",
		DB:                       0,
		DefaultDurationInSeconds: 24 * 60 * 60,
	}
}

// L2 is the out-of-process cache surface the row cache (rowcache.go) falls back to on an L1
// (in-process MRU) miss.
type L2 interface {
	Set(ctx context.Context, key string, value string, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	SetStruct(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	GetStruct(ctx context.Context, key string, target interface{}) error
	Delete(ctx context.Context, keys ...string) error
	KeyNotFound(err error) bool
}

// Connection is an L2 backed by Redis.
type Connection struct {
	Client  *redis.Client
	Options Options
}

// NewClient dials Redis per options and returns it as an L2.
func NewClient(options Options) L2 {
	client := redis.NewClient(&redis.Options{
		Addr:     options.Address,
		Password: options.Password,
		DB:       options.DB,
	})
	return &Connection{Client: client, Options: options}
}

// Ping tests connectivity.
func (c *Connection) Ping(ctx context.Context) error {
	_, err := c.Client.Ping(ctx).Result()
	return err
}

func (c *Connection) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	if expiration < 0 {
		expiration = c.Options.GetDefaultDuration()
	}
	return c.Client.Set(ctx, key, value, expiration).Err()
}

func (c *Connection) Get(ctx context.Context, key string) (string, error) {
	return c.Client.Get(ctx, key).Result()
}

func (c *Connection) SetStruct(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if expiration < 0 {
		expiration = c.Options.GetDefaultDuration()
	}
	return c.Client.Set(ctx, key, b, expiration).Err()
}

func (c *Connection) GetStruct(ctx context.Context, key string, target interface{}) error {
	s, err := c.Client.Get(ctx, key).Result()
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(s), target)
}

func (c *Connection) Delete(ctx context.Context, keys ...string) error {
	if err := c.Client.Del(ctx, keys...).Err(); err != nil {
		log.Warn("redis delete failed", "keys", keys, "error", err)
		return err
	}
	return nil
}

// KeyNotFound reports whether err is Redis's "no such key" sentinel.
func (c *Connection) KeyNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}
