package domain

import (
	"context"
	"time"
)

// Cache is a byte-oriented key/value store with account helpers layered on
// top. Get reports a missing key as nil, nil. Implementations live in
// internal/cache.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	GetAccount(ctx context.Context, accountID string) (*Account, error)
	SetAccount(ctx context.Context, account *Account, ttl time.Duration) error

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig selects and sizes the account cache.
type CacheConfig struct {
	Type string `mapstructure:"type" validate:"oneof=memory redis"`

	// LocalMaxSize caps the in-process LRU; LocalTTL (seconds) bounds how
	// long it holds an entry copied from Redis.
	LocalMaxSize int `mapstructure:"localmaxsize"`
	LocalTTL     int `mapstructure:"localttl"`

	// AccountTTL is how long resolved accounts stay cached, in seconds.
	AccountTTL int `mapstructure:"accountttl" validate:"min=0"`

	RedisAddr     string `mapstructure:"redisaddr"`
	RedisPassword string `mapstructure:"redispassword"`
	RedisDB       int    `mapstructure:"redisdb"`

	// EnableTwoPhase puts the local LRU in front of Redis.
	EnableTwoPhase bool `mapstructure:"enabletwophase"`
}
