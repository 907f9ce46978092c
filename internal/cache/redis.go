package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// RedisCache stores entries in Redis under the "kestrel:" namespace. It is
// the Pro tier cache and the L2 of TwoPhaseCache.
type RedisCache struct {
	rdb *redis.Client
}

func namespaced(key string) string { return "kestrel:" + key }

// NewRedisCache connects to cfg.RedisAddr and fails unless the server
// answers PING within five seconds.
func NewRedisCache(cfg domain.CacheConfig) (*RedisCache, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return &RedisCache{rdb: rdb}, nil
}

// Get returns nil, nil when the key does not exist.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, namespaced(key)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return b, nil
}

// Set writes value; a non-positive ttl stores it without expiry.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return c.rdb.Set(ctx, namespaced(key), value, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, namespaced(key)).Err()
}

func (c *RedisCache) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	return loadAccount(ctx, c, accountID)
}

func (c *RedisCache) SetAccount(ctx context.Context, account *domain.Account, ttl time.Duration) error {
	return storeAccount(ctx, c, account, ttl)
}

// GetAccounts issues one MGET for all of accountIDs. The result is aligned
// with accountIDs and holds nil for each miss.
func (c *RedisCache) GetAccounts(ctx context.Context, accountIDs []string) ([]*domain.Account, error) {
	if len(accountIDs) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(accountIDs))
	for _, id := range accountIDs {
		keys = append(keys, namespaced(AccountKey(id)))
	}

	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget accounts: %w", err)
	}
	accounts := make([]*domain.Account, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue // nil reply: not cached
		}
		if accounts[i], err = decodeAccount([]byte(raw)); err != nil {
			return nil, err
		}
	}
	return accounts, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.rdb.Close()
}
