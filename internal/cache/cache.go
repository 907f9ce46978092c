package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// defaultL1TTL bounds how stale the local tier of a TwoPhaseCache may get
// relative to Redis.
const defaultL1TTL = 5 * time.Minute

// New builds the cache selected by cfg. "memory" is a process-local LRU;
// "redis" is Redis alone, or Redis fronted by a local LRU when
// EnableTwoPhase is set.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	if cfg.Type == "memory" {
		return NewLRUCache(cfg.LocalMaxSize), nil
	}
	if cfg.Type != "redis" {
		return nil, fmt.Errorf("cache type %q is not supported", cfg.Type)
	}

	remote, err := NewRedisCache(cfg)
	if err != nil {
		return nil, err
	}
	if !cfg.EnableTwoPhase {
		return remote, nil
	}
	return newTwoPhase(NewLRUCache(cfg.LocalMaxSize), remote, time.Duration(cfg.LocalTTL)*time.Second), nil
}

// TwoPhaseCache reads through a local LRU (L1) to Redis (L2), which every
// worker shares. Writes go to both tiers; L1 entries never outlive l1TTL.
type TwoPhaseCache struct {
	l1    *LRUCache
	l2    *RedisCache
	l1TTL time.Duration
}

func newTwoPhase(l1 *LRUCache, l2 *RedisCache, l1TTL time.Duration) *TwoPhaseCache {
	if l1TTL <= 0 {
		l1TTL = defaultL1TTL
	}
	return &TwoPhaseCache{l1: l1, l2: l2, l1TTL: l1TTL}
}

func (c *TwoPhaseCache) Get(ctx context.Context, key string) ([]byte, error) {
	if v, err := c.l1.Get(ctx, key); err != nil || v != nil {
		return v, err
	}
	v, err := c.l2.Get(ctx, key)
	if err == nil && v != nil {
		// promote so the next read stays local
		_ = c.l1.Set(ctx, key, v, c.l1TTL)
	}
	return v, err
}

func (c *TwoPhaseCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	l1TTL := c.l1TTL
	if ttl > 0 && ttl < l1TTL {
		l1TTL = ttl
	}
	if err := c.l1.Set(ctx, key, value, l1TTL); err != nil {
		return err
	}
	return c.l2.Set(ctx, key, value, ttl)
}

func (c *TwoPhaseCache) Delete(ctx context.Context, key string) error {
	return errors.Join(c.l1.Delete(ctx, key), c.l2.Delete(ctx, key))
}

func (c *TwoPhaseCache) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	return loadAccount(ctx, c, accountID)
}

func (c *TwoPhaseCache) SetAccount(ctx context.Context, account *domain.Account, ttl time.Duration) error {
	return storeAccount(ctx, c, account, ttl)
}

// GetAccounts answers from L1 where it can and asks L2 for the remainder in
// one MGET. Accounts found in L2 are promoted to L1.
func (c *TwoPhaseCache) GetAccounts(ctx context.Context, accountIDs []string) ([]*domain.Account, error) {
	out := make([]*domain.Account, len(accountIDs))
	var missAt []int
	var ask []string
	for i, id := range accountIDs {
		a, err := c.l1.GetAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		if a != nil {
			out[i] = a
			continue
		}
		missAt = append(missAt, i)
		ask = append(ask, id)
	}
	if len(ask) == 0 {
		return out, nil
	}

	found, err := c.l2.GetAccounts(ctx, ask)
	if err != nil {
		return nil, err
	}
	for j, a := range found {
		if a != nil {
			out[missAt[j]] = a
			_ = c.l1.SetAccount(ctx, a, c.l1TTL)
		}
	}
	return out, nil
}

func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.l2.Ping(ctx); err != nil {
		return fmt.Errorf("redis tier: %w", err)
	}
	return c.l1.Ping(ctx)
}

func (c *TwoPhaseCache) Close() error {
	return errors.Join(c.l1.Close(), c.l2.Close())
}

// Stats reports the local tier.
func (c *TwoPhaseCache) Stats() LRUStats {
	return c.l1.Stats()
}

// AccountKey is the cache key an account is stored under.
func AccountKey(id string) string {
	return "account:" + id
}

// byteStore is the raw key/value half of domain.Cache.
type byteStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

func loadAccount(ctx context.Context, s byteStore, id string) (*domain.Account, error) {
	data, err := s.Get(ctx, AccountKey(id))
	if err != nil || data == nil {
		return nil, err
	}
	return decodeAccount(data)
}

func storeAccount(ctx context.Context, s byteStore, a *domain.Account, ttl time.Duration) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode account %s: %w", a.ID, err)
	}
	return s.Set(ctx, AccountKey(a.ID), data, ttl)
}

func decodeAccount(data []byte) (*domain.Account, error) {
	a := new(domain.Account)
	if err := json.Unmarshal(data, a); err != nil {
		return nil, fmt.Errorf("decode cached account: %w", err)
	}
	return a, nil
}
