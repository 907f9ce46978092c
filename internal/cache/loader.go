package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// batchGetter is implemented by caches that can fetch many accounts in one
// round trip. Results align with the requested IDs; misses are nil.
type batchGetter interface {
	GetAccounts(ctx context.Context, accountIDs []string) ([]*domain.Account, error)
}

// AccountLoader is a read-through account source: the cache first, the
// repository for misses, and the cache refilled from what the repository
// returned. Cache failures are logged and read as misses.
type AccountLoader struct {
	cache domain.Cache
	repo  domain.AccountRepository
	ttl   time.Duration
}

// NewAccountLoader creates a loader caching accounts for ttl.
func NewAccountLoader(cache domain.Cache, repo domain.AccountRepository, ttl time.Duration) *AccountLoader {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &AccountLoader{cache: cache, repo: repo, ttl: ttl}
}

// GetAccount returns one account, or the repository's error for a miss.
func (l *AccountLoader) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	a, err := l.cache.GetAccount(ctx, accountID)
	if err != nil {
		slog.Warn("account cache read failed", "account_id", accountID, "error", err)
	}
	if a != nil {
		metrics.AccountLookups.WithLabelValues(metrics.LookupCacheHit).Inc()
		return a, nil
	}

	a, err = l.repo.GetAccount(ctx, accountID)
	if err != nil {
		metrics.AccountLookups.WithLabelValues(metrics.LookupNotFound).Inc()
		return nil, err
	}
	metrics.AccountLookups.WithLabelValues(metrics.LookupRepository).Inc()
	l.store(ctx, a)
	return a, nil
}

// GetAccounts resolves the distinct IDs among accountIDs. Unknown accounts
// are left out.
func (l *AccountLoader) GetAccounts(ctx context.Context, accountIDs []string) ([]domain.Account, error) {
	ids := distinct(accountIDs)
	accounts := make([]domain.Account, 0, len(ids))

	cached := l.fromCache(ctx, ids)
	var misses []string
	for i, id := range ids {
		if cached[i] != nil {
			accounts = append(accounts, *cached[i])
		} else {
			misses = append(misses, id)
		}
	}
	metrics.AccountLookups.WithLabelValues(metrics.LookupCacheHit).Add(float64(len(accounts)))
	if len(misses) == 0 {
		return accounts, nil
	}

	loaded, err := l.repo.GetAccounts(ctx, misses)
	if err != nil {
		return nil, err
	}
	for i := range loaded {
		l.store(ctx, &loaded[i])
	}
	metrics.AccountLookups.WithLabelValues(metrics.LookupRepository).Add(float64(len(loaded)))
	metrics.AccountLookups.WithLabelValues(metrics.LookupNotFound).Add(float64(max(0, len(misses)-len(loaded))))

	slog.Debug("accounts resolved",
		"requested", len(ids),
		"cache_hits", len(ids)-len(misses),
		"loaded", len(loaded),
	)
	return append(accounts, loaded...), nil
}

func (l *AccountLoader) fromCache(ctx context.Context, ids []string) []*domain.Account {
	if bg, ok := l.cache.(batchGetter); ok {
		out, err := bg.GetAccounts(ctx, ids)
		if err == nil && len(out) == len(ids) {
			return out
		}
		if err != nil {
			slog.Warn("account cache batch read failed", "error", err)
		}
		return make([]*domain.Account, len(ids))
	}

	out := make([]*domain.Account, len(ids))
	for i, id := range ids {
		a, err := l.cache.GetAccount(ctx, id)
		if err != nil {
			slog.Warn("account cache read failed", "account_id", id, "error", err)
			continue
		}
		out[i] = a
	}
	return out
}

func (l *AccountLoader) store(ctx context.Context, a *domain.Account) {
	if err := l.cache.SetAccount(ctx, a, l.ttl); err != nil {
		slog.Warn("account cache write failed", "account_id", a.ID, "error", err)
	}
}

func distinct(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
