package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/synth"
)

var (
	// ErrTrainingInProgress is returned when a retrain is requested while
	// another one is running.
	ErrTrainingInProgress = errors.New("training already in progress")

	// ErrNoTrainingData is returned when the repository has no labeled
	// transactions and synthetic bootstrap is off.
	ErrNoTrainingData = errors.New("no labeled transactions")
)

// TrainRequest selects the training set for a retrain.
type TrainRequest struct {
	// Since limits repository transactions to those at or after it.
	Since time.Time `json:"since"`

	// Synthetic trains on a generated dataset even if labeled data exists.
	Synthetic bool `json:"synthetic"`
}

// Trainer loads a training set, fits a model and installs it in a Registry.
// One retrain runs at a time.
type Trainer struct {
	cfg      *domain.Config
	repo     domain.Repository
	registry *Registry
	now      func() time.Time

	mu sync.Mutex
}

// NewTrainer creates a trainer. repo may be nil, in which case only
// synthetic training is possible.
func NewTrainer(cfg *domain.Config, repo domain.Repository, registry *Registry) *Trainer {
	return &Trainer{
		cfg:      cfg,
		repo:     repo,
		registry: registry,
		now:      time.Now,
	}
}

// Retrain fits a new model and swaps it in. The previous model keeps serving
// until the swap and stays active if training fails.
func (t *Trainer) Retrain(ctx context.Context, req TrainRequest) (*Model, error) {
	if !t.mu.TryLock() {
		return nil, ErrTrainingInProgress
	}
	defer t.mu.Unlock()

	txs, accounts, labels, source, err := t.load(ctx, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	model, err := Train(ctx, t.cfg, txs, accounts, labels)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)
	metrics.ObserveTraining(elapsed, model.TrainedAt)

	prev := t.registry.Swap(model)
	attrs := []any{
		"model_id", model.ID,
		"source", source,
		"rows", len(txs),
		"duration_ms", elapsed.Milliseconds(),
	}
	if prev != nil {
		attrs = append(attrs, "replaced", prev.ID)
	}
	slog.Info("model installed", attrs...)
	return model, nil
}

func (t *Trainer) load(ctx context.Context, req TrainRequest) (txs []domain.Transaction, accounts []domain.Account, labels []int, source string, err error) {
	if !req.Synthetic && t.repo != nil {
		txs, labels, err = t.repo.ListLabeledTransactions(ctx, req.Since)
		if err != nil {
			return nil, nil, nil, "", fmt.Errorf("list labeled transactions: %w", err)
		}
		if len(txs) > 0 {
			accounts, err = t.repo.ListAccounts(ctx)
			if err != nil {
				return nil, nil, nil, "", fmt.Errorf("list accounts: %w", err)
			}
			return txs, accounts, labels, "repository", nil
		}
	}

	if !req.Synthetic && !t.cfg.Training.BootstrapSynthetic {
		return nil, nil, nil, "", ErrNoTrainingData
	}

	ds, err := t.synthesize(ctx)
	if err != nil {
		return nil, nil, nil, "", err
	}
	return ds.Transactions, ds.Accounts, ds.Labels, "synthetic", nil
}

// synthesize generates a labeled dataset and, with a repository configured,
// stores it so later requests can resolve its accounts.
func (t *Trainer) synthesize(ctx context.Context) (*synth.Dataset, error) {
	sc := t.cfg.Synthetic
	ds, err := synth.NewSeeded(sc.Seed, t.now().UTC()).Generate(synth.Config{
		Accounts:        sc.Accounts,
		Transactions:    sc.Transactions,
		SuspiciousRatio: sc.SuspiciousRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("generate synthetic dataset: %w", err)
	}

	slog.Info("generated synthetic training set",
		"accounts", len(ds.Accounts),
		"transactions", len(ds.Transactions),
		"suspicious", ds.Positives(),
	)

	if t.repo != nil {
		if err := t.repo.SaveAccounts(ctx, ds.Accounts); err != nil {
			return nil, fmt.Errorf("store synthetic accounts: %w", err)
		}
		if err := t.repo.SaveTransactions(ctx, ds.Transactions, ds.Labels); err != nil {
			return nil, fmt.Errorf("store synthetic transactions: %w", err)
		}
	}
	return ds, nil
}
