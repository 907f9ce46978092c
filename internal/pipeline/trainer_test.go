package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func trainerConfig() *domain.Config {
	cfg := domain.DefaultConfig()
	cfg.Detectors.ForestTrees = 5
	cfg.Detectors.ForestMaxDepth = 6
	cfg.Detectors.BoostRounds = 10
	cfg.Detectors.IsolationTrees = 20
	cfg.Synthetic = domain.SyntheticConfig{Accounts: 50, Transactions: 500, SuspiciousRatio: 0.1, Seed: 3}
	return cfg
}

func sqliteRepo(t *testing.T) domain.Repository {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "kestrel.db"),
	})
	if err != nil {
		t.Fatalf("failed to open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestTrainer(t *testing.T) {
	ctx := context.Background()

	t.Run("NoDataWithoutBootstrap", func(t *testing.T) {
		cfg := trainerConfig()
		cfg.Training.BootstrapSynthetic = false
		registry := NewRegistry(nil)

		_, err := NewTrainer(cfg, sqliteRepo(t), registry).Retrain(ctx, TrainRequest{})
		if !errors.Is(err, ErrNoTrainingData) {
			t.Errorf("expected ErrNoTrainingData, got %v", err)
		}
		if registry.Current() != nil {
			t.Error("expected no model installed")
		}
	})

	t.Run("BootstrapThenRepository", func(t *testing.T) {
		cfg := trainerConfig()
		cfg.Training.BootstrapSynthetic = true
		repo := sqliteRepo(t)
		registry := NewRegistry(nil)
		trainer := NewTrainer(cfg, repo, registry)
		trainer.now = func() time.Time { return anchor }

		first, err := trainer.Retrain(ctx, TrainRequest{})
		if err != nil {
			t.Fatalf("bootstrap retrain failed: %v", err)
		}
		if registry.Current() != first {
			t.Error("expected bootstrap model installed")
		}

		stored, err := repo.ListAccounts(ctx)
		if err != nil || len(stored) != cfg.Synthetic.Accounts {
			t.Fatalf("expected synthetic accounts stored, got %d (%v)", len(stored), err)
		}

		// the stored synthetic set now serves as repository training data
		cfg.Training.BootstrapSynthetic = false
		second, err := trainer.Retrain(ctx, TrainRequest{})
		if err != nil {
			t.Fatalf("repository retrain failed: %v", err)
		}
		if second.ID == first.ID || registry.Current() != second {
			t.Error("expected a new model to replace the bootstrap model")
		}
		labeled, _, _ := repo.ListLabeledTransactions(ctx, time.Time{})
		if rows := second.Metrics.TrainRows + second.Metrics.HoldoutRows; rows != len(labeled) {
			t.Errorf("expected %d repository rows, trained on %d", len(labeled), rows)
		}
	})

	t.Run("SyntheticWithoutRepository", func(t *testing.T) {
		registry := NewRegistry(nil)
		if _, err := NewTrainer(trainerConfig(), nil, registry).Retrain(ctx, TrainRequest{Synthetic: true}); err != nil {
			t.Fatalf("synthetic retrain failed: %v", err)
		}
		if registry.Current() == nil {
			t.Error("expected model installed")
		}
	})

	t.Run("RejectsConcurrentRetrain", func(t *testing.T) {
		trainer := NewTrainer(trainerConfig(), nil, NewRegistry(nil))
		trainer.mu.Lock()
		defer trainer.mu.Unlock()

		if _, err := trainer.Retrain(ctx, TrainRequest{Synthetic: true}); !errors.Is(err, ErrTrainingInProgress) {
			t.Errorf("expected ErrTrainingInProgress, got %v", err)
		}
	})

	t.Run("FailureKeepsPreviousModel", func(t *testing.T) {
		cfg := trainerConfig()
		registry := NewRegistry(nil)
		trainer := NewTrainer(cfg, nil, registry)
		prev, err := trainer.Retrain(ctx, TrainRequest{Synthetic: true})
		if err != nil {
			t.Fatalf("retrain failed: %v", err)
		}

		cfg.Synthetic.SuspiciousRatio = 0
		if _, err := trainer.Retrain(ctx, TrainRequest{Synthetic: true}); err == nil {
			t.Fatal("expected single-class training set to fail")
		}
		if registry.Current() != prev {
			t.Error("expected previous model to stay active")
		}
	})
}
