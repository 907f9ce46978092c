package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/synth"
)

var (
	modelOnce sync.Once
	testModel *pipeline.Model
	testData  *synth.Dataset
	modelErr  error
)

// trainedModel trains one small model shared by the tests in this package.
func trainedModel(t *testing.T) (*pipeline.Model, *synth.Dataset) {
	t.Helper()
	modelOnce.Do(func() {
		anchor := time.Date(2025, 6, 30, 12, 0, 0, 0, time.UTC)
		testData, modelErr = synth.NewSeeded(7, anchor).Generate(synth.Config{Accounts: 60, Transactions: 600, SuspiciousRatio: 0.1})
		if modelErr != nil {
			return
		}
		cfg := domain.DefaultConfig()
		cfg.Detectors.ForestTrees = 5
		cfg.Detectors.ForestMaxDepth = 6
		cfg.Detectors.BoostRounds = 10
		cfg.Detectors.IsolationTrees = 20
		testModel, modelErr = pipeline.Train(context.Background(), cfg, testData.Transactions, testData.Accounts, testData.Labels)
	})
	if modelErr != nil {
		t.Fatalf("failed to train test model: %v", modelErr)
	}
	return testModel, testData
}

// memAccounts serves accounts from a slice and counts batch lookups.
type memAccounts struct {
	mu      sync.Mutex
	byID    map[string]*domain.Account
	lookups int
	err     error
}

func newMemAccounts(accounts []domain.Account) *memAccounts {
	return &memAccounts{byID: domain.AccountIndex(accounts)}
}

func (m *memAccounts) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	if a, ok := m.byID[id]; ok {
		return a, nil
	}
	return nil, errors.New("not found")
}

func (m *memAccounts) GetAccounts(ctx context.Context, ids []string) ([]domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	if m.err != nil {
		return nil, m.err
	}
	var out []domain.Account
	for _, id := range ids {
		if a, ok := m.byID[id]; ok {
			out = append(out, *a)
		}
	}
	return out, nil
}

// memStore records saved score records.
type memStore struct {
	mu      sync.Mutex
	records []domain.ScoreRecord
	err     error
}

func (s *memStore) SaveScoreRecords(ctx context.Context, records []domain.ScoreRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, records...)
	return nil
}

func (s *memStore) GetScoreRecord(ctx context.Context, txID string) (*domain.ScoreRecord, error) {
	return nil, errors.New("not implemented")
}

func TestWorkerStartStop(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	w := NewWorker(eventBus, pipeline.NewRegistry(nil), newMemAccounts(nil), nil, "test")
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	stats := w.GetStats()
	if stats.SubscriptionCount != 1 || stats.Topics[0] != domain.TopicTransactionBatch {
		t.Errorf("unexpected stats: %+v", stats)
	}

	if err := w.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if stats := w.GetStats(); stats.SubscriptionCount != 0 {
		t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
	}
}

func TestWorkerProcess(t *testing.T) {
	model, ds := trainedModel(t)
	ctx := context.Background()
	batch := ds.Transactions[:50]

	t.Run("ResolvesAccounts", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()
		accounts := newMemAccounts(ds.Accounts)
		store := &memStore{}

		w := NewWorker(eventBus, pipeline.NewRegistry(model), accounts, store, "test-v1")
		resp, err := w.Process(ctx, &domain.TransactionBatch{BatchID: "b-1", Transactions: batch})
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}

		if len(resp.Records) != len(batch) {
			t.Fatalf("expected %d records, got %d", len(batch), len(resp.Records))
		}
		if accounts.lookups != 1 {
			t.Errorf("expected one account lookup, got %d", accounts.lookups)
		}
		if resp.ModelID != model.ID || resp.Metadata.Version != "test-v1" {
			t.Errorf("unexpected response header: %+v", resp)
		}
		if resp.Metadata.AccountsLoaded == 0 {
			t.Error("expected accounts to be loaded")
		}
		if len(store.records) != len(batch) {
			t.Errorf("expected %d saved records, got %d", len(batch), len(store.records))
		}
		for i, r := range resp.Records {
			if r.TxID != batch[i].ID {
				t.Fatalf("record %d out of order: %s != %s", i, r.TxID, batch[i].ID)
			}
		}
	})

	t.Run("BatchAccountsSkipLookup", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()
		accounts := newMemAccounts(ds.Accounts)

		w := NewWorker(eventBus, pipeline.NewRegistry(model), accounts, nil, "test")
		if _, err := w.Process(ctx, &domain.TransactionBatch{Transactions: batch, Accounts: ds.Accounts}); err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		if accounts.lookups != 0 {
			t.Errorf("expected no account lookup, got %d", accounts.lookups)
		}
	})

	t.Run("WithHistory", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()
		history, recent := ds.Transactions[:200], ds.Transactions[200:210]

		w := NewWorker(eventBus, pipeline.NewRegistry(model), newMemAccounts(ds.Accounts), nil, "test")
		resp, err := w.Process(ctx, &domain.TransactionBatch{History: history, Transactions: recent, Accounts: ds.Accounts})
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		want, err := pipeline.PredictWithHistory(ctx, history, recent, ds.Accounts, model)
		if err != nil {
			t.Fatalf("PredictWithHistory failed: %v", err)
		}
		if len(resp.Records) != len(recent) {
			t.Fatalf("expected only the %d new transactions scored, got %d", len(recent), len(resp.Records))
		}
		for i, r := range resp.Records {
			if r.TxID != want[i].TxID || r.Score != want[i].Score {
				t.Errorf("record %d: got %s=%v, want %s=%v", i, r.TxID, r.Score, want[i].TxID, want[i].Score)
			}
		}
	})

	t.Run("StoreFailureIsNotFatal", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		w := NewWorker(eventBus, pipeline.NewRegistry(model), newMemAccounts(ds.Accounts), &memStore{err: errors.New("disk full")}, "test")
		if _, err := w.Process(ctx, &domain.TransactionBatch{Transactions: batch}); err != nil {
			t.Errorf("expected store failure to be logged only, got %v", err)
		}
	})

	t.Run("NoModel", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		w := NewWorker(eventBus, pipeline.NewRegistry(nil), newMemAccounts(ds.Accounts), nil, "test")
		if _, err := w.Process(ctx, &domain.TransactionBatch{Transactions: batch}); !errors.Is(err, pipeline.ErrNoModel) {
			t.Errorf("expected ErrNoModel, got %v", err)
		}
	})

	t.Run("AccountFailure", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()
		accounts := newMemAccounts(ds.Accounts)
		accounts.err = errors.New("db down")

		w := NewWorker(eventBus, pipeline.NewRegistry(model), accounts, nil, "test")
		if _, err := w.Process(ctx, &domain.TransactionBatch{Transactions: batch}); err == nil {
			t.Error("expected account lookup failure to surface")
		}
	})
}

func TestWorkerOverBus(t *testing.T) {
	model, ds := trainedModel(t)
	ctx := context.Background()

	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	scores := make(chan domain.ScoreBatchResponse, 1)
	eventBus.Subscribe(ctx, domain.TopicScores, func(ctx context.Context, msg *domain.Message) error {
		var resp domain.ScoreBatchResponse
		if err := json.Unmarshal(msg.Payload, &resp); err != nil {
			return err
		}
		scores <- resp
		return nil
	})

	var alertMu sync.Mutex
	var alerts []domain.ScoreRecord
	eventBus.Subscribe(ctx, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
		var r domain.ScoreRecord
		if err := json.Unmarshal(msg.Payload, &r); err != nil {
			return err
		}
		alertMu.Lock()
		alerts = append(alerts, r)
		alertMu.Unlock()
		return nil
	})

	w := NewWorker(eventBus, pipeline.NewRegistry(model), newMemAccounts(ds.Accounts), nil, "test")
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	payload, _ := json.Marshal(domain.TransactionBatch{BatchID: "bus-1", Transactions: ds.Transactions})
	if err := eventBus.Publish(ctx, domain.TopicTransactionBatch, payload); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	var resp domain.ScoreBatchResponse
	select {
	case resp = <-scores:
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for scores")
	}

	if len(resp.Records) != len(ds.Transactions) {
		t.Fatalf("expected %d records, got %d", len(ds.Transactions), len(resp.Records))
	}
	if resp.Alerts == 0 {
		t.Error("expected alerts on a set with 10% suspicious transactions")
	}

	// alerts are published before the batch summary
	alertMu.Lock()
	defer alertMu.Unlock()
	deadline := time.Now().Add(time.Second)
	for len(alerts) < resp.Alerts && time.Now().Before(deadline) {
		alertMu.Unlock()
		time.Sleep(5 * time.Millisecond)
		alertMu.Lock()
	}
	if len(alerts) != resp.Alerts {
		t.Errorf("expected %d alert messages, got %d", resp.Alerts, len(alerts))
	}
	for _, a := range alerts {
		if !a.Tier.Alerting() {
			t.Errorf("non-alerting tier %s published as alert", a.Tier)
		}
	}
}

func TestWorkerRejectsBadPayload(t *testing.T) {
	w := NewWorker(bus.NewChannelBus(1), pipeline.NewRegistry(nil), newMemAccounts(nil), nil, "test")
	err := w.handleMessage(context.Background(), &domain.Message{ID: "m-1", Payload: []byte("not json")})
	if err == nil {
		t.Error("expected decode error")
	}
}
