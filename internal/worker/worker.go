// Package worker scores transaction batches arriving on the event bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ensemble"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/pipeline"
)

// Failure reasons reported on the batches_failed metric.
const (
	reasonDecode  = "decode"
	reasonNoModel = "no_model"
	reasonAccount = "accounts"
	reasonPredict = "predict"
)

// Worker consumes TopicTransactionBatch, scores each batch with the active
// model and publishes the records to TopicScores. Alerting records are also
// published one by one to TopicAlert.
type Worker struct {
	bus      domain.EventBus
	registry *pipeline.Registry
	accounts domain.AccountRepository
	store    domain.ScoreStore
	version  string

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a batch worker. accounts resolves accounts a batch does
// not carry; store may be nil to skip persistence.
func NewWorker(eventBus domain.EventBus, registry *pipeline.Registry, accounts domain.AccountRepository, store domain.ScoreStore, version string) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      eventBus,
		registry: registry,
		accounts: accounts,
		store:    store,
		version:  version,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to the batch topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTransactionBatch, w.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", domain.TopicTransactionBatch, err)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("worker started", "topic", domain.TopicTransactionBatch)
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var batch domain.TransactionBatch
	if err := json.Unmarshal(msg.Payload, &batch); err != nil {
		metrics.BatchesFailed.WithLabelValues(reasonDecode).Inc()
		return fmt.Errorf("decode batch %s: %w", msg.ID, err)
	}
	if batch.BatchID == "" {
		batch.BatchID = msg.ID
	}
	if batch.TraceID == "" {
		batch.TraceID = msg.Metadata[bus.MetaTraceID]
	}

	_, err := w.Process(ctx, &batch)
	return err
}

// Process scores one batch and publishes the result. Persistence and publish
// failures are logged; only failures that leave the batch unscored are
// returned.
func (w *Worker) Process(ctx context.Context, batch *domain.TransactionBatch) (*domain.ScoreBatchResponse, error) {
	start := time.Now()

	model := w.registry.Current()
	if model == nil {
		metrics.BatchesFailed.WithLabelValues(reasonNoModel).Inc()
		return nil, pipeline.ErrNoModel
	}

	accounts := batch.Accounts
	if len(accounts) == 0 && len(batch.Transactions) > 0 {
		var err error
		accounts, err = w.accounts.GetAccounts(ctx, domain.AccountIDs(slices.Concat(batch.History, batch.Transactions)))
		if err != nil {
			metrics.BatchesFailed.WithLabelValues(reasonAccount).Inc()
			return nil, fmt.Errorf("resolve accounts for batch %s: %w", batch.BatchID, err)
		}
	}

	predictStart := time.Now()
	records, err := pipeline.PredictWithHistory(ctx, batch.History, batch.Transactions, accounts, model)
	if err != nil {
		metrics.BatchesFailed.WithLabelValues(reasonPredict).Inc()
		return nil, fmt.Errorf("score batch %s: %w", batch.BatchID, err)
	}
	predictElapsed := time.Since(predictStart)
	metrics.ObserveScores(metrics.SourceWorker, records, predictElapsed)

	if w.store != nil && len(records) > 0 {
		if err := w.store.SaveScoreRecords(ctx, records); err != nil {
			slog.Error("failed to save score records",
				"batch_id", batch.BatchID,
				"error", err,
			)
		}
	}

	resp := &domain.ScoreBatchResponse{
		ModelID: model.ID,
		Records: records,
		Metadata: domain.ScoreMetadata{
			TraceID:        batch.TraceID,
			PredictMs:      predictElapsed.Milliseconds(),
			Transactions:   len(batch.Transactions),
			AccountsLoaded: len(accounts),
			Version:        w.version,
		},
	}
	for i := range records {
		if ensemble.ShouldAlert(&records[i]) {
			resp.Alerts++
			w.publish(ctx, domain.TopicAlert, &records[i], batch.BatchID)
		}
	}
	metrics.AlertsPublished.Add(float64(resp.Alerts))
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()

	w.publish(ctx, domain.TopicScores, resp, batch.BatchID)

	slog.Info("batch scored",
		"batch_id", batch.BatchID,
		"trace_id", batch.TraceID,
		"transactions", len(records),
		"alerts", resp.Alerts,
		"model_id", model.ID,
		"duration_ms", resp.Metadata.TotalMs,
	)
	return resp, nil
}

func (w *Worker) publish(ctx context.Context, topic string, v any, batchID string) {
	payload, err := json.Marshal(v)
	if err == nil {
		err = w.bus.Publish(ctx, topic, payload)
	}
	if err != nil {
		slog.Error("failed to publish",
			"topic", topic,
			"batch_id", batchID,
			"error", err,
		)
	}
}

// Stop unsubscribes and cancels in-flight handlers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	var errs []error
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", sub.Topic(), err))
		}
	}
	w.subscriptions = nil

	slog.Info("worker stopped")
	return errors.Join(errs...)
}

// Stats describes the worker's active subscriptions.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
