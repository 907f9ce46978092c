// Package pipeline ties feature engineering, the three detectors and the
// ensemble combiner into the batch Train and Predict calls.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ensemble"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/rules"
)

var (
	// ErrInvalidLabels is returned by Train when labels are misaligned, not
	// binary, or contain a single class.
	ErrInvalidLabels = errors.New("invalid training labels")

	// ErrNoModel is returned by Predict without a trained model.
	ErrNoModel = errors.New("no trained model")
)

var tracer = otel.Tracer("kestrel/pipeline")

// NewDetectors builds the standard detector trio from configuration.
func NewDetectors(cfg domain.DetectorConfig) (Detectors, error) {
	forest, err := detector.NewForest(detector.ForestConfig{
		Trees:           cfg.ForestTrees,
		MaxDepth:        cfg.ForestMaxDepth,
		MinSamplesSplit: cfg.ForestMinSampleSplit,
		MinSamplesLeaf:  cfg.ForestMinSampleLeaf,
		Seed:            cfg.Seed,
	})
	if err != nil {
		return Detectors{}, err
	}

	boostCfg := detector.DefaultBoosterConfig()
	boostCfg.Rounds = cfg.BoostRounds
	boostCfg.MaxDepth = cfg.BoostMaxDepth
	boostCfg.LearningRate = cfg.BoostLearningRate
	boostCfg.Subsample = cfg.BoostSubsample
	boostCfg.ColSample = cfg.BoostColSample
	boostCfg.Seed = cfg.Seed
	booster, err := detector.NewBooster(boostCfg)
	if err != nil {
		return Detectors{}, err
	}

	iso, err := detector.NewIsolationForest(detector.IsolationConfig{
		Trees:         cfg.IsolationTrees,
		SampleSize:    cfg.IsolationSampleSize,
		Contamination: cfg.Contamination,
		Normalization: cfg.AnomalyNormalization,
		Seed:          cfg.Seed,
	})
	if err != nil {
		return Detectors{}, err
	}

	return Detectors{Bagged: forest, Boosted: booster, Anomaly: iso}, nil
}

// Train fits a model on labeled transactions using the detectors described
// by cfg.Detectors.
func Train(ctx context.Context, cfg *domain.Config, txs []domain.Transaction, accounts []domain.Account, labels []int) (*Model, error) {
	dets, err := NewDetectors(cfg.Detectors)
	if err != nil {
		return nil, err
	}
	return TrainWith(ctx, cfg, dets, txs, accounts, labels)
}

// TrainWith fits the given unfitted detectors. Features are computed once
// over the whole batch so velocity windows see the full history, then rows
// are split into a stratified training set and holdout. The scaler is fit
// on the training rows only and applies to the anomaly detector alone.
func TrainWith(ctx context.Context, cfg *domain.Config, dets Detectors, txs []domain.Transaction, accounts []domain.Account, labels []int) (model *Model, err error) {
	ctx, span := tracer.Start(ctx, "pipeline.Train", trace.WithAttributes(
		attribute.Int("transactions", len(txs)),
		attribute.Int("accounts", len(accounts)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	start := time.Now()

	positives, err := checkLabels(labels, len(txs))
	if err != nil {
		return nil, err
	}

	combiner, err := ensemble.NewCombiner(cfg.Ensemble)
	if err != nil {
		return nil, err
	}

	indicators, err := rules.NewEngine(cfg.Features.MaxWorkers)
	if err != nil {
		return nil, err
	}
	if err := indicators.ReloadRules(cfg.Indicators); err != nil {
		return nil, fmt.Errorf("failed to load indicators: %w", err)
	}

	engineer := features.NewEngineer(cfg.Features)
	matrix := engineer.CreateFeatures(txs, accounts)

	trainIdx, holdIdx := stratifiedSplit(labels, cfg.Training.HoldoutFraction, cfg.Training.Seed)
	trainX, trainY := subset(matrix.Rows, labels, trainIdx)

	scaler, err := features.FitScaler(trainX)
	if err != nil {
		return nil, err
	}
	scaledTrain, err := scaler.Transform(trainX)
	if err != nil {
		return nil, err
	}

	if err := fitAll(ctx, dets, trainX, scaledTrain, trainY); err != nil {
		return nil, err
	}

	model = &Model{
		ID:         uuid.New().String(),
		TrainedAt:  time.Now().UTC(),
		Columns:    matrix.Columns,
		engineer:   engineer,
		scaler:     scaler,
		detectors:  dets,
		combiner:   combiner,
		indicators: indicators,
		Metrics: Metrics{
			TrainRows:   len(trainIdx),
			HoldoutRows: len(holdIdx),
			Positives:   positives,
		},
	}
	if imp, ok := dets.Bagged.(interface{ FeatureImportances() []float64 }); ok {
		model.importance = imp.FeatureImportances()
	}

	if len(holdIdx) > 0 {
		holdX, holdY := subset(matrix.Rows, labels, holdIdx)
		if err := model.evaluate(ctx, holdX, holdY); err != nil {
			return nil, err
		}
	}

	slog.Info("model trained",
		"model_id", model.ID,
		"train_rows", model.Metrics.TrainRows,
		"holdout_rows", model.Metrics.HoldoutRows,
		"positives", positives,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	for name, ev := range model.Metrics.Detectors {
		slog.Info("detector validation",
			"model_id", model.ID,
			"detector", name,
			"auc", ev.AUC,
			"precision", ev.Precision,
			"recall", ev.Recall,
			"f1", ev.F1,
		)
	}
	if ev := model.Metrics.Ensemble; ev != nil {
		slog.Info("ensemble validation",
			"model_id", model.ID,
			"auc", ev.AUC,
			"precision", ev.Precision,
			"recall", ev.Recall,
		)
	}

	span.SetAttributes(attribute.String("model_id", model.ID))
	return model, nil
}

// Predict scores a batch against a trained model. Velocity and per-account
// statistics are computed within the batch itself.
func Predict(ctx context.Context, txs []domain.Transaction, accounts []domain.Account, model *Model) ([]domain.ScoreRecord, error) {
	return PredictWithHistory(ctx, nil, txs, accounts, model)
}

// PredictWithHistory scores txs with history prepended to the feature batch,
// so velocity windows and account statistics see earlier activity. Records
// are returned only for txs, in input order.
func PredictWithHistory(ctx context.Context, history, txs []domain.Transaction, accounts []domain.Account, model *Model) (records []domain.ScoreRecord, err error) {
	if model == nil {
		return nil, ErrNoModel
	}

	ctx, span := tracer.Start(ctx, "pipeline.Predict", trace.WithAttributes(
		attribute.String("model_id", model.ID),
		attribute.Int("transactions", len(txs)),
		attribute.Int("history", len(history)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if len(txs) == 0 {
		return []domain.ScoreRecord{}, nil
	}

	batch := txs
	if len(history) > 0 {
		batch = make([]domain.Transaction, 0, len(history)+len(txs))
		batch = append(batch, history...)
		batch = append(batch, txs...)
	}

	matrix := model.engineer.CreateFeatures(batch, accounts)
	if len(history) > 0 {
		matrix.Rows = matrix.Rows[len(history):]
	}

	bagged, boosted, anomaly, err := model.scoreAll(ctx, matrix.Rows)
	if err != nil {
		return nil, err
	}

	hits := model.indicators.EvaluateMatrix(matrix)
	reasons := make([][]string, len(hits))
	for i, h := range hits {
		reasons[i] = rules.Reasons(h)
	}

	ids := make([]string, len(txs))
	for i := range txs {
		ids[i] = txs[i].ID
	}

	return model.combiner.CombineBatch(&ensemble.BatchInput{
		TxIDs:    ids,
		Bagged:   bagged,
		Boosted:  boosted,
		Anomaly:  anomaly,
		Reasons:  reasons,
		ModelID:  model.ID,
		ScoredAt: time.Now().UTC(),
	})
}

func fitAll(ctx context.Context, dets Detectors, raw, scaled [][]float64, labels []int) error {
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error { return fitOne(dets.Bagged, raw, labels) })
	g.Go(func() error { return fitOne(dets.Boosted, raw, labels) })
	g.Go(func() error { return fitOne(dets.Anomaly, scaled, labels) })
	return g.Wait()
}

func fitOne(d detector.Detector, x [][]float64, labels []int) error {
	start := time.Now()
	if err := d.Fit(x, labels); err != nil {
		return fmt.Errorf("failed to fit %s: %w", d.Name(), err)
	}
	slog.Debug("detector fitted", "detector", d.Name(), "rows", len(x), "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// scoreAll runs the three detectors concurrently on raw rows.
func (m *Model) scoreAll(ctx context.Context, raw [][]float64) (bagged, boosted, anomaly []float64, err error) {
	scaled, err := m.scaler.Transform(raw)
	if err != nil {
		return nil, nil, nil, err
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		bagged, err = scoreOne(m.detectors.Bagged, raw)
		return err
	})
	g.Go(func() (err error) {
		boosted, err = scoreOne(m.detectors.Boosted, raw)
		return err
	})
	g.Go(func() (err error) {
		anomaly, err = scoreOne(m.detectors.Anomaly, scaled)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, nil, err
	}
	return bagged, boosted, anomaly, nil
}

func scoreOne(d detector.Detector, x [][]float64) ([]float64, error) {
	scores, err := d.Score(x)
	if err != nil {
		return nil, fmt.Errorf("failed to score with %s: %w", d.Name(), err)
	}
	if len(scores) != len(x) {
		return nil, fmt.Errorf("%s returned %d scores for %d rows: %w", d.Name(), len(scores), len(x), detector.ErrShapeMismatch)
	}
	return scores, nil
}

// evaluate records holdout metrics: each detector at 0.5 and the ensemble
// at the high-tier threshold.
func (m *Model) evaluate(ctx context.Context, x [][]float64, labels []int) error {
	bagged, boosted, anomaly, err := m.scoreAll(ctx, x)
	if err != nil {
		return fmt.Errorf("holdout scoring failed: %w", err)
	}

	m.Metrics.Detectors = map[string]detector.Evaluation{
		m.detectors.Bagged.Name():  detector.Evaluate(bagged, labels, 0.5),
		m.detectors.Boosted.Name(): detector.Evaluate(boosted, labels, 0.5),
		m.detectors.Anomaly.Name(): detector.Evaluate(anomaly, labels, 0.5),
	}

	combined := make([]float64, len(x))
	for i := range combined {
		score, tier := m.combiner.Combine(bagged[i], boosted[i], anomaly[i])
		combined[i] = score / 100
		if tier.Alerting() {
			m.Metrics.HoldoutAlert++
		}
	}
	ev := detector.Evaluate(combined, labels, m.combiner.Config().HighThreshold/100)
	m.Metrics.Ensemble = &ev
	return nil
}

func checkLabels(labels []int, n int) (positives int, err error) {
	if len(labels) != n {
		return 0, fmt.Errorf("%d labels for %d transactions: %w", len(labels), n, ErrInvalidLabels)
	}
	for i, y := range labels {
		if y != 0 && y != 1 {
			return 0, fmt.Errorf("label %d at row %d is not 0 or 1: %w", y, i, ErrInvalidLabels)
		}
		positives += y
	}
	if positives == 0 || positives == n {
		return 0, fmt.Errorf("labels contain a single class: %w", ErrInvalidLabels)
	}
	return positives, nil
}

// stratifiedSplit shuffles each class separately and holds out
// round(fraction * classSize) rows of it, always keeping at least one row of
// each class for training. Both index slices come back sorted.
func stratifiedSplit(labels []int, fraction float64, seed uint64) (train, holdout []int) {
	rng := rand.New(rand.NewPCG(seed, seed^0x5eed))
	inHoldout := make([]bool, len(labels))

	for class := 0; class <= 1; class++ {
		var idx []int
		for i, y := range labels {
			if y == class {
				idx = append(idx, i)
			}
		}
		rng.Shuffle(len(idx), func(a, b int) { idx[a], idx[b] = idx[b], idx[a] })

		k := int(math.Round(fraction * float64(len(idx))))
		k = max(0, min(k, len(idx)-1))
		for _, i := range idx[:k] {
			inHoldout[i] = true
		}
	}

	for i, h := range inHoldout {
		if h {
			holdout = append(holdout, i)
		} else {
			train = append(train, i)
		}
	}
	return train, holdout
}

func subset(rows [][]float64, labels []int, idx []int) ([][]float64, []int) {
	x := make([][]float64, len(idx))
	y := make([]int, len(idx))
	for k, i := range idx {
		x[k] = rows[i]
		y[k] = labels[i]
	}
	return x, y
}
