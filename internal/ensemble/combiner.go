// Package ensemble blends detector outputs into a single risk score and tier.
// The combination is a fixed weighted sum so it stays auditable.
package ensemble

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrInvalidConfig is returned by NewCombiner for unusable weights or
// thresholds.
var ErrInvalidConfig = errors.New("invalid ensemble configuration")

// Combiner produces scores on a 0-100 scale. It is an immutable value and
// safe for concurrent use.
type Combiner struct {
	baggedWeight  float64
	boostedWeight float64
	anomalyWeight float64
	weightSum     float64

	critical float64
	high     float64
	medium   float64
}

// NewCombiner validates cfg and returns a Combiner.
//
// Each weight must be finite and non-negative with a sum in [0.99, 1.01].
// Thresholds must be strictly descending within (0, 100].
func NewCombiner(cfg domain.EnsembleConfig) (*Combiner, error) {
	weights := []struct {
		name  string
		value float64
	}{
		{"bagged", cfg.BaggedWeight},
		{"boosted", cfg.BoostedWeight},
		{"anomaly", cfg.AnomalyWeight},
	}
	sum := 0.0
	for _, w := range weights {
		if math.IsNaN(w.value) || math.IsInf(w.value, 0) || w.value < 0 {
			return nil, fmt.Errorf("%s weight %v must be finite and >= 0: %w", w.name, w.value, ErrInvalidConfig)
		}
		sum += w.value
	}
	if sum < 0.99 || sum > 1.01 {
		return nil, fmt.Errorf("weights sum to %v, expected 1: %w", sum, ErrInvalidConfig)
	}

	c, h, m := cfg.CriticalThreshold, cfg.HighThreshold, cfg.MediumThreshold
	if !(c <= 100 && c > h && h > m && m > 0) {
		return nil, fmt.Errorf("thresholds critical=%v high=%v medium=%v must descend within (0, 100]: %w",
			c, h, m, ErrInvalidConfig)
	}

	return &Combiner{
		baggedWeight:  cfg.BaggedWeight,
		boostedWeight: cfg.BoostedWeight,
		anomalyWeight: cfg.AnomalyWeight,
		weightSum:     cfg.BaggedWeight + cfg.BoostedWeight + cfg.AnomalyWeight,
		critical:      c,
		high:          h,
		medium:        m,
	}, nil
}

// Default returns the Combiner for the default weights and thresholds.
func Default() *Combiner {
	c, err := NewCombiner(domain.DefaultEnsembleConfig())
	if err != nil {
		panic(err)
	}
	return c
}

// Config returns the weights and thresholds the Combiner was built with.
func (c *Combiner) Config() domain.EnsembleConfig {
	return domain.EnsembleConfig{
		BaggedWeight:      c.baggedWeight,
		BoostedWeight:     c.boostedWeight,
		AnomalyWeight:     c.anomalyWeight,
		CriticalThreshold: c.critical,
		HighThreshold:     c.high,
		MediumThreshold:   c.medium,
	}
}

// Combine blends three detector probabilities into a score and tier.
// Inputs are clamped to [0,1]; NaN reads as 0.
func (c *Combiner) Combine(bagged, boosted, anomaly float64) (float64, domain.RiskTier) {
	weighted := c.baggedWeight*clamp01(bagged) +
		c.boostedWeight*clamp01(boosted) +
		c.anomalyWeight*clamp01(anomaly)

	// dividing by the weight sum keeps Combine(1,1,1) at exactly 100
	score := min(100*(weighted/c.weightSum), 100)
	return score, c.Tier(score)
}

// Tier maps a 0-100 score onto a risk tier; lower bounds are inclusive.
func (c *Combiner) Tier(score float64) domain.RiskTier {
	switch {
	case score >= c.critical:
		return domain.TierCritical
	case score >= c.high:
		return domain.TierHigh
	case score >= c.medium:
		return domain.TierMedium
	default:
		return domain.TierLow
	}
}

// BatchInput holds aligned per-transaction detector outputs.
type BatchInput struct {
	TxIDs   []string
	Bagged  []float64
	Boosted []float64
	Anomaly []float64

	// Reasons is optional; when set it must align with TxIDs.
	Reasons [][]string

	ModelID  string
	ScoredAt time.Time
}

// CombineBatch builds one score record per transaction.
func (c *Combiner) CombineBatch(in *BatchInput) ([]domain.ScoreRecord, error) {
	n := len(in.TxIDs)
	if len(in.Bagged) != n || len(in.Boosted) != n || len(in.Anomaly) != n {
		return nil, fmt.Errorf("misaligned batch: %d ids, %d bagged, %d boosted, %d anomaly",
			n, len(in.Bagged), len(in.Boosted), len(in.Anomaly))
	}
	if in.Reasons != nil && len(in.Reasons) != n {
		return nil, fmt.Errorf("misaligned batch: %d ids, %d reason sets", n, len(in.Reasons))
	}

	records := make([]domain.ScoreRecord, n)
	for i := range records {
		score, tier := c.Combine(in.Bagged[i], in.Boosted[i], in.Anomaly[i])
		records[i] = domain.ScoreRecord{
			TxID:  in.TxIDs[i],
			Score: score,
			Components: domain.ComponentScores{
				Bagged:  100 * clamp01(in.Bagged[i]),
				Boosted: 100 * clamp01(in.Boosted[i]),
				Anomaly: 100 * clamp01(in.Anomaly[i]),
			},
			Tier:     tier,
			ModelID:  in.ModelID,
			ScoredAt: in.ScoredAt,
		}
		if in.Reasons != nil {
			records[i].Reasons = in.Reasons[i]
		}
	}
	return records, nil
}

// TierCounts tallies records per tier. Every tier is present in the result.
func TierCounts(records []domain.ScoreRecord) map[domain.RiskTier]int {
	counts := map[domain.RiskTier]int{
		domain.TierCritical: 0,
		domain.TierHigh:     0,
		domain.TierMedium:   0,
		domain.TierLow:      0,
	}
	for _, r := range records {
		counts[r.Tier]++
	}
	return counts
}

// ShouldAlert reports whether a record needs investigator review.
func ShouldAlert(r *domain.ScoreRecord) bool {
	return r.Tier.Alerting()
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
