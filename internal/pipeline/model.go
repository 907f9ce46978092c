package pipeline

import (
	"cmp"
	"math"
	"slices"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/ensemble"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Detectors is the trio a Model combines. Bagged and Boosted are trained on
// raw features with labels; Anomaly is trained on scaled features without.
type Detectors struct {
	Bagged  detector.Detector
	Boosted detector.Detector
	Anomaly detector.Detector
}

func (d Detectors) all() []detector.Detector {
	return []detector.Detector{d.Bagged, d.Boosted, d.Anomaly}
}

// Metrics are the validation results computed on the holdout split.
type Metrics struct {
	TrainRows    int `json:"trainRows"`
	HoldoutRows  int `json:"holdoutRows"`
	Positives    int `json:"positives"`
	HoldoutAlert int `json:"holdoutAlerts"`

	Detectors map[string]detector.Evaluation `json:"detectors,omitempty"`
	Ensemble  *detector.Evaluation           `json:"ensemble,omitempty"`
}

// FeatureWeight is one entry of the importance ranking.
type FeatureWeight struct {
	Feature    string  `json:"feature"`
	Importance float64 `json:"importance"`
}

// Model is the immutable result of Train. Every field is written before
// Train returns, so a *Model may be shared by concurrent Predict calls.
type Model struct {
	ID        string
	TrainedAt time.Time
	Columns   []string
	Metrics   Metrics

	engineer   *features.Engineer
	scaler     *features.Scaler
	detectors  Detectors
	combiner   *ensemble.Combiner
	indicators *rules.Engine
	importance []float64
}

// FeatureImportance returns the topN columns ranked by the bagged-tree
// importances, highest first. topN <= 0 returns every column. It is nil when
// the bagged detector does not report importances.
func (m *Model) FeatureImportance(topN int) []FeatureWeight {
	if len(m.importance) == 0 {
		return nil
	}

	out := make([]FeatureWeight, 0, len(m.importance))
	for j, w := range m.importance {
		if j < len(m.Columns) {
			out = append(out, FeatureWeight{Feature: m.Columns[j], Importance: w})
		}
	}
	slices.SortStableFunc(out, func(a, b FeatureWeight) int {
		return cmp.Compare(b.Importance, a.Importance)
	})

	if topN > 0 && topN < len(out) {
		out = out[:topN]
	}
	return out
}

// AnomalyBounds returns the training raw-score range of the anomaly
// detector, when it keeps one.
func (m *Model) AnomalyBounds() (lo, hi float64, ok bool) {
	if iso, isIso := m.detectors.Anomaly.(*detector.IsolationForest); isIso {
		return iso.Bounds()
	}
	return 0, 0, false
}

// Info is the JSON summary of a model.
type Info struct {
	ID          string          `json:"id"`
	TrainedAt   time.Time       `json:"trainedAt"`
	Columns     []string        `json:"columns"`
	Detectors   []string        `json:"detectors"`
	Metrics     Metrics         `json:"metrics"`
	TopFeatures []FeatureWeight `json:"topFeatures,omitempty"`
	Indicators  []string        `json:"indicators"`
}

// Info summarizes the model. AUC values that are undefined on the holdout
// are reported as zero so the summary always encodes as JSON.
func (m *Model) Info() Info {
	metrics := m.Metrics
	if len(metrics.Detectors) > 0 {
		metrics.Detectors = make(map[string]detector.Evaluation, len(m.Metrics.Detectors))
		for name, ev := range m.Metrics.Detectors {
			metrics.Detectors[name] = finite(ev)
		}
	}
	if metrics.Ensemble != nil {
		ev := finite(*metrics.Ensemble)
		metrics.Ensemble = &ev
	}

	loaded := m.indicators.GetLoadedRules()
	indicators := make([]string, len(loaded))
	for i, r := range loaded {
		indicators[i] = r.ID
	}

	names := make([]string, 0, 3)
	for _, d := range m.detectors.all() {
		names = append(names, d.Name())
	}

	return Info{
		ID:          m.ID,
		TrainedAt:   m.TrainedAt,
		Columns:     m.Columns,
		Detectors:   names,
		Metrics:     metrics,
		TopFeatures: m.FeatureImportance(10),
		Indicators:  indicators,
	}
}

func finite(ev detector.Evaluation) detector.Evaluation {
	if math.IsNaN(ev.AUC) {
		ev.AUC = 0
	}
	return ev
}

// Registry holds the model currently used for scoring.
type Registry struct {
	current atomic.Pointer[Model]
}

// NewRegistry creates a registry, optionally seeded with a model.
func NewRegistry(m *Model) *Registry {
	r := &Registry{}
	if m != nil {
		r.current.Store(m)
	}
	return r
}

// Current returns the active model, or nil before the first Swap.
func (r *Registry) Current() *Model {
	return r.current.Load()
}

// Swap installs m and returns the model it replaced.
func (r *Registry) Swap(m *Model) *Model {
	return r.current.Swap(m)
}
