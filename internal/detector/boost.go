package detector

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
)

// BoosterConfig holds boosted-tree hyperparameters.
type BoosterConfig struct {
	Rounds         int
	MaxDepth       int
	LearningRate   float64
	Subsample      float64
	ColSample      float64
	Lambda         float64
	MinChildWeight float64

	Seed    uint64
	Workers int
}

// DefaultBoosterConfig returns the standard boosted-tree settings.
func DefaultBoosterConfig() BoosterConfig {
	return BoosterConfig{
		Rounds:         200,
		MaxDepth:       6,
		LearningRate:   0.1,
		Subsample:      0.8,
		ColSample:      0.8,
		Lambda:         1,
		MinChildWeight: 1,
		Seed:           42,
	}
}

// Booster is second-order gradient boosting on logistic loss with histogram
// splits. It trains on the raw class balance but weights every positive row
// by negatives/positives.
type Booster struct {
	cfg   BoosterConfig
	mu    sync.Mutex
	model atomic.Pointer[boostModel]
}

type boostModel struct {
	width          int
	base           float64
	trees          []tree
	scalePosWeight float64
	finalLoss      float64
}

// NewBooster validates cfg and returns an unfitted booster.
func NewBooster(cfg BoosterConfig) (*Booster, error) {
	switch {
	case cfg.Rounds < 1:
		return nil, fmt.Errorf("booster: rounds must be >= 1, got %d: %w", cfg.Rounds, ErrInvalidConfig)
	case cfg.MaxDepth < 1:
		return nil, fmt.Errorf("booster: max depth must be >= 1, got %d: %w", cfg.MaxDepth, ErrInvalidConfig)
	case !(cfg.LearningRate > 0 && cfg.LearningRate <= 1):
		return nil, fmt.Errorf("booster: learning rate must be in (0,1], got %v: %w", cfg.LearningRate, ErrInvalidConfig)
	case !(cfg.Subsample > 0 && cfg.Subsample <= 1):
		return nil, fmt.Errorf("booster: subsample must be in (0,1], got %v: %w", cfg.Subsample, ErrInvalidConfig)
	case !(cfg.ColSample > 0 && cfg.ColSample <= 1):
		return nil, fmt.Errorf("booster: column sample must be in (0,1], got %v: %w", cfg.ColSample, ErrInvalidConfig)
	case !(cfg.Lambda >= 0) || math.IsInf(cfg.Lambda, 0):
		return nil, fmt.Errorf("booster: lambda must be finite and >= 0, got %v: %w", cfg.Lambda, ErrInvalidConfig)
	case !(cfg.MinChildWeight >= 0) || math.IsInf(cfg.MinChildWeight, 0):
		return nil, fmt.Errorf("booster: min child weight must be finite and >= 0, got %v: %w", cfg.MinChildWeight, ErrInvalidConfig)
	}
	return &Booster{cfg: cfg}, nil
}

// Name implements Detector.
func (b *Booster) Name() string { return NameBooster }

// Fit implements Detector.
func (b *Booster) Fit(x [][]float64, labels []int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.model.Load() != nil {
		return fmt.Errorf("%s: %w", b.Name(), ErrAlreadyFitted)
	}

	width, err := checkMatrix(b.Name(), x)
	if err != nil {
		return err
	}
	pos, neg, err := checkLabels(b.Name(), labels, len(x))
	if err != nil {
		return err
	}

	n := len(x)
	spw := float64(neg) / float64(pos)

	weight := make([]float64, n)
	for i, y := range labels {
		weight[i] = 1
		if y == 1 {
			weight[i] = spw
		}
	}

	// weighted prior log-odds; zero when spw exactly balances the classes
	base := math.Log(spw * float64(pos) / float64(neg))

	bins := newBinner(x)
	cols := bins.transform(x)

	margin := make([]float64, n)
	for i := range margin {
		margin[i] = base
	}
	grad := make([]float64, n)
	hess := make([]float64, n)

	rng := rand.New(rand.NewPCG(b.cfg.Seed, 0xb005))
	features := identity(width)
	ncols := max(1, int(math.Ceil(b.cfg.ColSample*float64(width))))
	trees := make([]tree, 0, b.cfg.Rounds)
	rows := make([]int32, 0, n)

	var loss float64
	for round := 0; round < b.cfg.Rounds; round++ {
		loss = 0
		for i := range margin {
			p := sigmoid(margin[i])
			y := float64(labels[i])
			grad[i] = weight[i] * (p - y)
			hess[i] = weight[i] * p * (1 - p)
			loss += weight[i] * logLoss(p, y)
		}
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return fmt.Errorf("%s: non-finite loss at round %d: %w", b.Name(), round, ErrNotConverged)
		}

		rows = rows[:0]
		for i := 0; i < n; i++ {
			if b.cfg.Subsample >= 1 || rng.Float64() < b.cfg.Subsample {
				rows = append(rows, int32(i))
			}
		}
		if len(rows) == 0 {
			continue
		}

		rng.Shuffle(len(features), func(i, j int) {
			features[i], features[j] = features[j], features[i]
		})

		tb := &boostBuilder{
			cols:     cols,
			grad:     grad,
			hess:     hess,
			bins:     bins,
			features: features[:ncols],
			cfg:      &b.cfg,
		}
		tb.build(rows, 0)
		t := tb.tree

		parallelFor(n, b.cfg.Workers, func(lo, hi int) {
			for i := lo; i < hi; i++ {
				margin[i] += t.predictBinned(cols, i)
			}
		})
		trees = append(trees, t)
	}

	for i := range margin {
		if math.IsNaN(margin[i]) || math.IsInf(margin[i], 0) {
			return fmt.Errorf("%s: non-finite margin after training: %w", b.Name(), ErrNotConverged)
		}
	}

	b.model.Store(&boostModel{
		width:          width,
		base:           base,
		trees:          trees,
		scalePosWeight: spw,
		finalLoss:      loss / float64(n),
	})
	return nil
}

// Score implements Detector. The score is sigmoid of the summed margin.
func (b *Booster) Score(x [][]float64) ([]float64, error) {
	m := b.model.Load()
	if m == nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), ErrNotFitted)
	}
	if err := checkWidth(b.Name(), x, m.width); err != nil {
		return nil, err
	}

	out := make([]float64, len(x))
	parallelFor(len(x), b.cfg.Workers, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			margin := m.base
			for t := range m.trees {
				margin += m.trees[t].predict(x[i])
			}
			out[i] = sigmoid(margin)
		}
	})
	return out, nil
}

// ScalePosWeight returns the positive-class weight used in training, or 0
// before Fit.
func (b *Booster) ScalePosWeight() float64 {
	if m := b.model.Load(); m != nil {
		return m.scalePosWeight
	}
	return 0
}

type boostBuilder struct {
	cols     [][]uint8
	grad     []float64
	hess     []float64
	bins     *binner
	features []int
	cfg      *BoosterConfig

	tree tree
	g    [maxBins]float64
	h    [maxBins]float64
}

func (b *boostBuilder) build(idx []int32, depth int) int32 {
	var sg, sh float64
	for _, i := range idx {
		sg += b.grad[i]
		sh += b.hess[i]
	}
	lambda := b.cfg.Lambda
	leaf := -sg / (sh + lambda) * b.cfg.LearningRate

	if depth >= b.cfg.MaxDepth || sh < 2*b.cfg.MinChildWeight || len(idx) < 2 {
		return b.tree.addLeaf(leaf)
	}

	parent := sg * sg / (sh + lambda)
	var (
		bestGain    = 1e-9
		bestFeature = -1
		bestBin     uint8
	)

	for _, j := range b.features {
		nb := b.bins.bins(j)
		if nb < 2 {
			continue
		}
		clear(b.g[:nb])
		clear(b.h[:nb])
		col := b.cols[j]
		for _, i := range idx {
			b.g[col[i]] += b.grad[i]
			b.h[col[i]] += b.hess[i]
		}

		gl, hl := 0.0, 0.0
		for bin := 0; bin < nb-1; bin++ {
			gl += b.g[bin]
			hl += b.h[bin]
			hr := sh - hl
			if hl < b.cfg.MinChildWeight {
				continue
			}
			if hr < b.cfg.MinChildWeight {
				break
			}
			gr := sg - gl
			gain := gl*gl/(hl+lambda) + gr*gr/(hr+lambda) - parent
			if gain > bestGain {
				bestGain, bestFeature, bestBin = gain, j, uint8(bin)
			}
		}
	}

	if bestFeature < 0 {
		return b.tree.addLeaf(leaf)
	}

	id := b.tree.addSplit(bestFeature, bestBin, b.bins.threshold(bestFeature, int(bestBin)))
	mid := partition(idx, b.cols[bestFeature], bestBin)
	if mid == 0 || mid == len(idx) {
		b.tree.nodes[id] = node{left: -1, right: -1, value: leaf}
		return id
	}

	left := b.build(idx[:mid], depth+1)
	right := b.build(idx[mid:], depth+1)
	b.tree.nodes[id].left = left
	b.tree.nodes[id].right = right
	return id
}

func sigmoid(m float64) float64 {
	if m >= 0 {
		return 1 / (1 + math.Exp(-m))
	}
	e := math.Exp(m)
	return e / (1 + e)
}

func logLoss(p, y float64) float64 {
	const clip = 1e-15
	p = min(max(p, clip), 1-clip)
	return -(y*math.Log(p) + (1-y)*math.Log(1-p))
}

// TrainingLoss returns the mean weighted log loss before the last round, or
// 0 before Fit.
func (b *Booster) TrainingLoss() float64 {
	if m := b.model.Load(); m != nil {
		return m.finalLoss
	}
	return 0
}
