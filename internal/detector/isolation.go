package detector

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
)

// Anomaly score normalization modes.
const (
	// NormalizeBatch rescales raw scores by the min and max of the batch
	// being scored.
	NormalizeBatch = "batch"

	// NormalizeFitted rescales by the min and max seen on the training data
	// and clamps to [0,1], so a row scores the same in any batch.
	NormalizeFitted = "fitted"
)

// IsolationConfig holds isolation forest settings.
type IsolationConfig struct {
	Trees      int
	SampleSize int

	// Contamination is the expected anomalous fraction, in (0, 0.5].
	Contamination float64

	Normalization string

	Seed    uint64
	Workers int
}

// DefaultIsolationConfig returns the standard isolation forest settings.
func DefaultIsolationConfig() IsolationConfig {
	return IsolationConfig{
		Trees:         200,
		SampleSize:    256,
		Contamination: 0.05,
		Normalization: NormalizeBatch,
		Seed:          42,
	}
}

// IsolationForest is an unsupervised anomaly scorer. Rows that random axis
// splits isolate quickly get a high raw score 2^(-E[h]/c(n)).
type IsolationForest struct {
	cfg   IsolationConfig
	mu    sync.Mutex
	model atomic.Pointer[isoModel]
}

type isoModel struct {
	width     int
	trees     []isoTree
	norm      float64 // c(sample size)
	threshold float64
	minRaw    float64
	maxRaw    float64
}

type isoNode struct {
	feature   int
	threshold float64
	left      int32
	right     int32
	size      int // leaf sample count
}

type isoTree struct {
	nodes []isoNode
}

// NewIsolationForest validates cfg and returns an unfitted detector.
func NewIsolationForest(cfg IsolationConfig) (*IsolationForest, error) {
	switch {
	case cfg.Trees < 1:
		return nil, fmt.Errorf("isolation: trees must be >= 1, got %d: %w", cfg.Trees, ErrInvalidConfig)
	case cfg.SampleSize < 2:
		return nil, fmt.Errorf("isolation: sample size must be >= 2, got %d: %w", cfg.SampleSize, ErrInvalidConfig)
	case !(cfg.Contamination > 0 && cfg.Contamination <= 0.5):
		return nil, fmt.Errorf("isolation: contamination must be in (0, 0.5], got %v: %w", cfg.Contamination, ErrInvalidConfig)
	}
	switch cfg.Normalization {
	case "":
		cfg.Normalization = NormalizeBatch
	case NormalizeBatch, NormalizeFitted:
	default:
		return nil, fmt.Errorf("isolation: unknown normalization %q: %w", cfg.Normalization, ErrInvalidConfig)
	}
	return &IsolationForest{cfg: cfg}, nil
}

// Name implements Detector.
func (f *IsolationForest) Name() string { return NameIsolation }

// Fit implements Detector. Labels are ignored.
func (f *IsolationForest) Fit(x [][]float64, _ []int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.model.Load() != nil {
		return fmt.Errorf("%s: %w", f.Name(), ErrAlreadyFitted)
	}

	width, err := checkMatrix(f.Name(), x)
	if err != nil {
		return err
	}

	psi := min(f.cfg.SampleSize, len(x))
	if psi < 2 {
		return fmt.Errorf("%s: need at least 2 rows, got %d: %w", f.Name(), len(x), ErrDegenerateInput)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(psi))))

	master := rand.New(rand.NewPCG(f.cfg.Seed, 0x150))
	seeds := make([]uint64, f.cfg.Trees)
	for t := range seeds {
		seeds[t] = master.Uint64()
	}

	trees := make([]isoTree, f.cfg.Trees)
	buildParallel(f.cfg.Trees, f.cfg.Workers, func(t int) {
		rng := rand.New(rand.NewPCG(seeds[t], uint64(t)))
		b := &isoBuilder{x: x, rng: rng, width: width, maxDepth: maxDepth}
		b.build(sampleWithoutReplacement(rng, len(x), psi), 0)
		trees[t] = b.tree
	})

	m := &isoModel{
		width: width,
		trees: trees,
		norm:  averagePathLength(psi),
	}

	raw := m.rawScores(x, f.cfg.Workers)
	m.minRaw, m.maxRaw = slices.Min(raw), slices.Max(raw)
	m.threshold = quantile(raw, 1-f.cfg.Contamination)

	f.model.Store(m)
	return nil
}

// Score implements Detector and returns normalized anomaly scores in [0,1].
func (f *IsolationForest) Score(x [][]float64) ([]float64, error) {
	m := f.model.Load()
	if m == nil {
		return nil, fmt.Errorf("%s: %w", f.Name(), ErrNotFitted)
	}
	if err := checkWidth(f.Name(), x, m.width); err != nil {
		return nil, err
	}
	if len(x) == 0 {
		return []float64{}, nil
	}

	raw := m.rawScores(x, f.cfg.Workers)

	lo, hi := m.minRaw, m.maxRaw
	if f.cfg.Normalization == NormalizeBatch {
		blo, bhi := slices.Min(raw), slices.Max(raw)
		// a batch with no spread carries no relative signal; use the
		// training bounds instead
		if bhi > blo {
			lo, hi = blo, bhi
		}
	}

	out := make([]float64, len(raw))
	if hi <= lo {
		return out, nil
	}
	for i, r := range raw {
		out[i] = min(max((r-lo)/(hi-lo), 0), 1)
	}
	return out, nil
}

// RawScores returns un-normalized scores 2^(-E[h]/c(n)) in (0,1].
func (f *IsolationForest) RawScores(x [][]float64) ([]float64, error) {
	m := f.model.Load()
	if m == nil {
		return nil, fmt.Errorf("%s: %w", f.Name(), ErrNotFitted)
	}
	if err := checkWidth(f.Name(), x, m.width); err != nil {
		return nil, err
	}
	return m.rawScores(x, f.cfg.Workers), nil
}

// IsAnomaly flags rows whose raw score reaches the fitted contamination
// threshold.
func (f *IsolationForest) IsAnomaly(x [][]float64) ([]bool, error) {
	raw, err := f.RawScores(x)
	if err != nil {
		return nil, err
	}
	threshold := f.model.Load().threshold
	out := make([]bool, len(raw))
	for i, r := range raw {
		out[i] = r >= threshold
	}
	return out, nil
}

// Bounds returns the training raw-score range used by fitted normalization.
func (f *IsolationForest) Bounds() (lo, hi float64, ok bool) {
	m := f.model.Load()
	if m == nil {
		return 0, 0, false
	}
	return m.minRaw, m.maxRaw, true
}

func (m *isoModel) rawScores(x [][]float64, workers int) []float64 {
	out := make([]float64, len(x))
	parallelFor(len(x), workers, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			sum := 0.0
			for t := range m.trees {
				sum += m.trees[t].pathLength(x[i])
			}
			mean := sum / float64(len(m.trees))
			out[i] = math.Exp2(-mean / m.norm)
		}
	})
	return out
}

func (t *isoTree) pathLength(row []float64) float64 {
	depth := 0.0
	n := &t.nodes[0]
	for n.left >= 0 {
		if row[n.feature] < n.threshold {
			n = &t.nodes[n.left]
		} else {
			n = &t.nodes[n.right]
		}
		depth++
	}
	return depth + averagePathLength(n.size)
}

type isoBuilder struct {
	x        [][]float64
	rng      *rand.Rand
	width    int
	maxDepth int
	tree     isoTree
}

func (b *isoBuilder) build(idx []int, depth int) int32 {
	id := int32(len(b.tree.nodes))
	b.tree.nodes = append(b.tree.nodes, isoNode{left: -1, right: -1, size: len(idx)})

	if depth >= b.maxDepth || len(idx) <= 1 {
		return id
	}

	// try features in random order until one varies within the node
	for _, j := range b.rng.Perm(b.width) {
		lo, hi := b.x[idx[0]][j], b.x[idx[0]][j]
		for _, i := range idx[1:] {
			v := b.x[i][j]
			lo = min(lo, v)
			hi = max(hi, v)
		}
		if hi <= lo {
			continue
		}

		threshold := lo + b.rng.Float64()*(hi-lo)
		if threshold <= lo {
			threshold = math.Nextafter(lo, hi)
		}

		mid := 0
		for k, i := range idx {
			if b.x[i][j] < threshold {
				idx[mid], idx[k] = idx[k], idx[mid]
				mid++
			}
		}

		b.tree.nodes[id].feature = j
		b.tree.nodes[id].threshold = threshold
		left := b.build(idx[:mid], depth+1)
		right := b.build(idx[mid:], depth+1)
		b.tree.nodes[id].left = left
		b.tree.nodes[id].right = right
		return id
	}
	return id
}

// averagePathLength is c(n), the mean unsuccessful search length in a
// binary search tree of n nodes.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	const eulerGamma = 0.5772156649015329
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

func sampleWithoutReplacement(rng *rand.Rand, n, k int) []int {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	for i := 0; i < k; i++ {
		j := i + rng.IntN(n-i)
		perm[i], perm[j] = perm[j], perm[i]
	}
	return perm[:k]
}

// quantile returns the q-quantile of vals with linear interpolation.
func quantile(vals []float64, q float64) float64 {
	s := slices.Clone(vals)
	slices.Sort(s)
	pos := q * float64(len(s)-1)
	lo := int(math.Floor(pos))
	hi := min(lo+1, len(s)-1)
	frac := pos - float64(lo)
	return s[lo] + frac*(s[hi]-s[lo])
}
