package detector

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
)

// ForestConfig holds bagged-tree hyperparameters.
type ForestConfig struct {
	Trees           int
	MaxDepth        int
	MinSamplesSplit int
	MinSamplesLeaf  int

	// MaxFeatures is the number of features tried per split; 0 means
	// sqrt(width).
	MaxFeatures int

	Seed    uint64
	Workers int
}

// DefaultForestConfig returns the standard bagged-tree settings.
func DefaultForestConfig() ForestConfig {
	return ForestConfig{
		Trees:           200,
		MaxDepth:        20,
		MinSamplesSplit: 10,
		MinSamplesLeaf:  5,
		Seed:            42,
	}
}

// Forest is a random forest of Gini classification trees, each grown on a
// class-balanced bootstrap: as many positive as negative rows, both drawn
// with replacement. Balancing keeps the minority class from collapsing on
// heavily imbalanced labels.
type Forest struct {
	cfg   ForestConfig
	mu    sync.Mutex
	model atomic.Pointer[forestModel]
}

type forestModel struct {
	width      int
	trees      []tree
	importance []float64
}

// NewForest validates cfg and returns an unfitted forest.
func NewForest(cfg ForestConfig) (*Forest, error) {
	switch {
	case cfg.Trees < 1:
		return nil, fmt.Errorf("forest: trees must be >= 1, got %d: %w", cfg.Trees, ErrInvalidConfig)
	case cfg.MaxDepth < 1:
		return nil, fmt.Errorf("forest: max depth must be >= 1, got %d: %w", cfg.MaxDepth, ErrInvalidConfig)
	case cfg.MinSamplesSplit < 2:
		return nil, fmt.Errorf("forest: min samples split must be >= 2, got %d: %w", cfg.MinSamplesSplit, ErrInvalidConfig)
	case cfg.MinSamplesLeaf < 1:
		return nil, fmt.Errorf("forest: min samples leaf must be >= 1, got %d: %w", cfg.MinSamplesLeaf, ErrInvalidConfig)
	case cfg.MaxFeatures < 0:
		return nil, fmt.Errorf("forest: max features must be >= 0, got %d: %w", cfg.MaxFeatures, ErrInvalidConfig)
	}
	return &Forest{cfg: cfg}, nil
}

// Name implements Detector.
func (f *Forest) Name() string { return NameForest }

// Fit implements Detector.
func (f *Forest) Fit(x [][]float64, labels []int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.model.Load() != nil {
		return fmt.Errorf("%s: %w", f.Name(), ErrAlreadyFitted)
	}

	width, err := checkMatrix(f.Name(), x)
	if err != nil {
		return err
	}
	if _, _, err := checkLabels(f.Name(), labels, len(x)); err != nil {
		return err
	}

	var posIdx, negIdx []int32
	for i, y := range labels {
		if y == 1 {
			posIdx = append(posIdx, int32(i))
		} else {
			negIdx = append(negIdx, int32(i))
		}
	}
	perClass := min(len(posIdx), len(negIdx))

	bins := newBinner(x)
	cols := bins.transform(x)

	mtry := f.cfg.MaxFeatures
	if mtry == 0 {
		mtry = int(math.Sqrt(float64(width)))
	}
	mtry = max(1, min(mtry, width))

	// Seeds are drawn up front so tree t is the same whatever the schedule.
	master := rand.New(rand.NewPCG(f.cfg.Seed, 0x5eed))
	seeds := make([]uint64, f.cfg.Trees)
	for t := range seeds {
		seeds[t] = master.Uint64()
	}

	trees := make([]tree, f.cfg.Trees)
	imps := make([][]float64, f.cfg.Trees)

	buildParallel(f.cfg.Trees, f.cfg.Workers, func(t int) {
		rng := rand.New(rand.NewPCG(seeds[t], uint64(t)))

		idx := make([]int32, 0, 2*perClass)
		for range perClass {
			idx = append(idx, posIdx[rng.IntN(len(posIdx))])
		}
		for range perClass {
			idx = append(idx, negIdx[rng.IntN(len(negIdx))])
		}

		b := &cartBuilder{
			cols:       cols,
			labels:     labels,
			bins:       bins,
			cfg:        &f.cfg,
			mtry:       mtry,
			rng:        rng,
			importance: make([]float64, width),
			features:   identity(width),
		}
		b.build(idx, 0)

		trees[t] = b.tree
		imps[t] = b.importance
	})

	f.model.Store(&forestModel{
		width:      width,
		trees:      trees,
		importance: meanNormalized(imps, width),
	})
	return nil
}

// Score implements Detector. The score is the mean leaf positive fraction.
func (f *Forest) Score(x [][]float64) ([]float64, error) {
	m := f.model.Load()
	if m == nil {
		return nil, fmt.Errorf("%s: %w", f.Name(), ErrNotFitted)
	}
	if err := checkWidth(f.Name(), x, m.width); err != nil {
		return nil, err
	}

	out := make([]float64, len(x))
	parallelFor(len(x), f.cfg.Workers, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			sum := 0.0
			for t := range m.trees {
				sum += m.trees[t].predict(x[i])
			}
			out[i] = sum / float64(len(m.trees))
		}
	})
	return out, nil
}

// FeatureImportances returns the mean impurity decrease per feature,
// normalized to sum to 1. It returns nil before Fit.
func (f *Forest) FeatureImportances() []float64 {
	m := f.model.Load()
	if m == nil {
		return nil
	}
	out := make([]float64, len(m.importance))
	copy(out, m.importance)
	return out
}

// cartBuilder grows one tree. It is owned by a single goroutine.
type cartBuilder struct {
	cols   [][]uint8
	labels []int
	bins   *binner
	cfg    *ForestConfig
	mtry   int
	rng    *rand.Rand

	tree       tree
	importance []float64
	features   []int

	count [maxBins]float64
	pos   [maxBins]float64
}

type split struct {
	ok      bool
	feature int
	bin     uint8
	gain    float64
}

func (b *cartBuilder) build(idx []int32, depth int) int32 {
	n := len(idx)
	p := 0
	for _, i := range idx {
		p += b.labels[i]
	}

	if depth >= b.cfg.MaxDepth || n < b.cfg.MinSamplesSplit || p == 0 || p == n {
		return b.tree.addLeaf(float64(p) / float64(n))
	}

	s := b.bestSplit(idx, float64(n), float64(p))
	if !s.ok {
		return b.tree.addLeaf(float64(p) / float64(n))
	}

	id := b.tree.addSplit(s.feature, s.bin, b.bins.threshold(s.feature, int(s.bin)))
	b.importance[s.feature] += s.gain

	mid := partition(idx, b.cols[s.feature], s.bin)
	left := b.build(idx[:mid], depth+1)
	right := b.build(idx[mid:], depth+1)

	b.tree.nodes[id].left = left
	b.tree.nodes[id].right = right
	return id
}

// bestSplit visits features in random order and keeps searching past mtry
// until at least one valid split is found.
func (b *cartBuilder) bestSplit(idx []int32, n, p float64) split {
	minLeaf := float64(b.cfg.MinSamplesLeaf)
	parent := n * gini(p, n)

	var best split
	for visited := 0; visited < len(b.features); visited++ {
		if visited >= b.mtry && best.ok {
			break
		}

		k := visited + b.rng.IntN(len(b.features)-visited)
		b.features[visited], b.features[k] = b.features[k], b.features[visited]
		j := b.features[visited]

		nb := b.bins.bins(j)
		if nb < 2 {
			continue
		}
		clear(b.count[:nb])
		clear(b.pos[:nb])
		col := b.cols[j]
		for _, i := range idx {
			bin := col[i]
			b.count[bin]++
			b.pos[bin] += float64(b.labels[i])
		}

		nl, pl := 0.0, 0.0
		for bin := 0; bin < nb-1; bin++ {
			nl += b.count[bin]
			pl += b.pos[bin]
			nr := n - nl
			if nl < minLeaf {
				continue
			}
			if nr < minLeaf {
				break
			}
			gain := parent - nl*gini(pl, nl) - nr*gini(p-pl, nr)
			if gain > 1e-12 && gain > best.gain {
				best = split{ok: true, feature: j, bin: uint8(bin), gain: gain}
			}
		}
	}
	return best
}

func gini(p, n float64) float64 {
	q := p / n
	return 2 * q * (1 - q)
}

func identity(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// meanNormalized normalizes each tree's importances to sum 1, averages them
// and renormalizes.
func meanNormalized(per [][]float64, width int) []float64 {
	out := make([]float64, width)
	for _, imp := range per {
		total := 0.0
		for _, v := range imp {
			total += v
		}
		if total == 0 {
			continue
		}
		for j, v := range imp {
			out[j] += v / total
		}
	}

	total := 0.0
	for _, v := range out {
		total += v
	}
	if total > 0 {
		for j := range out {
			out[j] /= total
		}
	}
	return out
}
