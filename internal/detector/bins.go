package detector

import (
	"slices"
	"sort"
)

// maxBins bounds the histogram resolution of the tree learners.
const maxBins = 64

// binner maps raw feature values onto quantile bins. Bin b holds values v
// with edges[b-1] < v <= edges[b], so a split "bin <= b" is the same test as
// "v <= edges[b]" on raw values.
type binner struct {
	edges [][]float64
}

func newBinner(x [][]float64) *binner {
	width := len(x[0])
	b := &binner{edges: make([][]float64, width)}

	col := make([]float64, len(x))
	for j := 0; j < width; j++ {
		for i, row := range x {
			col[i] = row[j]
		}
		b.edges[j] = quantileEdges(col)
	}
	return b
}

// quantileEdges sorts vals in place and returns at most maxBins-1 ascending
// split points.
func quantileEdges(vals []float64) []float64 {
	slices.Sort(vals)
	uniq := slices.Compact(slices.Clone(vals))

	if len(uniq) <= 1 {
		return nil
	}

	if len(uniq) <= maxBins {
		edges := make([]float64, len(uniq)-1)
		for k := range edges {
			edges[k] = (uniq[k] + uniq[k+1]) / 2
		}
		return edges
	}

	edges := make([]float64, 0, maxBins-1)
	n := len(vals)
	for k := 1; k < maxBins; k++ {
		q := vals[k*n/maxBins]
		if q == vals[n-1] {
			break
		}
		if len(edges) == 0 || q > edges[len(edges)-1] {
			edges = append(edges, q)
		}
	}
	return edges
}

func (b *binner) bins(j int) int {
	return len(b.edges[j]) + 1
}

func (b *binner) bin(j int, v float64) uint8 {
	return uint8(sort.SearchFloat64s(b.edges[j], v))
}

// threshold returns the raw split value equivalent to "bin <= k".
func (b *binner) threshold(j, k int) float64 {
	return b.edges[j][k]
}

// transform bins x column-major: out[j][i] is row i, feature j.
func (b *binner) transform(x [][]float64) [][]uint8 {
	out := make([][]uint8, len(b.edges))
	for j := range out {
		col := make([]uint8, len(x))
		for i, row := range x {
			col[i] = b.bin(j, row[j])
		}
		out[j] = col
	}
	return out
}
