package detector

// node is one entry of a flattened binary tree. Leaves have left == -1.
type node struct {
	feature   int
	bin       uint8
	threshold float64
	left      int32
	right     int32
	value     float64
}

type tree struct {
	nodes []node
}

func (t *tree) addLeaf(value float64) int32 {
	t.nodes = append(t.nodes, node{left: -1, right: -1, value: value})
	return int32(len(t.nodes) - 1)
}

// addSplit reserves a split node; children are linked by the caller.
func (t *tree) addSplit(feature int, bin uint8, threshold float64) int32 {
	t.nodes = append(t.nodes, node{feature: feature, bin: bin, threshold: threshold, left: -1, right: -1})
	return int32(len(t.nodes) - 1)
}

// predict walks raw feature values.
func (t *tree) predict(row []float64) float64 {
	n := &t.nodes[0]
	for n.left >= 0 {
		if row[n.feature] <= n.threshold {
			n = &t.nodes[n.left]
		} else {
			n = &t.nodes[n.right]
		}
	}
	return n.value
}

// predictBinned walks binned training columns.
func (t *tree) predictBinned(cols [][]uint8, i int) float64 {
	n := &t.nodes[0]
	for n.left >= 0 {
		if cols[n.feature][i] <= n.bin {
			n = &t.nodes[n.left]
		} else {
			n = &t.nodes[n.right]
		}
	}
	return n.value
}

// partition reorders idx so rows going left come first and returns the
// split point.
func partition(idx []int32, col []uint8, bin uint8) int {
	lo, hi := 0, len(idx)-1
	for lo <= hi {
		if col[idx[lo]] <= bin {
			lo++
		} else {
			idx[lo], idx[hi] = idx[hi], idx[lo]
			hi--
		}
	}
	return lo
}
