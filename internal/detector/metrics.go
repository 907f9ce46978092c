package detector

import (
	"math"
	"sort"
)

// Evaluation summarizes one detector against held-out labels.
type Evaluation struct {
	AUC       float64 `json:"auc"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

// Evaluate computes AUC and precision/recall at threshold.
func Evaluate(scores []float64, labels []int, threshold float64) Evaluation {
	p, r := PrecisionRecall(scores, labels, threshold)
	f1 := 0.0
	if p+r > 0 {
		f1 = 2 * p * r / (p + r)
	}
	return Evaluation{
		AUC:       AUC(scores, labels),
		Precision: p,
		Recall:    r,
		F1:        f1,
	}
}

// AUC returns the area under the ROC curve via the rank-sum statistic, with
// tied scores sharing their average rank. It returns NaN when either class
// is absent.
func AUC(scores []float64, labels []int) float64 {
	n := min(len(scores), len(labels))
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] < scores[order[b]]
	})

	var pos, neg int
	rankSum := 0.0
	for i := 0; i < n; {
		j := i
		for j < n && scores[order[j]] == scores[order[i]] {
			j++
		}
		avg := float64(i+j+1) / 2 // ranks are 1-based
		for k := i; k < j; k++ {
			if labels[order[k]] == 1 {
				pos++
				rankSum += avg
			} else {
				neg++
			}
		}
		i = j
	}

	if pos == 0 || neg == 0 {
		return math.NaN()
	}
	fp, fn := float64(pos), float64(neg)
	return (rankSum - fp*(fp+1)/2) / (fp * fn)
}

// PrecisionRecall treats score >= threshold as a positive prediction.
// Undefined ratios are reported as 0.
func PrecisionRecall(scores []float64, labels []int, threshold float64) (precision, recall float64) {
	var tp, fp, fn int
	for i := 0; i < min(len(scores), len(labels)); i++ {
		predicted := scores[i] >= threshold
		switch {
		case predicted && labels[i] == 1:
			tp++
		case predicted:
			fp++
		case labels[i] == 1:
			fn++
		}
	}
	if tp+fp > 0 {
		precision = float64(tp) / float64(tp+fp)
	}
	if tp+fn > 0 {
		recall = float64(tp) / float64(tp+fn)
	}
	return precision, recall
}
