package detector

import (
	"fmt"
	"math"
)

// checkMatrix verifies x is a non-empty, rectangular, finite matrix with at
// least one non-constant column, and returns its width.
func checkMatrix(name string, x [][]float64) (int, error) {
	if len(x) == 0 || len(x[0]) == 0 {
		return 0, fmt.Errorf("%s: empty feature matrix: %w", name, ErrDegenerateInput)
	}
	width := len(x[0])

	varying := make([]bool, width)
	for i, row := range x {
		if len(row) != width {
			return 0, fmt.Errorf("%s: row %d has %d columns, expected %d: %w",
				name, i, len(row), width, ErrDegenerateInput)
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return 0, fmt.Errorf("%s: non-finite value at row %d column %d: %w",
					name, i, j, ErrDegenerateInput)
			}
			if v != x[0][j] {
				varying[j] = true
			}
		}
	}

	for _, ok := range varying {
		if ok {
			return width, nil
		}
	}
	return 0, fmt.Errorf("%s: every feature column is constant: %w", name, ErrDegenerateInput)
}

// checkLabels verifies labels are binary, aligned with n rows and contain
// both classes. It returns the class counts.
func checkLabels(name string, labels []int, n int) (pos, neg int, err error) {
	if len(labels) != n {
		return 0, 0, fmt.Errorf("%s: %d labels for %d rows: %w", name, len(labels), n, ErrDegenerateInput)
	}
	for i, y := range labels {
		switch y {
		case 0:
			neg++
		case 1:
			pos++
		default:
			return 0, 0, fmt.Errorf("%s: label %d at row %d is not 0 or 1: %w", name, y, i, ErrDegenerateInput)
		}
	}
	if pos == 0 || neg == 0 {
		return 0, 0, fmt.Errorf("%s: single-class labels (%d positive, %d negative): %w",
			name, pos, neg, ErrDegenerateInput)
	}
	return pos, neg, nil
}

func checkWidth(name string, x [][]float64, width int) error {
	for i, row := range x {
		if len(row) != width {
			return fmt.Errorf("%s: row %d has %d columns, fitted on %d: %w",
				name, i, len(row), width, ErrShapeMismatch)
		}
	}
	return nil
}
