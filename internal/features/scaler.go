package features

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrEmptyMatrix is returned when fitting on no rows.
	ErrEmptyMatrix = errors.New("features: empty matrix")

	// ErrWidthMismatch is returned when a row does not have the fitted width.
	ErrWidthMismatch = errors.New("features: row width mismatch")
)

// Scaler standardizes columns to zero mean and unit variance.
// A Scaler is fitted once during training and is read-only afterwards.
type Scaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// FitScaler computes per-column mean and population standard deviation.
// Constant columns get a scale of 1 so they transform to zero.
func FitScaler(x [][]float64) (*Scaler, error) {
	if len(x) == 0 || len(x[0]) == 0 {
		return nil, ErrEmptyMatrix
	}
	width := len(x[0])

	mean := make([]float64, width)
	for i, row := range x {
		if len(row) != width {
			return nil, fmt.Errorf("row %d: %w", i, ErrWidthMismatch)
		}
		for j, v := range row {
			mean[j] += v
		}
	}
	n := float64(len(x))
	for j := range mean {
		mean[j] /= n
	}

	scale := make([]float64, width)
	for _, row := range x {
		for j, v := range row {
			d := v - mean[j]
			scale[j] += d * d
		}
	}
	for j := range scale {
		scale[j] = math.Sqrt(scale[j] / n)
		if scale[j] < 1e-12 || math.IsNaN(scale[j]) {
			scale[j] = 1
		}
	}

	return &Scaler{Mean: mean, Scale: scale}, nil
}

// Transform returns a standardized copy of x.
func (s *Scaler) Transform(x [][]float64) ([][]float64, error) {
	out := make([][]float64, len(x))
	for i, row := range x {
		if len(row) != len(s.Mean) {
			return nil, fmt.Errorf("row %d has %d columns, scaler fitted on %d: %w",
				i, len(row), len(s.Mean), ErrWidthMismatch)
		}
		scaled := make([]float64, len(row))
		for j, v := range row {
			scaled[j] = (v - s.Mean[j]) / s.Scale[j]
		}
		out[i] = scaled
	}
	return out, nil
}
