// Package detector provides the three risk detectors behind one interface:
// a bagged-tree classifier, a boosted-tree classifier and an isolation
// forest anomaly scorer.
//
// Detectors are written once by Fit and are read-only afterwards, so a
// fitted detector may be scored from any number of goroutines.
package detector

import (
	"errors"
	"runtime"
	"sync"
)

// Detector is a trainable scorer over a dense feature matrix.
type Detector interface {
	// Name identifies the detector in logs and errors.
	Name() string

	// Fit trains the detector. Unsupervised detectors ignore labels.
	// Fit succeeds at most once.
	Fit(x [][]float64, labels []int) error

	// Score returns one value in [0,1] per row; higher is riskier.
	Score(x [][]float64) ([]float64, error)
}

var (
	// ErrAlreadyFitted is returned by a second Fit call.
	ErrAlreadyFitted = errors.New("detector already fitted")

	// ErrNotFitted is returned when scoring before Fit.
	ErrNotFitted = errors.New("detector not fitted")

	// ErrDegenerateInput is returned when the training data cannot support a fit.
	ErrDegenerateInput = errors.New("degenerate training input")

	// ErrNotConverged is returned when training diverges.
	ErrNotConverged = errors.New("detector did not converge")

	// ErrShapeMismatch is returned when scoring rows of the wrong width.
	ErrShapeMismatch = errors.New("feature width does not match fitted width")

	// ErrInvalidConfig is returned by constructors for out-of-range settings.
	ErrInvalidConfig = errors.New("invalid detector configuration")
)

// Detector names.
const (
	NameForest    = "bagged_forest"
	NameBooster   = "boosted_trees"
	NameIsolation = "isolation_forest"
)

func defaultWorkers(n int) int {
	if n > 0 {
		return n
	}
	return runtime.GOMAXPROCS(0)
}

// parallelFor runs fn over [0,n) in contiguous chunks on up to workers
// goroutines.
func parallelFor(n, workers int, fn func(lo, hi int)) {
	if n == 0 {
		return
	}
	workers = min(defaultWorkers(workers), n)
	chunk := (n + workers - 1) / workers

	var wg sync.WaitGroup
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			fn(lo, hi)
		}(lo, hi)
	}
	wg.Wait()
}

// buildParallel runs build(t) for each t in [0,n), at most workers at a time.
func buildParallel(n, workers int, build func(t int)) {
	var wg sync.WaitGroup
	sem := make(chan struct{}, defaultWorkers(workers))

	for t := 0; t < n; t++ {
		wg.Add(1)
		go func(t int) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			build(t)
		}(t)
	}

	wg.Wait()
}
