// Package velocity provides causal transaction velocity calculation.
package velocity

import (
	"math"
	"slices"
	"sync"
	"time"
)

// Window is a named trailing time window.
type Window struct {
	Name string
	Span time.Duration
}

// DefaultWindows are the trailing windows used for feature construction.
var DefaultWindows = []Window{
	{Name: "1h", Span: time.Hour},
	{Name: "24h", Span: 24 * time.Hour},
	{Name: "7d", Span: 7 * 24 * time.Hour},
	{Name: "30d", Span: 30 * 24 * time.Hour},
}

// Event is one transaction as seen by the velocity calculation.
type Event struct {
	// Key groups events, typically the source account ID
	Key    string
	At     time.Time
	Amount float64
}

// Stats holds per-window aggregates of the events strictly before an event
// for the same key. Counts[i] and Sums[i] line up with the service windows.
type Stats struct {
	Counts []int
	Sums   []float64
}

// Service calculates transaction velocity for keyed event streams.
type Service struct {
	windows    []Window
	maxWorkers int
}

// NewService creates a new velocity service.
func NewService(windows []Window, maxWorkers int) *Service {
	if len(windows) == 0 {
		windows = DefaultWindows
	}
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	return &Service{
		windows:    windows,
		maxWorkers: maxWorkers,
	}
}

// Windows returns the configured windows.
func (s *Service) Windows() []Window {
	return s.windows
}

// Compute returns one Stats per event, in input order.
//
// For an event at time T, an earlier event of the same key contributes when
// its timestamp lies in [T-span, T]. Earlier means strictly before in the
// stable order (timestamp, input position), so an event never sees itself or
// anything after it. Events with a zero timestamp or empty key neither
// contribute nor receive aggregates.
func (s *Service) Compute(events []Event) []Stats {
	out := make([]Stats, len(events))
	for i := range out {
		out[i] = Stats{
			Counts: make([]int, len(s.windows)),
			Sums:   make([]float64, len(s.windows)),
		}
	}

	groups := make(map[string][]int)
	for i, ev := range events {
		if ev.Key == "" || ev.At.IsZero() {
			continue
		}
		groups[ev.Key] = append(groups[ev.Key], i)
	}

	// Groups are independent and write disjoint rows of out
	var wg sync.WaitGroup
	sem := make(chan struct{}, s.maxWorkers)

	for _, idx := range groups {
		wg.Add(1)
		go func(idx []int) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			s.computeGroup(events, idx, out)
		}(idx)
	}

	wg.Wait()

	return out
}

// computeGroup fills out for one key. idx arrives in input order.
func (s *Service) computeGroup(events []Event, idx []int, out []Stats) {
	slices.SortStableFunc(idx, func(a, b int) int {
		return events[a].At.Compare(events[b].At)
	})

	for w, win := range s.windows {
		var sum windowSum
		lo := 0
		for pos, i := range idx {
			if pos > 0 {
				sum.add(cleanAmount(events[idx[pos-1]].Amount))
			}
			start := events[i].At.Add(-win.Span)
			for lo < pos && events[idx[lo]].At.Before(start) {
				sum.add(-cleanAmount(events[idx[lo]].Amount))
				lo++
			}

			count := pos - lo
			out[i].Counts[w] = count
			if count == 0 {
				sum = windowSum{}
				continue
			}
			out[i].Sums[w] = max(sum.value(), 0)
		}
	}
}

// windowSum is a Neumaier-compensated running sum. Rows leave the window by
// adding their negation, so a large amount that has left does not take the
// low-order digits of the remaining rows with it.
type windowSum struct {
	sum, comp float64
}

func (k *windowSum) add(x float64) {
	t := k.sum + x
	if math.Abs(k.sum) >= math.Abs(x) {
		k.comp += (k.sum - t) + x
	} else {
		k.comp += (x - t) + k.sum
	}
	k.sum = t
}

func (k *windowSum) value() float64 {
	return k.sum + k.comp
}

// cleanAmount maps malformed amounts to zero.
func cleanAmount(v float64) float64 {
	if math.IsNaN(v) || v < 0 || v > maxAmount {
		return 0
	}
	return v
}

// maxAmount rejects +Inf and absurd magnitudes.
const maxAmount = 1e15
