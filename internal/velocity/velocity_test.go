package velocity

import (
	"math"
	"testing"
	"time"
)

var base = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func TestVelocityService(t *testing.T) {
	svc := NewService(nil, 4)

	t.Run("EmptyInput", func(t *testing.T) {
		stats := svc.Compute(nil)
		if len(stats) != 0 {
			t.Errorf("expected no stats, got %d", len(stats))
		}
	})

	t.Run("CountsPriorTransactionsInWindow", func(t *testing.T) {
		const n = 5
		events := make([]Event, 0, n+1)
		for i := 0; i < n; i++ {
			events = append(events, Event{
				Key:    "acc-001",
				At:     base.Add(-time.Duration(n-i) * 10 * time.Minute),
				Amount: 100,
			})
		}
		events = append(events, Event{Key: "acc-001", At: base, Amount: 500})

		stats := svc.Compute(events)
		current := stats[n]

		if current.Counts[0] != n {
			t.Errorf("expected 1h count %d, got %d", n, current.Counts[0])
		}
		if current.Sums[0] != n*100 {
			t.Errorf("expected 1h sum %d, got %.2f", n*100, current.Sums[0])
		}
		if stats[0].Counts[0] != 0 {
			t.Errorf("expected earliest event to see nothing, got %d", stats[0].Counts[0])
		}
	})

	t.Run("NoFutureLeakage", func(t *testing.T) {
		events := []Event{
			{Key: "acc-001", At: base.Add(-30 * time.Minute), Amount: 10},
			{Key: "acc-001", At: base, Amount: 20},
		}
		before := svc.Compute(events)[1]

		withFuture := append(events,
			Event{Key: "acc-001", At: base.Add(time.Minute), Amount: 1000},
			Event{Key: "acc-001", At: base.Add(2 * time.Hour), Amount: 1000},
		)
		after := svc.Compute(withFuture)[1]

		for w := range svc.Windows() {
			if before.Counts[w] != after.Counts[w] {
				t.Errorf("window %d: count changed from %d to %d after adding later events",
					w, before.Counts[w], after.Counts[w])
			}
			if before.Sums[w] != after.Sums[w] {
				t.Errorf("window %d: sum changed from %.2f to %.2f after adding later events",
					w, before.Sums[w], after.Sums[w])
			}
		}
	})

	t.Run("MonotoneAsPriorEventsAdded", func(t *testing.T) {
		target := Event{Key: "acc-001", At: base, Amount: 1}
		prev := -1
		events := []Event{}
		for i := 0; i < 10; i++ {
			events = append(events, Event{Key: "acc-001", At: base.Add(-time.Duration(i+1) * time.Hour), Amount: 1})
			stats := svc.Compute(append(append([]Event{}, events...), target))
			got := stats[len(events)].Counts[1]
			if got < prev {
				t.Fatalf("24h count decreased from %d to %d", prev, got)
			}
			prev = got
		}
	})

	t.Run("WindowBoundaryInclusive", func(t *testing.T) {
		events := []Event{
			{Key: "acc-001", At: base.Add(-time.Hour), Amount: 1},
			{Key: "acc-001", At: base.Add(-time.Hour - time.Second), Amount: 1},
			{Key: "acc-001", At: base, Amount: 1},
		}
		stats := svc.Compute(events)
		if stats[2].Counts[0] != 1 {
			t.Errorf("expected exactly one event within 1h, got %d", stats[2].Counts[0])
		}
		if stats[2].Counts[1] != 2 {
			t.Errorf("expected two events within 24h, got %d", stats[2].Counts[1])
		}
	})

	t.Run("TiesResolvedByInputOrder", func(t *testing.T) {
		events := []Event{
			{Key: "acc-001", At: base, Amount: 1},
			{Key: "acc-001", At: base, Amount: 2},
			{Key: "acc-001", At: base, Amount: 4},
		}
		stats := svc.Compute(events)
		for i, want := range []int{0, 1, 2} {
			if stats[i].Counts[0] != want {
				t.Errorf("event %d: expected count %d, got %d", i, want, stats[i].Counts[0])
			}
		}
		if stats[2].Sums[0] != 3 {
			t.Errorf("expected sum 3, got %.2f", stats[2].Sums[0])
		}
	})

	t.Run("KeysAreIsolated", func(t *testing.T) {
		events := []Event{
			{Key: "acc-001", At: base.Add(-time.Minute), Amount: 1},
			{Key: "acc-002", At: base.Add(-time.Minute), Amount: 1},
			{Key: "acc-002", At: base, Amount: 1},
		}
		stats := svc.Compute(events)
		if stats[2].Counts[0] != 1 {
			t.Errorf("expected count 1 for acc-002, got %d", stats[2].Counts[0])
		}
	})

	t.Run("MalformedEventsIgnored", func(t *testing.T) {
		events := []Event{
			{Key: "acc-001", At: time.Time{}, Amount: 100},
			{Key: "acc-001", At: base.Add(-time.Minute), Amount: math.NaN()},
			{Key: "acc-001", At: base.Add(-time.Second), Amount: -50},
			{Key: "", At: base, Amount: 100},
			{Key: "acc-001", At: base, Amount: 1},
		}
		stats := svc.Compute(events)

		if stats[0].Counts[3] != 0 {
			t.Errorf("zero-timestamp event should receive no aggregates, got %d", stats[0].Counts[3])
		}
		if stats[4].Counts[0] != 2 {
			t.Errorf("expected 2 valid prior events, got %d", stats[4].Counts[0])
		}
		if stats[4].Sums[0] != 0 {
			t.Errorf("malformed amounts should sum to 0, got %.2f", stats[4].Sums[0])
		}
	})

	t.Run("LargeEarlierAmountKeepsPrecision", func(t *testing.T) {
		later := base.Add(60 * 24 * time.Hour)
		events := []Event{
			{Key: "acc-001", At: base, Amount: 5e14},
			{Key: "acc-001", At: later, Amount: 0.37},
			{Key: "acc-001", At: later.Add(time.Minute), Amount: 1},
		}
		stats := svc.Compute(events)

		for w, win := range svc.Windows() {
			if stats[2].Counts[w] != 1 {
				t.Errorf("%s: expected count 1, got %d", win.Name, stats[2].Counts[w])
			}
			if got := stats[2].Sums[w]; math.Abs(got-0.37) > 1e-9 {
				t.Errorf("%s: expected sum 0.37, got %.6f", win.Name, got)
			}
		}
	})

	t.Run("LargeAmountLeavesWindow", func(t *testing.T) {
		events := []Event{
			{Key: "acc-001", At: base, Amount: 5e14},
			{Key: "acc-001", At: base.Add(time.Hour), Amount: 0.37},
			{Key: "acc-001", At: base.Add(24*time.Hour + 30*time.Minute), Amount: 1},
		}
		stats := svc.Compute(events)
		if stats[2].Counts[1] != 1 {
			t.Fatalf("24h: expected count 1, got %d", stats[2].Counts[1])
		}
		if got := stats[2].Sums[1]; math.Abs(got-0.37) > 1e-9 {
			t.Errorf("24h: expected sum 0.37 after the large amount left, got %.6f", got)
		}
	})

	t.Run("LargeAmountInsideWindow", func(t *testing.T) {
		events := []Event{
			{Key: "acc-001", At: base.Add(-2 * time.Hour), Amount: 5e14},
			{Key: "acc-001", At: base.Add(-time.Minute), Amount: 0.37},
			{Key: "acc-001", At: base, Amount: 1},
		}
		stats := svc.Compute(events)
		if got := stats[2].Sums[0]; math.Abs(got-0.37) > 1e-9 {
			t.Errorf("1h: expected sum 0.37, got %.6f", got)
		}
		if got := stats[2].Sums[1]; got != 5e14+0.37 {
			t.Errorf("24h: expected sum %.3f, got %.3f", 5e14+0.37, got)
		}
	})
}
