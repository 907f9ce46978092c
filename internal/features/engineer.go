// Package features turns transaction and account records into the fixed
// numeric feature matrix consumed by the detectors.
package features

import (
	"math"
	"slices"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

const (
	// eps guards the statistical ratios against zero denominators
	eps = 1e-6

	// upper bound for a usable amount; anything above is treated as malformed
	maxAmount = 1e15
)

// Engineer builds feature matrices. It holds only configuration, so one
// Engineer may be shared by concurrent callers.
type Engineer struct {
	highRisk  map[string]struct{}
	taxHavens map[string]struct{}
	velocity  *velocity.Service
}

// NewEngineer creates an Engineer from the feature configuration.
// Empty country lists fall back to the defaults.
func NewEngineer(cfg domain.FeatureConfig) *Engineer {
	highRisk := cfg.HighRiskCountries
	if len(highRisk) == 0 {
		highRisk = domain.DefaultHighRiskCountries()
	}
	taxHavens := cfg.TaxHavens
	if len(taxHavens) == 0 {
		taxHavens = domain.DefaultTaxHavens()
	}

	return &Engineer{
		highRisk:  toSet(highRisk),
		taxHavens: toSet(taxHavens),
		velocity:  velocity.NewService(velocity.DefaultWindows, cfg.MaxWorkers),
	}
}

// CreateFeatures returns one row per transaction, in input order.
//
// Row-level data problems never fail the batch: a missing account leaves the
// account columns at their defaults, a malformed amount is read as zero and a
// zero timestamp zeroes the time-dependent columns.
func (e *Engineer) CreateFeatures(txs []domain.Transaction, accounts []domain.Account) *Matrix {
	m := &Matrix{
		Columns: slices.Clone(Columns),
		Rows:    make([][]float64, len(txs)),
	}
	if len(txs) == 0 {
		return m
	}

	accountsByID := domain.AccountIndex(accounts)

	amounts := make([]float64, len(txs))
	events := make([]velocity.Event, len(txs))
	for i := range txs {
		amounts[i] = cleanAmount(txs[i].Amount)
		events[i] = velocity.Event{
			Key:    txs[i].FromAccountID,
			At:     txs[i].Timestamp,
			Amount: amounts[i],
		}
	}

	windows := e.velocity.Compute(events)
	stats := accountStats(txs, amounts)

	for i := range txs {
		tx := &txs[i]
		row := make([]float64, len(Columns))

		a := amounts[i]
		row[0] = a
		row[1] = math.Log1p(a)
		row[2] = boolf(tx.IsCrossBorder())
		row[3] = boolf(a > 0 && math.Mod(a, 1000) == 0)
		row[4] = boolf(a >= 9800 && a < 10000)
		row[5] = boolf(a >= 4900 && a < 5000)

		if !tx.Timestamp.IsZero() {
			ts := tx.Timestamp.UTC()
			hour := ts.Hour()
			dow := mondayFirst(ts.Weekday())
			row[6] = float64(hour)
			row[7] = float64(dow)
			row[8] = boolf(dow >= 5)
			row[9] = boolf(hour < 6 || hour > 22)
		}

		for w := range countColumns {
			row[10+w] = float64(windows[i].Counts[w])
			row[14+w] = windows[i].Sums[w]
		}

		row[18] = 1 // medium, the unknown-account default
		if acct, ok := accountsByID[tx.FromAccountID]; ok && tx.FromAccountID != "" {
			row[18] = acct.RiskRating.Ordinal()
			row[19] = boolf(acct.IsPEP)
			row[20] = accountAgeDays(tx.Timestamp, acct.OpenedAt)
		}

		row[21] = e.member(e.highRisk, tx.FromCountry)
		row[22] = e.member(e.highRisk, tx.ToCountry)
		row[23] = e.member(e.taxHavens, tx.FromCountry)
		row[24] = e.member(e.taxHavens, tx.ToCountry)

		if st, ok := stats[tx.FromAccountID]; ok {
			row[25] = st.mean
			row[26] = st.std
			row[27] = (a - st.mean) / (st.std + eps)
			row[28] = (a - st.mean) / (st.mean + eps) * 100
		}

		m.Rows[i] = row
	}

	return m
}

func (e *Engineer) member(set map[string]struct{}, country string) float64 {
	if country == "" {
		return 0
	}
	_, ok := set[country]
	return boolf(ok)
}

type amountStats struct {
	mean float64
	std  float64
}

// accountStats computes population mean and standard deviation of amounts
// per source account over the batch.
func accountStats(txs []domain.Transaction, amounts []float64) map[string]amountStats {
	type acc struct {
		n       int
		sum, sq float64
	}
	sums := make(map[string]*acc)
	for i := range txs {
		key := txs[i].FromAccountID
		if key == "" {
			continue
		}
		s, ok := sums[key]
		if !ok {
			s = &acc{}
			sums[key] = s
		}
		s.n++
		s.sum += amounts[i]
	}

	out := make(map[string]amountStats, len(sums))
	for key, s := range sums {
		out[key] = amountStats{mean: s.sum / float64(s.n)}
	}

	// second pass keeps the variance free of catastrophic cancellation
	for i := range txs {
		key := txs[i].FromAccountID
		if key == "" {
			continue
		}
		d := amounts[i] - out[key].mean
		sums[key].sq += d * d
	}
	for key, s := range sums {
		st := out[key]
		st.std = math.Sqrt(s.sq / float64(s.n))
		out[key] = st
	}

	return out
}

func accountAgeDays(at, opened time.Time) float64 {
	if at.IsZero() || opened.IsZero() {
		return 0
	}
	days := math.Floor(at.Sub(opened).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// mondayFirst maps time.Weekday onto Monday=0 .. Sunday=6.
func mondayFirst(d time.Weekday) int {
	return (int(d) + 6) % 7
}

func cleanAmount(v float64) float64 {
	if math.IsNaN(v) || v < 0 || v > maxAmount {
		return 0
	}
	return v
}

func boolf(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
