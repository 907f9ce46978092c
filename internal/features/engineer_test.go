package features

import (
	"math"
	"slices"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var anchor = time.Date(2025, 3, 12, 14, 30, 0, 0, time.UTC) // a Wednesday

func newTestEngineer() *Engineer {
	return NewEngineer(domain.FeatureConfig{MaxWorkers: 4})
}

func testAccounts() []domain.Account {
	return []domain.Account{
		{ID: "ACC-1", Country: "US", RiskRating: domain.RiskHigh, IsPEP: true, OpenedAt: anchor.Add(-100 * 24 * time.Hour)},
		{ID: "ACC-2", Country: "GB", RiskRating: domain.RiskLow, OpenedAt: anchor.Add(-10 * 24 * time.Hour)},
	}
}

func TestColumnLayout(t *testing.T) {
	if len(Columns) != 29 {
		t.Fatalf("expected 29 columns, got %d", len(Columns))
	}

	// The engineer writes rows by position.
	positions := map[string]int{
		ColAmount:          0,
		ColIsNight:         9,
		ColTxCount1h:       10,
		ColAmountSum1h:     14,
		ColAccountRisk:     18,
		ColFromHighRisk:    21,
		ColAccountMean:     25,
		ColAmountDeviation: 28,
	}
	for name, want := range positions {
		if got := ColumnIndex(name); got != want {
			t.Errorf("column %s: expected index %d, got %d", name, want, got)
		}
	}
	if ColumnIndex("nope") != -1 {
		t.Error("expected -1 for unknown column")
	}
}

func TestCreateFeatures(t *testing.T) {
	eng := newTestEngineer()
	accounts := testAccounts()

	t.Run("EmptyBatch", func(t *testing.T) {
		m := eng.CreateFeatures(nil, accounts)
		if m.Len() != 0 {
			t.Errorf("expected 0 rows, got %d", m.Len())
		}
		if !slices.Equal(m.Columns, Columns) {
			t.Error("empty batch must still carry the column layout")
		}
	})

	t.Run("AmountFamily", func(t *testing.T) {
		txs := []domain.Transaction{
			{ID: "t1", FromAccountID: "ACC-1", ToAccountID: "ACC-2", Amount: 50000, Timestamp: anchor, FromCountry: "US", ToCountry: "GB"},
			{ID: "t2", FromAccountID: "ACC-1", ToAccountID: "ACC-2", Amount: 9850, Timestamp: anchor, FromCountry: "US", ToCountry: "US"},
			{ID: "t3", FromAccountID: "ACC-1", ToAccountID: "ACC-2", Amount: 4950, Timestamp: anchor},
		}
		m := eng.CreateFeatures(txs, accounts)

		row := m.Row(0)
		if row[ColAmount] != 50000 {
			t.Errorf("expected amount 50000, got %f", row[ColAmount])
		}
		if math.Abs(row[ColLogAmount]-math.Log1p(50000)) > 1e-12 {
			t.Errorf("expected log1p amount, got %f", row[ColLogAmount])
		}
		if row[ColIsRoundAmount] != 1 || row[ColIsCrossBorder] != 1 {
			t.Errorf("expected round and cross-border, got %v", row)
		}

		row = m.Row(1)
		if row[ColIsJustBelow10k] != 1 || row[ColIsRoundAmount] != 0 || row[ColIsCrossBorder] != 0 {
			t.Errorf("unexpected flags for 9850 domestic: %v", row)
		}

		row = m.Row(2)
		if row[ColIsJustBelow5k] != 1 || row[ColIsJustBelow10k] != 0 {
			t.Errorf("unexpected flags for 4950: %v", row)
		}
		if row[ColIsCrossBorder] != 0 {
			t.Error("unknown countries must not count as cross-border")
		}
	})

	t.Run("TemporalFamily", func(t *testing.T) {
		sunday := time.Date(2025, 3, 16, 3, 0, 0, 0, time.UTC)
		txs := []domain.Transaction{
			{ID: "t1", FromAccountID: "ACC-1", Amount: 10, Timestamp: anchor},
			{ID: "t2", FromAccountID: "ACC-1", Amount: 10, Timestamp: sunday},
		}
		m := eng.CreateFeatures(txs, accounts)

		wed := m.Row(0)
		if wed[ColHour] != 14 || wed[ColDayOfWeek] != 2 || wed[ColIsWeekend] != 0 || wed[ColIsNight] != 0 {
			t.Errorf("unexpected temporal features for Wednesday afternoon: %v", wed)
		}
		sun := m.Row(1)
		if sun[ColHour] != 3 || sun[ColDayOfWeek] != 6 || sun[ColIsWeekend] != 1 || sun[ColIsNight] != 1 {
			t.Errorf("unexpected temporal features for Sunday 03:00: %v", sun)
		}
	})

	t.Run("AccountFamily", func(t *testing.T) {
		txs := []domain.Transaction{
			{ID: "t1", FromAccountID: "ACC-1", Amount: 10, Timestamp: anchor},
			{ID: "t2", FromAccountID: "ACC-404", Amount: 10, Timestamp: anchor},
		}
		m := eng.CreateFeatures(txs, accounts)

		known := m.Row(0)
		if known[ColAccountRisk] != 2 || known[ColIsPEP] != 1 || known[ColAccountAgeDays] != 100 {
			t.Errorf("unexpected account features: %v", known)
		}

		missing := m.Row(1)
		if missing[ColAccountRisk] != 1 || missing[ColIsPEP] != 0 || missing[ColAccountAgeDays] != 0 {
			t.Errorf("missing account should take defaults, got %v", missing)
		}
	})

	t.Run("GeographicFamily", func(t *testing.T) {
		txs := []domain.Transaction{
			{ID: "t1", FromAccountID: "ACC-1", Amount: 10, Timestamp: anchor, FromCountry: "IR", ToCountry: "KY"},
		}
		row := eng.CreateFeatures(txs, accounts).Row(0)
		if row[ColFromHighRisk] != 1 || row[ColToHighRisk] != 0 || row[ColFromTaxHaven] != 0 || row[ColToTaxHaven] != 1 {
			t.Errorf("unexpected geographic features: %v", row)
		}
	})

	t.Run("StatisticalFamily", func(t *testing.T) {
		txs := []domain.Transaction{
			{ID: "t1", FromAccountID: "ACC-2", Amount: 100, Timestamp: anchor},
			{ID: "t2", FromAccountID: "ACC-2", Amount: 300, Timestamp: anchor.Add(time.Minute)},
		}
		m := eng.CreateFeatures(txs, accounts)
		row := m.Row(1)

		if row[ColAccountMean] != 200 || row[ColAccountStd] != 100 {
			t.Errorf("expected mean 200 std 100, got %f %f", row[ColAccountMean], row[ColAccountStd])
		}
		if math.Abs(row[ColAmountZScore]-1) > 1e-6 {
			t.Errorf("expected z-score ~1, got %f", row[ColAmountZScore])
		}
		if math.Abs(row[ColAmountDeviation]-50) > 1e-6 {
			t.Errorf("expected deviation ~50%%, got %f", row[ColAmountDeviation])
		}
	})

	t.Run("MalformedRowsFailClosed", func(t *testing.T) {
		txs := []domain.Transaction{
			{ID: "t1", FromAccountID: "ACC-1", Amount: math.NaN(), Timestamp: anchor},
			{ID: "t2", FromAccountID: "ACC-1", Amount: math.Inf(1), Timestamp: time.Time{}},
			{ID: "t3", FromAccountID: "", Amount: -5},
		}
		m := eng.CreateFeatures(txs, accounts)

		for i, row := range m.Rows {
			if len(row) != len(Columns) {
				t.Fatalf("row %d: expected %d columns, got %d", i, len(Columns), len(row))
			}
			for j, v := range row {
				if math.IsNaN(v) || math.IsInf(v, 0) {
					t.Errorf("row %d column %s: non-finite value %f", i, Columns[j], v)
				}
			}
		}
		if m.Row(0)[ColAmount] != 0 {
			t.Error("NaN amount should read as zero")
		}
		if m.Row(1)[ColHour] != 0 || m.Row(1)[ColAccountAgeDays] != 0 {
			t.Error("zero timestamp should zero the time-dependent features")
		}
	})
}

func TestSchemaBatchInvariance(t *testing.T) {
	eng := newTestEngineer()
	accounts := testAccounts()

	txs := []domain.Transaction{
		{ID: "t1", FromAccountID: "ACC-1", Amount: 10, Timestamp: anchor},
		{ID: "t2", FromAccountID: "ACC-2", Amount: 20, Timestamp: anchor.Add(time.Hour)},
		{ID: "t3", FromAccountID: "ACC-1", Amount: 30, Timestamp: anchor.Add(2 * time.Hour)},
	}
	reversed := slices.Clone(txs)
	slices.Reverse(reversed)

	for _, batch := range [][]domain.Transaction{txs[:1], txs, reversed} {
		m := eng.CreateFeatures(batch, accounts)
		if !slices.Equal(m.Columns, Columns) {
			t.Errorf("batch of %d: column layout differs", len(batch))
		}
		for i, row := range m.Rows {
			if len(row) != len(Columns) {
				t.Errorf("batch of %d row %d: width %d", len(batch), i, len(row))
			}
		}
	}

	// Row values follow the transaction, not its position in the batch.
	fwd := eng.CreateFeatures(txs, accounts)
	rev := eng.CreateFeatures(reversed, accounts)
	for i := range txs {
		if !slices.Equal(fwd.Rows[i], rev.Rows[len(txs)-1-i]) {
			t.Errorf("row for %s depends on batch order", txs[i].ID)
		}
	}
}

func TestStructuringSignal(t *testing.T) {
	eng := newTestEngineer()

	amounts := []float64{9800, 9850, 9900, 9949.99}
	txs := make([]domain.Transaction, len(amounts))
	for i, a := range amounts {
		txs[i] = domain.Transaction{
			ID:            "s" + string(rune('1'+i)),
			FromAccountID: "ACC-1",
			ToAccountID:   "ACC-2",
			Amount:        a,
			Timestamp:     anchor.Add(time.Duration(i) * 2 * time.Hour),
		}
	}

	m := eng.CreateFeatures(txs, testAccounts())

	total := 0.0
	for i := range txs {
		row := m.Row(i)
		if row[ColIsJustBelow10k] != 1 {
			t.Errorf("tx %d: expected is_just_below_10k=1 for amount %.2f", i, amounts[i])
		}
		total += row[ColTxCount24h]
	}
	if total < 4 {
		t.Errorf("expected combined 24h velocity >= 4, got %.0f", total)
	}
	if last := m.Row(3)[ColTxCount24h]; last != 3 {
		t.Errorf("expected last transaction to see 3 prior, got %.0f", last)
	}
}

func TestVelocityMonotoneThroughFeatures(t *testing.T) {
	eng := newTestEngineer()
	target := domain.Transaction{ID: "target", FromAccountID: "ACC-1", Amount: 1, Timestamp: anchor}

	prev := -1.0
	var txs []domain.Transaction
	for i := 0; i < 6; i++ {
		txs = append(txs, domain.Transaction{
			ID:            "p",
			FromAccountID: "ACC-1",
			Amount:        1,
			Timestamp:     anchor.Add(-time.Duration(i+1) * 15 * time.Minute),
		})
		batch := append(slices.Clone(txs), target)
		got := eng.CreateFeatures(batch, nil).Row(len(batch) - 1)[ColTxCount1h]
		if got < prev {
			t.Fatalf("1h count decreased from %.0f to %.0f", prev, got)
		}
		prev = got
	}
	// 15, 30, 45 and 60 minutes back; the window start is inclusive
	if prev != 4 {
		t.Errorf("expected 4 prior events within 1h, got %.0f", prev)
	}
}
