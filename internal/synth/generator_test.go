package synth

import (
	"errors"
	"math"
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
)

var anchor = time.Date(2025, 6, 30, 12, 0, 0, 0, time.UTC)

func TestGenerate(t *testing.T) {
	cfg := Config{Accounts: 200, Transactions: 2000, SuspiciousRatio: 0.05}

	ds, err := NewSeeded(42, anchor).Generate(cfg)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	t.Run("Sizes", func(t *testing.T) {
		if len(ds.Accounts) != 200 {
			t.Errorf("expected 200 accounts, got %d", len(ds.Accounts))
		}
		if len(ds.Transactions) != 2000 || len(ds.Labels) != 2000 {
			t.Errorf("expected 2000 transactions and labels, got %d/%d", len(ds.Transactions), len(ds.Labels))
		}
		if ds.Positives() != 100 {
			t.Errorf("expected exactly 100 suspicious, got %d", ds.Positives())
		}
	})

	t.Run("LabelsFollowTransactions", func(t *testing.T) {
		for i, tx := range ds.Transactions {
			suspicious := len(tx.ID) >= 4 && tx.ID[:4] == "SUSP"
			if suspicious != (ds.Labels[i] == 1) {
				t.Fatalf("transaction %s has label %d", tx.ID, ds.Labels[i])
			}
		}
	})

	t.Run("Shuffled", func(t *testing.T) {
		tail := ds.Labels[len(ds.Labels)-100:]
		if slices.Min(tail) == 1 {
			t.Error("suspicious transactions were not shuffled in")
		}
	})

	t.Run("ValidRecords", func(t *testing.T) {
		for _, a := range ds.Accounts {
			if len(a.Country) != 2 {
				t.Fatalf("account %s: expected ISO-2 country, got %q", a.ID, a.Country)
			}
			if !a.OpenedAt.Before(anchor.AddDate(0, 0, -29)) {
				t.Fatalf("account %s opened too recently: %v", a.ID, a.OpenedAt)
			}
		}
		for _, tx := range ds.Transactions {
			if tx.Amount < 0 || math.IsNaN(tx.Amount) {
				t.Fatalf("transaction %s: bad amount %f", tx.ID, tx.Amount)
			}
			if tx.Timestamp.Before(anchor.AddDate(-1, 0, -1)) {
				t.Fatalf("transaction %s: timestamp too old %v", tx.ID, tx.Timestamp)
			}
		}
	})

	t.Run("Reproducible", func(t *testing.T) {
		again, _ := NewSeeded(42, anchor).Generate(cfg)
		if !slices.EqualFunc(ds.Transactions, again.Transactions, func(a, b domain.Transaction) bool {
			return a.ID == b.ID && a.Amount == b.Amount && a.Timestamp.Equal(b.Timestamp)
		}) {
			t.Error("same seed produced different transactions")
		}

		other, _ := NewSeeded(43, anchor).Generate(cfg)
		if other.Transactions[0].ID == ds.Transactions[0].ID && other.Transactions[1].ID == ds.Transactions[1].ID {
			t.Error("different seeds produced the same ordering")
		}
	})
}

func TestGenerateConfigErrors(t *testing.T) {
	g := NewSeeded(1, anchor)
	for _, cfg := range []Config{
		{Accounts: 1, Transactions: 10},
		{Accounts: 10, Transactions: -1},
		{Accounts: 10, Transactions: 10, SuspiciousRatio: 1.5},
		{Accounts: 10, Transactions: 10, SuspiciousRatio: math.NaN()},
	} {
		if _, err := g.Generate(cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("config %+v: expected ErrInvalidConfig, got %v", cfg, err)
		}
	}
}

func TestSuspiciousTruncation(t *testing.T) {
	g := NewSeeded(7, anchor)
	accounts := g.Accounts(50)
	for _, n := range []int{0, 1, 3, 17} {
		if got := len(g.Suspicious(accounts, n)); got != n {
			t.Errorf("requested %d suspicious, got %d", n, got)
		}
	}
}

func TestArchetypes(t *testing.T) {
	g := New(rand.New(rand.NewPCG(3, 4)), anchor)
	accounts := g.Accounts(100)

	t.Run("Structuring", func(t *testing.T) {
		txs := g.Structuring(1, accounts)
		if len(txs) < 3 || len(txs) > 7 {
			t.Fatalf("expected 3-7 transactions, got %d", len(txs))
		}
		for _, tx := range txs {
			if tx.Amount < 9700 || tx.Amount >= 9950 {
				t.Errorf("amount %.2f outside [9700, 9950)", tx.Amount)
			}
			if tx.FromAccountID != txs[0].FromAccountID || tx.ToAccountID != txs[0].ToAccountID {
				t.Error("structuring must stay between one pair")
			}
		}
		if span := txs[len(txs)-1].Timestamp.Sub(txs[0].Timestamp); span > 24*time.Hour {
			t.Errorf("expected transactions within 24h, spanned %v", span)
		}
	})

	t.Run("RapidPassThrough", func(t *testing.T) {
		txs := g.RapidPassThrough(2, accounts)
		if len(txs) != 2 {
			t.Fatalf("expected 2 transactions, got %d", len(txs))
		}
		if txs[0].ToAccountID != txs[1].FromAccountID {
			t.Error("funds must leave through the intermediary")
		}
		if math.Abs(txs[1].Amount-txs[0].Amount*0.98) > 0.01 {
			t.Errorf("expected outbound at 98%%, got %.2f of %.2f", txs[1].Amount, txs[0].Amount)
		}
		if txs[1].Timestamp.Sub(txs[0].Timestamp) != time.Hour {
			t.Error("expected the outbound leg one hour later")
		}
	})

	t.Run("Layering", func(t *testing.T) {
		txs := g.Layering(3, accounts)
		if len(txs) < 4 || len(txs) > 6 {
			t.Fatalf("expected 4-6 hops, got %d", len(txs))
		}
		seen := map[string]bool{txs[0].FromAccountID: true}
		for j, tx := range txs {
			if seen[tx.ToAccountID] {
				t.Errorf("hop %d revisits account %s", j, tx.ToAccountID)
			}
			seen[tx.ToAccountID] = true
			if j > 0 {
				if tx.FromAccountID != txs[j-1].ToAccountID {
					t.Errorf("hop %d does not continue the chain", j)
				}
				if tx.Amount >= txs[j-1].Amount {
					t.Errorf("hop %d amount did not decrease", j)
				}
			}
		}
	})

	t.Run("RoundAmount", func(t *testing.T) {
		tx := g.RoundAmount(4, accounts)[0]
		if math.Mod(tx.Amount, 1000) != 0 || tx.Amount < 50000 {
			t.Errorf("expected a large round amount, got %.2f", tx.Amount)
		}
	})

	t.Run("HighRiskJurisdiction", func(t *testing.T) {
		tx := g.HighRiskJurisdiction(5, accounts)[0]
		if !slices.Contains(highRiskOrigins, tx.FromCountry) || !tx.IsCrossBorder() {
			t.Errorf("expected cross-border wire from a high-risk origin, got %s -> %s", tx.FromCountry, tx.ToCountry)
		}
	})

	t.Run("UnusualTiming", func(t *testing.T) {
		for i := 0; i < 20; i++ {
			tx := g.UnusualTiming(6+i, accounts)[0]
			wd := tx.Timestamp.Weekday()
			if wd != time.Saturday && wd != time.Sunday {
				t.Fatalf("expected weekend, got %s", wd)
			}
			if h := tx.Timestamp.Hour(); h < 2 || h > 4 {
				t.Fatalf("expected 02:00-04:59, got %d", h)
			}
		}
	})
}

func TestStructuringLightsFeatures(t *testing.T) {
	g := NewSeeded(11, anchor)
	accounts := g.Accounts(20)

	var txs []domain.Transaction
	for id := 0; len(txs) < 4; id++ {
		txs = g.Structuring(id, accounts)
	}
	txs = txs[:4]

	m := features.NewEngineer(domain.FeatureConfig{}).CreateFeatures(txs, accounts)

	total := 0.0
	for i := range txs {
		row := m.Row(i)
		if row[features.ColIsJustBelow10k] != 1 {
			t.Errorf("tx %d (%.2f): expected is_just_below_10k=1", i, txs[i].Amount)
		}
		total += row[features.ColTxCount24h]
	}
	if total < 4 {
		t.Errorf("expected combined 24h velocity >= 4, got %.0f", total)
	}
}

func TestTimestampsNeverAfterAnchor(t *testing.T) {
	anchors := map[string]time.Time{
		"MondayNoon":     time.Date(2025, 6, 30, 12, 0, 0, 0, time.UTC),
		"SaturdayNight":  time.Date(2025, 6, 28, 3, 0, 0, 0, time.UTC),
		"SundayMidnight": time.Date(2025, 6, 29, 0, 0, 0, 0, time.UTC),
	}
	for name, at := range anchors {
		t.Run(name, func(t *testing.T) {
			g := NewSeeded(9, at)
			accounts := g.Accounts(50)
			earliest := at.AddDate(-1, 0, -1)

			check := func(kind string, txs []domain.Transaction) {
				t.Helper()
				for _, tx := range txs {
					if tx.Timestamp.After(at) {
						t.Fatalf("%s %s at %s is after anchor %s", kind, tx.ID, tx.Timestamp, at)
					}
					if tx.Timestamp.Before(earliest) {
						t.Fatalf("%s %s at %s is more than a year before anchor", kind, tx.ID, tx.Timestamp)
					}
				}
			}

			for i := 0; i < 200; i++ {
				check("unusual timing", g.UnusualTiming(i, accounts))
				check("structuring", g.Structuring(i, accounts))
				check("pass-through", g.RapidPassThrough(i, accounts))
				check("layering", g.Layering(i, accounts))
			}

			ds, err := g.Generate(Config{Accounts: 50, Transactions: 500, SuspiciousRatio: 0.2})
			if err != nil {
				t.Fatalf("generate failed: %v", err)
			}
			check("generated", ds.Transactions)
		})
	}
}
