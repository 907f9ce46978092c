// Package synth generates labeled transaction fixtures containing known
// laundering archetypes. All randomness flows from the *rand.Rand handed to
// New, so a seed fully determines the output.
package synth

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrInvalidConfig is returned by Generate for unusable sizes or ratios.
var ErrInvalidConfig = errors.New("invalid synthetic config")

// Pattern names a laundering archetype.
type Pattern string

const (
	PatternStructuring   Pattern = "structuring"
	PatternPassThrough   Pattern = "rapid_pass_through"
	PatternLayering      Pattern = "layering"
	PatternRoundAmount   Pattern = "round_amount"
	PatternHighRiskGeo   Pattern = "high_risk_jurisdiction"
	PatternUnusualTiming Pattern = "unusual_timing"
)

// patternMix is the selection probability of each archetype.
var patternMix = []struct {
	pattern Pattern
	weight  float64
}{
	{PatternStructuring, 0.30},
	{PatternPassThrough, 0.20},
	{PatternLayering, 0.15},
	{PatternRoundAmount, 0.15},
	{PatternHighRiskGeo, 0.10},
	{PatternUnusualTiming, 0.10},
}

var (
	commonCountries = []string{
		"US", "GB", "DE", "FR", "CN", "JP", "IN", "BR", "CA", "AU",
		"IT", "ES", "KR", "MX", "RU", "TR", "SA", "ZA", "AR", "ID",
	}
	sanctionedCountries = []string{"AF", "KP", "SY", "IR", "PK"}
	highRiskOrigins     = []string{"AF", "KP", "SY", "IR", "PK", "SD"}
	hubCountries        = []string{"US", "GB", "CH"}
	roundAmounts        = []float64{50000, 100000, 250000, 500000, 1000000}
)

// Config sizes a generated dataset.
type Config struct {
	Accounts        int
	Transactions    int
	SuspiciousRatio float64
}

// DefaultConfig returns 10,000 accounts, 100,000 transactions and 5%
// suspicious.
func DefaultConfig() Config {
	return Config{
		Accounts:        10000,
		Transactions:    100000,
		SuspiciousRatio: 0.05,
	}
}

// Dataset is a labeled fixture set. Labels align with Transactions; 1 marks
// a transaction produced by a laundering archetype.
type Dataset struct {
	Accounts     []domain.Account
	Transactions []domain.Transaction
	Labels       []int
}

// Positives returns the number of suspicious transactions.
func (d *Dataset) Positives() int {
	n := 0
	for _, y := range d.Labels {
		n += y
	}
	return n
}

// Generator produces fixtures relative to an anchor time. It is not safe
// for concurrent use since it owns its random stream.
type Generator struct {
	rng    *rand.Rand
	anchor time.Time
}

// New creates a Generator drawing from rng. Generated timestamps fall within
// a year before anchor.
func New(rng *rand.Rand, anchor time.Time) *Generator {
	return &Generator{rng: rng, anchor: anchor.UTC()}
}

// NewSeeded is New with a PCG stream derived from seed.
func NewSeeded(seed uint64, anchor time.Time) *Generator {
	return New(rand.New(rand.NewPCG(seed, seed^0xa11ce)), anchor)
}

// Generate builds accounts, exactly round(n*ratio) suspicious transactions
// and the legitimate remainder, shuffled together.
func (g *Generator) Generate(cfg Config) (*Dataset, error) {
	switch {
	case cfg.Accounts < 2:
		return nil, fmt.Errorf("accounts must be >= 2, got %d: %w", cfg.Accounts, ErrInvalidConfig)
	case cfg.Transactions < 0:
		return nil, fmt.Errorf("transactions must be >= 0, got %d: %w", cfg.Transactions, ErrInvalidConfig)
	case !(cfg.SuspiciousRatio >= 0 && cfg.SuspiciousRatio <= 1):
		return nil, fmt.Errorf("suspicious ratio must be in [0,1], got %v: %w", cfg.SuspiciousRatio, ErrInvalidConfig)
	}

	accounts := g.Accounts(cfg.Accounts)

	nSuspicious := int(math.Round(float64(cfg.Transactions) * cfg.SuspiciousRatio))
	suspicious := g.Suspicious(accounts, nSuspicious)
	legitimate := g.Legitimate(accounts, cfg.Transactions-nSuspicious)

	txs := make([]domain.Transaction, 0, cfg.Transactions)
	labels := make([]int, 0, cfg.Transactions)
	txs = append(txs, legitimate...)
	for range legitimate {
		labels = append(labels, 0)
	}
	txs = append(txs, suspicious...)
	for range suspicious {
		labels = append(labels, 1)
	}

	g.rng.Shuffle(len(txs), func(i, j int) {
		txs[i], txs[j] = txs[j], txs[i]
		labels[i], labels[j] = labels[j], labels[i]
	})

	return &Dataset{Accounts: accounts, Transactions: txs, Labels: labels}, nil
}

// Accounts generates n accounts. About 5% sit in sanctioned jurisdictions
// with elevated ratings.
func (g *Generator) Accounts(n int) []domain.Account {
	accounts := make([]domain.Account, n)
	earliest := g.anchor.AddDate(-5, 0, 0)
	latest := g.anchor.AddDate(0, 0, -30)
	span := latest.Sub(earliest)

	for i := range accounts {
		var country string
		var rating domain.RiskRating
		if g.rng.Float64() < 0.05 {
			country = choose(g.rng, sanctionedCountries)
			rating = []domain.RiskRating{domain.RiskMedium, domain.RiskHigh, domain.RiskSevere}[g.weighted(0.3, 0.5, 0.2)]
		} else {
			country = choose(g.rng, commonCountries)
			rating = []domain.RiskRating{domain.RiskLow, domain.RiskMedium, domain.RiskHigh}[g.weighted(0.7, 0.25, 0.05)]
		}

		accountType := domain.AccountPersonal
		if g.rng.Float64() < 0.2 {
			accountType = domain.AccountBusiness
		}

		accounts[i] = domain.Account{
			ID:           fmt.Sprintf("ACC%08d", i),
			CustomerName: fmt.Sprintf("Customer %d", i),
			Type:         accountType,
			Country:      country,
			RiskRating:   rating,
			IsPEP:        g.rng.Float64() < 0.02,
			KYCStatus:    []domain.KYCStatus{domain.KYCVerified, domain.KYCPending, domain.KYCIncomplete}[g.weighted(0.85, 0.10, 0.05)],
			OpenedAt:     earliest.Add(time.Duration(g.rng.Int64N(int64(span)))).Truncate(24 * time.Hour),
		}
	}
	return accounts
}

// Legitimate generates n ordinary transfers: log-normal amounts, weighted
// towards business hours, spread over the past year.
func (g *Generator) Legitimate(accounts []domain.Account, n int) []domain.Transaction {
	hourWeights := make([]float64, 24)
	for h := range hourWeights {
		hourWeights[h] = 0.3
		if h >= 9 && h <= 17 {
			hourWeights[h] = 1
		}
	}
	types := []domain.TransactionType{domain.TxTypeWire, domain.TxTypeACH, domain.TxTypeCheck, domain.TxTypeCard}

	txs := make([]domain.Transaction, n)
	for i := range txs {
		from := &accounts[g.rng.IntN(len(accounts))]
		to := &accounts[g.rng.IntN(len(accounts))]

		day := g.anchor.AddDate(0, 0, -(1 + g.rng.IntN(365)))
		ts := time.Date(day.Year(), day.Month(), day.Day(), g.weighted(hourWeights...), g.rng.IntN(60), 0, 0, time.UTC)

		txs[i] = domain.Transaction{
			ID:            fmt.Sprintf("TX%010d", i),
			FromAccountID: from.ID,
			ToAccountID:   to.ID,
			Amount:        cents(math.Exp(7.0 + 1.5*g.rng.NormFloat64())),
			Currency:      "USD",
			Type:          types[g.weighted(0.3, 0.4, 0.2, 0.1)],
			Timestamp:     ts,
			FromCountry:   from.Country,
			ToCountry:     to.Country,
		}
	}
	return txs
}

// Suspicious generates exactly n archetype transactions. The final pattern
// is truncated when it would overshoot n.
func (g *Generator) Suspicious(accounts []domain.Account, n int) []domain.Transaction {
	weights := make([]float64, len(patternMix))
	for i, p := range patternMix {
		weights[i] = p.weight
	}

	txs := make([]domain.Transaction, 0, n)
	for id := 0; len(txs) < n; id++ {
		batch := g.Pattern(patternMix[g.weighted(weights...)].pattern, id, accounts)
		txs = append(txs, batch[:min(len(batch), n-len(txs))]...)
	}
	return txs
}

// Pattern generates one instance of the named archetype.
func (g *Generator) Pattern(p Pattern, id int, accounts []domain.Account) []domain.Transaction {
	switch p {
	case PatternStructuring:
		return g.Structuring(id, accounts)
	case PatternPassThrough:
		return g.RapidPassThrough(id, accounts)
	case PatternLayering:
		return g.Layering(id, accounts)
	case PatternRoundAmount:
		return g.RoundAmount(id, accounts)
	case PatternHighRiskGeo:
		return g.HighRiskJurisdiction(id, accounts)
	default:
		return g.UnusualTiming(id, accounts)
	}
}

// Structuring is 3-7 domestic wires just under $10,000 between one pair,
// two hours apart.
func (g *Generator) Structuring(id int, accounts []domain.Account) []domain.Transaction {
	n := 3 + g.rng.IntN(5)
	from, to := g.account(accounts), g.account(accounts)
	base := g.recentEnding(time.Duration(n-1) * 2 * time.Hour)

	txs := make([]domain.Transaction, n)
	for j := range txs {
		txs[j] = g.wire(fmt.Sprintf("SUSP%08d_%d", id, j), from, to,
			min(cents(g.uniform(9800, 9950)), 9949.99), base.Add(time.Duration(j)*2*time.Hour), "US", "US")
	}
	return txs
}

// RapidPassThrough moves funds into an intermediary and out again an hour
// later, short 2% for fees.
func (g *Generator) RapidPassThrough(id int, accounts []domain.Account) []domain.Transaction {
	from, mid, to := g.account(accounts), g.account(accounts), g.account(accounts)
	amount := g.uniform(50000, 500000)
	base := g.recentEnding(time.Hour)

	in := g.wire(fmt.Sprintf("SUSP%08d_in", id), from, mid, cents(amount), base, "US", "US")
	in.Narrative = "Investment proceeds"
	out := g.wire(fmt.Sprintf("SUSP%08d_out", id), mid, to, cents(amount*0.98), base.Add(time.Hour), "US", "US")
	out.Narrative = "Business expense"

	return []domain.Transaction{in, out}
}

// Layering is a chain of 4-6 hops across distinct accounts, six hours
// apart, losing 5% per hop.
func (g *Generator) Layering(id int, accounts []domain.Account) []domain.Transaction {
	hops := min(4+g.rng.IntN(3), len(accounts)-1)
	chain := g.distinct(accounts, hops+1)
	amount := g.uniform(100000, 1000000)
	base := g.recentEnding(time.Duration(hops-1) * 6 * time.Hour)

	txs := make([]domain.Transaction, hops)
	for j := range txs {
		txs[j] = g.wire(fmt.Sprintf("SUSP%08d_%d", id, j), chain[j], chain[j+1],
			cents(amount*math.Pow(0.95, float64(j))), base.Add(time.Duration(j)*6*time.Hour),
			choose(g.rng, hubCountries), choose(g.rng, hubCountries))
	}
	return txs
}

// RoundAmount is a single wire of a conspicuously round sum.
func (g *Generator) RoundAmount(id int, accounts []domain.Account) []domain.Transaction {
	tx := g.wire(fmt.Sprintf("SUSP%08d", id), g.account(accounts), g.account(accounts),
		choose(g.rng, roundAmounts), g.recent(), "US", "US")
	tx.Narrative = "Payment"
	return []domain.Transaction{tx}
}

// HighRiskJurisdiction is a wire out of a high-risk country. Parties are
// drawn from high and severe rated accounts when there are any.
func (g *Generator) HighRiskJurisdiction(id int, accounts []domain.Account) []domain.Transaction {
	pool := make([]domain.Account, 0, len(accounts)/10)
	for _, a := range accounts {
		if a.RiskRating == domain.RiskHigh || a.RiskRating == domain.RiskSevere {
			pool = append(pool, a)
		}
	}
	if len(pool) == 0 {
		pool = accounts
	}

	tx := g.wire(fmt.Sprintf("SUSP%08d", id), g.account(pool), g.account(pool),
		cents(g.uniform(10000, 200000)), g.recent(), choose(g.rng, highRiskOrigins), choose(g.rng, hubCountries))
	return []domain.Transaction{tx}
}

// UnusualTiming is a large domestic wire between 02:00 and 04:59 on a
// weekend.
func (g *Generator) UnusualTiming(id int, accounts []domain.Account) []domain.Transaction {
	day := g.recent()
	for day.Weekday() != time.Saturday && day.Weekday() != time.Sunday {
		day = day.AddDate(0, 0, -1)
	}
	ts := time.Date(day.Year(), day.Month(), day.Day(), 2+g.rng.IntN(3), g.rng.IntN(60), 0, 0, time.UTC)
	if ts.After(g.anchor) {
		// the anchor itself falls early on a weekend day
		ts = ts.AddDate(0, 0, -7)
	}

	tx := g.wire(fmt.Sprintf("SUSP%08d", id), g.account(accounts), g.account(accounts),
		cents(g.uniform(20000, 500000)), ts, "US", "US")
	return []domain.Transaction{tx}
}

func (g *Generator) wire(id string, from, to *domain.Account, amount float64, at time.Time, fromCountry, toCountry string) domain.Transaction {
	return domain.Transaction{
		ID:            id,
		FromAccountID: from.ID,
		ToAccountID:   to.ID,
		Amount:        amount,
		Currency:      "USD",
		Type:          domain.TxTypeWire,
		Timestamp:     at,
		FromCountry:   fromCountry,
		ToCountry:     toCountry,
	}
}

// recent returns the anchor shifted back 0-29 whole days.
func (g *Generator) recent() time.Time {
	return g.anchor.AddDate(0, 0, -g.rng.IntN(30))
}

// recentEnding is the start of a sequence lasting span whose last leg is
// still no later than recent.
func (g *Generator) recentEnding(span time.Duration) time.Time {
	return g.recent().Add(-span)
}

func (g *Generator) account(accounts []domain.Account) *domain.Account {
	return &accounts[g.rng.IntN(len(accounts))]
}

// distinct draws k different accounts by partial Fisher-Yates over indices.
func (g *Generator) distinct(accounts []domain.Account, k int) []*domain.Account {
	picked := make(map[int]int, k)
	out := make([]*domain.Account, k)
	n := len(accounts)
	for i := 0; i < k; i++ {
		j := i + g.rng.IntN(n-i)
		vi, ok := picked[i]
		if !ok {
			vi = i
		}
		vj, ok := picked[j]
		if !ok {
			vj = j
		}
		picked[i], picked[j] = vj, vi
		out[i] = &accounts[vj]
	}
	return out
}

func (g *Generator) uniform(lo, hi float64) float64 {
	return lo + g.rng.Float64()*(hi-lo)
}

// weighted returns an index drawn proportionally to weights.
func (g *Generator) weighted(weights ...float64) int {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	r := g.rng.Float64() * total
	for i, w := range weights {
		if r < w {
			return i
		}
		r -= w
	}
	return len(weights) - 1
}

func choose[T any](rng *rand.Rand, values []T) T {
	return values[rng.IntN(len(values))]
}

func cents(v float64) float64 {
	return math.Round(v*100) / 100
}
