package features

// Feature column names. The order of Columns is the matrix layout shared by
// training and inference and must only ever be appended to.
const (
	ColAmount          = "amount"
	ColLogAmount       = "log_amount"
	ColIsCrossBorder   = "is_cross_border"
	ColIsRoundAmount   = "is_round_amount"
	ColIsJustBelow10k  = "is_just_below_10k"
	ColIsJustBelow5k   = "is_just_below_5k"
	ColHour            = "hour"
	ColDayOfWeek       = "day_of_week"
	ColIsWeekend       = "is_weekend"
	ColIsNight         = "is_night"
	ColTxCount1h       = "tx_count_1h"
	ColTxCount24h      = "tx_count_24h"
	ColTxCount7d       = "tx_count_7d"
	ColTxCount30d      = "tx_count_30d"
	ColAmountSum1h     = "amount_sum_1h"
	ColAmountSum24h    = "amount_sum_24h"
	ColAmountSum7d     = "amount_sum_7d"
	ColAmountSum30d    = "amount_sum_30d"
	ColAccountRisk     = "account_risk"
	ColIsPEP           = "is_pep"
	ColAccountAgeDays  = "account_age_days"
	ColFromHighRisk    = "from_high_risk"
	ColToHighRisk      = "to_high_risk"
	ColFromTaxHaven    = "from_tax_haven"
	ColToTaxHaven      = "to_tax_haven"
	ColAccountMean     = "account_mean_amount"
	ColAccountStd      = "account_std_amount"
	ColAmountZScore    = "amount_z_score"
	ColAmountDeviation = "amount_deviation_pct"
)

// Columns is the fixed feature layout.
var Columns = []string{
	ColAmount,
	ColLogAmount,
	ColIsCrossBorder,
	ColIsRoundAmount,
	ColIsJustBelow10k,
	ColIsJustBelow5k,
	ColHour,
	ColDayOfWeek,
	ColIsWeekend,
	ColIsNight,
	ColTxCount1h,
	ColTxCount24h,
	ColTxCount7d,
	ColTxCount30d,
	ColAmountSum1h,
	ColAmountSum24h,
	ColAmountSum7d,
	ColAmountSum30d,
	ColAccountRisk,
	ColIsPEP,
	ColAccountAgeDays,
	ColFromHighRisk,
	ColToHighRisk,
	ColFromTaxHaven,
	ColToTaxHaven,
	ColAccountMean,
	ColAccountStd,
	ColAmountZScore,
	ColAmountDeviation,
}

// velocity column blocks, aligned with velocity.DefaultWindows
var (
	countColumns = []string{ColTxCount1h, ColTxCount24h, ColTxCount7d, ColTxCount30d}
	sumColumns   = []string{ColAmountSum1h, ColAmountSum24h, ColAmountSum7d, ColAmountSum30d}
)

var columnIndex = func() map[string]int {
	m := make(map[string]int, len(Columns))
	for i, c := range Columns {
		m[c] = i
	}
	return m
}()

// ColumnIndex returns the position of a named column, or -1.
func ColumnIndex(name string) int {
	if i, ok := columnIndex[name]; ok {
		return i
	}
	return -1
}

// Matrix is a dense row-major feature matrix.
type Matrix struct {
	Columns []string
	Rows    [][]float64
}

// Len returns the number of rows.
func (m *Matrix) Len() int {
	return len(m.Rows)
}

// Column copies out a single named column. Unknown names return nil.
func (m *Matrix) Column(name string) []float64 {
	j := -1
	for i, c := range m.Columns {
		if c == name {
			j = i
			break
		}
	}
	if j < 0 {
		return nil
	}
	out := make([]float64, len(m.Rows))
	for i, row := range m.Rows {
		out[i] = row[j]
	}
	return out
}

// Row returns row i as a name -> value map.
func (m *Matrix) Row(i int) map[string]float64 {
	out := make(map[string]float64, len(m.Columns))
	for j, c := range m.Columns {
		out[c] = m.Rows[i][j]
	}
	return out
}
