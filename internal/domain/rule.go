package domain

// IndicatorRule is a named CEL expression evaluated against a feature row.
// Variables are the feature column names, all typed double.
type IndicatorRule struct {
	ID          string `json:"id" mapstructure:"id"`
	Name        string `json:"name" mapstructure:"name"`
	Description string `json:"description" mapstructure:"description"`

	// Expression must return bool, int or double.
	Expression string `json:"expression" mapstructure:"expression"`

	// Threshold is the minimum numeric result that counts as a hit.
	// Boolean expressions hit at 1.0.
	Threshold float64 `json:"threshold" mapstructure:"threshold"`

	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

// IndicatorHit is one fired indicator for one transaction.
type IndicatorHit struct {
	RuleID string  `json:"ruleId"`
	Name   string  `json:"name"`
	Value  float64 `json:"value"`
}

// Indicator IDs shipped in the default configuration.
const (
	IndicatorStructuring   = "indicator-structuring"
	IndicatorRoundAmount   = "indicator-round-amount"
	IndicatorHighRiskGeo   = "indicator-high-risk-geo"
	IndicatorUnusualTiming = "indicator-unusual-timing"
	IndicatorVelocitySpike = "indicator-velocity-spike"
	IndicatorPEPLargeValue = "indicator-pep-large-value"
	IndicatorAmountOutlier = "indicator-amount-outlier"
)

// DefaultIndicatorRules returns the indicator set attached to score records.
// The set mirrors the laundering archetypes the detectors are trained on.
func DefaultIndicatorRules() []IndicatorRule {
	return []IndicatorRule{
		{
			ID:          IndicatorStructuring,
			Name:        "Structuring below reporting threshold",
			Description: "Amount just below $10,000 with other transfers in the last 24h",
			Expression:  "is_just_below_10k == 1.0 && tx_count_24h >= 1.0",
			Threshold:   1,
			Enabled:     true,
		},
		{
			ID:          IndicatorRoundAmount,
			Name:        "Large round amount",
			Description: "Exact multiple of 1,000 at or above $50,000",
			Expression:  "is_round_amount == 1.0 && amount >= 50000.0",
			Threshold:   1,
			Enabled:     true,
		},
		{
			ID:          IndicatorHighRiskGeo,
			Name:        "High-risk jurisdiction",
			Description: "Source or destination in a high-risk jurisdiction",
			Expression:  "from_high_risk + to_high_risk",
			Threshold:   1,
			Enabled:     true,
		},
		{
			ID:          IndicatorUnusualTiming,
			Name:        "Unusual timing",
			Description: "Night-time transfer on a weekend",
			Expression:  "is_night == 1.0 && is_weekend == 1.0",
			Threshold:   1,
			Enabled:     true,
		},
		{
			ID:          IndicatorVelocitySpike,
			Name:        "Velocity spike",
			Description: "Five or more prior transfers from the account in 24h",
			Expression:  "tx_count_24h",
			Threshold:   5,
			Enabled:     true,
		},
		{
			ID:          IndicatorPEPLargeValue,
			Name:        "PEP large value",
			Description: "Politically exposed sender moving $10,000 or more",
			Expression:  "is_pep == 1.0 && amount >= 10000.0",
			Threshold:   1,
			Enabled:     true,
		},
		{
			ID:          IndicatorAmountOutlier,
			Name:        "Amount outlier",
			Description: "Amount three or more standard deviations above the account mean",
			Expression:  "amount_z_score",
			Threshold:   3,
			Enabled:     true,
		},
	}
}
