package domain

import (
	"time"
)

// RiskTier is the discrete label attached to an ensemble score.
type RiskTier string

const (
	TierCritical RiskTier = "critical"
	TierHigh     RiskTier = "high"
	TierMedium   RiskTier = "medium"
	TierLow      RiskTier = "low"
)

// Alerting reports whether the tier should be routed to investigators.
func (t RiskTier) Alerting() bool {
	return t == TierCritical || t == TierHigh
}

// ComponentScores are the per-detector sub-scores on a 0-100 scale.
type ComponentScores struct {
	Bagged  float64 `json:"bagged"`
	Boosted float64 `json:"boosted"`
	Anomaly float64 `json:"anomaly"`
}

// ScoreRecord is the scoring output for one transaction.
// A fresh record is produced on every inference call.
type ScoreRecord struct {
	TxID       string          `json:"txId"`
	Score      float64         `json:"score"`
	Components ComponentScores `json:"components"`
	Tier       RiskTier        `json:"tier"`

	// Reasons lists the indicator rules that fired for this transaction.
	Reasons []string `json:"reasons,omitempty"`

	ModelID  string    `json:"modelId,omitempty"`
	ScoredAt time.Time `json:"scoredAt"`
}

// ScoreBatchResponse is the API response for a scoring call.
type ScoreBatchResponse struct {
	ModelID  string        `json:"modelId"`
	Records  []ScoreRecord `json:"records"`
	Alerts   int           `json:"alerts"`
	Metadata ScoreMetadata `json:"metadata"`
}

// ScoreMetadata contains processing information.
type ScoreMetadata struct {
	TraceID        string `json:"traceId"`
	PredictMs      int64  `json:"predictMs"`
	TotalMs        int64  `json:"totalMs"`
	Transactions   int    `json:"transactions"`
	AccountsLoaded int    `json:"accountsLoaded"`
	Version        string `json:"version"`
}
