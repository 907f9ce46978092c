package domain

import (
	"time"
)

// TransactionType is the payment rail a transaction moved over.
type TransactionType string

const (
	TxTypeWire  TransactionType = "wire"
	TxTypeACH   TransactionType = "ach"
	TxTypeCheck TransactionType = "check"
	TxTypeCard  TransactionType = "card"
)

// Transaction represents a single funds movement between two accounts.
// Transactions are immutable once ingested. Only ID is required: scoring
// treats a missing party, a negative amount or an unknown type as a data
// error on that row and degrades the affected features to zero.
type Transaction struct {
	ID string `json:"id" validate:"required"`

	// Parties involved
	FromAccountID string `json:"fromAccountId"`
	ToAccountID   string `json:"toAccountId"`

	// Financial details
	Amount   float64         `json:"amount"`
	Currency string          `json:"currency,omitempty"`
	Type     TransactionType `json:"type,omitempty"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`

	// Geography (ISO 3166-1 alpha-2)
	FromCountry string `json:"fromCountry"`
	ToCountry   string `json:"toCountry"`

	// Free text, opaque to scoring
	Narrative string `json:"narrative,omitempty"`
}

// IsCrossBorder reports whether the transaction leaves its source country.
// Unknown countries never count as cross-border.
func (t *Transaction) IsCrossBorder() bool {
	if t.FromCountry == "" || t.ToCountry == "" {
		return false
	}
	return t.FromCountry != t.ToCountry
}

// RiskRating is the compliance risk rating of an account.
type RiskRating string

const (
	RiskLow    RiskRating = "low"
	RiskMedium RiskRating = "medium"
	RiskHigh   RiskRating = "high"
	RiskSevere RiskRating = "severe"
)

// Ordinal maps the rating onto low:0 < medium:1 < high:2 < severe:3.
// Unknown ratings map to medium.
func (r RiskRating) Ordinal() float64 {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskSevere:
		return 3
	default:
		return 1
	}
}

// AccountType distinguishes personal from business accounts.
type AccountType string

const (
	AccountPersonal AccountType = "personal"
	AccountBusiness AccountType = "business"
)

// KYCStatus is the know-your-customer verification state.
type KYCStatus string

const (
	KYCVerified   KYCStatus = "verified"
	KYCPending    KYCStatus = "pending"
	KYCIncomplete KYCStatus = "incomplete"
)

// Account holds the customer metadata joined onto transactions.
// Accounts are maintained by onboarding and compliance processes; scoring
// only reads them.
type Account struct {
	ID           string      `json:"id" validate:"required"`
	CustomerName string      `json:"customerName,omitempty"`
	Type         AccountType `json:"type"`
	Country      string      `json:"country"`
	RiskRating   RiskRating  `json:"riskRating"`
	IsPEP        bool        `json:"isPep"`
	KYCStatus    KYCStatus   `json:"kycStatus"`
	OpenedAt     time.Time   `json:"openedAt"`
}

// AccountIndex builds an ID-keyed lookup from a slice of accounts.
// Later duplicates win.
func AccountIndex(accounts []Account) map[string]*Account {
	idx := make(map[string]*Account, len(accounts))
	for i := range accounts {
		idx[accounts[i].ID] = &accounts[i]
	}
	return idx
}

// AccountIDs returns the distinct account IDs referenced by txs, in first
// appearance order.
func AccountIDs(txs []Transaction) []string {
	seen := make(map[string]struct{}, len(txs))
	ids := make([]string, 0, len(txs))
	for i := range txs {
		for _, id := range [2]string{txs[i].FromAccountID, txs[i].ToAccountID} {
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}
