package repository

// Schema definitions for the Kestrel store.
// Compatible with both SQLite and PostgreSQL.

const schemaAccounts = `
CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    customer_name TEXT,
    type TEXT NOT NULL,
    country TEXT NOT NULL,
    risk_rating TEXT NOT NULL,
    is_pep INTEGER NOT NULL DEFAULT 0,
    kyc_status TEXT NOT NULL,
    opened_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_accounts_country ON accounts(country);
`

// label is NULL for transactions ingested without ground truth.
const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    from_account_id TEXT NOT NULL,
    to_account_id TEXT NOT NULL,
    amount DOUBLE PRECISION NOT NULL,
    currency TEXT,
    type TEXT,
    timestamp TIMESTAMP NOT NULL,
    from_country TEXT,
    to_country TEXT,
    narrative TEXT,
    label INTEGER,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_from ON transactions(from_account_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_timestamp ON transactions(timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_label ON transactions(label);
`

const schemaScoreRecords = `
CREATE TABLE IF NOT EXISTS score_records (
    id TEXT PRIMARY KEY,
    tx_id TEXT NOT NULL,
    score DOUBLE PRECISION NOT NULL,
    bagged DOUBLE PRECISION NOT NULL,
    boosted DOUBLE PRECISION NOT NULL,
    anomaly DOUBLE PRECISION NOT NULL,
    tier TEXT NOT NULL,
    reasons TEXT NOT NULL,
    model_id TEXT,
    scored_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_score_records_tx ON score_records(tx_id, scored_at);
CREATE INDEX IF NOT EXISTS idx_score_records_tier ON score_records(tier);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaAccounts,
		schemaTransactions,
		schemaScoreRecords,
	}
}
