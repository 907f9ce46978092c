// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// accountLookupChunk bounds the IN list of a single account query.
const accountLookupChunk = 500

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, err
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveAccounts upserts account records in one transaction.
func (r *SQLRepository) SaveAccounts(ctx context.Context, accounts []domain.Account) error {
	query := `
		INSERT INTO accounts (
			id, customer_name, type, country, risk_rating, is_pep, kyc_status, opened_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			customer_name = excluded.customer_name,
			type = excluded.type,
			country = excluded.country,
			risk_rating = excluded.risk_rating,
			is_pep = excluded.is_pep,
			kyc_status = excluded.kyc_status,
			opened_at = excluded.opened_at,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC()
	return r.inTx(ctx, query, func(stmt *sql.Stmt) error {
		for i := range accounts {
			a := &accounts[i]
			if a.ID == "" {
				return fmt.Errorf("%w: account %d has no ID", ErrInvalidInput, i)
			}
			if _, err := stmt.ExecContext(ctx,
				a.ID, a.CustomerName, a.Type, a.Country, a.RiskRating,
				boolInt(a.IsPEP), a.KYCStatus, a.OpenedAt.UTC(), now,
			); err != nil {
				return fmt.Errorf("failed to save account %s: %w", a.ID, err)
			}
		}
		return nil
	})
}

const accountColumns = `id, customer_name, type, country, risk_rating, is_pep, kyc_status, opened_at`

// GetAccount retrieves an account by ID.
func (r *SQLRepository) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = ?`

	a, err := scanAccount(r.db.QueryRowContext(ctx, r.rebind(query), accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// GetAccounts retrieves the accounts that exist among accountIDs. Missing
// IDs are skipped; callers treat them as unknown accounts.
func (r *SQLRepository) GetAccounts(ctx context.Context, accountIDs []string) ([]domain.Account, error) {
	var accounts []domain.Account
	for lo := 0; lo < len(accountIDs); lo += accountLookupChunk {
		ids := accountIDs[lo:min(lo+accountLookupChunk, len(accountIDs))]

		query := `SELECT ` + accountColumns + ` FROM accounts WHERE id IN (` +
			strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",") + `)`
		args := make([]any, len(ids))
		for i, id := range ids {
			args[i] = id
		}

		batch, err := r.queryAccounts(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, batch...)
	}
	return accounts, nil
}

// ListAccounts returns every stored account ordered by ID.
func (r *SQLRepository) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	return r.queryAccounts(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
}

func (r *SQLRepository) queryAccounts(ctx context.Context, query string, args ...any) ([]domain.Account, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(s scanner) (*domain.Account, error) {
	var a domain.Account
	var isPEP int
	if err := s.Scan(
		&a.ID, &a.CustomerName, &a.Type, &a.Country,
		&a.RiskRating, &isPEP, &a.KYCStatus, &a.OpenedAt,
	); err != nil {
		return nil, err
	}
	a.IsPEP = isPEP == 1
	a.OpenedAt = a.OpenedAt.UTC()
	return &a, nil
}

// SaveTransactions upserts transactions. labels is either nil (unlabeled)
// or aligned with txs; a stored label can be corrected by saving again.
func (r *SQLRepository) SaveTransactions(ctx context.Context, txs []domain.Transaction, labels []int) error {
	if labels != nil && len(labels) != len(txs) {
		return fmt.Errorf("%w: %d labels for %d transactions", ErrInvalidInput, len(labels), len(txs))
	}

	query := `
		INSERT INTO transactions (
			id, from_account_id, to_account_id, amount, currency, type,
			timestamp, from_country, to_country, narrative, label, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			label = COALESCE(excluded.label, transactions.label)
	`

	now := time.Now().UTC()
	return r.inTx(ctx, query, func(stmt *sql.Stmt) error {
		for i := range txs {
			tx := &txs[i]
			if tx.ID == "" {
				return fmt.Errorf("%w: transaction %d has no ID", ErrInvalidInput, i)
			}

			var label sql.NullInt64
			if labels != nil {
				if labels[i] != 0 && labels[i] != 1 {
					return fmt.Errorf("%w: label %d for %s", ErrInvalidInput, labels[i], tx.ID)
				}
				label = sql.NullInt64{Int64: int64(labels[i]), Valid: true}
			}

			if _, err := stmt.ExecContext(ctx,
				tx.ID, tx.FromAccountID, tx.ToAccountID, tx.Amount, tx.Currency, tx.Type,
				tx.Timestamp.UTC(), tx.FromCountry, tx.ToCountry, tx.Narrative, label, now,
			); err != nil {
				return fmt.Errorf("failed to save transaction %s: %w", tx.ID, err)
			}
		}
		return nil
	})
}

const transactionColumns = `id, from_account_id, to_account_id, amount, currency, type,
	timestamp, from_country, to_country, narrative`

// GetTransaction retrieves a transaction by ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + `, label FROM transactions WHERE id = ?`

	tx, _, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// ListLabeledTransactions returns labeled transactions at or after since,
// oldest first, with their labels aligned.
func (r *SQLRepository) ListLabeledTransactions(ctx context.Context, since time.Time) ([]domain.Transaction, []int, error) {
	query := `
		SELECT ` + transactionColumns + `, label
		FROM transactions
		WHERE label IS NOT NULL AND timestamp >= ?
		ORDER BY timestamp, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), since.UTC())
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var txs []domain.Transaction
	var labels []int
	for rows.Next() {
		tx, label, err := scanTransaction(rows)
		if err != nil {
			return nil, nil, err
		}
		txs = append(txs, *tx)
		labels = append(labels, int(label.Int64))
	}
	return txs, labels, rows.Err()
}

func scanTransaction(s scanner) (*domain.Transaction, sql.NullInt64, error) {
	var tx domain.Transaction
	var label sql.NullInt64
	if err := s.Scan(
		&tx.ID, &tx.FromAccountID, &tx.ToAccountID, &tx.Amount, &tx.Currency, &tx.Type,
		&tx.Timestamp, &tx.FromCountry, &tx.ToCountry, &tx.Narrative, &label,
	); err != nil {
		return nil, label, err
	}
	tx.Timestamp = tx.Timestamp.UTC()
	return &tx, label, nil
}

// SaveScoreRecords appends score records. Every inference call produces new
// rows; earlier scores for the same transaction are kept.
func (r *SQLRepository) SaveScoreRecords(ctx context.Context, records []domain.ScoreRecord) error {
	query := `
		INSERT INTO score_records (
			id, tx_id, score, bagged, boosted, anomaly, tier, reasons, model_id, scored_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	return r.inTx(ctx, query, func(stmt *sql.Stmt) error {
		for i := range records {
			rec := &records[i]
			reasons, err := json.Marshal(rec.Reasons)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx,
				uuid.New().String(), rec.TxID, rec.Score,
				rec.Components.Bagged, rec.Components.Boosted, rec.Components.Anomaly,
				rec.Tier, string(reasons), rec.ModelID, rec.ScoredAt.UTC(),
			); err != nil {
				return fmt.Errorf("failed to save score for %s: %w", rec.TxID, err)
			}
		}
		return nil
	})
}

// GetScoreRecord retrieves the most recent score for a transaction.
func (r *SQLRepository) GetScoreRecord(ctx context.Context, txID string) (*domain.ScoreRecord, error) {
	query := `
		SELECT tx_id, score, bagged, boosted, anomaly, tier, reasons, model_id, scored_at
		FROM score_records
		WHERE tx_id = ?
		ORDER BY scored_at DESC
		LIMIT 1
	`

	var rec domain.ScoreRecord
	var reasons string
	var modelID sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), txID).Scan(
		&rec.TxID, &rec.Score,
		&rec.Components.Bagged, &rec.Components.Boosted, &rec.Components.Anomaly,
		&rec.Tier, &reasons, &modelID, &rec.ScoredAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.ModelID = modelID.String
	rec.ScoredAt = rec.ScoredAt.UTC()
	if err := json.Unmarshal([]byte(reasons), &rec.Reasons); err != nil {
		return nil, fmt.Errorf("failed to parse reasons for %s: %w", txID, err)
	}
	return &rec, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// inTx prepares query inside a transaction and hands the statement to fn.
// The transaction commits only if fn succeeds.
func (r *SQLRepository) inTx(ctx context.Context, query string, fn func(stmt *sql.Stmt) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, r.rebind(query))
	if err != nil {
		return err
	}
	defer stmt.Close()

	if err := fn(stmt); err != nil {
		return err
	}
	return tx.Commit()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			fmt.Fprintf(&b, "$%d", n)
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
