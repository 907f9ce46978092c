// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// AccountRepository provides account records by ID.
// Scoring treats a missing account as degraded signal, not an error.
type AccountRepository interface {
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	GetAccounts(ctx context.Context, accountIDs []string) ([]Account, error)
}

// TransactionSource provides labeled transaction batches for training.
type TransactionSource interface {
	ListLabeledTransactions(ctx context.Context, since time.Time) ([]Transaction, []int, error)
}

// ScoreStore persists score records produced by inference.
type ScoreStore interface {
	SaveScoreRecords(ctx context.Context, records []ScoreRecord) error
	GetScoreRecord(ctx context.Context, txID string) (*ScoreRecord, error)
}

// Repository defines the interface for data persistence.
type Repository interface {
	AccountRepository
	TransactionSource
	ScoreStore

	// Account operations
	SaveAccounts(ctx context.Context, accounts []Account) error
	ListAccounts(ctx context.Context) ([]Account, error)

	// Transaction operations; a nil label means unlabeled
	SaveTransactions(ctx context.Context, txs []Transaction, labels []int) error
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `mapstructure:"driver" validate:"oneof=sqlite postgres"`

	// SQLite specific
	SQLitePath string `mapstructure:"sqlitepath"`

	// PostgreSQL specific
	PostgresHost     string `mapstructure:"postgreshost"`
	PostgresPort     int    `mapstructure:"postgresport"`
	PostgresUser     string `mapstructure:"postgresuser"`
	PostgresPassword string `mapstructure:"postgrespassword"`
	PostgresDB       string `mapstructure:"postgresdb"`
	PostgresSSLMode  string `mapstructure:"postgressslmode"`

	// Connection pool settings
	MaxOpenConns    int           `mapstructure:"maxopenconns"`
	MaxIdleConns    int           `mapstructure:"maxidleconns"`
	ConnMaxLifetime time.Duration `mapstructure:"connmaxlifetime"`
}
