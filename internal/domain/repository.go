package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence: the rule store,
// the transaction store, and the verdict/stats sink.
type Repository interface {
	// Transaction store
	SaveTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	SetTransactionStatus(ctx context.Context, txID string, status TransactionStatus, detail string) error
	ListTransactions(ctx context.Context, status TransactionStatus, limit int) ([]*Transaction, error)

	// Rule store
	SaveRule(ctx context.Context, rule *Rule) error
	GetRule(ctx context.Context, ref string) (*Rule, error) // by id or name
	ListRules(ctx context.Context) ([]*Rule, error)
	// ListActiveRules returns enabled rules ordered by (priority desc, id asc).
	ListActiveRules(ctx context.Context) ([]*Rule, error)
	DeleteRule(ctx context.Context, ruleID string) error

	// Verdict sink
	SaveVerdict(ctx context.Context, v *Verdict) error
	GetVerdict(ctx context.Context, verdictID string) (*Verdict, error)
	// GetVerdictByCorrelation returns the terminal verdict for a
	// correlation id, or ErrNotFound. Used for idempotent redelivery.
	GetVerdictByCorrelation(ctx context.Context, correlationID string) (*Verdict, error)

	// RecordRuleOutcome upserts the per-(transaction, rule) outcome and
	// bumps the rule's execution/match counters exactly once per pair,
	// no matter how often the task is redelivered.
	RecordRuleOutcome(ctx context.Context, txID, ruleID string, matched bool) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
