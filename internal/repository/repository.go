// Package repository provides data persistence: the rule store, the
// transaction store, and the verdict/stats sink.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Pool overrides apply to postgres only; sqlite keeps its
	// single-writer connection cap.
	if cfg.Driver == "postgres" {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
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

// SaveTransaction stores a transaction.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx.ID == "" {
		return fmt.Errorf("%w: transaction id is required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO transactions (
			id, correlation_id, type, from_account, to_account,
			amount, currency, device_id, ip_address, merchant_id,
			location, status, status_detail, timestamp, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tx.CorrelationID, tx.Type,
		tx.FromAccount, tx.ToAccount,
		tx.Amount, tx.Currency,
		tx.DeviceID, tx.IPAddress, tx.MerchantID, tx.Location,
		tx.Status, "",
		tx.Timestamp, tx.CreatedAt, tx.UpdatedAt,
	)
	return err
}

const transactionColumns = `id, correlation_id, type, from_account, to_account,
	amount, currency, device_id, ip_address, merchant_id,
	location, status, timestamp, created_at, updated_at`

func scanTransaction(row interface{ Scan(...any) error }) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := row.Scan(
		&tx.ID, &tx.CorrelationID, &tx.Type,
		&tx.FromAccount, &tx.ToAccount,
		&tx.Amount, &tx.Currency,
		&tx.DeviceID, &tx.IPAddress, &tx.MerchantID, &tx.Location,
		&tx.Status, &tx.Timestamp, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// GetTransaction retrieves a transaction by ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// SetTransactionStatus updates a transaction's status after evaluation
// or manual review.
func (r *SQLRepository) SetTransactionStatus(ctx context.Context, txID string, status domain.TransactionStatus, detail string) error {
	query := `
		UPDATE transactions
		SET status = ?, status_detail = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), status, detail, time.Now().UTC(), txID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListTransactions retrieves recent transactions, optionally filtered by
// status.
func (r *SQLRepository) ListTransactions(ctx context.Context, status domain.TransactionStatus, limit int) ([]*domain.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

// SaveRule stores a rule definition, upserting on id.
func (r *SQLRepository) SaveRule(ctx context.Context, rule *domain.Rule) error {
	if rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", domain.ErrInvalidInput)
	}

	params := rule.Params()
	if params == nil {
		return fmt.Errorf("%w: rule params missing for kind %s", domain.ErrInvalidInput, rule.Kind)
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode rule params: %w", err)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}
	critical := 0
	if rule.Critical {
		critical = 1
	}

	now := time.Now().UTC()
	created := rule.CreatedAt
	if created.IsZero() {
		created = now
	}

	query := `
		INSERT INTO rules (
			id, name, description, kind, enabled, priority, critical,
			params, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			kind = excluded.kind,
			enabled = excluded.enabled,
			priority = excluded.priority,
			critical = excluded.critical,
			params = excluded.params,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, rule.Kind,
		enabled, rule.Priority, critical,
		string(encoded), created, now,
	)
	return err
}

const ruleColumns = `id, name, description, kind, enabled, priority, critical,
	params, execution_count, match_count, created_at, updated_at`

func scanRule(row interface{ Scan(...any) error }) (*domain.Rule, error) {
	var rule domain.Rule
	var enabled, critical int
	var params string

	err := row.Scan(
		&rule.ID, &rule.Name, &rule.Description, &rule.Kind,
		&enabled, &rule.Priority, &critical,
		&params, &rule.ExecutionCount, &rule.MatchCount,
		&rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.Enabled = enabled == 1
	rule.Critical = critical == 1

	if err := decodeRuleParams(&rule, params); err != nil {
		return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
	}
	return &rule, nil
}

func decodeRuleParams(rule *domain.Rule, params string) error {
	switch rule.Kind {
	case domain.KindThreshold:
		rule.Threshold = &domain.ThresholdParams{}
		return json.Unmarshal([]byte(params), rule.Threshold)
	case domain.KindPattern:
		rule.Pattern = &domain.PatternParams{}
		return json.Unmarshal([]byte(params), rule.Pattern)
	case domain.KindComposite:
		rule.Composite = &domain.CompositeParams{}
		return json.Unmarshal([]byte(params), rule.Composite)
	case domain.KindML:
		rule.ML = &domain.MLParams{}
		return json.Unmarshal([]byte(params), rule.ML)
	}
	return fmt.Errorf("unknown rule kind %q", rule.Kind)
}

// GetRule retrieves a rule by id or name.
func (r *SQLRepository) GetRule(ctx context.Context, ref string) (*domain.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE id = ? OR name = ? LIMIT 1`

	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), ref, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// ListRules retrieves all rules, including disabled ones.
func (r *SQLRepository) ListRules(ctx context.Context) ([]*domain.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules ORDER BY priority DESC, id ASC`
	return r.queryRules(ctx, query)
}

// ListActiveRules retrieves enabled rules in evaluation order:
// priority descending, ties broken by id ascending.
func (r *SQLRepository) ListActiveRules(ctx context.Context) ([]*domain.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE enabled = 1 ORDER BY priority DESC, id ASC`
	return r.queryRules(ctx, query)
}

func (r *SQLRepository) queryRules(ctx context.Context, query string, args ...any) ([]*domain.Rule, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// DeleteRule soft-deletes a rule by setting enabled = 0, preserving it
// for verdict audit trails that reference it.
func (r *SQLRepository) DeleteRule(ctx context.Context, ruleID string) error {
	query := `
		UPDATE rules
		SET enabled = 0, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), ruleID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SaveVerdict stores an evaluation verdict. Saving the same verdict id
// twice is a no-op, so a redelivered task cannot duplicate the record.
func (r *SQLRepository) SaveVerdict(ctx context.Context, v *domain.Verdict) error {
	ruleResults, err := json.Marshal(v.RuleResults)
	if err != nil {
		return fmt.Errorf("failed to encode rule results: %w", err)
	}
	matchedIDs, _ := json.Marshal(v.MatchedRuleIDs)

	query := `
		INSERT INTO verdicts (
			id, transaction_id, correlation_id, status, risk_level,
			rule_results, matched_rule_ids, rules_evaluated, rules_matched,
			rules_errored, total_ms, trace_id, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		v.ID, v.TransactionID, v.CorrelationID, v.Status, v.RiskLevel,
		string(ruleResults), string(matchedIDs),
		v.RulesEvaluated, v.RulesMatched, v.RulesErrored,
		v.TotalMs, v.TraceID, v.Timestamp,
	)
	return err
}

const verdictColumns = `id, transaction_id, correlation_id, status, risk_level,
	rule_results, matched_rule_ids, rules_evaluated, rules_matched,
	rules_errored, total_ms, trace_id, timestamp`

func scanVerdict(row interface{ Scan(...any) error }) (*domain.Verdict, error) {
	var v domain.Verdict
	var ruleResults, matchedIDs string

	err := row.Scan(
		&v.ID, &v.TransactionID, &v.CorrelationID, &v.Status, &v.RiskLevel,
		&ruleResults, &matchedIDs,
		&v.RulesEvaluated, &v.RulesMatched, &v.RulesErrored,
		&v.TotalMs, &v.TraceID, &v.Timestamp,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(ruleResults), &v.RuleResults); err != nil {
		return nil, fmt.Errorf("verdict %s: failed to parse rule results: %w", v.ID, err)
	}
	if matchedIDs != "" {
		json.Unmarshal([]byte(matchedIDs), &v.MatchedRuleIDs)
	}
	return &v, nil
}

// GetVerdict retrieves a verdict by ID.
func (r *SQLRepository) GetVerdict(ctx context.Context, verdictID string) (*domain.Verdict, error) {
	query := `SELECT ` + verdictColumns + ` FROM verdicts WHERE id = ?`

	v, err := scanVerdict(r.db.QueryRowContext(ctx, r.rebind(query), verdictID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// GetVerdictByCorrelation retrieves the latest verdict for a correlation
// id. The pipeline uses it to short-circuit redelivered tasks.
func (r *SQLRepository) GetVerdictByCorrelation(ctx context.Context, correlationID string) (*domain.Verdict, error) {
	query := `
		SELECT ` + verdictColumns + `
		FROM verdicts
		WHERE correlation_id = ?
		ORDER BY timestamp DESC
		LIMIT 1
	`

	v, err := scanVerdict(r.db.QueryRowContext(ctx, r.rebind(query), correlationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// RecordRuleOutcome upserts the per-(transaction, rule) outcome row and
// bumps the rule's counters only when the row is new, keeping stats
// correct under at-least-once delivery.
func (r *SQLRepository) RecordRuleOutcome(ctx context.Context, txID, ruleID string, matched bool) error {
	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbTx.Rollback()

	matchedInt := 0
	if matched {
		matchedInt = 1
	}

	insert := `
		INSERT INTO rule_outcomes (transaction_id, rule_id, matched, recorded_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(transaction_id, rule_id) DO NOTHING
	`
	result, err := dbTx.ExecContext(ctx, r.rebind(insert), txID, ruleID, matchedInt, time.Now().UTC())
	if err != nil {
		return err
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if inserted == 0 {
		// Already recorded for this pair; counters stay untouched.
		return dbTx.Commit()
	}

	update := `
		UPDATE rules
		SET execution_count = execution_count + 1,
		    match_count = match_count + ?
		WHERE id = ?
	`
	if _, err := dbTx.ExecContext(ctx, r.rebind(update), matchedInt, ruleID); err != nil {
		return err
	}

	return dbTx.Commit()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
