package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    correlation_id TEXT NOT NULL,
    type TEXT NOT NULL,
    from_account TEXT NOT NULL,
    to_account TEXT NOT NULL,
    amount REAL NOT NULL,
    currency TEXT NOT NULL,
    device_id TEXT,
    ip_address TEXT,
    merchant_id TEXT,
    location TEXT,
    status TEXT NOT NULL,
    status_detail TEXT,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_correlation ON transactions(correlation_id);
CREATE INDEX IF NOT EXISTS idx_transactions_from ON transactions(from_account);
CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status);
CREATE INDEX IF NOT EXISTS idx_transactions_timestamp ON transactions(timestamp);
`

const schemaRules = `
CREATE TABLE IF NOT EXISTS rules (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    description TEXT,
    kind TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    priority INTEGER NOT NULL DEFAULT 0,
    critical INTEGER NOT NULL DEFAULT 0,
    params TEXT NOT NULL,
    execution_count INTEGER NOT NULL DEFAULT 0,
    match_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rules_enabled ON rules(enabled);
CREATE INDEX IF NOT EXISTS idx_rules_priority ON rules(priority);
`

const schemaVerdicts = `
CREATE TABLE IF NOT EXISTS verdicts (
    id TEXT PRIMARY KEY,
    transaction_id TEXT NOT NULL,
    correlation_id TEXT NOT NULL,
    status TEXT NOT NULL,
    risk_level TEXT NOT NULL,
    rule_results TEXT NOT NULL,
    matched_rule_ids TEXT,
    rules_evaluated INTEGER NOT NULL,
    rules_matched INTEGER NOT NULL,
    rules_errored INTEGER NOT NULL,
    total_ms INTEGER NOT NULL,
    trace_id TEXT,
    timestamp TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_verdicts_tx ON verdicts(transaction_id);
CREATE INDEX IF NOT EXISTS idx_verdicts_correlation ON verdicts(correlation_id);
CREATE INDEX IF NOT EXISTS idx_verdicts_status ON verdicts(status);
`

// schemaRuleOutcomes backs idempotent stats: one row per
// (transaction, rule) pair, so redelivered tasks cannot double-count.
const schemaRuleOutcomes = `
CREATE TABLE IF NOT EXISTS rule_outcomes (
    transaction_id TEXT NOT NULL,
    rule_id TEXT NOT NULL,
    matched INTEGER NOT NULL,
    recorded_at TIMESTAMP NOT NULL,
    PRIMARY KEY (transaction_id, rule_id)
);

CREATE INDEX IF NOT EXISTS idx_rule_outcomes_rule ON rule_outcomes(rule_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaRules,
		schemaVerdicts,
		schemaRuleOutcomes,
	}
}
