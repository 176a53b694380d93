package repository

// Schemas are compatible with both SQLite and PostgreSQL.

// transactions keeps the raw payload next to the columns queries filter on.
// Timestamps are epoch seconds.
const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    tx_hash TEXT PRIMARY KEY,
    from_address TEXT NOT NULL,
    to_address TEXT NOT NULL,
    target_address TEXT NOT NULL,
    chain TEXT NOT NULL,
    timestamp BIGINT NOT NULL,
    usd_value REAL NOT NULL,
    payload TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_timestamp ON transactions(timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_from ON transactions(from_address, timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_to ON transactions(to_address, timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_target ON transactions(target_address, timestamp);
`

const schemaEvaluations = `
CREATE TABLE IF NOT EXISTS evaluations (
    id TEXT PRIMARY KEY,
    tx_hash TEXT NOT NULL,
    address TEXT NOT NULL,
    risk_score REAL NOT NULL,
    risk_level TEXT NOT NULL,
    risk_tags TEXT NOT NULL,
    fired_rules TEXT NOT NULL,
    features TEXT,
    alert INTEGER NOT NULL DEFAULT 0,
    explanation TEXT NOT NULL,
    duration_ms BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evaluations_tx ON evaluations(tx_hash);
CREATE INDEX IF NOT EXISTS idx_evaluations_address ON evaluations(address, created_at);
CREATE INDEX IF NOT EXISTS idx_evaluations_level ON evaluations(risk_level);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaEvaluations,
	}
}
