// Package repository persists transactions and evaluations in SQLite or
// PostgreSQL through database/sql.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/tracex/internal/domain"
	"github.com/opensource-finance/tracex/internal/metrics"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db      *sql.DB
	driver  string
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a repository.
type Option func(*SQLRepository)

// WithMetrics records query latency in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *SQLRepository) { r.metrics = m }
}

// New opens the configured database and applies the schema.
func New(cfg domain.RepositoryConfig, opts ...Option) (*SQLRepository, error) {
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

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{db: db, driver: cfg.Driver, now: time.Now}
	for _, opt := range opts {
		opt(repo)
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

// track starts timing a query; call the result with the query's error.
func (r *SQLRepository) track(op, table string) func(*error) {
	start := time.Now()
	return func(err *error) {
		r.metrics.RecordDBQuery(op, table, time.Since(start).Seconds(), *err)
	}
}

// SaveTransaction upserts a transaction by hash.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tx *domain.Transaction) (err error) {
	if tx == nil || tx.TxHash == "" {
		return fmt.Errorf("%w: tx_hash is required", ErrInvalidInput)
	}
	defer r.track("insert", "transactions")(&err)

	payload, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("encode transaction: %w", err)
	}

	query := `
		INSERT INTO transactions (
			tx_hash, from_address, to_address, target_address, chain,
			timestamp, usd_value, payload, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tx_hash) DO UPDATE SET
			from_address = excluded.from_address,
			to_address = excluded.to_address,
			target_address = excluded.target_address,
			chain = excluded.chain,
			timestamp = excluded.timestamp,
			usd_value = excluded.usd_value,
			payload = excluded.payload
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		tx.TxHash, tx.Sender(), tx.Receiver(), strings.ToLower(tx.TargetAddress), tx.Chain,
		tx.Unix(), tx.USD(), string(payload), r.now().UTC(),
	)
	return err
}

// GetTransaction returns the transaction with the given hash.
func (r *SQLRepository) GetTransaction(ctx context.Context, txHash string) (tx *domain.Transaction, err error) {
	defer r.track("select", "transactions")(&err)

	var payload string
	err = r.db.QueryRowContext(ctx, r.rebind(`SELECT payload FROM transactions WHERE tx_hash = ?`), txHash).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeTransaction(payload)
}

// ListTransactionsSince returns transactions at or after since, oldest
// first. A non-positive limit returns all of them.
func (r *SQLRepository) ListTransactionsSince(ctx context.Context, since time.Time, limit int) (txs []*domain.Transaction, err error) {
	defer r.track("select", "transactions")(&err)

	query := `SELECT payload FROM transactions WHERE timestamp >= ? ORDER BY timestamp ASC, tx_hash ASC`
	args := []any{since.Unix()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.queryTransactions(ctx, query, args...)
}

// ListTransactionsByAddress returns the transactions sent, received or
// targeted by address at or after since, oldest first.
func (r *SQLRepository) ListTransactionsByAddress(ctx context.Context, address string, since time.Time) (txs []*domain.Transaction, err error) {
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return nil, fmt.Errorf("%w: address is required", ErrInvalidInput)
	}
	defer r.track("select", "transactions")(&err)

	query := `
		SELECT payload FROM transactions
		WHERE (from_address = ? OR to_address = ? OR target_address = ?) AND timestamp >= ?
		ORDER BY timestamp ASC, tx_hash ASC
	`
	return r.queryTransactions(ctx, query, address, address, address, since.Unix())
}

func (r *SQLRepository) queryTransactions(ctx context.Context, query string, args ...any) ([]*domain.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []*domain.Transaction
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		tx, err := decodeTransaction(payload)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func decodeTransaction(payload string) (*domain.Transaction, error) {
	var tx domain.Transaction
	if err := json.Unmarshal([]byte(payload), &tx); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return &tx, nil
}

// SaveEvaluation stores a scoring decision.
func (r *SQLRepository) SaveEvaluation(ctx context.Context, eval *domain.Evaluation) (err error) {
	if eval == nil || eval.ID == "" {
		return fmt.Errorf("%w: evaluation id is required", ErrInvalidInput)
	}
	defer r.track("insert", "evaluations")(&err)

	tags, err := json.Marshal(nonNil(eval.RiskTags))
	if err != nil {
		return err
	}
	fired, err := json.Marshal(eval.FiredRules)
	if err != nil {
		return err
	}
	var features []byte
	if len(eval.Features) > 0 {
		if features, err = json.Marshal(eval.Features); err != nil {
			return err
		}
	}
	alert := 0
	if eval.Alert {
		alert = 1
	}
	created := eval.CreatedAt
	if created.IsZero() {
		created = r.now()
	}

	query := `
		INSERT INTO evaluations (
			id, tx_hash, address, risk_score, risk_level, risk_tags,
			fired_rules, features, alert, explanation, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		eval.ID, eval.TxHash, eval.Address, eval.RiskScore, string(eval.RiskLevel), string(tags),
		string(fired), nullString(features), alert, eval.Explanation, eval.DurationMs, created.UTC(),
	)
	return err
}

// GetEvaluation returns the evaluation with the given id.
func (r *SQLRepository) GetEvaluation(ctx context.Context, evalID string) (eval *domain.Evaluation, err error) {
	defer r.track("select", "evaluations")(&err)

	query := `
		SELECT id, tx_hash, address, risk_score, risk_level, risk_tags,
			fired_rules, features, alert, explanation, duration_ms, created_at
		FROM evaluations
		WHERE id = ?
	`
	var e domain.Evaluation
	var level, tags, fired string
	var features sql.NullString
	var alert int
	err = r.db.QueryRowContext(ctx, r.rebind(query), evalID).Scan(
		&e.ID, &e.TxHash, &e.Address, &e.RiskScore, &level, &tags,
		&fired, &features, &alert, &e.Explanation, &e.DurationMs, &e.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	e.RiskLevel = domain.RiskLevel(level)
	e.Alert = alert != 0
	if err := json.Unmarshal([]byte(tags), &e.RiskTags); err != nil {
		return nil, fmt.Errorf("decode risk tags: %w", err)
	}
	if err := json.Unmarshal([]byte(fired), &e.FiredRules); err != nil {
		return nil, fmt.Errorf("decode fired rules: %w", err)
	}
	if features.Valid && features.String != "" {
		if err := json.Unmarshal([]byte(features.String), &e.Features); err != nil {
			return nil, fmt.Errorf("decode features: %w", err)
		}
	}
	return &e, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, ... for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func nonNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func nullString(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
