package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/arbiter-systems/arbiter/pkg/contracts"

	_ "github.com/lib/pq"
)

// PostgresStore persists audit entries to PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an opened database. Migration is the
// deployment's responsibility; Migrate is provided for dev setups.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the audit table if missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		id TEXT PRIMARY KEY,
		sequence BIGINT,
		timestamp TIMESTAMPTZ,
		agent_id TEXT,
		action TEXT,
		category TEXT,
		outcome TEXT,
		confidence DOUBLE PRECISION,
		risk_score DOUBLE PRECISION,
		approver TEXT,
		reason TEXT,
		is_violation BOOLEAN NOT NULL DEFAULT FALSE,
		violated_rules JSONB,
		checkpoint_id TEXT,
		previous_hash TEXT NOT NULL DEFAULT '',
		entry_hash TEXT NOT NULL DEFAULT ''
	)`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// Persist inserts one write-once entry.
func (s *PostgresStore) Persist(ctx context.Context, e contracts.AuditLogEntry) error {
	query := `INSERT INTO audit_entries (
		id, sequence, timestamp, agent_id, action, category, outcome,
		confidence, risk_score, approver, reason, is_violation,
		violated_rules, checkpoint_id, previous_hash, entry_hash
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	rulesJSON, _ := json.Marshal(e.ViolatedRules)
	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.Sequence, e.Timestamp.UTC(), e.AgentID, e.Action,
		string(e.Category), string(e.Outcome), e.Confidence, e.RiskScore,
		e.Approver, e.Reason, e.IsViolation, string(rulesJSON),
		e.CheckpointID, e.PreviousHash, e.EntryHash,
	)
	if err != nil {
		return fmt.Errorf("audit: insert entry: %w", err)
	}
	return nil
}

// Query returns entries matching the filter in timestamp order.
func (s *PostgresStore) Query(ctx context.Context, filter contracts.AuditFilter) ([]contracts.AuditLogEntry, error) {
	var (
		clauses []string
		args    []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.AgentID != "" {
		clauses = append(clauses, "agent_id = "+arg(filter.AgentID))
	}
	if filter.Action != "" {
		clauses = append(clauses, "action = "+arg(filter.Action))
	}
	if filter.Category != "" {
		clauses = append(clauses, "category = "+arg(string(filter.Category)))
	}
	if filter.Outcome != "" {
		clauses = append(clauses, "outcome = "+arg(string(filter.Outcome)))
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "timestamp >= "+arg(filter.Since.UTC()))
	}
	if !filter.Until.IsZero() {
		clauses = append(clauses, "timestamp <= "+arg(filter.Until.UTC()))
	}

	query := `SELECT id, sequence, timestamp, agent_id, action, category, outcome,
		confidence, risk_score, approver, reason, is_violation,
		violated_rules, checkpoint_id, previous_hash, entry_hash
		FROM audit_entries`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY timestamp ASC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []contracts.AuditLogEntry
	for rows.Next() {
		entry, err := scanPostgresEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func scanPostgresEntry(rows *sql.Rows) (contracts.AuditLogEntry, error) {
	var (
		e          contracts.AuditLogEntry
		category   string
		outcome    string
		approver   sql.NullString
		reason     sql.NullString
		rulesJSON  sql.NullString
		checkpoint sql.NullString
	)
	if err := rows.Scan(&e.ID, &e.Sequence, &e.Timestamp, &e.AgentID, &e.Action,
		&category, &outcome, &e.Confidence, &e.RiskScore, &approver, &reason,
		&e.IsViolation, &rulesJSON, &checkpoint, &e.PreviousHash, &e.EntryHash); err != nil {
		return e, err
	}
	e.Category = contracts.ActionCategory(category)
	e.Outcome = contracts.AuditOutcome(outcome)
	e.Approver = approver.String
	e.Reason = reason.String
	e.CheckpointID = checkpoint.String
	if rulesJSON.Valid && rulesJSON.String != "" {
		_ = json.Unmarshal([]byte(rulesJSON.String), &e.ViolatedRules)
	}
	return e, nil
}
