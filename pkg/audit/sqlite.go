package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/arbiter-systems/arbiter/pkg/contracts"

	_ "modernc.org/sqlite"
)

// sqliteTimeFormat is a fixed-width RFC 3339 layout. Timestamps are
// stored and compared as TEXT, so the fractional part must not be
// trimmed or lexicographic order diverges from chronological order.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore persists audit entries to SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an opened database and runs migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLiteStore opens (or creates) a database file and migrates it.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return NewSQLiteStore(db)
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		id TEXT PRIMARY KEY,
		sequence INTEGER,
		timestamp DATETIME,
		agent_id TEXT,
		action TEXT,
		category TEXT,
		outcome TEXT,
		confidence REAL,
		risk_score REAL,
		approver TEXT,
		reason TEXT,
		is_violation INTEGER NOT NULL DEFAULT 0,
		violated_rules JSON,
		checkpoint_id TEXT,
		previous_hash TEXT NOT NULL DEFAULT '',
		entry_hash TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_audit_agent ON audit_entries(agent_id, timestamp);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Persist inserts one entry. Entries are write-once: a duplicate id
// violates the primary key and surfaces as an error.
func (s *SQLiteStore) Persist(ctx context.Context, e contracts.AuditLogEntry) error {
	query := `INSERT INTO audit_entries (
		id, sequence, timestamp, agent_id, action, category, outcome,
		confidence, risk_score, approver, reason, is_violation,
		violated_rules, checkpoint_id, previous_hash, entry_hash
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	rulesJSON, _ := json.Marshal(e.ViolatedRules)
	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.Sequence, e.Timestamp.UTC().Format(sqliteTimeFormat),
		e.AgentID, e.Action, string(e.Category), string(e.Outcome),
		e.Confidence, e.RiskScore, e.Approver, e.Reason, boolToInt(e.IsViolation),
		string(rulesJSON), e.CheckpointID, e.PreviousHash, e.EntryHash,
	)
	if err != nil {
		return fmt.Errorf("audit: insert entry: %w", err)
	}
	return nil
}

// Query returns entries matching the filter in timestamp order.
func (s *SQLiteStore) Query(ctx context.Context, filter contracts.AuditFilter) ([]contracts.AuditLogEntry, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Action != "" {
		clauses = append(clauses, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.Category != "" {
		clauses = append(clauses, "category = ?")
		args = append(args, string(filter.Category))
	}
	if filter.Outcome != "" {
		clauses = append(clauses, "outcome = ?")
		args = append(args, string(filter.Outcome))
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, filter.Since.UTC().Format(sqliteTimeFormat))
	}
	if !filter.Until.IsZero() {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, filter.Until.UTC().Format(sqliteTimeFormat))
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
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []contracts.AuditLogEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
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

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanEntry(rows *sql.Rows) (contracts.AuditLogEntry, error) {
	var (
		e           contracts.AuditLogEntry
		timestamp   string
		category    string
		outcome     string
		approver    sql.NullString
		reason      sql.NullString
		isViolation int
		rulesJSON   sql.NullString
		checkpoint  sql.NullString
	)
	if err := rows.Scan(&e.ID, &e.Sequence, &timestamp, &e.AgentID, &e.Action,
		&category, &outcome, &e.Confidence, &e.RiskScore, &approver, &reason,
		&isViolation, &rulesJSON, &checkpoint, &e.PreviousHash, &e.EntryHash); err != nil {
		return e, err
	}
	e.Timestamp = parseTime(timestamp)
	e.Category = contracts.ActionCategory(category)
	e.Outcome = contracts.AuditOutcome(outcome)
	e.Approver = approver.String
	e.Reason = reason.String
	e.IsViolation = isViolation != 0
	e.CheckpointID = checkpoint.String
	if rulesJSON.Valid && rulesJSON.String != "" {
		_ = json.Unmarshal([]byte(rulesJSON.String), &e.ViolatedRules)
	}
	return e, nil
}

func parseTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
