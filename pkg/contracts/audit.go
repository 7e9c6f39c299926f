package contracts

import "time"

// AuditOutcome classifies how an action was resolved.
type AuditOutcome string

const (
	OutcomeAutonomous AuditOutcome = "autonomous"
	OutcomeApproved   AuditOutcome = "approved"
	OutcomeRejected   AuditOutcome = "rejected"
	OutcomeEscalated  AuditOutcome = "escalated"
	OutcomeViolation  AuditOutcome = "violation"
	OutcomeExpired    AuditOutcome = "expired"
	OutcomeRollback   AuditOutcome = "rollback"
)

// AuditLogEntry is the immutable record of one governance decision.
// Entries are append-only; stores chain them by content hash.
type AuditLogEntry struct {
	ID        string         `json:"id"`
	Sequence  uint64         `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
	AgentID   string         `json:"agent_id"`
	Action    string         `json:"action"`
	Category  ActionCategory `json:"category"`
	Outcome   AuditOutcome   `json:"outcome"`

	Confidence float64 `json:"confidence"`
	RiskScore  float64 `json:"risk_score"`

	Approver    string `json:"approver,omitempty"`
	Reason      string `json:"reason,omitempty"`
	IsViolation bool   `json:"is_violation,omitempty"`
	// ViolatedRules lists the ids of matched constitutional rules.
	ViolatedRules []string `json:"violated_rules,omitempty"`

	// CheckpointID links the rollback checkpoint for approved actions.
	CheckpointID string `json:"checkpoint_id,omitempty"`

	// PreviousHash / EntryHash chain entries for tamper evidence.
	// They are populated by the audit store, not by the engine.
	PreviousHash string `json:"previous_hash,omitempty"`
	EntryHash    string `json:"entry_hash,omitempty"`
}

// AuditFilter narrows audit queries. Zero fields match everything.
type AuditFilter struct {
	AgentID  string         `json:"agent_id,omitempty"`
	Action   string         `json:"action,omitempty"`
	Category ActionCategory `json:"category,omitempty"`
	Outcome  AuditOutcome   `json:"outcome,omitempty"`
	Since    time.Time      `json:"since,omitempty"`
	Until    time.Time      `json:"until,omitempty"`
	Limit    int            `json:"limit,omitempty"`
}

// RollbackCheckpoint snapshots pre-action state so an approved
// action's effects can later be undone. Checkpoints are created only
// for actions the engine itself let through.
type RollbackCheckpoint struct {
	ID              string         `json:"id"`
	AgentID         string         `json:"agent_id"`
	Action          string         `json:"action"`
	PreActionState  map[string]any `json:"pre_action_state"`
	PostActionState map[string]any `json:"post_action_state,omitempty"`
	CanRollback     bool           `json:"can_rollback"`
	CreatedAt       time.Time      `json:"created_at"`
	ExpiresAt       time.Time      `json:"expires_at"`

	// AuditEntryID links back to the decision that created this
	// checkpoint so a rollback can flip its outcome.
	AuditEntryID string `json:"audit_entry_id,omitempty"`
}
