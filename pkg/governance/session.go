package governance

import (
	"time"

	"github.com/arbiter-systems/arbiter/pkg/contracts"
)

// pendingApproval pairs an open request with the action that raised
// it, so resolution can create the rollback checkpoint from the
// original pre-action state.
type pendingApproval struct {
	request *contracts.ApprovalRequest
	action  contracts.ActionRequest
	// rule is the escalation rule that forced approval, when one did;
	// its timeout and auto-approve flag override the engine defaults.
	rule *contracts.EscalationRule
}

// session is the per-agent policy state. It exists from attach to
// detach; the engine serializes access.
type session struct {
	agentID     string
	mode        contracts.AgentMode
	startedAt   time.Time
	actionCount int // autonomous actions this session

	pending     map[string]*pendingApproval
	trust       trustTable
	checkpoints map[string]*contracts.RollbackCheckpoint
	auditLog    []contracts.AuditLogEntry
}

func newSession(agentID string, now time.Time) *session {
	return &session{
		agentID:     agentID,
		mode:        contracts.ModeSupervised,
		startedAt:   now,
		pending:     make(map[string]*pendingApproval),
		trust:       make(trustTable),
		checkpoints: make(map[string]*contracts.RollbackCheckpoint),
	}
}

// SessionInfo is a read-only snapshot of one agent's state.
type SessionInfo struct {
	AgentID         string              `json:"agent_id"`
	Mode            contracts.AgentMode `json:"mode"`
	StartedAt       time.Time           `json:"started_at"`
	AutonomousCount int                 `json:"autonomous_count"`
	PendingCount    int                 `json:"pending_count"`
	CheckpointCount int                 `json:"checkpoint_count"`
	AuditCount      int                 `json:"audit_count"`
}

func (s *session) info() SessionInfo {
	return SessionInfo{
		AgentID:         s.agentID,
		Mode:            s.mode,
		StartedAt:       s.startedAt,
		AutonomousCount: s.actionCount,
		PendingCount:    len(s.pending),
		CheckpointCount: len(s.checkpoints),
		AuditCount:      len(s.auditLog),
	}
}
