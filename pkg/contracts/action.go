package contracts

import "time"

// ActionCategory classifies the blast radius of an agent action.
type ActionCategory string

const (
	CategoryRead      ActionCategory = "read"
	CategoryWrite     ActionCategory = "write"
	CategoryExecute   ActionCategory = "execute"
	CategoryDelete    ActionCategory = "delete"
	CategoryTransfer  ActionCategory = "transfer"
	CategoryFinancial ActionCategory = "financial"
	CategoryAdmin     ActionCategory = "admin"
)

// AgentMode is the governance posture for one agent session.
type AgentMode string

const (
	// ModeAutonomous lets actions through when policy checks pass.
	ModeAutonomous AgentMode = "autonomous"
	// ModeSupervised evaluates policy but with the session counter armed.
	ModeSupervised AgentMode = "supervised"
	// ModeManual routes every action to a human.
	ModeManual AgentMode = "manual"
)

// ActionRequest is the action-intent event raised by the runtime layer
// whenever an agent wants to perform a world-affecting operation.
type ActionRequest struct {
	AgentID     string         `json:"agent_id"`
	Action      string         `json:"action"`
	Category    ActionCategory `json:"category"`
	Description string         `json:"description"`
	Confidence  float64        `json:"confidence"` // [0,1]
	RiskScore   float64        `json:"risk_score"` // [0,1]
	Context     map[string]any `json:"context,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	// PreActionState, when rollback is enabled, is the caller-supplied
	// snapshot captured before the action executes.
	PreActionState map[string]any `json:"pre_action_state,omitempty"`
}

// EscalationLevel orders how forcefully the engine interrupts an
// action. Comparisons use the numeric order below.
type EscalationLevel int

const (
	EscalationNone EscalationLevel = iota
	EscalationNotify
	EscalationSoftBlock
	EscalationHardBlock
	EscalationEmergencyStop
)

var escalationNames = map[EscalationLevel]string{
	EscalationNone:          "none",
	EscalationNotify:        "notify",
	EscalationSoftBlock:     "soft_block",
	EscalationHardBlock:     "hard_block",
	EscalationEmergencyStop: "emergency_stop",
}

func (l EscalationLevel) String() string {
	if s, ok := escalationNames[l]; ok {
		return s
	}
	return "none"
}

// MarshalText makes levels render as their wire names in JSON.
func (l EscalationLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText parses a wire-name level; unknown names map to none.
func (l *EscalationLevel) UnmarshalText(data []byte) error {
	name := string(data)
	for level, s := range escalationNames {
		if s == name {
			*l = level
			return nil
		}
	}
	*l = EscalationNone
	return nil
}

// UnmarshalYAML lets escalation levels appear by wire name in
// configuration files.
func (l *EscalationLevel) UnmarshalYAML(unmarshal func(any) error) error {
	var name string
	if err := unmarshal(&name); err != nil {
		return err
	}
	return l.UnmarshalText([]byte(name))
}

// Decision is the engine's verdict on one ActionRequest.
type Decision struct {
	Approved         bool            `json:"approved"`
	RequiresApproval bool            `json:"requires_approval"`
	IsViolation      bool            `json:"is_violation"`
	Escalation       EscalationLevel `json:"escalation"`
	Reason           string          `json:"reason"`

	// EffectiveConfidence is the request confidence plus any adaptive
	// trust bonus applied during evaluation.
	EffectiveConfidence float64 `json:"effective_confidence"`

	// Violations holds the constitutional rules matched, if any.
	Violations []ConstitutionalRule `json:"violations,omitempty"`

	// Request is set when the decision opened an approval request.
	Request *ApprovalRequest `json:"request,omitempty"`

	// CheckpointID links the rollback checkpoint created for an
	// approved action, when rollback is enabled.
	CheckpointID string `json:"checkpoint_id,omitempty"`

	EvaluatedAt time.Time `json:"evaluated_at"`
}
