package contracts

// Severity ranks how hard a constitutional rule blocks.
type Severity string

const (
	SeveritySoft     Severity = "soft"
	SeverityHard     Severity = "hard"
	SeverityCritical Severity = "critical"
)

// Escalation maps a severity to the level it forces: soft rules
// soft-block, hard rules hard-block, critical rules stop everything.
func (s Severity) Escalation() EscalationLevel {
	switch s {
	case SeverityCritical:
		return EscalationEmergencyStop
	case SeverityHard:
		return EscalationHardBlock
	default:
		return EscalationSoftBlock
	}
}

// ConstitutionalRule is a standing, non-overridable safety constraint
// evaluated before any confidence or risk check. A rule matches when
// its category equals the action's category and either no action name
// is pinned or the names match, or when its pattern matches the
// action's name or description.
type ConstitutionalRule struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Severity    Severity       `json:"severity"`
	Pattern     string         `json:"pattern,omitempty"` // regex over name/description
	Category    ActionCategory `json:"category,omitempty"`
	Action      string         `json:"action,omitempty"`
}

// ValidationResult is the constitutional verdict on one action.
type ValidationResult struct {
	Allowed    bool                 `json:"allowed"`
	Violations []ConstitutionalRule `json:"violations,omitempty"`
	Escalation EscalationLevel      `json:"escalation"`
}
