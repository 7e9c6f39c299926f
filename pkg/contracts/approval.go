package contracts

import "time"

// ApprovalStatus tracks an approval request's lifecycle. A request is
// created pending and makes exactly one terminal transition; terminal
// requests never mutate again.
type ApprovalStatus string

const (
	ApprovalPending      ApprovalStatus = "pending"
	ApprovalApproved     ApprovalStatus = "approved"
	ApprovalRejected     ApprovalStatus = "rejected"
	ApprovalExpired      ApprovalStatus = "expired"
	ApprovalAutoApproved ApprovalStatus = "auto_approved"
)

// Terminal reports whether the status permits no further transitions.
func (s ApprovalStatus) Terminal() bool {
	return s != ApprovalPending
}

// ApprovalRequest asks a human operator to rule on one held action.
type ApprovalRequest struct {
	ID          string         `json:"id"`
	AgentID     string         `json:"agent_id"`
	Action      string         `json:"action"`
	Category    ActionCategory `json:"category"`
	Description string         `json:"description"`
	Confidence  float64        `json:"confidence"`
	RiskScore   float64        `json:"risk_score"`
	Context     map[string]any `json:"context,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	Status     ApprovalStatus  `json:"status"`
	Escalation EscalationLevel `json:"escalation"`

	ApprovedBy string    `json:"approved_by,omitempty"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
	Reason     string    `json:"reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// EscalationCondition selects which requests a rule matches.
type EscalationCondition string

const (
	ConditionConfidenceBelow EscalationCondition = "confidence_below"
	ConditionRiskAbove       EscalationCondition = "risk_above"
	ConditionCategoryMatch   EscalationCondition = "category_match"
	ConditionKeywordMatch    EscalationCondition = "keyword_match"
	ConditionActionCount     EscalationCondition = "action_count"
	ConditionTimeWindow      EscalationCondition = "time_window"
	// ConditionExpression evaluates a CEL expression over the action
	// descriptor (action, category, confidence, risk, description).
	ConditionExpression EscalationCondition = "expression"
)

// EscalationRule pairs a trigger condition with the level to escalate
// to and how operators are alerted.
type EscalationRule struct {
	ID        string              `json:"id" yaml:"id"`
	Condition EscalationCondition `json:"condition" yaml:"condition"`

	// Threshold is the numeric bound for confidence_below / risk_above /
	// action_count conditions.
	Threshold float64 `json:"threshold,omitempty" yaml:"threshold"`
	// Categories lists the categories matched by category_match.
	Categories []ActionCategory `json:"categories,omitempty" yaml:"categories"`
	// Keywords are substrings matched (case-insensitive) against the
	// action name and description by keyword_match.
	Keywords []string `json:"keywords,omitempty" yaml:"keywords"`
	// Window bounds time_window conditions (actions within the window).
	Window time.Duration `json:"window,omitempty" yaml:"window"`
	// Expression is a CEL program for the expression condition.
	Expression string `json:"expression,omitempty" yaml:"expression"`

	Level                EscalationLevel `json:"level" yaml:"level"`
	NotificationChannels []string        `json:"notification_channels,omitempty" yaml:"notification_channels"`
	Timeout              time.Duration   `json:"timeout,omitempty" yaml:"timeout"`
	AutoApproveOnTimeout bool            `json:"auto_approve_on_timeout,omitempty" yaml:"auto_approve_on_timeout"`
}

// NotificationResult is the per-channel outcome of one approval alert.
type NotificationResult struct {
	Channel   string `json:"channel"`
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}
