package governance

import (
	"time"

	"github.com/arbiter-systems/arbiter/pkg/contracts"
)

// Config is the immutable policy surface handed to the engine at
// construction. There is no global mutable configuration.
type Config struct {
	// ConfidenceThreshold is the minimum effective confidence for
	// autonomous execution.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	// RiskThreshold is the maximum risk score for autonomous execution.
	RiskThreshold float64 `yaml:"risk_threshold"`

	// NeverApproveCategories lists categories that never need human
	// approval; actions in them are auto-approved (subject to the
	// constitutional check, which no configuration can bypass).
	NeverApproveCategories []contracts.ActionCategory `yaml:"never_approve_categories"`
	// AlwaysApproveCategories lists categories that always require a
	// human approval, regardless of confidence or risk.
	AlwaysApproveCategories []contracts.ActionCategory `yaml:"always_approve_categories"`

	// ApprovedOperators is the allowlist for ResolveApproval. Empty
	// means any operator may resolve.
	ApprovedOperators []string `yaml:"approved_operators"`

	// MaxAutonomousActions demotes an autonomous agent to supervised
	// once its session counter reaches this many auto-approved actions.
	MaxAutonomousActions int `yaml:"max_autonomous_actions"`

	ApprovalTimeout      time.Duration `yaml:"approval_timeout"`
	AutoApproveOnTimeout bool          `yaml:"auto_approve_on_timeout"`

	// RollbackEnabled controls checkpoint creation for approved actions.
	RollbackEnabled     bool          `yaml:"rollback_enabled"`
	CheckpointRetention time.Duration `yaml:"checkpoint_retention"`

	// TrustDecayFactor, when positive, decays accrued approval counts
	// by this fraction on every Tick. Zero disables decay.
	TrustDecayFactor float64 `yaml:"trust_decay_factor"`

	// NotificationChannels are the default alert channels for approval
	// requests; a matched escalation rule's channels take precedence.
	NotificationChannels []string `yaml:"notification_channels"`

	// EscalationRules are evaluated after the threshold checks; a
	// matching hard_block or emergency_stop rule forces approval.
	EscalationRules []contracts.EscalationRule `yaml:"escalation_rules"`

	// ConstitutionalRules are unioned with the built-in safety rules.
	ConstitutionalRules []contracts.ConstitutionalRule `yaml:"constitutional_rules"`
}

// DefaultConfig returns the reference policy values.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold:  0.7,
		RiskThreshold:        0.5,
		MaxAutonomousActions: 100,
		ApprovalTimeout:      10 * time.Minute,
		RollbackEnabled:      true,
		CheckpointRetention:  time.Hour,
		NotificationChannels: []string{"log"},
	}
}

// withDefaults fills zero fields so a partially specified config
// behaves like DefaultConfig for the unspecified parts.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = d.ConfidenceThreshold
	}
	if c.RiskThreshold <= 0 {
		c.RiskThreshold = d.RiskThreshold
	}
	if c.MaxAutonomousActions <= 0 {
		c.MaxAutonomousActions = d.MaxAutonomousActions
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = d.ApprovalTimeout
	}
	if c.CheckpointRetention <= 0 {
		c.CheckpointRetention = d.CheckpointRetention
	}
	if len(c.NotificationChannels) == 0 {
		c.NotificationChannels = d.NotificationChannels
	}
	return c
}

// operatorAllowed checks the approval allowlist; an empty allowlist
// admits everyone.
func (c Config) operatorAllowed(operator string) bool {
	if len(c.ApprovedOperators) == 0 {
		return true
	}
	for _, op := range c.ApprovedOperators {
		if op == operator {
			return true
		}
	}
	return false
}

func containsCategory(list []contracts.ActionCategory, category contracts.ActionCategory) bool {
	for _, c := range list {
		if c == category {
			return true
		}
	}
	return false
}
