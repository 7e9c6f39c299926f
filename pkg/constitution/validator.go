// Package constitution implements the constitutional validator: a
// stateless rule matcher run before any confidence or risk check.
// Built-in safety rules are always evaluated and cannot be disabled;
// caller rule sets are unioned on top.
package constitution

import (
	"regexp"
	"sync"

	"github.com/arbiter-systems/arbiter/pkg/contracts"
)

// builtinRules is the non-disableable safety floor. Patterns are
// matched case-insensitively against the action name and description.
var builtinRules = []contracts.ConstitutionalRule{
	{
		ID:          "builtin-no-self-modification",
		Description: "agents must not modify their own governance configuration",
		Severity:    contracts.SeverityCritical,
		Pattern:     `(?i)(modify|disable|bypass).{0,40}(governance|constitution|approval|safety)`,
	},
	{
		ID:          "builtin-no-credential-exfiltration",
		Description: "agents must not read or transmit credentials or private keys",
		Severity:    contracts.SeverityCritical,
		Pattern:     `(?i)(exfiltrate|leak|steal|transmit).{0,40}(credential|secret|private[_ ]?key|token)`,
	},
	{
		ID:          "builtin-no-bulk-destruction",
		Description: "bulk destructive operations always require review",
		Severity:    contracts.SeverityHard,
		Pattern:     `(?i)(drop|purge|wipe|destroy).{0,30}(all|every|database|cluster)`,
	},
	{
		ID:          "builtin-no-unbounded-transfer",
		Description: "transfers without an explicit bound are blocked",
		Severity:    contracts.SeverityHard,
		Pattern:     `(?i)transfer.{0,30}(all|unlimited|entire)`,
	},
}

// patternCache holds compiled regexes keyed by source. Rule sets are
// small and long-lived, so compile once.
var patternCache sync.Map // string -> *regexp.Regexp

// Validate evaluates an action against the built-in rules unioned
// with extra rules. The escalation level is the maximum severity
// among matched rules; no matches means allowed at level none.
//
// Validate is a pure function of its inputs; it mutates nothing.
func Validate(action contracts.ActionRequest, extra []contracts.ConstitutionalRule) contracts.ValidationResult {
	result := contracts.ValidationResult{
		Allowed:    true,
		Escalation: contracts.EscalationNone,
	}
	for _, rule := range builtinRules {
		applyRule(&result, rule, action)
	}
	for _, rule := range extra {
		applyRule(&result, rule, action)
	}
	return result
}

func applyRule(result *contracts.ValidationResult, rule contracts.ConstitutionalRule, action contracts.ActionRequest) {
	if !Matches(rule, action) {
		return
	}
	result.Allowed = false
	result.Violations = append(result.Violations, rule)
	if level := rule.Severity.Escalation(); level > result.Escalation {
		result.Escalation = level
	}
}

// Matches reports whether a single rule applies to an action: the
// rule's category equals the action's category and either no action
// name is pinned or the names match, or, independently, the rule's
// pattern matches the action name or description.
func Matches(rule contracts.ConstitutionalRule, action contracts.ActionRequest) bool {
	if rule.Category != "" && rule.Category == action.Category &&
		(rule.Action == "" || rule.Action == action.Action) {
		return true
	}
	if rule.Pattern != "" && patternMatches(rule.Pattern, action) {
		return true
	}
	return false
}

func patternMatches(pattern string, action contracts.ActionRequest) bool {
	re := compile(pattern)
	if re == nil {
		return false
	}
	return re.MatchString(action.Action) || re.MatchString(action.Description)
}

func compile(pattern string) *regexp.Regexp {
	if cached, ok := patternCache.Load(pattern); ok {
		return cached.(*regexp.Regexp)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		// A malformed caller rule never matches; it must not panic the
		// evaluation path.
		patternCache.Store(pattern, (*regexp.Regexp)(nil))
		return nil
	}
	patternCache.Store(pattern, re)
	return re
}

// BuiltinRules returns a copy of the built-in rule set for display.
func BuiltinRules() []contracts.ConstitutionalRule {
	out := make([]contracts.ConstitutionalRule, len(builtinRules))
	copy(out, builtinRules)
	return out
}
