package governance

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/arbiter-systems/arbiter/pkg/contracts"
)

// ruleEvaluator matches configured escalation rules against actions.
// CEL expression conditions compile once and are cached; a rule whose
// expression fails to compile or evaluate never matches (and the
// failure is reported to the caller for logging).
type ruleEvaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func newRuleEvaluator() (*ruleEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("description", cel.StringType),
		cel.Variable("confidence", cel.DoubleType),
		cel.Variable("risk", cel.DoubleType),
		cel.Variable("timestamp", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	return &ruleEvaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// ruleContext carries the session counters some conditions need.
type ruleContext struct {
	now            time.Time
	sessionActions int
	sessionStart   time.Time
}

// matches evaluates one rule condition against the action.
func (e *ruleEvaluator) matches(rule contracts.EscalationRule, action contracts.ActionRequest, effectiveConfidence float64, rctx ruleContext) (bool, error) {
	switch rule.Condition {
	case contracts.ConditionConfidenceBelow:
		return effectiveConfidence < rule.Threshold, nil
	case contracts.ConditionRiskAbove:
		return action.RiskScore > rule.Threshold, nil
	case contracts.ConditionCategoryMatch:
		for _, c := range rule.Categories {
			if c == action.Category {
				return true, nil
			}
		}
		return false, nil
	case contracts.ConditionKeywordMatch:
		haystack := strings.ToLower(action.Action + " " + action.Description)
		for _, kw := range rule.Keywords {
			if kw != "" && strings.Contains(haystack, strings.ToLower(kw)) {
				return true, nil
			}
		}
		return false, nil
	case contracts.ConditionActionCount:
		return float64(rctx.sessionActions) >= rule.Threshold, nil
	case contracts.ConditionTimeWindow:
		// Matches while the session is inside the rule's window, for
		// policies like "escalate everything in the first N minutes".
		if rule.Window <= 0 {
			return false, nil
		}
		return rctx.now.Sub(rctx.sessionStart) < rule.Window, nil
	case contracts.ConditionExpression:
		return e.evalExpression(rule.Expression, action, effectiveConfidence, rctx.now)
	default:
		return false, fmt.Errorf("unknown escalation condition %q", rule.Condition)
	}
}

func (e *ruleEvaluator) evalExpression(expr string, action contracts.ActionRequest, effectiveConfidence float64, now time.Time) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return false, nil
	}

	e.mu.RLock()
	prg, hit := e.cache[expr]
	e.mu.RUnlock()

	if !hit {
		e.mu.Lock()
		if prg, hit = e.cache[expr]; !hit {
			ast, issues := e.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("compile escalation expression: %w", issues.Err())
			}
			p, err := e.env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("build escalation program: %w", err)
			}
			e.cache[expr] = p
			prg = p
		}
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(map[string]any{
		"action":      action.Action,
		"category":    string(action.Category),
		"description": action.Description,
		"confidence":  effectiveConfidence,
		"risk":        action.RiskScore,
		"timestamp":   now.Unix(),
	})
	if err != nil {
		return false, fmt.Errorf("eval escalation expression: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("escalation expression result is not bool")
	}
	return val, nil
}
