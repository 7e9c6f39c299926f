package governance

import (
	"fmt"
	"math"

	"github.com/arbiter-systems/arbiter/pkg/contracts"
)

// Adaptive trust: every 5 cumulative operator approvals of the same
// (category, action) pair earn +0.05 effective confidence, capped at
// +0.20 after 20 approvals.
const (
	trustApprovalsPerStep = 5
	trustBonusPerStep     = 0.05
	trustBonusCap         = 0.20
)

// trustEntry tracks accrued operator approvals for one action class.
// The count is a float so decay can erode it smoothly.
type trustEntry struct {
	ApprovalCount   float64 `json:"approval_count"`
	ConfidenceBonus float64 `json:"confidence_bonus"`
}

// trustTable is keyed by "category:action".
type trustTable map[string]*trustEntry

func trustKey(category contracts.ActionCategory, action string) string {
	return fmt.Sprintf("%s:%s", category, action)
}

// bonus returns the accrued confidence credit for an action class.
func (t trustTable) bonus(category contracts.ActionCategory, action string) float64 {
	entry, ok := t[trustKey(category, action)]
	if !ok {
		return 0
	}
	return entry.ConfidenceBonus
}

// recordApproval accrues one operator approval and recomputes the
// bonus from the step formula.
func (t trustTable) recordApproval(category contracts.ActionCategory, action string) {
	key := trustKey(category, action)
	entry, ok := t[key]
	if !ok {
		entry = &trustEntry{}
		t[key] = entry
	}
	entry.ApprovalCount++
	entry.ConfidenceBonus = bonusFor(entry.ApprovalCount)
}

// decay erodes accrued counts by the configured factor and recomputes
// bonuses. A zero factor is a no-op.
func (t trustTable) decay(factor float64) {
	if factor <= 0 {
		return
	}
	for _, entry := range t {
		entry.ApprovalCount *= 1 - factor
		entry.ConfidenceBonus = bonusFor(entry.ApprovalCount)
	}
}

func bonusFor(approvals float64) float64 {
	steps := math.Floor(approvals / trustApprovalsPerStep)
	return math.Min(steps*trustBonusPerStep, trustBonusCap)
}
