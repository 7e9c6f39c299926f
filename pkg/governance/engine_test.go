package governance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-systems/arbiter/pkg/audit"
	"github.com/arbiter-systems/arbiter/pkg/contracts"
)

// --- Test doubles ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

type eventRecorder struct {
	mu     sync.Mutex
	events []contracts.GovernanceEvent
}

func (r *eventRecorder) OnGovernanceEvent(event contracts.GovernanceEvent) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *eventRecorder) byType(typ contracts.GovernanceEventType) []contracts.GovernanceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []contracts.GovernanceEvent
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type notifyRecorder struct {
	mu       sync.Mutex
	requests []contracts.ApprovalRequest
	channels [][]string
}

func (n *notifyRecorder) Notify(ctx context.Context, req contracts.ApprovalRequest, channels []string) []contracts.NotificationResult {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requests = append(n.requests, req)
	n.channels = append(n.channels, channels)
	return []contracts.NotificationResult{{Channel: "log", Success: true}}
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *audit.MemoryStore, *eventRecorder, *fakeClock) {
	t.Helper()
	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	clock := newFakeClock()
	engine.WithClock(clock)
	store := audit.NewMemoryStore()
	engine.SetAuditSink(store)
	rec := &eventRecorder{}
	engine.SetObserver(rec)
	return engine, store, rec, clock
}

func benignAction(agentID string) contracts.ActionRequest {
	return contracts.ActionRequest{
		AgentID:     agentID,
		Action:      "read_file",
		Category:    contracts.CategoryRead,
		Description: "read a config file",
		Confidence:  0.95,
		RiskScore:   0.1,
	}
}

// --- Evaluation precedence ---

func TestEvaluateAutoApproval(t *testing.T) {
	engine, store, rec, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	decision := engine.EvaluateAction(ctx, benignAction("agent-1"))
	assert.True(t, decision.Approved)
	assert.False(t, decision.RequiresApproval)
	assert.False(t, decision.IsViolation)
	assert.Equal(t, "all policy checks passed", decision.Reason)

	require.Len(t, rec.byType(contracts.EventActionApproved), 1)
	entries, err := store.Query(ctx, contracts.AuditFilter{AgentID: "agent-1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, contracts.OutcomeAutonomous, entries[0].Outcome)
}

func TestConstitutionalViolationBlocksEverything(t *testing.T) {
	// Even a never-approve category at perfect confidence cannot get
	// past the constitutional check.
	engine, store, rec, _ := newTestEngine(t, Config{
		NeverApproveCategories: []contracts.ActionCategory{contracts.CategoryDelete},
	})
	ctx := context.Background()

	decision := engine.EvaluateAction(ctx, contracts.ActionRequest{
		AgentID:     "agent-1",
		Action:      "cleanup",
		Category:    contracts.CategoryDelete,
		Description: "drop all tables in the production database",
		Confidence:  1.0,
		RiskScore:   0.0,
	})

	assert.False(t, decision.Approved)
	assert.True(t, decision.IsViolation)
	assert.NotEmpty(t, decision.Violations)
	assert.GreaterOrEqual(t, decision.Escalation, contracts.EscalationSoftBlock)

	require.Len(t, rec.byType(contracts.EventViolationCaught), 1)
	entries, err := store.Query(ctx, contracts.AuditFilter{Outcome: contracts.OutcomeViolation})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].IsViolation)
	assert.Contains(t, entries[0].ViolatedRules, "builtin-no-bulk-destruction")
}

func TestManualModeForcesApproval(t *testing.T) {
	engine, _, rec, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	engine.SetMode("agent-1", contracts.ModeManual)
	decision := engine.EvaluateAction(ctx, benignAction("agent-1"))

	assert.True(t, decision.RequiresApproval)
	assert.Equal(t, contracts.EscalationHardBlock, decision.Escalation)
	require.NotNil(t, decision.Request)
	assert.Equal(t, contracts.ApprovalPending, decision.Request.Status)
	require.Len(t, rec.byType(contracts.EventApprovalRequired), 1)
}

func TestNeverApproveCategorySkipsReview(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, Config{
		NeverApproveCategories: []contracts.ActionCategory{contracts.CategoryRead},
	})

	// Low confidence and high risk would both escalate, but the
	// category exemption comes first.
	decision := engine.EvaluateAction(context.Background(), contracts.ActionRequest{
		AgentID:    "agent-1",
		Action:     "read_metrics",
		Category:   contracts.CategoryRead,
		Confidence: 0.1,
		RiskScore:  0.99,
	})
	assert.True(t, decision.Approved)
	assert.False(t, decision.RequiresApproval)
}

func TestAlwaysApproveCategoryDemandsReview(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, Config{
		AlwaysApproveCategories: []contracts.ActionCategory{contracts.CategoryFinancial},
	})

	// Perfect confidence and zero risk still require a human.
	decision := engine.EvaluateAction(context.Background(), contracts.ActionRequest{
		AgentID:    "agent-1",
		Action:     "pay_invoice",
		Category:   contracts.CategoryFinancial,
		Confidence: 1.0,
		RiskScore:  0.0,
	})
	assert.True(t, decision.RequiresApproval)
	assert.Equal(t, contracts.EscalationHardBlock, decision.Escalation)
	require.NotNil(t, decision.Request)
}

func TestConfidenceThresholdEscalation(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, Config{ConfidenceThreshold: 0.7})
	ctx := context.Background()

	action := benignAction("agent-1")
	action.Confidence = 0.6
	decision := engine.EvaluateAction(ctx, action)
	assert.True(t, decision.RequiresApproval)
	assert.Equal(t, contracts.EscalationSoftBlock, decision.Escalation)

	action.Confidence = 0.3
	decision = engine.EvaluateAction(ctx, action)
	assert.True(t, decision.RequiresApproval)
	assert.Equal(t, contracts.EscalationHardBlock, decision.Escalation)

	action.Confidence = 0.7
	decision = engine.EvaluateAction(ctx, action)
	assert.True(t, decision.Approved)
}

func TestRiskThresholdEscalation(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, Config{RiskThreshold: 0.5})
	ctx := context.Background()

	action := benignAction("agent-1")
	action.RiskScore = 0.6
	decision := engine.EvaluateAction(ctx, action)
	assert.True(t, decision.RequiresApproval)
	assert.Equal(t, contracts.EscalationHardBlock, decision.Escalation)

	action.RiskScore = 0.9
	decision = engine.EvaluateAction(ctx, action)
	assert.True(t, decision.RequiresApproval)
	assert.Equal(t, contracts.EscalationEmergencyStop, decision.Escalation)

	action.RiskScore = 0.5
	decision = engine.EvaluateAction(ctx, action)
	assert.True(t, decision.Approved)
}

func TestEscalationRuleKeyword(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, Config{
		EscalationRules: []contracts.EscalationRule{{
			ID:        "block-prod",
			Condition: contracts.ConditionKeywordMatch,
			Keywords:  []string{"production"},
			Level:     contracts.EscalationHardBlock,
		}},
	})

	action := benignAction("agent-1")
	action.Description = "restart the Production scheduler"
	decision := engine.EvaluateAction(context.Background(), action)
	assert.True(t, decision.RequiresApproval)
	assert.Equal(t, "escalation rule block-prod matched", decision.Reason)
}

func TestEscalationRuleExpression(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, Config{
		EscalationRules: []contracts.EscalationRule{{
			ID:         "expr-writes",
			Condition:  contracts.ConditionExpression,
			Expression: `category == "write" && risk > 0.2`,
			Level:      contracts.EscalationHardBlock,
		}},
	})
	ctx := context.Background()

	action := benignAction("agent-1")
	action.Category = contracts.CategoryWrite
	action.RiskScore = 0.3
	decision := engine.EvaluateAction(ctx, action)
	assert.True(t, decision.RequiresApproval)

	action.RiskScore = 0.1
	decision = engine.EvaluateAction(ctx, action)
	assert.True(t, decision.Approved)
}

func TestEscalationRuleBelowHardBlockOnlyAnnotates(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, Config{
		EscalationRules: []contracts.EscalationRule{{
			ID:        "notify-reads",
			Condition: contracts.ConditionCategoryMatch,
			Categories: []contracts.ActionCategory{
				contracts.CategoryRead,
			},
			Level: contracts.EscalationNotify,
		}},
	})

	decision := engine.EvaluateAction(context.Background(), benignAction("agent-1"))
	assert.True(t, decision.Approved)
}

func TestBrokenExpressionRuleIsSkipped(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, Config{
		EscalationRules: []contracts.EscalationRule{{
			ID:         "broken",
			Condition:  contracts.ConditionExpression,
			Expression: `this is not CEL ((`,
			Level:      contracts.EscalationHardBlock,
		}},
	})

	// The broken rule must not block evaluation or the action.
	decision := engine.EvaluateAction(context.Background(), benignAction("agent-1"))
	assert.True(t, decision.Approved)
}

func TestEvaluationIsDeterministic(t *testing.T) {
	cfg := Config{ConfidenceThreshold: 0.7, RiskThreshold: 0.5}
	action := benignAction("agent-1")
	action.Confidence = 0.65

	first, _, _, _ := newTestEngine(t, cfg)
	second, _, _, _ := newTestEngine(t, cfg)
	d1 := first.EvaluateAction(context.Background(), action)
	d2 := second.EvaluateAction(context.Background(), action)

	assert.Equal(t, d1.RequiresApproval, d2.RequiresApproval)
	assert.Equal(t, d1.Escalation, d2.Escalation)
	assert.Equal(t, d1.Reason, d2.Reason)
}

// --- Approval resolution ---

func TestResolveApprovalApprove(t *testing.T) {
	engine, store, rec, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	engine.SetMode("agent-1", contracts.ModeManual)

	decision := engine.EvaluateAction(ctx, benignAction("agent-1"))
	require.NotNil(t, decision.Request)
	reqID := decision.Request.ID

	require.NoError(t, engine.ResolveApproval(ctx, reqID, true, "operator-7", "looks safe"))

	assert.Empty(t, engine.PendingApprovals("agent-1"))
	require.Len(t, rec.byType(contracts.EventActionApproved), 1)

	entries, err := store.Query(ctx, contracts.AuditFilter{Outcome: contracts.OutcomeApproved})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "operator-7", entries[0].Approver)
	assert.Equal(t, "looks safe", entries[0].Reason)
}

func TestResolveApprovalReject(t *testing.T) {
	engine, store, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	engine.SetMode("agent-1", contracts.ModeManual)

	decision := engine.EvaluateAction(ctx, benignAction("agent-1"))
	reqID := decision.Request.ID

	require.NoError(t, engine.ResolveApproval(ctx, reqID, false, "operator-7", "too risky today"))

	entries, err := store.Query(ctx, contracts.AuditFilter{Outcome: contracts.OutcomeRejected})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// No trust accrues from rejections.
	assert.Zero(t, engine.TrustBonus("agent-1", contracts.CategoryRead, "read_file"))
}

func TestResolveApprovalExactlyOnce(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	engine.SetMode("agent-1", contracts.ModeManual)

	decision := engine.EvaluateAction(ctx, benignAction("agent-1"))
	reqID := decision.Request.ID

	require.NoError(t, engine.ResolveApproval(ctx, reqID, true, "operator-7", ""))
	err := engine.ResolveApproval(ctx, reqID, false, "operator-7", "")
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestResolveApprovalOperatorAllowlist(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, Config{
		ApprovedOperators: []string{"operator-7"},
	})
	ctx := context.Background()
	engine.SetMode("agent-1", contracts.ModeManual)

	decision := engine.EvaluateAction(ctx, benignAction("agent-1"))
	reqID := decision.Request.ID

	err := engine.ResolveApproval(ctx, reqID, true, "intruder", "")
	assert.ErrorIs(t, err, ErrOperatorNotAllowed)

	// The request is untouched and still resolvable by an allowed
	// operator.
	req, err := engine.Request(reqID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalPending, req.Status)
	require.NoError(t, engine.ResolveApproval(ctx, reqID, true, "operator-7", ""))
}

func TestResolveApprovalUnknownRequest(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, Config{})
	err := engine.ResolveApproval(context.Background(), "apr-nope", true, "operator-7", "")
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

// --- Adaptive trust ---

func TestTrustBonusAccrual(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	engine.SetMode("agent-1", contracts.ModeManual)

	approve := func() {
		decision := engine.EvaluateAction(ctx, benignAction("agent-1"))
		require.NotNil(t, decision.Request)
		require.NoError(t, engine.ResolveApproval(ctx, decision.Request.ID, true, "operator-7", ""))
	}

	for i := 0; i < 4; i++ {
		approve()
	}
	assert.Zero(t, engine.TrustBonus("agent-1", contracts.CategoryRead, "read_file"))

	approve()
	assert.InDelta(t, 0.05, engine.TrustBonus("agent-1", contracts.CategoryRead, "read_file"), 1e-9)

	// Trust is scoped to the (category, action) pair.
	assert.Zero(t, engine.TrustBonus("agent-1", contracts.CategoryRead, "other_action"))

	// 20 approvals cap the bonus at +0.20; further approvals add
	// nothing.
	for i := 0; i < 20; i++ {
		approve()
	}
	assert.InDelta(t, 0.20, engine.TrustBonus("agent-1", contracts.CategoryRead, "read_file"), 1e-9)
}

func TestTrustBonusLiftsConfidence(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, Config{ConfidenceThreshold: 0.7})
	ctx := context.Background()

	action := benignAction("agent-1")
	action.Confidence = 0.66

	// Below threshold without trust.
	decision := engine.EvaluateAction(ctx, action)
	require.True(t, decision.RequiresApproval)
	require.NoError(t, engine.ResolveApproval(ctx, decision.Request.ID, true, "operator-7", ""))

	for i := 0; i < 4; i++ {
		d := engine.EvaluateAction(ctx, action)
		require.True(t, d.RequiresApproval)
		require.NoError(t, engine.ResolveApproval(ctx, d.Request.ID, true, "operator-7", ""))
	}

	// Five approvals earn +0.05: 0.66 + 0.05 clears the 0.7 bar.
	decision = engine.EvaluateAction(ctx, action)
	assert.True(t, decision.Approved)
	assert.InDelta(t, 0.71, decision.EffectiveConfidence, 1e-9)
}

func TestTrustDecay(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, Config{TrustDecayFactor: 0.5})
	ctx := context.Background()
	engine.SetMode("agent-1", contracts.ModeManual)

	for i := 0; i < 5; i++ {
		decision := engine.EvaluateAction(ctx, benignAction("agent-1"))
		require.NoError(t, engine.ResolveApproval(ctx, decision.Request.ID, true, "operator-7", ""))
	}
	require.InDelta(t, 0.05, engine.TrustBonus("agent-1", contracts.CategoryRead, "read_file"), 1e-9)

	// One decay tick halves the counter: 2.5 approvals is below the
	// first step.
	engine.Tick(ctx)
	assert.Zero(t, engine.TrustBonus("agent-1", contracts.CategoryRead, "read_file"))
}

// --- Timeouts ---

func TestTickExpiresRequests(t *testing.T) {
	engine, store, _, clock := newTestEngine(t, Config{ApprovalTimeout: 10 * time.Minute})
	ctx := context.Background()
	engine.SetMode("agent-1", contracts.ModeManual)

	decision := engine.EvaluateAction(ctx, benignAction("agent-1"))
	reqID := decision.Request.ID

	// At exactly the deadline nothing happens.
	clock.Advance(10 * time.Minute)
	engine.Tick(ctx)
	require.Len(t, engine.PendingApprovals("agent-1"), 1)

	clock.Advance(time.Second)
	engine.Tick(ctx)
	assert.Empty(t, engine.PendingApprovals("agent-1"))

	entries, err := store.Query(ctx, contracts.AuditFilter{Outcome: contracts.OutcomeExpired})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	_, err = engine.Request(reqID)
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestTickAutoApproveOnTimeout(t *testing.T) {
	engine, store, rec, clock := newTestEngine(t, Config{
		ApprovalTimeout:      time.Minute,
		AutoApproveOnTimeout: true,
	})
	ctx := context.Background()
	engine.SetMode("agent-1", contracts.ModeManual)

	engine.EvaluateAction(ctx, benignAction("agent-1"))
	clock.Advance(time.Minute + time.Second)
	engine.Tick(ctx)

	assert.Empty(t, engine.PendingApprovals("agent-1"))
	entries, err := store.Query(ctx, contracts.AuditFilter{Outcome: contracts.OutcomeApproved})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "timeout", entries[0].Approver)
	require.Len(t, rec.byType(contracts.EventActionApproved), 1)
}

func TestRuleTimeoutOverridesDefault(t *testing.T) {
	engine, store, _, clock := newTestEngine(t, Config{
		ApprovalTimeout: time.Hour,
		EscalationRules: []contracts.EscalationRule{{
			ID:        "fast-lane",
			Condition: contracts.ConditionKeywordMatch,
			Keywords:  []string{"deploy"},
			Level:     contracts.EscalationHardBlock,
			Timeout:   time.Minute,
			// The rule opts this class of action into timeout
			// auto-approval even though the engine default is off.
			AutoApproveOnTimeout: true,
		}},
	})
	ctx := context.Background()

	action := benignAction("agent-1")
	action.Action = "deploy_service"
	decision := engine.EvaluateAction(ctx, action)
	require.True(t, decision.RequiresApproval)
	assert.Equal(t, clock.Now().Add(time.Minute), decision.Request.ExpiresAt)

	clock.Advance(2 * time.Minute)
	engine.Tick(ctx)

	entries, err := store.Query(ctx, contracts.AuditFilter{Outcome: contracts.OutcomeApproved})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "timeout", entries[0].Approver)
}

// --- Notifications ---

func TestNotifierReceivesRequests(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, Config{
		NotificationChannels: []string{"log", "webhook"},
		EscalationRules: []contracts.EscalationRule{{
			ID:                   "redis-only",
			Condition:            contracts.ConditionKeywordMatch,
			Keywords:             []string{"special"},
			Level:                contracts.EscalationHardBlock,
			NotificationChannels: []string{"redis"},
		}},
	})
	notifier := &notifyRecorder{}
	engine.SetNotifier(notifier)
	ctx := context.Background()

	action := benignAction("agent-1")
	action.Confidence = 0.1
	engine.EvaluateAction(ctx, action)
	require.Len(t, notifier.requests, 1)
	assert.Equal(t, []string{"log", "webhook"}, notifier.channels[0])

	action = benignAction("agent-1")
	action.Description = "a special request"
	engine.EvaluateAction(ctx, action)
	require.Len(t, notifier.requests, 2)
	assert.Equal(t, []string{"redis"}, notifier.channels[1])
}

// --- Mode management ---

func TestAutonomousDemotion(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, Config{MaxAutonomousActions: 3})
	ctx := context.Background()
	engine.SetMode("agent-1", contracts.ModeAutonomous)

	for i := 0; i < 2; i++ {
		engine.EvaluateAction(ctx, benignAction("agent-1"))
		assert.Equal(t, contracts.ModeAutonomous, engine.Mode("agent-1"))
	}
	engine.EvaluateAction(ctx, benignAction("agent-1"))
	assert.Equal(t, contracts.ModeSupervised, engine.Mode("agent-1"))
}

func TestAttachDetach(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	info := engine.Attach("agent-1")
	assert.Equal(t, contracts.ModeSupervised, info.Mode)
	assert.Zero(t, info.AutonomousCount)

	engine.SetMode("agent-1", contracts.ModeManual)
	decision := engine.EvaluateAction(ctx, benignAction("agent-1"))
	require.NotNil(t, decision.Request)

	engine.Detach(ctx, "agent-1")
	_, err := engine.Session("agent-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = engine.Request(decision.Request.ID)
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

// --- Rollback ---

func actionWithState(agentID string) contracts.ActionRequest {
	action := benignAction(agentID)
	action.Action = "update_config"
	action.Category = contracts.CategoryWrite
	action.PreActionState = map[string]any{"replicas": float64(3)}
	return action
}

func TestRollbackRestoresState(t *testing.T) {
	engine, store, _, _ := newTestEngine(t, Config{
		RollbackEnabled:     true,
		CheckpointRetention: time.Hour,
	})
	ctx := context.Background()

	decision := engine.EvaluateAction(ctx, actionWithState("agent-1"))
	require.True(t, decision.Approved)
	require.NotEmpty(t, decision.CheckpointID)

	cp, err := engine.Checkpoint("agent-1", decision.CheckpointID)
	require.NoError(t, err)
	assert.True(t, cp.CanRollback)
	assert.NotEmpty(t, cp.AuditEntryID)

	state, err := engine.Rollback(ctx, "agent-1", decision.CheckpointID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"replicas": float64(3)}, state)

	// The session entry flips to rollback; the store additionally gets
	// a new linked rollback entry (persisted entries are immutable).
	sessionLog := engine.AuditLog("agent-1")
	var flipped bool
	for _, entry := range sessionLog {
		if entry.ID == cp.AuditEntryID {
			flipped = entry.Outcome == contracts.OutcomeRollback
		}
	}
	assert.True(t, flipped)

	stored, err := store.Query(ctx, contracts.AuditFilter{Outcome: contracts.OutcomeRollback})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, decision.CheckpointID, stored[0].CheckpointID)

	// A checkpoint rolls back at most once.
	_, err = engine.Rollback(ctx, "agent-1", decision.CheckpointID)
	assert.ErrorIs(t, err, ErrRollbackNotPermitted)
}

func TestRollbackExpiredCheckpoint(t *testing.T) {
	engine, _, _, clock := newTestEngine(t, Config{
		RollbackEnabled:     true,
		CheckpointRetention: time.Hour,
	})
	ctx := context.Background()

	decision := engine.EvaluateAction(ctx, actionWithState("agent-1"))
	require.NotEmpty(t, decision.CheckpointID)

	clock.Advance(time.Hour + time.Minute)
	_, err := engine.Rollback(ctx, "agent-1", decision.CheckpointID)
	assert.ErrorIs(t, err, ErrCheckpointExpired)

	// Tick garbage-collects the stale checkpoint entirely.
	engine.Tick(ctx)
	_, err = engine.Checkpoint("agent-1", decision.CheckpointID)
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestNoCheckpointWithoutState(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, Config{RollbackEnabled: true})
	decision := engine.EvaluateAction(context.Background(), benignAction("agent-1"))
	require.True(t, decision.Approved)
	assert.Empty(t, decision.CheckpointID)
}

func TestRollbackDisabled(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, Config{RollbackEnabled: false})
	decision := engine.EvaluateAction(context.Background(), actionWithState("agent-1"))
	require.True(t, decision.Approved)
	assert.Empty(t, decision.CheckpointID)
}

func TestCheckpointStateIsolatedFromCaller(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, Config{
		RollbackEnabled:     true,
		CheckpointRetention: time.Hour,
	})
	ctx := context.Background()

	action := actionWithState("agent-1")
	decision := engine.EvaluateAction(ctx, action)
	require.NotEmpty(t, decision.CheckpointID)

	// Caller mutates its map after evaluation; the snapshot must not
	// see it.
	action.PreActionState["replicas"] = float64(99)

	state, err := engine.Rollback(ctx, "agent-1", decision.CheckpointID)
	require.NoError(t, err)
	assert.Equal(t, float64(3), state["replicas"])
}
