// Package governance implements the human-in-the-loop action
// governance engine: a per-agent policy state machine deciding
// between autonomous execution and operator approval.
//
// Evaluation precedence is fixed. The constitutional check runs
// first and cannot be overridden by mode, confidence, risk, or any
// category allowlist. Then, in order: adaptive trust, manual mode,
// category lists, confidence threshold, risk threshold, escalation
// rules. Only when every gate passes is an action auto-approved.
package governance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbiter-systems/arbiter/pkg/audit"
	"github.com/arbiter-systems/arbiter/pkg/constitution"
	"github.com/arbiter-systems/arbiter/pkg/contracts"
	"github.com/arbiter-systems/arbiter/pkg/schema"
)

var (
	ErrRequestNotFound      = errors.New("governance: approval request not found")
	ErrRequestTerminal      = errors.New("governance: approval request already resolved")
	ErrOperatorNotAllowed   = errors.New("governance: operator not in allowlist")
	ErrCheckpointNotFound   = errors.New("governance: rollback checkpoint not found")
	ErrCheckpointExpired    = errors.New("governance: rollback checkpoint expired")
	ErrRollbackNotPermitted = errors.New("governance: checkpoint cannot be rolled back")
	ErrSessionNotFound      = errors.New("governance: no session for agent")
)

// Notifier alerts operators about approval requests. Implementations
// must return promptly; slow channels resolve in the background and
// report failure in their results.
type Notifier interface {
	Notify(ctx context.Context, req contracts.ApprovalRequest, channels []string) []contracts.NotificationResult
}

// Clock provides time; injectable for deterministic testing.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Engine is the governance engine. One engine can govern many agents;
// each agent gets its own session state.
type Engine struct {
	cfg       Config
	evaluator *ruleEvaluator

	mu       sync.Mutex
	sessions map[string]*session
	requests map[string]string // request id -> agent id

	sink     audit.Sink
	notifier Notifier
	observer contracts.GovernanceObserver
	clock    Clock
}

// NewEngine creates an engine with the given policy config. Zero
// config fields receive reference defaults.
func NewEngine(cfg Config) (*Engine, error) {
	evaluator, err := newRuleEvaluator()
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:       cfg.withDefaults(),
		evaluator: evaluator,
		sessions:  make(map[string]*session),
		requests:  make(map[string]string),
		clock:     wallClock{},
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock Clock) *Engine {
	e.clock = clock
	return e
}

// SetAuditSink wires the audit collaborator. Persist failures are
// logged, never surfaced into evaluation.
func (e *Engine) SetAuditSink(sink audit.Sink) { e.sink = sink }

// SetNotifier wires the operator alerting collaborator.
func (e *Engine) SetNotifier(n Notifier) { e.notifier = n }

// SetObserver wires the decision event sink.
func (e *Engine) SetObserver(o contracts.GovernanceObserver) { e.observer = o }

// Attach creates (or returns) the session for an agent. New sessions
// start supervised.
func (e *Engine) Attach(agentID string) SessionInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionLocked(agentID).info()
}

// Detach destroys an agent's session after flushing its remaining
// audit state to the collaborator.
func (e *Engine) Detach(ctx context.Context, agentID string) {
	e.mu.Lock()
	s, ok := e.sessions[agentID]
	if !ok {
		e.mu.Unlock()
		return
	}
	for id := range s.pending {
		delete(e.requests, id)
	}
	delete(e.sessions, agentID)
	e.mu.Unlock()

	// Entries were persisted as they were written; the flush here
	// re-persists nothing, it only reports what is being dropped.
	_ = ctx
	log.Printf("governance: detached agent %s (%d audit entries, %d checkpoints dropped from session)",
		agentID, len(s.auditLog), len(s.checkpoints))
}

// SetMode applies an explicit operator mode transition.
func (e *Engine) SetMode(agentID string, mode contracts.AgentMode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionLocked(agentID).mode = mode
}

// Mode returns the agent's current mode.
func (e *Engine) Mode(agentID string) contracts.AgentMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionLocked(agentID).mode
}

// Session returns a snapshot of an agent's session state.
func (e *Engine) Session(agentID string) (SessionInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[agentID]
	if !ok {
		return SessionInfo{}, ErrSessionNotFound
	}
	return s.info(), nil
}

// EvaluateAction runs the fixed-precedence policy pipeline over one
// action-intent event and commits the outcome: an audit entry plus
// either an auto-approval (with optional rollback checkpoint) or a
// pending approval request with operator notification.
func (e *Engine) EvaluateAction(ctx context.Context, action contracts.ActionRequest) contracts.Decision {
	now := e.clock.Now()

	// 1. Constitutional check. A violation blocks unconditionally.
	validation := constitution.Validate(action, e.cfg.ConstitutionalRules)
	if !validation.Allowed {
		return e.commitViolation(ctx, action, validation, now)
	}

	e.mu.Lock()
	s := e.sessionLocked(action.AgentID)

	// 2. Adaptive trust.
	bonus := s.trust.bonus(action.Category, action.Action)
	effective := action.Confidence + bonus

	rctx := ruleContext{now: now, sessionActions: s.actionCount, sessionStart: s.startedAt}
	mode := s.mode
	e.mu.Unlock()

	decision := contracts.Decision{
		EffectiveConfidence: effective,
		EvaluatedAt:         now,
	}

	// 3. Manual mode always requires approval.
	if mode == contracts.ModeManual {
		decision.RequiresApproval = true
		decision.Escalation = contracts.EscalationHardBlock
		decision.Reason = "agent is in manual mode"
		return e.commitApprovalRequired(ctx, action, decision, nil, now)
	}

	// 4. Category lists. never_approve categories skip human review
	// entirely; always_approve categories demand it even at perfect
	// confidence.
	if containsCategory(e.cfg.NeverApproveCategories, action.Category) {
		decision.Approved = true
		decision.Reason = fmt.Sprintf("category %s is exempt from approval", action.Category)
		return e.commitAutoApproval(ctx, action, decision, now)
	}
	if containsCategory(e.cfg.AlwaysApproveCategories, action.Category) {
		decision.RequiresApproval = true
		decision.Escalation = contracts.EscalationHardBlock
		decision.Reason = fmt.Sprintf("category %s always requires approval", action.Category)
		return e.commitApprovalRequired(ctx, action, decision, nil, now)
	}

	// 5. Confidence threshold.
	if effective < e.cfg.ConfidenceThreshold {
		decision.RequiresApproval = true
		if effective < 0.5 {
			decision.Escalation = contracts.EscalationHardBlock
		} else {
			decision.Escalation = contracts.EscalationSoftBlock
		}
		decision.Reason = fmt.Sprintf("effective confidence %.2f below threshold %.2f",
			effective, e.cfg.ConfidenceThreshold)
		return e.commitApprovalRequired(ctx, action, decision, nil, now)
	}

	// 6. Risk threshold.
	if action.RiskScore > e.cfg.RiskThreshold {
		decision.RequiresApproval = true
		if action.RiskScore > 0.8 {
			decision.Escalation = contracts.EscalationEmergencyStop
		} else {
			decision.Escalation = contracts.EscalationHardBlock
		}
		decision.Reason = fmt.Sprintf("risk score %.2f above threshold %.2f",
			action.RiskScore, e.cfg.RiskThreshold)
		return e.commitApprovalRequired(ctx, action, decision, nil, now)
	}

	// 7. Escalation rules. A matching hard_block or emergency_stop
	// rule forces approval; lesser levels only annotate.
	for i := range e.cfg.EscalationRules {
		rule := e.cfg.EscalationRules[i]
		matched, err := e.evaluator.matches(rule, action, effective, rctx)
		if err != nil {
			log.Printf("governance: escalation rule %s: %v", rule.ID, err)
			continue
		}
		if matched && rule.Level >= contracts.EscalationHardBlock {
			decision.RequiresApproval = true
			decision.Escalation = rule.Level
			decision.Reason = fmt.Sprintf("escalation rule %s matched", rule.ID)
			return e.commitApprovalRequired(ctx, action, decision, &rule, now)
		}
	}

	// 8. Every gate passed.
	decision.Approved = true
	decision.Reason = "all policy checks passed"
	return e.commitAutoApproval(ctx, action, decision, now)
}

// ResolveApproval applies an operator verdict to a pending request.
// Unknown operators are rejected without mutating request state; a
// request makes exactly one terminal transition, later resolutions
// are no-ops.
func (e *Engine) ResolveApproval(ctx context.Context, requestID string, approved bool, operator, reason string) error {
	if !e.cfg.operatorAllowed(operator) {
		return ErrOperatorNotAllowed
	}
	now := e.clock.Now()

	e.mu.Lock()
	agentID, ok := e.requests[requestID]
	if !ok {
		e.mu.Unlock()
		return ErrRequestNotFound
	}
	s := e.sessions[agentID]
	pa, ok := s.pending[requestID]
	if !ok || pa.request.Status.Terminal() {
		e.mu.Unlock()
		return ErrRequestTerminal
	}

	req := pa.request
	req.ApprovedBy = operator
	req.ResolvedAt = now
	req.Reason = reason

	var entry contracts.AuditLogEntry
	var event *contracts.GovernanceEvent
	if approved {
		req.Status = contracts.ApprovalApproved
		s.trust.recordApproval(req.Category, req.Action)

		entry = e.newEntry(pa.action, contracts.OutcomeApproved, now)
		checkpointID := e.createCheckpointLocked(s, pa.action, now, entry.ID)
		entry.Approver = operator
		entry.Reason = reason
		entry.CheckpointID = checkpointID
		event = &contracts.GovernanceEvent{
			Type:       contracts.EventActionApproved,
			AgentID:    agentID,
			Action:     req.Action,
			Reason:     reason,
			Escalation: contracts.EscalationNone,
			RequestID:  requestID,
			Timestamp:  now,
		}
	} else {
		req.Status = contracts.ApprovalRejected
		entry = e.newEntry(pa.action, contracts.OutcomeRejected, now)
		entry.Approver = operator
		entry.Reason = reason
	}
	delete(s.pending, requestID)
	delete(e.requests, requestID)
	s.auditLog = append(s.auditLog, entry)
	e.mu.Unlock()

	e.persist(ctx, entry)
	if event != nil {
		e.emit(*event)
	}
	return nil
}

// PendingApprovals lists an agent's open requests.
func (e *Engine) PendingApprovals(agentID string) []contracts.ApprovalRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[agentID]
	if !ok {
		return nil
	}
	out := make([]contracts.ApprovalRequest, 0, len(s.pending))
	for _, pa := range s.pending {
		out = append(out, *pa.request)
	}
	return out
}

// AllPendingApprovals lists open requests across every session.
func (e *Engine) AllPendingApprovals() []contracts.ApprovalRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []contracts.ApprovalRequest
	for _, s := range e.sessions {
		for _, pa := range s.pending {
			out = append(out, *pa.request)
		}
	}
	return out
}

// Request returns one approval request by id.
func (e *Engine) Request(requestID string) (contracts.ApprovalRequest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	agentID, ok := e.requests[requestID]
	if !ok {
		return contracts.ApprovalRequest{}, ErrRequestNotFound
	}
	return *e.sessions[agentID].pending[requestID].request, nil
}

// Tick advances time-driven state: pending requests past expiry
// transition to auto_approved or expired, stale rollback checkpoints
// are purged, and trust decay is applied.
func (e *Engine) Tick(ctx context.Context) {
	now := e.clock.Now()

	type expiry struct {
		entry contracts.AuditLogEntry
		event contracts.GovernanceEvent
	}
	var expiries []expiry

	e.mu.Lock()
	for _, s := range e.sessions {
		for id, pa := range s.pending {
			if !now.After(pa.request.ExpiresAt) {
				continue
			}
			autoApprove := e.cfg.AutoApproveOnTimeout
			if pa.rule != nil {
				autoApprove = pa.rule.AutoApproveOnTimeout
			}

			var entry contracts.AuditLogEntry
			if autoApprove {
				pa.request.Status = contracts.ApprovalAutoApproved
				pa.request.ResolvedAt = now
				entry = e.newEntry(pa.action, contracts.OutcomeApproved, now)
				checkpointID := e.createCheckpointLocked(s, pa.action, now, entry.ID)
				entry.Approver = "timeout"
				entry.Reason = "approved automatically on timeout"
				entry.CheckpointID = checkpointID
				expiries = append(expiries, expiry{entry: entry, event: contracts.GovernanceEvent{
					Type:      contracts.EventActionApproved,
					AgentID:   s.agentID,
					Action:    pa.request.Action,
					Reason:    entry.Reason,
					RequestID: id,
					Timestamp: now,
				}})
			} else {
				pa.request.Status = contracts.ApprovalExpired
				pa.request.ResolvedAt = now
				entry = e.newEntry(pa.action, contracts.OutcomeExpired, now)
				entry.Reason = "approval request expired"
				expiries = append(expiries, expiry{entry: entry})
			}
			s.auditLog = append(s.auditLog, entry)
			delete(s.pending, id)
			delete(e.requests, id)
		}

		for id, cp := range s.checkpoints {
			if now.After(cp.ExpiresAt) {
				delete(s.checkpoints, id)
			}
		}

		s.trust.decay(e.cfg.TrustDecayFactor)
	}
	e.mu.Unlock()

	for _, x := range expiries {
		e.persist(ctx, x.entry)
		if x.event.Type != "" {
			e.emit(x.event)
		}
	}
}

// Checkpoint returns one rollback checkpoint.
func (e *Engine) Checkpoint(agentID, checkpointID string) (contracts.RollbackCheckpoint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[agentID]
	if !ok {
		return contracts.RollbackCheckpoint{}, ErrSessionNotFound
	}
	cp, ok := s.checkpoints[checkpointID]
	if !ok {
		return contracts.RollbackCheckpoint{}, ErrCheckpointNotFound
	}
	return *cp, nil
}

// Rollback hands the pre-action snapshot back to the caller and
// flips the linked audit entry's outcome. Only unexpired checkpoints
// with the rollback flag qualify.
func (e *Engine) Rollback(ctx context.Context, agentID, checkpointID string) (map[string]any, error) {
	now := e.clock.Now()

	e.mu.Lock()
	s, ok := e.sessions[agentID]
	if !ok {
		e.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	cp, ok := s.checkpoints[checkpointID]
	if !ok {
		e.mu.Unlock()
		return nil, ErrCheckpointNotFound
	}
	if !cp.CanRollback {
		e.mu.Unlock()
		return nil, ErrRollbackNotPermitted
	}
	if now.After(cp.ExpiresAt) {
		e.mu.Unlock()
		return nil, ErrCheckpointExpired
	}

	state := schema.DeepCopy(cp.PreActionState)
	cp.CanRollback = false

	// Flip the session's linked entry and record the rollback in the
	// durable log; persisted entries are immutable, so the store gets
	// a new linked entry instead of a mutation.
	var rollbackEntry contracts.AuditLogEntry
	for i := range s.auditLog {
		if s.auditLog[i].ID == cp.AuditEntryID {
			s.auditLog[i].Outcome = contracts.OutcomeRollback
			break
		}
	}
	rollbackEntry = contracts.AuditLogEntry{
		ID:           uuid.New().String(),
		Timestamp:    now,
		AgentID:      agentID,
		Action:       cp.Action,
		Outcome:      contracts.OutcomeRollback,
		Reason:       fmt.Sprintf("rolled back checkpoint %s", checkpointID),
		CheckpointID: checkpointID,
	}
	s.auditLog = append(s.auditLog, rollbackEntry)
	e.mu.Unlock()

	e.persist(ctx, rollbackEntry)
	return state, nil
}

// AuditLog returns a copy of an agent's session audit entries.
func (e *Engine) AuditLog(agentID string) []contracts.AuditLogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[agentID]
	if !ok {
		return nil
	}
	out := make([]contracts.AuditLogEntry, len(s.auditLog))
	copy(out, s.auditLog)
	return out
}

// TrustBonus exposes the accrued confidence credit for an action
// class, for inspection and tests.
func (e *Engine) TrustBonus(agentID string, category contracts.ActionCategory, action string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[agentID]
	if !ok {
		return 0
	}
	return s.trust.bonus(category, action)
}

// --- commit paths ---

func (e *Engine) commitViolation(ctx context.Context, action contracts.ActionRequest, validation contracts.ValidationResult, now time.Time) contracts.Decision {
	escalation := validation.Escalation
	if escalation < contracts.EscalationSoftBlock {
		escalation = contracts.EscalationSoftBlock
	}
	ruleIDs := make([]string, 0, len(validation.Violations))
	for _, rule := range validation.Violations {
		ruleIDs = append(ruleIDs, rule.ID)
	}
	reason := fmt.Sprintf("constitutional violation: %d rule(s) matched", len(validation.Violations))

	entry := e.newEntry(action, contracts.OutcomeViolation, now)
	entry.IsViolation = true
	entry.ViolatedRules = ruleIDs
	entry.Reason = reason

	e.mu.Lock()
	s := e.sessionLocked(action.AgentID)
	s.auditLog = append(s.auditLog, entry)
	e.mu.Unlock()

	e.persist(ctx, entry)
	e.emit(contracts.GovernanceEvent{
		Type:       contracts.EventViolationCaught,
		AgentID:    action.AgentID,
		Action:     action.Action,
		Reason:     reason,
		Escalation: escalation,
		Timestamp:  now,
	})

	return contracts.Decision{
		Approved:            false,
		IsViolation:         true,
		Escalation:          escalation,
		Reason:              reason,
		EffectiveConfidence: action.Confidence,
		Violations:          validation.Violations,
		EvaluatedAt:         now,
	}
}

func (e *Engine) commitAutoApproval(ctx context.Context, action contracts.ActionRequest, decision contracts.Decision, now time.Time) contracts.Decision {
	entry := e.newEntry(action, contracts.OutcomeAutonomous, now)
	entry.Reason = decision.Reason

	e.mu.Lock()
	s := e.sessionLocked(action.AgentID)
	s.actionCount++
	// Automatic demotion: an autonomous agent that has used up its
	// session budget drops to supervised.
	if s.mode == contracts.ModeAutonomous && s.actionCount >= e.cfg.MaxAutonomousActions {
		s.mode = contracts.ModeSupervised
	}
	decision.CheckpointID = e.createCheckpointLocked(s, action, now, entry.ID)
	entry.CheckpointID = decision.CheckpointID
	s.auditLog = append(s.auditLog, entry)
	e.mu.Unlock()

	e.persist(ctx, entry)
	e.emit(contracts.GovernanceEvent{
		Type:       contracts.EventActionApproved,
		AgentID:    action.AgentID,
		Action:     action.Action,
		Reason:     decision.Reason,
		Escalation: decision.Escalation,
		Timestamp:  now,
	})
	return decision
}

func (e *Engine) commitApprovalRequired(ctx context.Context, action contracts.ActionRequest, decision contracts.Decision, rule *contracts.EscalationRule, now time.Time) contracts.Decision {
	timeout := e.cfg.ApprovalTimeout
	if rule != nil && rule.Timeout > 0 {
		timeout = rule.Timeout
	}
	req := &contracts.ApprovalRequest{
		ID:          "apr-" + uuid.New().String(),
		AgentID:     action.AgentID,
		Action:      action.Action,
		Category:    action.Category,
		Description: action.Description,
		Confidence:  action.Confidence,
		RiskScore:   action.RiskScore,
		Context:     action.Context,
		Metadata:    action.Metadata,
		Status:      contracts.ApprovalPending,
		Escalation:  decision.Escalation,
		CreatedAt:   now,
		ExpiresAt:   now.Add(timeout),
	}

	entry := e.newEntry(action, contracts.OutcomeEscalated, now)
	entry.Reason = decision.Reason

	e.mu.Lock()
	s := e.sessionLocked(action.AgentID)
	s.pending[req.ID] = &pendingApproval{request: req, action: action, rule: rule}
	e.requests[req.ID] = action.AgentID
	s.auditLog = append(s.auditLog, entry)
	e.mu.Unlock()

	e.persist(ctx, entry)

	channels := e.cfg.NotificationChannels
	if rule != nil && len(rule.NotificationChannels) > 0 {
		channels = rule.NotificationChannels
	}
	if e.notifier != nil {
		results := e.notifier.Notify(ctx, *req, channels)
		for _, r := range results {
			if !r.Success {
				log.Printf("governance: notification via %s failed: %s", r.Channel, r.Error)
			}
		}
	}

	e.emit(contracts.GovernanceEvent{
		Type:       contracts.EventApprovalRequired,
		AgentID:    action.AgentID,
		Action:     action.Action,
		Reason:     decision.Reason,
		Escalation: decision.Escalation,
		RequestID:  req.ID,
		Timestamp:  now,
	})

	reqCopy := *req
	decision.Request = &reqCopy
	return decision
}

// createCheckpointLocked snapshots pre-action state for an approved
// action and links it to its audit entry. Caller holds the engine
// lock. Returns the checkpoint id, or empty when rollback is disabled
// or no state was supplied.
func (e *Engine) createCheckpointLocked(s *session, action contracts.ActionRequest, now time.Time, auditEntryID string) string {
	if !e.cfg.RollbackEnabled || action.PreActionState == nil {
		return ""
	}
	cp := &contracts.RollbackCheckpoint{
		ID:             "ckp-" + uuid.New().String(),
		AgentID:        s.agentID,
		Action:         action.Action,
		PreActionState: schema.DeepCopy(action.PreActionState),
		CanRollback:    true,
		CreatedAt:      now,
		ExpiresAt:      now.Add(e.cfg.CheckpointRetention),
		AuditEntryID:   auditEntryID,
	}
	s.checkpoints[cp.ID] = cp
	return cp.ID
}

func (e *Engine) newEntry(action contracts.ActionRequest, outcome contracts.AuditOutcome, now time.Time) contracts.AuditLogEntry {
	return contracts.AuditLogEntry{
		ID:         uuid.New().String(),
		Timestamp:  now,
		AgentID:    action.AgentID,
		Action:     action.Action,
		Category:   action.Category,
		Outcome:    outcome,
		Confidence: action.Confidence,
		RiskScore:  action.RiskScore,
	}
}

// sessionLocked returns (creating if needed) the agent's session.
// Caller holds the engine lock.
func (e *Engine) sessionLocked(agentID string) *session {
	s, ok := e.sessions[agentID]
	if !ok {
		s = newSession(agentID, e.clock.Now())
		e.sessions[agentID] = s
	}
	return s
}

// persist writes one entry to the audit collaborator, fire and
// forget: failures are logged, never raised into evaluation.
func (e *Engine) persist(ctx context.Context, entry contracts.AuditLogEntry) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Persist(ctx, entry); err != nil {
		log.Printf("governance: audit persist for entry %s: %v", entry.ID, err)
	}
}

func (e *Engine) emit(event contracts.GovernanceEvent) {
	if e.observer != nil {
		e.observer.OnGovernanceEvent(event)
	}
}

