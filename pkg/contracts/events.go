package contracts

import "time"

// GovernanceEventType is the closed set of events the engine emits.
type GovernanceEventType string

const (
	EventActionApproved   GovernanceEventType = "hitl_action_approved"
	EventApprovalRequired GovernanceEventType = "hitl_approval_required"
	EventViolationCaught  GovernanceEventType = "hitl_violation_caught"
)

// GovernanceEvent is the decision event produced for the runtime layer.
type GovernanceEvent struct {
	Type       GovernanceEventType `json:"type"`
	AgentID    string              `json:"agent_id"`
	Action     string              `json:"action"`
	Reason     string              `json:"reason"`
	Escalation EscalationLevel     `json:"escalation"`
	RequestID  string              `json:"request_id,omitempty"`
	Timestamp  time.Time           `json:"timestamp"`
}

// GovernanceObserver receives engine decision events. Implementations
// must return quickly; the engine calls them inline.
type GovernanceObserver interface {
	OnGovernanceEvent(event GovernanceEvent)
}

// BusErrorCode is the closed set of structured bus failures.
type BusErrorCode string

const (
	BusErrChannelNotFound    BusErrorCode = "channel_not_found"
	BusErrNotAMember         BusErrorCode = "not_a_member"
	BusErrRecipientNotMember BusErrorCode = "recipient_not_member"
	BusErrSchemaViolation    BusErrorCode = "schema_violation"
	BusErrPayloadTooLarge    BusErrorCode = "payload_too_large"
	BusErrEncryptionFailed   BusErrorCode = "encryption_failed"
	BusErrDecryptionFailed   BusErrorCode = "decryption_failed"
	BusErrHandlerPanic       BusErrorCode = "handler_panic"
	BusErrRetryExhausted     BusErrorCode = "retry_exhausted"
	BusErrMessageExpired     BusErrorCode = "message_expired"
)

// BusEventType is the closed set of bus lifecycle events.
type BusEventType string

const (
	BusEventError   BusEventType = "error"
	BusEventResend  BusEventType = "resend"
	BusEventExpired BusEventType = "expired"
	BusEventFailed  BusEventType = "failed"
)

// BusEvent reports a bus error or lifecycle transition. Errors never
// cross the bus API as exceptions; they arrive here.
type BusEvent struct {
	Type      BusEventType `json:"type"`
	Code      BusErrorCode `json:"code,omitempty"`
	ChannelID string       `json:"channel_id,omitempty"`
	MessageID string       `json:"message_id,omitempty"`
	Detail    string       `json:"detail,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// BusObserver receives bus events.
type BusObserver interface {
	OnBusEvent(event BusEvent)
}
