package contracts

import "time"

// Priority orders message urgency.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// DeliveryStatus tracks a message through its lifecycle.
type DeliveryStatus string

const (
	StatusPending      DeliveryStatus = "pending"
	StatusSent         DeliveryStatus = "sent"
	StatusDelivered    DeliveryStatus = "delivered"
	StatusAcknowledged DeliveryStatus = "acknowledged"
	StatusFailed       DeliveryStatus = "failed"
	StatusExpired      DeliveryStatus = "expired"
)

// Message is one payload in flight on a channel. RecipientID empty
// means broadcast to every member except the sender.
//
// Invariant: sender and, if set, recipient are channel members at
// send time.
type Message struct {
	ID          string         `json:"id"`
	ChannelID   string         `json:"channel_id"`
	SenderID    string         `json:"sender_id"`
	RecipientID string         `json:"recipient_id,omitempty"`
	Type        string         `json:"type"`
	Priority    Priority       `json:"priority"`
	Status      DeliveryStatus `json:"status"`
	// InReplyTo carries the id of the message this one responds to.
	InReplyTo string `json:"in_reply_to,omitempty"`

	// Payload is the application payload. When Encrypted is true it is
	// a base64 string in the wire format nonce(12) || tag(16) || ciphertext.
	Payload   any       `json:"payload"`
	Encrypted bool      `json:"encrypted"`
	Timestamp time.Time `json:"timestamp"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// AckStatus is the receiver's verdict on one message.
type AckStatus string

const (
	AckDelivered AckStatus = "delivered"
	AckRead      AckStatus = "read"
	AckFailed    AckStatus = "failed"
	AckPending   AckStatus = "pending"
)

// MessageAck reports delivery outcome back to the sender.
type MessageAck struct {
	MessageID   string    `json:"message_id"`
	ResponderID string    `json:"responder_id"`
	Status      AckStatus `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Error       string    `json:"error,omitempty"`
}
