// Package contracts defines the shared data model for the Arbiter
// messaging and governance planes: channels, messages, action requests,
// approvals, constitutional rules, audit entries, and rollback
// checkpoints. Components communicate exclusively through these types.
package contracts

import "time"

// EncryptionMode controls how payloads on a channel are protected.
type EncryptionMode string

const (
	// EncryptionNone sends payloads in the clear.
	EncryptionNone EncryptionMode = "none"
	// EncryptionSymmetric uses a channel-wide key distributed out of band.
	EncryptionSymmetric EncryptionMode = "symmetric"
	// EncryptionE2E derives a pairwise key per sender/recipient via ECDH.
	EncryptionE2E EncryptionMode = "end-to-end"
)

// MemberRole orders channel privileges.
type MemberRole string

const (
	RoleOwner  MemberRole = "owner"
	RoleAdmin  MemberRole = "admin"
	RoleMember MemberRole = "member"
)

// ChannelConfig carries per-channel delivery policy. Zero values are
// replaced with defaults at creation time.
type ChannelConfig struct {
	Encryption     EncryptionMode `json:"encryption"`
	MaxMessageSize int            `json:"max_message_size"` // bytes
	MessageTTL     time.Duration  `json:"message_ttl"`
	RequireAck     bool           `json:"require_ack"`
	RetryCount     int            `json:"retry_count"`
	RetryDelay     time.Duration  `json:"retry_delay"`

	// PayloadSchema, when non-empty, is a JSON Schema (draft 2020-12)
	// every payload on the channel must satisfy.
	PayloadSchema string `json:"payload_schema,omitempty"`
}

// Channel is a named group of agent identities exchanging messages
// under a shared encryption and schema policy.
//
// Invariant: OwnerID is always present in Participants; the owner can
// only leave by closing the channel.
type Channel struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	OwnerID      string          `json:"owner_id"`
	Participants []ChannelMember `json:"participants"` // owner first
	Config       ChannelConfig   `json:"config"`
	IsOpen       bool            `json:"is_open"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ChannelMember records one agent's membership.
//
// Invariant: exactly one member holds RoleOwner.
type ChannelMember struct {
	AgentID   string     `json:"agent_id"`
	Role      MemberRole `json:"role"`
	JoinedAt  time.Time  `json:"joined_at"`
	PublicKey []byte     `json:"public_key,omitempty"` // ECDH P-256, SPKI-free raw point
}
