// Package channel implements the channel registry: channel lifecycle,
// membership and roles, and the per-member public key store the
// message bus uses for key agreement.
//
// The registry is safe for concurrent use. Reads take a shared lock;
// membership mutation is serialized.
package channel

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbiter-systems/arbiter/pkg/contracts"
	"github.com/arbiter-systems/arbiter/pkg/schema"
)

// Config defaults applied when a channel is created with zero values.
const (
	DefaultMaxMessageSize = 1 << 20 // 1 MiB
	DefaultMessageTTL     = 60 * time.Second
	DefaultRetryCount     = 3
	DefaultRetryDelay     = time.Second
)

// Clock provides time for membership records; injectable for tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Registry tracks channels, members, and member public keys.
type Registry struct {
	mu         sync.RWMutex
	channels   map[string]*contracts.Channel
	validators map[string]*schema.Validator
	// keys maps channelID -> agentID -> public key. Keys are cleared
	// the moment a member leaves, independent of message GC timing.
	keys  map[string]map[string][]byte
	clock Clock
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		channels:   make(map[string]*contracts.Channel),
		validators: make(map[string]*schema.Validator),
		keys:       make(map[string]map[string][]byte),
		clock:      wallClock{},
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Registry) WithClock(clock Clock) *Registry {
	r.clock = clock
	return r
}

// CreateChannel registers a new channel. The owner is seeded as the
// first participant; the remaining participant ids join as members.
// Zero config fields receive defaults. CreateChannel never fails: an
// invalid payload schema is dropped and the channel is created
// unvalidated.
func (r *Registry) CreateChannel(name, ownerID string, participantIDs []string, cfg contracts.ChannelConfig) *contracts.Channel {
	now := r.clock.Now()
	applyDefaults(&cfg)

	ch := &contracts.Channel{
		ID:        "chan-" + uuid.New().String(),
		Name:      name,
		OwnerID:   ownerID,
		Config:    cfg,
		IsOpen:    true,
		CreatedAt: now,
	}
	ch.Participants = append(ch.Participants, contracts.ChannelMember{
		AgentID:  ownerID,
		Role:     contracts.RoleOwner,
		JoinedAt: now,
	})
	for _, id := range participantIDs {
		if id == ownerID {
			continue
		}
		ch.Participants = append(ch.Participants, contracts.ChannelMember{
			AgentID:  id,
			Role:     contracts.RoleMember,
			JoinedAt: now,
		})
	}

	validator, err := schema.Compile(ch.ID, cfg.PayloadSchema)
	if err != nil {
		ch.Config.PayloadSchema = ""
		validator = nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.ID] = ch
	r.validators[ch.ID] = validator
	r.keys[ch.ID] = make(map[string][]byte)
	return snapshot(ch)
}

// JoinChannel adds an agent to a channel. Joining is idempotent for
// existing members. Non-members may join only while the channel is
// open. The boolean result is the only failure signal.
func (r *Registry) JoinChannel(channelID, agentID string, publicKey []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[channelID]
	if !ok {
		return false
	}
	if member := findMember(ch, agentID); member != nil {
		if publicKey != nil {
			member.PublicKey = publicKey
			r.keys[channelID][agentID] = publicKey
		}
		return true
	}
	if !ch.IsOpen {
		return false
	}
	ch.Participants = append(ch.Participants, contracts.ChannelMember{
		AgentID:   agentID,
		Role:      contracts.RoleMember,
		JoinedAt:  r.clock.Now(),
		PublicKey: publicKey,
	})
	if publicKey != nil {
		r.keys[channelID][agentID] = publicKey
	}
	return true
}

// LeaveChannel removes an agent. The owner cannot leave; closing the
// channel is the only way out for the owner.
func (r *Registry) LeaveChannel(channelID, agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[channelID]
	if !ok || ch.OwnerID == agentID {
		return false
	}
	return r.removeMember(ch, agentID)
}

// KickMember removes another agent. The requester must hold owner or
// admin role, and the owner can never be kicked.
func (r *Registry) KickMember(channelID, requesterID, agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[channelID]
	if !ok || ch.OwnerID == agentID {
		return false
	}
	requester := findMember(ch, requesterID)
	if requester == nil || (requester.Role != contracts.RoleOwner && requester.Role != contracts.RoleAdmin) {
		return false
	}
	return r.removeMember(ch, agentID)
}

// ChannelPatch carries the fields UpdateChannel may change. Nil
// pointers leave the current value untouched.
type ChannelPatch struct {
	Name          *string
	IsOpen        *bool
	PayloadSchema *string
}

// UpdateChannel mutates channel metadata. Only the owner may update;
// anyone else gets false. An invalid replacement schema rejects the
// whole patch.
func (r *Registry) UpdateChannel(channelID, requesterID string, patch ChannelPatch) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[channelID]
	if !ok || ch.OwnerID != requesterID {
		return false
	}
	if patch.PayloadSchema != nil {
		validator, err := schema.Compile(ch.ID, *patch.PayloadSchema)
		if err != nil {
			return false
		}
		ch.Config.PayloadSchema = *patch.PayloadSchema
		r.validators[ch.ID] = validator
	}
	if patch.Name != nil {
		ch.Name = *patch.Name
	}
	if patch.IsOpen != nil {
		ch.IsOpen = *patch.IsOpen
	}
	return true
}

// CloseChannel marks the channel closed and clears its key store.
// Only the owner may close. Closed channels reject new joins but keep
// membership intact for audit read-back.
func (r *Registry) CloseChannel(channelID, requesterID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[channelID]
	if !ok || ch.OwnerID != requesterID {
		return false
	}
	ch.IsOpen = false
	r.keys[channelID] = make(map[string][]byte)
	return true
}

// Channel returns a copy of a channel, or nil if unknown.
func (r *Registry) Channel(channelID string) *contracts.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[channelID]
	if !ok {
		return nil
	}
	return snapshot(ch)
}

// Channels returns copies of all registered channels.
func (r *Registry) Channels() []*contracts.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*contracts.Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, snapshot(ch))
	}
	return out
}

// Validator returns the compiled payload validator for a channel.
// Nil means the channel is unknown or carries no schema.
func (r *Registry) Validator(channelID string) *schema.Validator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.validators[channelID]
}

// IsMember reports current membership.
func (r *Registry) IsMember(channelID, agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[channelID]
	return ok && findMember(ch, agentID) != nil
}

// MemberRole returns the agent's role and whether they are a member.
func (r *Registry) MemberRole(channelID, agentID string) (contracts.MemberRole, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[channelID]
	if !ok {
		return "", false
	}
	member := findMember(ch, agentID)
	if member == nil {
		return "", false
	}
	return member.Role, true
}

// MemberIDs lists current member agent ids, owner first.
func (r *Registry) MemberIDs(channelID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[channelID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(ch.Participants))
	for _, m := range ch.Participants {
		ids = append(ids, m.AgentID)
	}
	return ids
}

// SetPublicKey registers or replaces a member's public key. Fails for
// non-members.
func (r *Registry) SetPublicKey(channelID, agentID string, publicKey []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[channelID]
	if !ok {
		return false
	}
	member := findMember(ch, agentID)
	if member == nil {
		return false
	}
	member.PublicKey = publicKey
	r.keys[channelID][agentID] = publicKey
	return true
}

// PublicKey returns a member's registered public key, if any.
func (r *Registry) PublicKey(channelID, agentID string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys, ok := r.keys[channelID]
	if !ok {
		return nil, false
	}
	key, ok := keys[agentID]
	return key, ok
}

// removeMember drops the member and their key. Caller holds the lock.
func (r *Registry) removeMember(ch *contracts.Channel, agentID string) bool {
	for i, m := range ch.Participants {
		if m.AgentID == agentID {
			ch.Participants = append(ch.Participants[:i], ch.Participants[i+1:]...)
			delete(r.keys[ch.ID], agentID)
			return true
		}
	}
	return false
}

func findMember(ch *contracts.Channel, agentID string) *contracts.ChannelMember {
	for i := range ch.Participants {
		if ch.Participants[i].AgentID == agentID {
			return &ch.Participants[i]
		}
	}
	return nil
}

func applyDefaults(cfg *contracts.ChannelConfig) {
	if cfg.Encryption == "" {
		cfg.Encryption = contracts.EncryptionNone
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.MessageTTL <= 0 {
		cfg.MessageTTL = DefaultMessageTTL
	}
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = DefaultRetryCount
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
}

func snapshot(ch *contracts.Channel) *contracts.Channel {
	out := *ch
	out.Participants = make([]contracts.ChannelMember, len(ch.Participants))
	copy(out.Participants, ch.Participants)
	return &out
}
