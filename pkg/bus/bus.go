// Package bus implements the secure message bus: per-agent send,
// broadcast, subscriber dispatch, and pending-message tracking with
// bounded retry and expiry.
//
// One Bus is bound to one agent identity and one channel registry.
// No error crosses the public API as a panic or exception: failing
// operations return nil and report a typed BusEvent to the observer.
package bus

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbiter-systems/arbiter/pkg/buscrypto"
	"github.com/arbiter-systems/arbiter/pkg/channel"
	"github.com/arbiter-systems/arbiter/pkg/contracts"
)

// Config bounds retry and expiry behavior. Channel config takes
// precedence where it overlaps.
type Config struct {
	// MessageTimeout is the pending-table retention beyond which
	// CleanupExpired evicts a message.
	MessageTimeout time.Duration `yaml:"message_timeout"`
	// MaxRetries bounds resends after failed acks when the channel
	// does not set its own retry count.
	MaxRetries int `yaml:"max_retries"`
	// RetryDelay is the base delay; retry n waits n * RetryDelay.
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// DefaultConfig mirrors the channel registry defaults.
func DefaultConfig() Config {
	return Config{
		MessageTimeout: 60 * time.Second,
		MaxRetries:     3,
		RetryDelay:     time.Second,
	}
}

// Transport delivers messages across the process boundary. Actual
// networking is an external collaborator; the loopback transport in
// this package connects buses in one process.
type Transport interface {
	Deliver(msg *contracts.Message) error
}

// Handler consumes a received, already-decrypted message.
type Handler func(msg *contracts.Message)

// Clock provides time; injectable for deterministic tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Scheduler defers a function call, used for retry backoff. The
// default schedules on a timer; tests may run inline.
type Scheduler func(delay time.Duration, fn func())

type handlerEntry struct {
	id uint64
	fn Handler
}

type pendingEntry struct {
	msg     *contracts.Message
	retries int
	addedAt time.Time
}

// BroadcastMessage is the result of a broadcast send: the template
// message plus the per-recipient messages actually dispatched.
type BroadcastMessage struct {
	Message    *contracts.Message
	Recipients []string
	// PerRecipient is populated on end-to-end channels, where each
	// recipient gets an individually encrypted copy.
	PerRecipient map[string]*contracts.Message
}

// Bus is the per-agent secure message bus.
type Bus struct {
	agentID  string
	registry *channel.Registry
	cfg      Config

	mu              sync.Mutex
	keys            *buscrypto.KeyPair
	channelKeys     map[string][]byte // symmetric channel keys, distributed out of band
	pending         map[string]*pendingEntry
	channelHandlers map[string][]handlerEntry
	typeHandlers    map[string][]handlerEntry
	nextHandlerID   uint64

	observer  contracts.BusObserver
	transport Transport
	clock     Clock
	schedule  Scheduler
}

// New creates a bus bound to one agent identity.
func New(agentID string, registry *channel.Registry, cfg Config) *Bus {
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = DefaultConfig().MessageTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig().RetryDelay
	}
	return &Bus{
		agentID:         agentID,
		registry:        registry,
		cfg:             cfg,
		channelKeys:     make(map[string][]byte),
		pending:         make(map[string]*pendingEntry),
		channelHandlers: make(map[string][]handlerEntry),
		typeHandlers:    make(map[string][]handlerEntry),
		clock:           wallClock{},
		schedule: func(delay time.Duration, fn func()) {
			time.AfterFunc(delay, fn)
		},
	}
}

// WithClock overrides the clock for deterministic testing.
func (b *Bus) WithClock(clock Clock) *Bus {
	b.clock = clock
	return b
}

// WithScheduler overrides retry scheduling, letting tests run
// deferred resends inline.
func (b *Bus) WithScheduler(s Scheduler) *Bus {
	b.schedule = s
	return b
}

// SetObserver registers the event sink for structured errors and
// lifecycle transitions.
func (b *Bus) SetObserver(o contracts.BusObserver) {
	b.observer = o
}

// SetTransport wires the delivery collaborator.
func (b *Bus) SetTransport(t Transport) {
	b.transport = t
}

// AgentID returns the identity this bus is bound to.
func (b *Bus) AgentID() string { return b.agentID }

// InitializeEncryption generates the agent's P-256 key pair and
// returns the public key for registration with channels. The private
// key never leaves the bus.
func (b *Bus) InitializeEncryption() ([]byte, error) {
	keys, err := buscrypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.keys = keys
	b.mu.Unlock()
	return keys.PublicKey(), nil
}

// SetChannelKey installs a channel-wide symmetric key. Distribution
// of this key is out of band; symmetric channels cannot send without
// one.
func (b *Bus) SetChannelKey(channelID string, key []byte) {
	b.mu.Lock()
	b.channelKeys[channelID] = key
	b.mu.Unlock()
}

// Send validates, encrypts, and records one direct message. On any
// failure it emits a structured error event and returns nil; nil is
// the only failure signal.
func (b *Bus) Send(channelID, recipientID, msgType string, payload any, priority contracts.Priority) *contracts.Message {
	return b.send(channelID, recipientID, msgType, payload, priority, "")
}

// Reply sends a direct response to a received message's sender on the
// same channel, carrying the original id in InReplyTo. Nil input or
// any send failure yields nil.
func (b *Bus) Reply(original *contracts.Message, msgType string, payload any, priority contracts.Priority) *contracts.Message {
	if original == nil {
		return nil
	}
	return b.send(original.ChannelID, original.SenderID, msgType, payload, priority, original.ID)
}

func (b *Bus) send(channelID, recipientID, msgType string, payload any, priority contracts.Priority, inReplyTo string) *contracts.Message {
	ch, plaintext, ok := b.validateSend(channelID, payload)
	if !ok {
		return nil
	}
	if !b.registry.IsMember(channelID, recipientID) {
		b.emitError(contracts.BusErrRecipientNotMember, channelID, "",
			fmt.Sprintf("recipient %s is not a member", recipientID))
		return nil
	}

	msg := b.newMessage(ch, recipientID, msgType, payload, priority)
	msg.InReplyTo = inReplyTo

	if ch.Config.Encryption != contracts.EncryptionNone {
		sealed, err := b.encryptFor(ch, recipientID, plaintext)
		if err != nil {
			b.emitError(contracts.BusErrEncryptionFailed, channelID, msg.ID, err.Error())
			return nil
		}
		msg.Payload = sealed
		msg.Encrypted = true
	}

	b.track(msg)
	b.dispatch(msg)
	return msg
}

// Broadcast sends to every member except the sender. On end-to-end
// channels each recipient gets a pairwise-encrypted copy; symmetric
// channels encrypt once under the channel key; plaintext otherwise.
func (b *Bus) Broadcast(channelID, msgType string, payload any, priority contracts.Priority) *BroadcastMessage {
	ch, plaintext, ok := b.validateSend(channelID, payload)
	if !ok {
		return nil
	}

	recipients := make([]string, 0)
	for _, id := range b.registry.MemberIDs(channelID) {
		if id != b.agentID {
			recipients = append(recipients, id)
		}
	}

	template := b.newMessage(ch, "", msgType, payload, priority)
	out := &BroadcastMessage{Message: template, Recipients: recipients}

	switch ch.Config.Encryption {
	case contracts.EncryptionE2E:
		out.PerRecipient = make(map[string]*contracts.Message, len(recipients))
		for _, recipient := range recipients {
			sealed, err := b.encryptFor(ch, recipient, plaintext)
			if err != nil {
				b.emitError(contracts.BusErrEncryptionFailed, channelID, template.ID,
					fmt.Sprintf("recipient %s: %v", recipient, err))
				return nil
			}
			copyMsg := *template
			copyMsg.ID = b.messageID()
			copyMsg.RecipientID = recipient
			copyMsg.Payload = sealed
			copyMsg.Encrypted = true
			out.PerRecipient[recipient] = &copyMsg
		}
		for _, msg := range out.PerRecipient {
			b.track(msg)
			b.dispatch(msg)
		}
	case contracts.EncryptionSymmetric:
		key := b.channelKey(channelID)
		if key == nil {
			b.emitError(contracts.BusErrEncryptionFailed, channelID, template.ID,
				"no symmetric channel key installed")
			return nil
		}
		sealed, err := buscrypto.Seal(key, plaintext)
		if err != nil {
			b.emitError(contracts.BusErrEncryptionFailed, channelID, template.ID, err.Error())
			return nil
		}
		template.Payload = sealed
		template.Encrypted = true
		b.track(template)
		b.dispatch(template)
	default:
		b.track(template)
		b.dispatch(template)
	}
	return out
}

// Subscribe registers a handler for every message received on a
// channel. The returned closure unsubscribes.
func (b *Bus) Subscribe(channelID string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextHandlerID++
	id := b.nextHandlerID
	b.channelHandlers[channelID] = append(b.channelHandlers[channelID], handlerEntry{id: id, fn: handler})
	return func() { b.unsubscribe(b.channelHandlers, channelID, id) }
}

// SubscribeToType registers a handler for a message type across all
// channels. The returned closure unsubscribes.
func (b *Bus) SubscribeToType(msgType string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextHandlerID++
	id := b.nextHandlerID
	b.typeHandlers[msgType] = append(b.typeHandlers[msgType], handlerEntry{id: id, fn: handler})
	return func() { b.unsubscribe(b.typeHandlers, msgType, id) }
}

// HandleMessage is the receiving side's only entry point. It rejects
// messages addressed to someone else, decrypts, dispatches to
// handlers, and returns the delivery ack.
func (b *Bus) HandleMessage(msg *contracts.Message) contracts.MessageAck {
	now := b.clock.Now()
	if msg.RecipientID != "" && msg.RecipientID != b.agentID {
		return contracts.MessageAck{
			MessageID:   msg.ID,
			ResponderID: b.agentID,
			Status:      contracts.AckFailed,
			Timestamp:   now,
			Error:       "message not addressed to this agent",
		}
	}

	delivered := *msg
	if msg.Encrypted {
		plaintext, err := b.decrypt(msg)
		if err != nil {
			b.emitError(contracts.BusErrDecryptionFailed, msg.ChannelID, msg.ID, err.Error())
			return contracts.MessageAck{
				MessageID:   msg.ID,
				ResponderID: b.agentID,
				Status:      contracts.AckFailed,
				Timestamp:   now,
				Error:       "decryption failed",
			}
		}
		var payload any
		if err := json.Unmarshal(plaintext, &payload); err != nil {
			b.emitError(contracts.BusErrDecryptionFailed, msg.ChannelID, msg.ID, err.Error())
			return contracts.MessageAck{
				MessageID:   msg.ID,
				ResponderID: b.agentID,
				Status:      contracts.AckFailed,
				Timestamp:   now,
				Error:       "payload decode failed",
			}
		}
		delivered.Payload = payload
		delivered.Encrypted = false
	}
	delivered.Status = contracts.StatusDelivered

	for _, h := range b.handlersFor(delivered.ChannelID, delivered.Type) {
		b.invoke(h, &delivered)
	}

	return contracts.MessageAck{
		MessageID:   msg.ID,
		ResponderID: b.agentID,
		Status:      contracts.AckDelivered,
		Timestamp:   now,
	}
}

// HandleAck processes a delivery report for a pending message.
// Delivered and read acks settle the message; failed acks retry with
// linear backoff until the retry budget is spent.
func (b *Bus) HandleAck(ack contracts.MessageAck) {
	b.mu.Lock()
	entry, ok := b.pending[ack.MessageID]
	if !ok {
		b.mu.Unlock()
		return
	}

	switch ack.Status {
	case contracts.AckDelivered, contracts.AckRead:
		entry.msg.Status = contracts.StatusAcknowledged
		delete(b.pending, ack.MessageID)
		b.mu.Unlock()
	case contracts.AckFailed:
		entry.retries++
		if entry.retries > b.maxRetries(entry.msg.ChannelID) {
			entry.msg.Status = contracts.StatusFailed
			delete(b.pending, ack.MessageID)
			b.mu.Unlock()
			b.emit(contracts.BusEvent{
				Type:      contracts.BusEventFailed,
				Code:      contracts.BusErrRetryExhausted,
				ChannelID: entry.msg.ChannelID,
				MessageID: entry.msg.ID,
				Detail:    ack.Error,
				Timestamp: b.clock.Now(),
			})
			return
		}
		retry := entry.retries
		msg := entry.msg
		b.mu.Unlock()
		// Linear backoff: retry n waits n * RetryDelay.
		b.schedule(time.Duration(retry)*b.retryDelay(msg.ChannelID), func() {
			b.emit(contracts.BusEvent{
				Type:      contracts.BusEventResend,
				ChannelID: msg.ChannelID,
				MessageID: msg.ID,
				Detail:    fmt.Sprintf("retry %d", retry),
				Timestamp: b.clock.Now(),
			})
			b.dispatch(msg)
		})
	default:
		b.mu.Unlock()
	}
}

// CleanupExpired sweeps the pending table, evicting entries past the
// message timeout. This is the only message-level garbage collection.
func (b *Bus) CleanupExpired() int {
	now := b.clock.Now()
	var expired []*contracts.Message

	b.mu.Lock()
	for id, entry := range b.pending {
		deadline := entry.addedAt.Add(b.cfg.MessageTimeout)
		if !entry.msg.ExpiresAt.IsZero() && entry.msg.ExpiresAt.Before(deadline) {
			deadline = entry.msg.ExpiresAt
		}
		if now.After(deadline) {
			entry.msg.Status = contracts.StatusExpired
			expired = append(expired, entry.msg)
			delete(b.pending, id)
		}
	}
	b.mu.Unlock()

	for _, msg := range expired {
		b.emit(contracts.BusEvent{
			Type:      contracts.BusEventExpired,
			Code:      contracts.BusErrMessageExpired,
			ChannelID: msg.ChannelID,
			MessageID: msg.ID,
			Timestamp: now,
		})
	}
	return len(expired)
}

// PendingCount reports the pending-table size.
func (b *Bus) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Pending returns the tracked message for an id, if still pending.
func (b *Bus) Pending(messageID string) (*contracts.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.pending[messageID]
	if !ok {
		return nil, false
	}
	return entry.msg, true
}

// --- internals ---

// validateSend runs the shared precondition chain: channel exists,
// sender is a member, payload passes the channel schema and size cap.
// It returns the channel snapshot and serialized payload.
func (b *Bus) validateSend(channelID string, payload any) (*contracts.Channel, []byte, bool) {
	ch := b.registry.Channel(channelID)
	if ch == nil {
		b.emitError(contracts.BusErrChannelNotFound, channelID, "", "channel does not exist")
		return nil, nil, false
	}
	if !b.registry.IsMember(channelID, b.agentID) {
		b.emitError(contracts.BusErrNotAMember, channelID, "",
			fmt.Sprintf("sender %s is not a member", b.agentID))
		return nil, nil, false
	}
	if validator := b.registry.Validator(channelID); validator != nil {
		if err := validator.Validate(payload); err != nil {
			b.emitError(contracts.BusErrSchemaViolation, channelID, "", err.Error())
			return nil, nil, false
		}
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		b.emitError(contracts.BusErrSchemaViolation, channelID, "",
			fmt.Sprintf("payload not serializable: %v", err))
		return nil, nil, false
	}
	if len(plaintext) > ch.Config.MaxMessageSize {
		b.emitError(contracts.BusErrPayloadTooLarge, channelID, "",
			fmt.Sprintf("payload %d bytes exceeds limit %d", len(plaintext), ch.Config.MaxMessageSize))
		return nil, nil, false
	}
	return ch, plaintext, true
}

func (b *Bus) newMessage(ch *contracts.Channel, recipientID, msgType string, payload any, priority contracts.Priority) *contracts.Message {
	now := b.clock.Now()
	if priority == "" {
		priority = contracts.PriorityNormal
	}
	return &contracts.Message{
		ID:          b.messageID(),
		ChannelID:   ch.ID,
		SenderID:    b.agentID,
		RecipientID: recipientID,
		Type:        msgType,
		Priority:    priority,
		Status:      contracts.StatusSent,
		Payload:     payload,
		Timestamp:   now,
		ExpiresAt:   now.Add(ch.Config.MessageTTL),
	}
}

// messageID builds ids unique per sender, time, and random suffix.
func (b *Bus) messageID() string {
	suffix := uuid.New().String()[:8]
	return fmt.Sprintf("%s-%d-%s", b.agentID, b.clock.Now().UnixNano(), suffix)
}

func (b *Bus) encryptFor(ch *contracts.Channel, recipientID string, plaintext []byte) (string, error) {
	if ch.Config.Encryption == contracts.EncryptionSymmetric {
		key := b.channelKey(ch.ID)
		if key == nil {
			return "", fmt.Errorf("no symmetric channel key installed for %s", ch.ID)
		}
		return buscrypto.Seal(key, plaintext)
	}

	b.mu.Lock()
	keys := b.keys
	b.mu.Unlock()
	if keys == nil {
		return "", fmt.Errorf("encryption not initialized")
	}
	peerKey, ok := b.registry.PublicKey(ch.ID, recipientID)
	if !ok {
		return "", fmt.Errorf("no public key registered for %s", recipientID)
	}
	shared, err := keys.SharedKey(peerKey)
	if err != nil {
		return "", err
	}
	return buscrypto.Seal(shared, plaintext)
}

func (b *Bus) decrypt(msg *contracts.Message) ([]byte, error) {
	encoded, ok := msg.Payload.(string)
	if !ok {
		return nil, fmt.Errorf("encrypted payload is not a string")
	}
	ch := b.registry.Channel(msg.ChannelID)
	if ch == nil {
		return nil, fmt.Errorf("channel %s not found", msg.ChannelID)
	}
	if ch.Config.Encryption == contracts.EncryptionSymmetric {
		key := b.channelKey(msg.ChannelID)
		if key == nil {
			return nil, fmt.Errorf("no symmetric channel key installed for %s", msg.ChannelID)
		}
		return buscrypto.Open(key, encoded)
	}

	b.mu.Lock()
	keys := b.keys
	b.mu.Unlock()
	if keys == nil {
		return nil, fmt.Errorf("encryption not initialized")
	}
	senderKey, ok := b.registry.PublicKey(msg.ChannelID, msg.SenderID)
	if !ok {
		return nil, fmt.Errorf("no public key registered for sender %s", msg.SenderID)
	}
	shared, err := keys.SharedKey(senderKey)
	if err != nil {
		return nil, err
	}
	return buscrypto.Open(shared, encoded)
}

func (b *Bus) channelKey(channelID string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channelKeys[channelID]
}

func (b *Bus) track(msg *contracts.Message) {
	b.mu.Lock()
	b.pending[msg.ID] = &pendingEntry{msg: msg, addedAt: b.clock.Now()}
	b.mu.Unlock()
}

// dispatch hands the message to the transport collaborator. Delivery
// errors are reported, never thrown; the retry machinery recovers
// transient failures via failed acks.
func (b *Bus) dispatch(msg *contracts.Message) {
	if b.transport == nil {
		return
	}
	if err := b.transport.Deliver(msg); err != nil {
		b.emitError(contracts.BusErrChannelNotFound, msg.ChannelID, msg.ID,
			fmt.Sprintf("transport delivery: %v", err))
	}
}

func (b *Bus) handlersFor(channelID, msgType string) []handlerEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]handlerEntry, 0, len(b.channelHandlers[channelID])+len(b.typeHandlers[msgType]))
	out = append(out, b.channelHandlers[channelID]...)
	out = append(out, b.typeHandlers[msgType]...)
	return out
}

// invoke runs one handler, converting panics into error events so a
// misbehaving subscriber cannot take down dispatch.
func (b *Bus) invoke(h handlerEntry, msg *contracts.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.emitError(contracts.BusErrHandlerPanic, msg.ChannelID, msg.ID, fmt.Sprintf("%v", r))
		}
	}()
	h.fn(msg)
}

func (b *Bus) unsubscribe(table map[string][]handlerEntry, key string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := table[key]
	for i, e := range entries {
		if e.id == id {
			table[key] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

func (b *Bus) maxRetries(channelID string) int {
	if ch := b.registry.Channel(channelID); ch != nil && ch.Config.RetryCount > 0 {
		return ch.Config.RetryCount
	}
	return b.cfg.MaxRetries
}

func (b *Bus) retryDelay(channelID string) time.Duration {
	if ch := b.registry.Channel(channelID); ch != nil && ch.Config.RetryDelay > 0 {
		return ch.Config.RetryDelay
	}
	return b.cfg.RetryDelay
}

func (b *Bus) emitError(code contracts.BusErrorCode, channelID, messageID, detail string) {
	b.emit(contracts.BusEvent{
		Type:      contracts.BusEventError,
		Code:      code,
		ChannelID: channelID,
		MessageID: messageID,
		Detail:    detail,
		Timestamp: b.clock.Now(),
	})
}

func (b *Bus) emit(event contracts.BusEvent) {
	if b.observer != nil {
		b.observer.OnBusEvent(event)
	}
}
