package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-systems/arbiter/pkg/channel"
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
	events []contracts.BusEvent
}

func (r *eventRecorder) OnBusEvent(event contracts.BusEvent) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *eventRecorder) byCode(code contracts.BusErrorCode) []contracts.BusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []contracts.BusEvent
	for _, e := range r.events {
		if e.Code == code {
			out = append(out, e)
		}
	}
	return out
}

func (r *eventRecorder) byType(typ contracts.BusEventType) []contracts.BusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []contracts.BusEvent
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// nullTransport accepts deliveries and drops them, so no acks ever
// come back.
type nullTransport struct{}

func (nullTransport) Deliver(msg *contracts.Message) error { return nil }

func inlineScheduler(delay time.Duration, fn func()) { fn() }

func newTestBus(t *testing.T, agentID string, registry *channel.Registry) (*Bus, *eventRecorder, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	rec := &eventRecorder{}
	b := New(agentID, registry, DefaultConfig()).WithClock(clock).WithScheduler(inlineScheduler)
	b.SetObserver(rec)
	return b, rec, clock
}

// --- Send validation ---

func TestSendValidation(t *testing.T) {
	registry := channel.NewRegistry()
	ch := registry.CreateChannel("ops", "alice", []string{"bob"}, contracts.ChannelConfig{})

	alice, rec, _ := newTestBus(t, "alice", registry)

	assert.Nil(t, alice.Send("chan-unknown", "bob", "task", map[string]any{}, ""))
	require.Len(t, rec.byCode(contracts.BusErrChannelNotFound), 1)

	outsider, orec, _ := newTestBus(t, "mallory", registry)
	assert.Nil(t, outsider.Send(ch.ID, "bob", "task", map[string]any{}, ""))
	require.Len(t, orec.byCode(contracts.BusErrNotAMember), 1)

	assert.Nil(t, alice.Send(ch.ID, "mallory", "task", map[string]any{}, ""))
	require.Len(t, rec.byCode(contracts.BusErrRecipientNotMember), 1)
}

func TestSendSchemaViolation(t *testing.T) {
	registry := channel.NewRegistry()
	ch := registry.CreateChannel("ops", "alice", []string{"bob"}, contracts.ChannelConfig{
		PayloadSchema: `{"type":"object","required":["task"]}`,
	})

	alice, rec, _ := newTestBus(t, "alice", registry)

	assert.Nil(t, alice.Send(ch.ID, "bob", "task", map[string]any{"nope": true}, ""))
	require.Len(t, rec.byCode(contracts.BusErrSchemaViolation), 1)

	msg := alice.Send(ch.ID, "bob", "task", map[string]any{"task": "deploy"}, "")
	require.NotNil(t, msg)
}

func TestSendPayloadTooLarge(t *testing.T) {
	registry := channel.NewRegistry()
	ch := registry.CreateChannel("ops", "alice", []string{"bob"}, contracts.ChannelConfig{
		MaxMessageSize: 16,
	})

	alice, rec, _ := newTestBus(t, "alice", registry)
	assert.Nil(t, alice.Send(ch.ID, "bob", "task", map[string]any{"data": "aaaaaaaaaaaaaaaaaaaaaaaa"}, ""))
	require.Len(t, rec.byCode(contracts.BusErrPayloadTooLarge), 1)
}

func TestSendDefaults(t *testing.T) {
	registry := channel.NewRegistry()
	ch := registry.CreateChannel("ops", "alice", []string{"bob"}, contracts.ChannelConfig{})

	alice, _, clock := newTestBus(t, "alice", registry)
	msg := alice.Send(ch.ID, "bob", "task", map[string]any{"task": "deploy"}, "")
	require.NotNil(t, msg)

	assert.Equal(t, contracts.PriorityNormal, msg.Priority)
	assert.Equal(t, contracts.StatusSent, msg.Status)
	assert.False(t, msg.Encrypted)
	assert.Equal(t, clock.Now().Add(channel.DefaultMessageTTL), msg.ExpiresAt)
	assert.Equal(t, 1, alice.PendingCount())
}

func TestReply(t *testing.T) {
	registry := channel.NewRegistry()
	ch := registry.CreateChannel("ops", "alice", []string{"bob"}, contracts.ChannelConfig{})

	alice, _, _ := newTestBus(t, "alice", registry)
	bob, _, _ := newTestBus(t, "bob", registry)

	original := alice.Send(ch.ID, "bob", "task", map[string]any{"task": "deploy"}, "")
	require.NotNil(t, original)

	reply := bob.Reply(original, "task_result", map[string]any{"ok": true}, contracts.PriorityHigh)
	require.NotNil(t, reply)
	assert.Equal(t, ch.ID, reply.ChannelID)
	assert.Equal(t, "alice", reply.RecipientID)
	assert.Equal(t, original.ID, reply.InReplyTo)
	assert.Equal(t, contracts.PriorityHigh, reply.Priority)

	assert.Nil(t, bob.Reply(nil, "task_result", map[string]any{}, ""))
}

// --- End-to-end delivery ---

func TestEndToEndEncryptedDelivery(t *testing.T) {
	registry := channel.NewRegistry()
	ch := registry.CreateChannel("ops", "alice", nil, contracts.ChannelConfig{
		Encryption: contracts.EncryptionE2E,
	})

	transport := NewLoopback()
	alice, arec, _ := newTestBus(t, "alice", registry)
	bob, _, _ := newTestBus(t, "bob", registry)
	transport.Attach(alice)
	transport.Attach(bob)

	alicePub, err := alice.InitializeEncryption()
	require.NoError(t, err)
	bobPub, err := bob.InitializeEncryption()
	require.NoError(t, err)
	require.True(t, registry.SetPublicKey(ch.ID, "alice", alicePub))
	require.True(t, registry.JoinChannel(ch.ID, "bob", bobPub))

	var received []*contracts.Message
	bob.Subscribe(ch.ID, func(msg *contracts.Message) {
		received = append(received, msg)
	})

	msg := alice.Send(ch.ID, "bob", "task", map[string]any{"task": "deploy"}, contracts.PriorityHigh)
	require.NotNil(t, msg)
	assert.True(t, msg.Encrypted)
	// Ciphertext on the wire, not the payload.
	_, isString := msg.Payload.(string)
	assert.True(t, isString)

	require.Len(t, received, 1)
	assert.False(t, received[0].Encrypted)
	assert.Equal(t, map[string]any{"task": "deploy"}, received[0].Payload)
	assert.Equal(t, contracts.StatusDelivered, received[0].Status)

	// Synchronous ack settles the pending entry.
	assert.Equal(t, 0, alice.PendingCount())
	assert.Empty(t, arec.byCode(contracts.BusErrEncryptionFailed))
}

func TestSendWithoutRecipientKeyFails(t *testing.T) {
	registry := channel.NewRegistry()
	ch := registry.CreateChannel("ops", "alice", []string{"bob"}, contracts.ChannelConfig{
		Encryption: contracts.EncryptionE2E,
	})

	alice, rec, _ := newTestBus(t, "alice", registry)
	_, err := alice.InitializeEncryption()
	require.NoError(t, err)

	assert.Nil(t, alice.Send(ch.ID, "bob", "task", map[string]any{"x": 1}, ""))
	require.Len(t, rec.byCode(contracts.BusErrEncryptionFailed), 1)
}

func TestSymmetricChannel(t *testing.T) {
	registry := channel.NewRegistry()
	ch := registry.CreateChannel("ops", "alice", nil, contracts.ChannelConfig{
		Encryption: contracts.EncryptionSymmetric,
	})
	require.True(t, registry.JoinChannel(ch.ID, "bob", nil))

	transport := NewLoopback()
	alice, arec, _ := newTestBus(t, "alice", registry)
	bob, brec, _ := newTestBus(t, "bob", registry)
	transport.Attach(alice)
	transport.Attach(bob)

	// No key installed yet: send fails closed.
	assert.Nil(t, alice.Send(ch.ID, "bob", "task", map[string]any{"x": 1}, ""))
	require.Len(t, arec.byCode(contracts.BusErrEncryptionFailed), 1)

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	alice.SetChannelKey(ch.ID, key)

	var got *contracts.Message
	bob.Subscribe(ch.ID, func(msg *contracts.Message) { got = msg })

	// Recipient without the key rejects the message with a failed ack,
	// which consumes one retry per attempt.
	require.NotNil(t, alice.Send(ch.ID, "bob", "task", map[string]any{"x": float64(1)}, ""))
	assert.Nil(t, got)
	require.NotEmpty(t, brec.byCode(contracts.BusErrDecryptionFailed))

	bob.SetChannelKey(ch.ID, key)
	require.NotNil(t, alice.Send(ch.ID, "bob", "task", map[string]any{"x": float64(2)}, ""))
	require.NotNil(t, got)
	assert.Equal(t, map[string]any{"x": float64(2)}, got.Payload)
}

// --- Broadcast ---

func TestBroadcastPlaintext(t *testing.T) {
	registry := channel.NewRegistry()
	ch := registry.CreateChannel("ops", "alice", []string{"bob", "carol"}, contracts.ChannelConfig{})

	transport := NewLoopback()
	alice, _, _ := newTestBus(t, "alice", registry)
	bob, _, _ := newTestBus(t, "bob", registry)
	carol, _, _ := newTestBus(t, "carol", registry)
	transport.Attach(alice)
	transport.Attach(bob)
	transport.Attach(carol)

	var bobGot, carolGot int
	bob.Subscribe(ch.ID, func(*contracts.Message) { bobGot++ })
	carol.Subscribe(ch.ID, func(*contracts.Message) { carolGot++ })

	out := alice.Broadcast(ch.ID, "announce", map[string]any{"v": float64(1)}, "")
	require.NotNil(t, out)
	assert.ElementsMatch(t, []string{"bob", "carol"}, out.Recipients)
	assert.Nil(t, out.PerRecipient)
	assert.Equal(t, 1, bobGot)
	assert.Equal(t, 1, carolGot)
}

func TestBroadcastEndToEndPairwise(t *testing.T) {
	registry := channel.NewRegistry()
	ch := registry.CreateChannel("ops", "alice", nil, contracts.ChannelConfig{
		Encryption: contracts.EncryptionE2E,
	})

	transport := NewLoopback()
	alice, _, _ := newTestBus(t, "alice", registry)
	bob, _, _ := newTestBus(t, "bob", registry)
	carol, _, _ := newTestBus(t, "carol", registry)
	transport.Attach(alice)
	transport.Attach(bob)
	transport.Attach(carol)

	alicePub, _ := alice.InitializeEncryption()
	bobPub, _ := bob.InitializeEncryption()
	carolPub, _ := carol.InitializeEncryption()
	require.True(t, registry.SetPublicKey(ch.ID, "alice", alicePub))
	require.True(t, registry.JoinChannel(ch.ID, "bob", bobPub))
	require.True(t, registry.JoinChannel(ch.ID, "carol", carolPub))

	var bobGot, carolGot *contracts.Message
	bob.Subscribe(ch.ID, func(m *contracts.Message) { bobGot = m })
	carol.Subscribe(ch.ID, func(m *contracts.Message) { carolGot = m })

	out := alice.Broadcast(ch.ID, "announce", map[string]any{"v": float64(7)}, "")
	require.NotNil(t, out)
	require.Len(t, out.PerRecipient, 2)

	// Pairwise copies carry distinct ids and distinct ciphertexts.
	bobCopy := out.PerRecipient["bob"]
	carolCopy := out.PerRecipient["carol"]
	require.NotNil(t, bobCopy)
	require.NotNil(t, carolCopy)
	assert.NotEqual(t, bobCopy.ID, carolCopy.ID)
	assert.NotEqual(t, bobCopy.Payload, carolCopy.Payload)

	require.NotNil(t, bobGot)
	require.NotNil(t, carolGot)
	assert.Equal(t, map[string]any{"v": float64(7)}, bobGot.Payload)
	assert.Equal(t, map[string]any{"v": float64(7)}, carolGot.Payload)
}

func TestBroadcastMissingRecipientKeyFailsWhole(t *testing.T) {
	registry := channel.NewRegistry()
	ch := registry.CreateChannel("ops", "alice", nil, contracts.ChannelConfig{
		Encryption: contracts.EncryptionE2E,
	})
	alice, rec, _ := newTestBus(t, "alice", registry)
	alicePub, _ := alice.InitializeEncryption()
	require.True(t, registry.SetPublicKey(ch.ID, "alice", alicePub))
	require.True(t, registry.JoinChannel(ch.ID, "bob", nil))

	assert.Nil(t, alice.Broadcast(ch.ID, "announce", map[string]any{}, ""))
	require.Len(t, rec.byCode(contracts.BusErrEncryptionFailed), 1)
	assert.Equal(t, 0, alice.PendingCount())
}

// --- Subscriptions ---

func TestSubscribeToTypeAndUnsubscribe(t *testing.T) {
	registry := channel.NewRegistry()
	ch := registry.CreateChannel("ops", "alice", []string{"bob"}, contracts.ChannelConfig{})

	bob, _, _ := newTestBus(t, "bob", registry)

	var byChannel, byType int
	unsubChannel := bob.Subscribe(ch.ID, func(*contracts.Message) { byChannel++ })
	unsubType := bob.SubscribeToType("task", func(*contracts.Message) { byType++ })

	msg := &contracts.Message{ID: "m1", ChannelID: ch.ID, SenderID: "alice", RecipientID: "bob", Type: "task"}
	ack := bob.HandleMessage(msg)
	assert.Equal(t, contracts.AckDelivered, ack.Status)
	assert.Equal(t, 1, byChannel)
	assert.Equal(t, 1, byType)

	unsubChannel()
	bob.HandleMessage(msg)
	assert.Equal(t, 1, byChannel)
	assert.Equal(t, 2, byType)

	unsubType()
	bob.HandleMessage(msg)
	assert.Equal(t, 2, byType)
}

func TestHandlerPanicIsolated(t *testing.T) {
	registry := channel.NewRegistry()
	ch := registry.CreateChannel("ops", "alice", []string{"bob"}, contracts.ChannelConfig{})

	bob, rec, _ := newTestBus(t, "bob", registry)

	var second int
	bob.Subscribe(ch.ID, func(*contracts.Message) { panic("subscriber bug") })
	bob.Subscribe(ch.ID, func(*contracts.Message) { second++ })

	ack := bob.HandleMessage(&contracts.Message{ID: "m1", ChannelID: ch.ID, SenderID: "alice", RecipientID: "bob"})
	assert.Equal(t, contracts.AckDelivered, ack.Status)
	assert.Equal(t, 1, second)
	require.Len(t, rec.byCode(contracts.BusErrHandlerPanic), 1)
}

func TestHandleMessageWrongRecipient(t *testing.T) {
	registry := channel.NewRegistry()
	bob, _, _ := newTestBus(t, "bob", registry)

	ack := bob.HandleMessage(&contracts.Message{ID: "m1", RecipientID: "carol"})
	assert.Equal(t, contracts.AckFailed, ack.Status)
	assert.Equal(t, "bob", ack.ResponderID)
	assert.NotEmpty(t, ack.Error)
}

// --- Retry and expiry ---

func TestRetryBound(t *testing.T) {
	registry := channel.NewRegistry()
	// RetryCount 2 so the channel override, not the bus default, binds.
	ch := registry.CreateChannel("ops", "alice", []string{"bob"}, contracts.ChannelConfig{
		RetryCount: 2,
	})

	alice, rec, _ := newTestBus(t, "alice", registry)
	alice.SetTransport(nullTransport{})

	msg := alice.Send(ch.ID, "bob", "task", map[string]any{"x": float64(1)}, "")
	require.NotNil(t, msg)
	require.Equal(t, 1, alice.PendingCount())

	fail := contracts.MessageAck{MessageID: msg.ID, ResponderID: "bob", Status: contracts.AckFailed, Error: "offline"}

	// Retries 1 and 2 resend; the third failure exhausts the budget.
	alice.HandleAck(fail)
	assert.Len(t, rec.byType(contracts.BusEventResend), 1)
	assert.Equal(t, 1, alice.PendingCount())

	alice.HandleAck(fail)
	assert.Len(t, rec.byType(contracts.BusEventResend), 2)
	assert.Equal(t, 1, alice.PendingCount())

	alice.HandleAck(fail)
	assert.Len(t, rec.byType(contracts.BusEventResend), 2)
	assert.Equal(t, 0, alice.PendingCount())

	failed := rec.byType(contracts.BusEventFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, contracts.BusErrRetryExhausted, failed[0].Code)
	assert.Equal(t, msg.ID, failed[0].MessageID)
	assert.Equal(t, contracts.StatusFailed, msg.Status)

	// A late ack for the evicted message is a no-op.
	alice.HandleAck(fail)
	assert.Len(t, rec.byType(contracts.BusEventFailed), 1)
}

func TestAckSettlesPending(t *testing.T) {
	registry := channel.NewRegistry()
	ch := registry.CreateChannel("ops", "alice", []string{"bob"}, contracts.ChannelConfig{})

	alice, _, _ := newTestBus(t, "alice", registry)
	msg := alice.Send(ch.ID, "bob", "task", map[string]any{}, "")
	require.NotNil(t, msg)

	alice.HandleAck(contracts.MessageAck{MessageID: msg.ID, Status: contracts.AckRead})
	assert.Equal(t, 0, alice.PendingCount())
	assert.Equal(t, contracts.StatusAcknowledged, msg.Status)

	// Unknown ids are ignored.
	alice.HandleAck(contracts.MessageAck{MessageID: "no-such", Status: contracts.AckDelivered})
}

func TestCleanupExpired(t *testing.T) {
	registry := channel.NewRegistry()
	ch := registry.CreateChannel("ops", "alice", []string{"bob"}, contracts.ChannelConfig{
		MessageTTL: 30 * time.Second,
	})

	alice, rec, clock := newTestBus(t, "alice", registry)
	msg := alice.Send(ch.ID, "bob", "task", map[string]any{}, "")
	require.NotNil(t, msg)

	clock.Advance(29 * time.Second)
	assert.Equal(t, 0, alice.CleanupExpired())
	assert.Equal(t, 1, alice.PendingCount())

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, alice.CleanupExpired())
	assert.Equal(t, 0, alice.PendingCount())
	assert.Equal(t, contracts.StatusExpired, msg.Status)

	expired := rec.byType(contracts.BusEventExpired)
	require.Len(t, expired, 1)
	assert.Equal(t, contracts.BusErrMessageExpired, expired[0].Code)
}
