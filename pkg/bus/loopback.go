package bus

import (
	"fmt"
	"sync"

	"github.com/arbiter-systems/arbiter/pkg/contracts"
)

// Loopback connects buses within one process: messages delivered
// through it are handed to the recipient bus's HandleMessage and the
// resulting ack is routed back to the sender's HandleAck. It stands in
// for the external transport collaborator in tests and single-process
// deployments.
type Loopback struct {
	mu    sync.RWMutex
	buses map[string]*Bus
}

// NewLoopback creates an empty loopback transport.
func NewLoopback() *Loopback {
	return &Loopback{buses: make(map[string]*Bus)}
}

// Attach registers a bus under its agent identity and wires it to
// this transport.
func (l *Loopback) Attach(b *Bus) {
	l.mu.Lock()
	l.buses[b.AgentID()] = b
	l.mu.Unlock()
	b.SetTransport(l)
}

// Detach removes an agent from the transport.
func (l *Loopback) Detach(agentID string) {
	l.mu.Lock()
	delete(l.buses, agentID)
	l.mu.Unlock()
}

// Deliver routes a message to its recipient (or, for broadcasts, to
// every attached bus except the sender) and feeds acks back to the
// sender synchronously.
func (l *Loopback) Deliver(msg *contracts.Message) error {
	l.mu.RLock()
	sender := l.buses[msg.SenderID]
	var targets []*Bus
	if msg.RecipientID != "" {
		if target, ok := l.buses[msg.RecipientID]; ok {
			targets = append(targets, target)
		}
	} else {
		for id, target := range l.buses {
			if id != msg.SenderID {
				targets = append(targets, target)
			}
		}
	}
	l.mu.RUnlock()

	if msg.RecipientID != "" && len(targets) == 0 {
		return fmt.Errorf("recipient %s not attached", msg.RecipientID)
	}
	for _, target := range targets {
		ack := target.HandleMessage(msg)
		if sender != nil {
			sender.HandleAck(ack)
		}
	}
	return nil
}
