// Package notify alerts human operators about pending approval
// requests. A Dispatcher fans one request out to named channel
// senders (webhook, redis, log) and reports per-channel results
// without ever blocking the governance engine beyond dispatch.
package notify

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/arbiter-systems/arbiter/pkg/contracts"
)

// Sender delivers one approval alert over one channel kind.
type Sender interface {
	// Name is the channel identifier referenced by escalation rules
	// and engine config ("webhook", "redis", "log", ...).
	Name() string
	// Send delivers the alert and returns a channel-native message id.
	Send(ctx context.Context, req contracts.ApprovalRequest) (string, error)
}

// Dispatcher routes approval alerts to registered senders.
type Dispatcher struct {
	mu      sync.RWMutex
	senders map[string]Sender

	limiter     *rate.Limiter
	sendTimeout time.Duration
}

// NewDispatcher creates a dispatcher limited to rps notifications per
// second with the given burst. A non-positive rps disables limiting.
func NewDispatcher(rps float64, burst int) *Dispatcher {
	var limiter *rate.Limiter
	if rps > 0 {
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &Dispatcher{
		senders:     make(map[string]Sender),
		limiter:     limiter,
		sendTimeout: 5 * time.Second,
	}
}

// WithSendTimeout bounds each sender invocation.
func (d *Dispatcher) WithSendTimeout(timeout time.Duration) *Dispatcher {
	if timeout > 0 {
		d.sendTimeout = timeout
	}
	return d
}

// Register adds or replaces a sender.
func (d *Dispatcher) Register(s Sender) {
	d.mu.Lock()
	d.senders[s.Name()] = s
	d.mu.Unlock()
}

// Notify fans the request out to the named channels. Senders run
// concurrently with a bounded timeout; a missing sender or exceeded
// rate limit becomes a failed result, never an error in the caller.
func (d *Dispatcher) Notify(ctx context.Context, req contracts.ApprovalRequest, channels []string) []contracts.NotificationResult {
	results := make([]contracts.NotificationResult, len(channels))

	var wg sync.WaitGroup
	for i, name := range channels {
		d.mu.RLock()
		sender, ok := d.senders[name]
		d.mu.RUnlock()

		if !ok {
			results[i] = contracts.NotificationResult{
				Channel: name,
				Error:   "no sender registered",
			}
			continue
		}
		if d.limiter != nil && !d.limiter.Allow() {
			results[i] = contracts.NotificationResult{
				Channel: name,
				Error:   "rate limited",
			}
			continue
		}

		wg.Add(1)
		go func(i int, sender Sender) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
			defer cancel()

			messageID, err := sender.Send(sendCtx, req)
			result := contracts.NotificationResult{
				Channel:   sender.Name(),
				Success:   err == nil,
				MessageID: messageID,
			}
			if err != nil {
				result.Error = err.Error()
			}
			results[i] = result
		}(i, sender)
	}
	wg.Wait()
	return results
}
