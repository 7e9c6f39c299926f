// Package audit implements the audit collaborator: append-only
// persistence and read-back of governance decisions. The in-memory
// store chains entries by canonical-JSON hash for tamper evidence;
// SQLite and Postgres stores provide durable variants behind the same
// contract.
package audit

import (
	"context"
	"errors"

	"github.com/arbiter-systems/arbiter/pkg/contracts"
)

var (
	ErrEntryNotFound   = errors.New("audit: entry not found")
	ErrChainBroken     = errors.New("audit: hash chain is broken")
	ErrStoreClosed     = errors.New("audit: store is closed")
	ErrMutationAttempt = errors.New("audit: mutation of existing entry attempted")
)

// Sink receives entries from the governance engine. Persist is
// fire-and-forget from the engine's point of view: implementations
// log failures and never bubble them into action evaluation.
type Sink interface {
	Persist(ctx context.Context, entry contracts.AuditLogEntry) error
}

// Store adds read-back on top of persistence.
type Store interface {
	Sink
	Query(ctx context.Context, filter contracts.AuditFilter) ([]contracts.AuditLogEntry, error)
}

// matches applies an AuditFilter to one entry. Zero filter fields
// match everything; Limit is enforced by callers.
func matches(filter contracts.AuditFilter, entry contracts.AuditLogEntry) bool {
	if filter.AgentID != "" && entry.AgentID != filter.AgentID {
		return false
	}
	if filter.Action != "" && entry.Action != filter.Action {
		return false
	}
	if filter.Category != "" && entry.Category != filter.Category {
		return false
	}
	if filter.Outcome != "" && entry.Outcome != filter.Outcome {
		return false
	}
	if !filter.Since.IsZero() && entry.Timestamp.Before(filter.Since) {
		return false
	}
	if !filter.Until.IsZero() && entry.Timestamp.After(filter.Until) {
		return false
	}
	return true
}
