package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gowebpki/jcs"

	"github.com/arbiter-systems/arbiter/pkg/contracts"
)

// chainGenesis anchors the first entry's previous-hash link.
const chainGenesis = "genesis"

// MemoryStore is an append-only, hash-chained audit store. Each entry
// hashes its canonical JSON together with the previous entry's hash,
// so any mutation or reordering breaks VerifyChain.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   []contracts.AuditLogEntry
	byID      map[string]int
	sequence  uint64
	chainHead string
}

// NewMemoryStore creates an empty hash-chained store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:      make(map[string]int),
		chainHead: chainGenesis,
	}
}

// Persist appends an entry, assigning sequence and chain hashes. An
// id collision is treated as a mutation attempt and rejected.
func (s *MemoryStore) Persist(ctx context.Context, entry contracts.AuditLogEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[entry.ID]; exists {
		return fmt.Errorf("%w: %s", ErrMutationAttempt, entry.ID)
	}

	s.sequence++
	entry.Sequence = s.sequence
	entry.PreviousHash = s.chainHead
	hash, err := entryHash(entry)
	if err != nil {
		s.sequence--
		return fmt.Errorf("audit: hash entry: %w", err)
	}
	entry.EntryHash = hash
	s.chainHead = hash

	s.byID[entry.ID] = len(s.entries)
	s.entries = append(s.entries, entry)
	return nil
}

// Query returns entries matching the filter in append order.
func (s *MemoryStore) Query(ctx context.Context, filter contracts.AuditFilter) ([]contracts.AuditLogEntry, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []contracts.AuditLogEntry
	for _, entry := range s.entries {
		if !matches(filter, entry) {
			continue
		}
		out = append(out, entry)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Get returns one entry by id.
func (s *MemoryStore) Get(id string) (contracts.AuditLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[id]
	if !ok {
		return contracts.AuditLogEntry{}, ErrEntryNotFound
	}
	return s.entries[idx], nil
}

// ChainHead returns the current head hash.
func (s *MemoryStore) ChainHead() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chainHead
}

// Len reports the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// VerifyChain recomputes every link and reports the first break.
func (s *MemoryStore) VerifyChain() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	previous := chainGenesis
	for i, entry := range s.entries {
		if entry.PreviousHash != previous {
			return fmt.Errorf("%w: entry %d previous-hash mismatch", ErrChainBroken, i)
		}
		expected, err := entryHash(entry)
		if err != nil {
			return fmt.Errorf("audit: rehash entry %d: %w", i, err)
		}
		if entry.EntryHash != expected {
			return fmt.Errorf("%w: entry %d content hash mismatch", ErrChainBroken, i)
		}
		previous = entry.EntryHash
	}
	return nil
}

// entryHash computes the RFC 8785 canonical hash of the entry with
// its own EntryHash field cleared.
func entryHash(entry contracts.AuditLogEntry) (string, error) {
	entry.EntryHash = ""
	raw, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
