package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/arbiter-systems/arbiter/pkg/contracts"
)

// ErrStoreNotConfigured is returned when export is invoked without a
// backing store (fail-closed).
var ErrStoreNotConfigured = errors.New("audit: store not configured")

// Exporter writes audit entries as JSON Lines for offline review and
// evidence hand-off.
type Exporter struct {
	store Store
}

// NewExporter binds an exporter to a store.
func NewExporter(store Store) *Exporter {
	return &Exporter{store: store}
}

// WriteJSONL streams matching entries to w, one JSON object per line,
// and returns the number of entries written.
func (e *Exporter) WriteJSONL(ctx context.Context, filter contracts.AuditFilter, w io.Writer) (int, error) {
	if e.store == nil {
		return 0, ErrStoreNotConfigured
	}
	entries, err := e.store.Query(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("audit: export query: %w", err)
	}
	enc := json.NewEncoder(w)
	for i, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			return i, fmt.Errorf("audit: export encode: %w", err)
		}
	}
	return len(entries), nil
}
