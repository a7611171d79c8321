// Package index owns the lifecycle of the two search-engine indices the
// bridge depends on (the data index and the single-document control index)
// and the durable cursor stored in the latter.
package index

import (
	"context"
	"fmt"

	"txbridge.dev/search"
)

// controlDocID is the fixed document id the cursor is stored under.
const controlDocID = "1"

// dataMapping is the minimum mapping the data index must carry.
var dataMapping = map[string]any{
	"properties": map[string]any{
		"id":        map[string]any{"type": "text"},
		"dbid":      map[string]any{"type": "long"},
		"contentId": map[string]any{"type": "long"},
		"name":      map[string]any{"type": "text"},
		"text":      map[string]any{"type": "text"},
	},
}

var controlMapping = map[string]any{
	"properties": map[string]any{
		"lastTransactionId": map[string]any{"type": "long"},
	},
}

// Manager ensures both indices exist and provides read/write access to the
// cursor document.
type Manager struct {
	search       search.Client
	dataIndex    string
	controlIndex string
}

// New returns a Manager for the named indices.
func New(searchClient search.Client, dataIndex, controlIndex string) *Manager {
	return &Manager{search: searchClient, dataIndex: dataIndex, controlIndex: controlIndex}
}

// EnsureIndices creates the data and control indices if they do not already
// exist. A failure here is a startup-time fatal error.
func (m *Manager) EnsureIndices(ctx context.Context) error {
	if err := ensure(ctx, m.search, m.dataIndex, dataMapping); err != nil {
		return fmt.Errorf("index: ensure data index: %w", err)
	}
	if err := ensure(ctx, m.search, m.controlIndex, controlMapping); err != nil {
		return fmt.Errorf("index: ensure control index: %w", err)
	}
	return nil
}

func ensure(ctx context.Context, c search.Client, index string, mapping map[string]any) error {
	exists, err := c.Exists(ctx, index)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return c.CreateIndex(ctx, index, mapping)
}

// ReadCursor returns the last durably recorded transaction id, or 0 if the
// control document does not exist yet.
func (m *Manager) ReadCursor(ctx context.Context) (int64, error) {
	doc, found, err := m.search.Get(ctx, m.controlIndex, controlDocID)
	if err != nil {
		return 0, fmt.Errorf("index: read cursor: %w", err)
	}
	if !found {
		return 0, nil
	}
	raw, ok := doc["lastTransactionId"]
	if !ok {
		return 0, nil
	}
	switch v := raw.(type) {
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	default:
		return 0, fmt.Errorf("index: cursor document has unexpected lastTransactionId type %T", raw)
	}
}

// WriteCursor overwrites the single cursor document with n. It is called
// exactly once per successful cycle.
func (m *Manager) WriteCursor(ctx context.Context, n int64) error {
	doc := map[string]any{"lastTransactionId": n}
	if err := m.search.Put(ctx, m.controlIndex, controlDocID, doc); err != nil {
		return fmt.Errorf("index: write cursor: %w", err)
	}
	return nil
}
