// Package fixture serves marketplace records from JSON files on disk, for demos
// and offline runs. Each resource lives in <dir>/<resource>.json as a JSON array.
package fixture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/timmy/playermarket/internal/source"
)

const (
	SourceID   = "fixture"
	SourceName = "Fixture Files"
)

// Adapter implements the Source interface over local JSON files.
type Adapter struct {
	dir string

	mu    sync.Mutex
	items map[source.Resource][]json.RawMessage
}

// NewAdapter creates a fixture adapter reading from dir.
func NewAdapter(dir string) *Adapter {
	return &Adapter{dir: dir, items: make(map[source.Resource][]json.RawMessage)}
}

// NewMemoryAdapter creates a fixture adapter over in-memory records.
func NewMemoryAdapter(items map[source.Resource][]json.RawMessage) *Adapter {
	a := &Adapter{items: make(map[source.Resource][]json.RawMessage)}
	for k, v := range items {
		a.items[k] = v
	}
	return a
}

// GetSourceID returns the unique identifier for this source
func (a *Adapter) GetSourceID() string {
	return SourceID
}

// GetDisplayName returns a human-readable name for this source
func (a *Adapter) GetDisplayName() string {
	return SourceName
}

// FetchPage serves records by index; the cursor is the index of the next record.
func (a *Adapter) FetchPage(ctx context.Context, req source.PageRequest) (*source.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	items, err := a.load(req.Resource)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", req.Resource, err)
	}
	if !req.Since.IsZero() {
		items = newerThan(items, req.Since)
	}

	start := 0
	if req.Cursor != "" {
		start, err = strconv.Atoi(req.Cursor)
		if err != nil || start < 0 {
			return nil, fmt.Errorf("invalid cursor %q", req.Cursor)
		}
	}
	if start >= len(items) {
		return &source.Page{Records: []json.RawMessage{}}, nil
	}

	size := req.PageSize
	if size <= 0 {
		size = 100
	}
	end := start + size
	if end > len(items) {
		end = len(items)
	}

	page := &source.Page{Records: items[start:end]}
	if end < len(items) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (a *Adapter) load(res source.Resource) ([]json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if items, ok := a.items[res]; ok {
		return items, nil
	}
	if a.dir == "" {
		return nil, nil
	}

	data, err := os.ReadFile(filepath.Join(a.dir, string(res)+".json"))
	if errors.Is(err, os.ErrNotExist) {
		a.items[res] = nil
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse %s.json: %w", res, err)
	}
	a.items[res] = items
	return items, nil
}

// newerThan keeps records whose soldAt, listedAt or updatedAt is after since.
func newerThan(items []json.RawMessage, since time.Time) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(items))
	for _, raw := range items {
		var probe struct {
			SoldAt    *time.Time `json:"soldAt"`
			ListedAt  *time.Time `json:"listedAt"`
			UpdatedAt *time.Time `json:"updatedAt"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			// Malformed records are still handed over so the stage can count them.
			out = append(out, raw)
			continue
		}
		ts := probe.SoldAt
		if ts == nil {
			ts = probe.ListedAt
		}
		if ts == nil {
			ts = probe.UpdatedAt
		}
		if ts == nil || ts.After(since) {
			out = append(out, raw)
		}
	}
	return out
}
