package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
)

// SnapshotArchive writes JSON documents under a key prefix.
type SnapshotArchive struct {
	store  ObjectStorage
	prefix string
}

// NewSnapshotArchive creates an archive rooted at prefix (for example "market-values").
func NewSnapshotArchive(store ObjectStorage, prefix string) *SnapshotArchive {
	if prefix == "" {
		prefix = "market-values"
	}
	return &SnapshotArchive{store: store, prefix: prefix}
}

// Key returns the object key of a run.
func (a *SnapshotArchive) Key(runID string) string {
	return path.Join(a.prefix, runID+".json")
}

// Save marshals v and uploads it as <prefix>/<runID>.json.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - runID: identifier of the run that produced v.
//   - v: JSON-serializable document.
// Returns:
//   - string: object key written.
//   - error: non-nil if encoding or upload fails.
func (a *SnapshotArchive) Save(ctx context.Context, runID string, v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	key := a.Key(runID)
	if err := a.store.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), "application/json"); err != nil {
		return "", err
	}
	return key, nil
}

// Load downloads the document of runID into v.
func (a *SnapshotArchive) Load(ctx context.Context, runID string, v interface{}) error {
	rc, err := a.store.Download(ctx, a.Key(runID))
	if err != nil {
		return err
	}
	defer rc.Close()
	return json.NewDecoder(rc).Decode(v)
}
