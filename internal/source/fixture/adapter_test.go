package fixture

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/playermarket/internal/source"
)

func TestFetchPagePaginatesFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "players.json"),
		[]byte(`[{"id":1,"name":"a"},{"id":2,"name":"b"},{"id":3,"name":"c"}]`), 0o644))

	a := NewAdapter(dir)
	ctx := context.Background()

	page, err := a.FetchPage(ctx, source.PageRequest{Resource: source.ResourcePlayers, PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, page.Records, 2)
	assert.Equal(t, "2", page.NextCursor)

	page, err = a.FetchPage(ctx, source.PageRequest{Resource: source.ResourcePlayers, PageSize: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	assert.Len(t, page.Records, 1)
	assert.Empty(t, page.NextCursor)
}

func TestFetchPageMissingFileIsEmpty(t *testing.T) {
	page, err := NewAdapter(t.TempDir()).FetchPage(context.Background(), source.PageRequest{Resource: source.ResourceSales})
	require.NoError(t, err)
	assert.Empty(t, page.Records)
}

func TestFetchPageSinceFilter(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	a := NewMemoryAdapter(map[source.Resource][]json.RawMessage{
		source.ResourceSales: {
			json.RawMessage(`{"id":"old","soldAt":"2024-04-01T00:00:00Z"}`),
			json.RawMessage(`{"id":"new","soldAt":"2024-06-01T00:00:00Z"}`),
		},
	})

	page, err := a.FetchPage(context.Background(), source.PageRequest{Resource: source.ResourceSales, Since: base})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Contains(t, string(page.Records[0]), `"new"`)
}

func TestFetchPageInvalidCursor(t *testing.T) {
	_, err := NewMemoryAdapter(nil).FetchPage(context.Background(), source.PageRequest{Resource: source.ResourcePlayers, Cursor: "x"})
	assert.Error(t, err)
}
