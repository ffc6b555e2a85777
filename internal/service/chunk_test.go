package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/playermarket/internal/domain"
	"github.com/timmy/playermarket/internal/source"
)

func TestChunksCoverSameRecordsAsOneRun(t *testing.T) {
	ctx := context.Background()
	items := map[source.Resource][]json.RawMessage{source.ResourcePlayers: playerItems(47)}

	unbounded := newHarness(t, memorySource(items), 5)
	full := unbounded.stages[domain.StagePlayersImport].Run(ctx, StageOptions{})
	require.True(t, full.IsComplete)

	chunked := newHarness(t, memorySource(items), 5)
	var (
		cursor    string
		processed int
		calls     int
	)
	for {
		calls++
		require.Less(t, calls, 20, "chunking must terminate")
		res, err := chunked.chunks.RunChunk(ctx, domain.StagePlayersImport, ChunkOptions{MaxPages: 3, ContinueFrom: cursor})
		require.NoError(t, err)
		require.True(t, res.Success)
		processed += res.RecordsProcessed
		if res.IsComplete {
			assert.Empty(t, res.ContinueFrom)
			break
		}
		require.NotEmpty(t, res.ContinueFrom)
		cursor = res.ContinueFrom
	}

	assert.Equal(t, 4, calls, "10 pages at 3 pages per chunk")
	assert.Equal(t, full.RecordsProcessed, processed)

	want, err := unbounded.players.Count(ctx)
	require.NoError(t, err)
	got, err := chunked.players.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.EqualValues(t, 47, got)

	history, err := chunked.executions.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 4)
	for _, exec := range history {
		assert.Equal(t, domain.SyncTypeChunk, exec.SyncType)
		assert.Equal(t, domain.ExecutionStatusCompleted, exec.Status)
	}
}

func TestRepeatingAChunkIsSafe(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memorySource(map[source.Resource][]json.RawMessage{
		source.ResourcePlayers: playerItems(30),
	}), 10)

	first, err := h.chunks.RunChunk(ctx, domain.StagePlayersImport, ChunkOptions{MaxPages: 1, ContinueFrom: "10"})
	require.NoError(t, err)
	again, err := h.chunks.RunChunk(ctx, domain.StagePlayersImport, ChunkOptions{MaxPages: 1, ContinueFrom: "10"})
	require.NoError(t, err)

	assert.Equal(t, first.RecordsProcessed, again.RecordsProcessed)
	assert.Equal(t, first.ContinueFrom, again.ContinueFrom)
	assert.Equal(t, "20", again.ContinueFrom)

	count, err := h.players.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 10, count)
}

func TestChunkPageCeilingIsClamped(t *testing.T) {
	h := newHarness(t, memorySource(map[source.Resource][]json.RawMessage{
		source.ResourcePlayers: playerItems(200),
	}), 5)

	res, err := h.chunks.RunChunk(context.Background(), domain.StagePlayersImport, ChunkOptions{MaxPages: 1000})
	require.NoError(t, err)
	assert.False(t, res.IsComplete)
	assert.Equal(t, 50, res.RecordsProcessed, "chunk_max_pages=10 at 5 records per page")
}

func TestChunkRejectsStagesWithoutCursor(t *testing.T) {
	h := newHarness(t, memorySource(nil), 10)

	_, err := h.chunks.RunChunk(context.Background(), domain.StageMarketValues, ChunkOptions{})
	assert.ErrorIs(t, err, ErrStageNotChunkable)

	_, err = h.chunks.RunChunk(context.Background(), domain.StageName("nope"), ChunkOptions{})
	assert.ErrorIs(t, err, ErrUnknownStage)
}

func TestChunkedHistoricalBackfillCompletesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memorySource(map[source.Resource][]json.RawMessage{
		source.ResourceSales: saleItems(25, time.Now().Add(-time.Hour)),
	}), 10)

	first, err := h.chunks.RunChunk(ctx, domain.StageHistoricalSales, ChunkOptions{MaxPages: 2})
	require.NoError(t, err)
	assert.False(t, first.IsComplete)
	assert.Equal(t, 20, first.RecordsProcessed)

	second, err := h.chunks.RunChunk(ctx, domain.StageHistoricalSales, ChunkOptions{MaxPages: 2, ContinueFrom: first.ContinueFrom})
	require.NoError(t, err)
	assert.True(t, second.IsComplete)
	assert.Equal(t, 5, second.RecordsProcessed)

	third, err := h.chunks.RunChunk(ctx, domain.StageHistoricalSales, ChunkOptions{MaxPages: 2})
	require.NoError(t, err)
	assert.True(t, third.AlreadyComplete)
}
