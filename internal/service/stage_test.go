package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/playermarket/internal/domain"
	"github.com/timmy/playermarket/internal/source"
)

func TestPlayersImportIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memorySource(map[source.Resource][]json.RawMessage{
		source.ResourcePlayers: playerItems(25),
	}), 10)
	stage := h.stages[domain.StagePlayersImport]

	first := stage.Run(ctx, StageOptions{ExecutionID: "e1"})
	require.True(t, first.Success)
	assert.True(t, first.IsComplete)
	assert.Equal(t, 25, first.RecordsProcessed)
	assert.Zero(t, first.RecordsFailed)

	before, err := h.players.GetByID(ctx, 7)
	require.NoError(t, err)

	second := stage.Run(ctx, StageOptions{ExecutionID: "e2"})
	require.True(t, second.Success)
	assert.Equal(t, 25, second.RecordsProcessed)

	count, err := h.players.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 25, count)

	after, err := h.players.GetByID(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, before.Name, after.Name)
	assert.Equal(t, before.Age, after.Age)
	assert.Equal(t, before.Overall, after.Overall)
	assert.Equal(t, before.Positions, after.Positions)
}

func TestMalformedRecordsAreCountedAndSkipped(t *testing.T) {
	ctx := context.Background()
	items := playerItems(3)
	items = append(items, json.RawMessage(`{"id": 0, "name": "no id"}`), json.RawMessage(`{"id": "x"}`))
	h := newHarness(t, memorySource(map[source.Resource][]json.RawMessage{
		source.ResourcePlayers: items,
	}), 10)

	res := h.stages[domain.StagePlayersImport].Run(ctx, StageOptions{})
	assert.True(t, res.Success, "per-record failures do not fail the stage")
	assert.True(t, res.IsComplete)
	assert.Equal(t, 3, res.RecordsProcessed)
	assert.Equal(t, 2, res.RecordsFailed)
	assert.Len(t, res.Errors, 2)
}

func TestStageStopsAtPageCeiling(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memorySource(map[source.Resource][]json.RawMessage{
		source.ResourcePlayers: playerItems(30),
	}), 10)

	res := h.stages[domain.StagePlayersImport].Run(ctx, StageOptions{MaxPages: 2})
	require.True(t, res.Success)
	assert.False(t, res.IsComplete)
	assert.Equal(t, 20, res.RecordsProcessed)
	assert.Equal(t, "20", res.ContinueFrom)

	cp, err := h.checkpoints.Get(ctx, domain.StagePlayersImport)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "20", cp.Cursor)
	assert.False(t, cp.IsCompleted())
}

func TestStageHonoursDeadline(t *testing.T) {
	h := newHarness(t, memorySource(map[source.Resource][]json.RawMessage{
		source.ResourcePlayers: playerItems(30),
	}), 10)

	res := h.stages[domain.StagePlayersImport].Run(context.Background(), StageOptions{
		Deadline: time.Now().Add(-time.Second),
	})
	require.True(t, res.Success)
	assert.False(t, res.IsComplete)
	assert.Zero(t, res.RecordsProcessed)
	assert.Equal(t, "time budget exhausted", res.Message)
}

func TestHistoricalStageRunsOnce(t *testing.T) {
	ctx := context.Background()
	base := time.Now().Add(-48 * time.Hour)
	h := newHarness(t, memorySource(map[source.Resource][]json.RawMessage{
		source.ResourceSales: saleItems(12, base),
	}), 5)
	stage := h.stages[domain.StageHistoricalSales]

	first := stage.Run(ctx, StageOptions{})
	require.True(t, first.Success)
	assert.True(t, first.IsComplete)
	assert.Equal(t, 12, first.RecordsProcessed)

	second := stage.Run(ctx, StageOptions{})
	require.True(t, second.Success)
	assert.True(t, second.AlreadyComplete)
	assert.Zero(t, second.RecordsProcessed)

	forced := stage.Run(ctx, StageOptions{Force: true})
	require.True(t, forced.Success)
	assert.False(t, forced.AlreadyComplete)
	assert.Equal(t, 12, forced.RecordsProcessed)

	count, err := h.sales.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 12, count)

	cp, err := h.checkpoints.Get(ctx, domain.StageHistoricalSales)
	require.NoError(t, err)
	require.NotNil(t, cp.Watermark)
	assert.True(t, cp.Watermark.Equal(base.Add(12*time.Minute).UTC().Truncate(time.Second)))
}

func TestLiveStageFetchesOnlyNewerRecords(t *testing.T) {
	ctx := context.Background()
	base := time.Now().Add(-72 * time.Hour).UTC().Truncate(time.Second)
	old := saleItems(10, base)

	h := newHarness(t, memorySource(map[source.Resource][]json.RawMessage{
		source.ResourceSales: old,
	}), 4)
	require.True(t, h.stages[domain.StageHistoricalSales].Run(ctx, StageOptions{}).Success)

	newer := append([]json.RawMessage{}, old...)
	newer = append(newer, mustJSON(map[string]interface{}{
		"id": "sale-new", "playerId": 99, "price": 42.0,
		"soldAt":    base.Add(24 * time.Hour).Format(time.RFC3339),
		"playerAge": 22, "playerOverall": 75, "playerPosition": "CM",
	}))
	h.useSource(memorySource(map[source.Resource][]json.RawMessage{source.ResourceSales: newer}), 4)

	live := h.stages[domain.StageLiveSales].Run(ctx, StageOptions{})
	require.True(t, live.Success)
	assert.True(t, live.IsComplete)
	assert.Equal(t, 1, live.RecordsProcessed, "only the sale after the historical watermark")

	sale, err := h.sales.GetByID(ctx, "sale-new")
	require.NoError(t, err)
	assert.Equal(t, "live", sale.Source)

	again := h.stages[domain.StageLiveSales].Run(ctx, StageOptions{})
	require.True(t, again.Success)
	assert.Zero(t, again.RecordsProcessed, "own watermark moved past the new sale")
}

func TestStageFailureKeepsPartialProgress(t *testing.T) {
	ctx := context.Background()
	inner := memorySource(map[source.Resource][]json.RawMessage{
		source.ResourceSales: saleItems(1000, time.Now().Add(-24*time.Hour)),
	})
	h := newHarness(t, &failingSource{Source: inner, resource: source.ResourceSales, failAt: "500"}, 100)

	res := h.stages[domain.StageHistoricalSales].Run(ctx, StageOptions{})
	assert.False(t, res.Success)
	assert.False(t, res.IsComplete)
	assert.Equal(t, 500, res.RecordsProcessed)
	assert.Zero(t, res.RecordsFailed, "records never reached are not counted as failed")
	assert.Equal(t, "500", res.ContinueFrom)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0], "retries exhausted")

	count, err := h.sales.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 500, count)

	cp, err := h.checkpoints.Get(ctx, domain.StageHistoricalSales)
	require.NoError(t, err)
	assert.False(t, cp.IsCompleted())
	assert.Equal(t, "500", cp.Cursor)
}

func TestErrorListIsCapped(t *testing.T) {
	items := make([]json.RawMessage, 0, 80)
	for i := 0; i < 80; i++ {
		items = append(items, json.RawMessage(`{"id": 0}`))
	}
	h := newHarness(t, memorySource(map[source.Resource][]json.RawMessage{
		source.ResourcePlayers: items,
	}), 100)

	res := h.stages[domain.StagePlayersImport].Run(context.Background(), StageOptions{})
	assert.Equal(t, 80, res.RecordsFailed)
	require.Len(t, res.Errors, 51)
	assert.Equal(t, "... and 30 more errors", res.Errors[50])
}

func TestLiveStageAdvancesPastMalformedRecords(t *testing.T) {
	ctx := context.Background()
	base := time.Now().Add(-72 * time.Hour).UTC().Truncate(time.Second)
	old := saleItems(5, base)

	h := newHarness(t, memorySource(map[source.Resource][]json.RawMessage{
		source.ResourceSales: old,
	}), 10)
	require.True(t, h.stages[domain.StageHistoricalSales].Run(ctx, StageOptions{}).Success)

	items := append([]json.RawMessage{}, old...)
	for i := 1; i <= 3; i++ {
		items = append(items, mustJSON(map[string]interface{}{
			"id": fmt.Sprintf("sale-live-%d", i), "playerId": 100 + i, "price": 30.0,
			"soldAt":    base.Add(time.Duration(24+i) * time.Hour).Format(time.RFC3339),
			"playerAge": 23, "playerOverall": 72, "playerPosition": "CB",
		}))
	}
	items = append(items, mustJSON(map[string]interface{}{
		"playerId": 200, "price": 12.0,
		"soldAt": base.Add(30 * time.Hour).Format(time.RFC3339),
	}))
	h.useSource(memorySource(map[source.Resource][]json.RawMessage{source.ResourceSales: items}), 10)

	live := h.stages[domain.StageLiveSales].Run(ctx, StageOptions{})
	require.True(t, live.Success)
	assert.True(t, live.IsComplete)
	assert.Equal(t, 3, live.RecordsProcessed)
	assert.Equal(t, 1, live.RecordsFailed)

	cp, err := h.checkpoints.Get(ctx, domain.StageLiveSales)
	require.NoError(t, err)
	require.NotNil(t, cp)
	require.NotNil(t, cp.Watermark, "a skipped record must not pin the watermark")
	assert.True(t, cp.Watermark.Equal(base.Add(27*time.Hour)))

	again := h.stages[domain.StageLiveSales].Run(ctx, StageOptions{})
	require.True(t, again.Success)
	assert.Zero(t, again.RecordsProcessed)
	assert.Equal(t, 1, again.RecordsFailed, "the bad record is newer than the watermark and is skipped again")
}

func TestLiveStageBoundIsExclusive(t *testing.T) {
	ctx := context.Background()
	base := time.Now().Add(-72 * time.Hour).UTC().Truncate(time.Second)
	old := saleItems(3, base)

	h := newHarness(t, memorySource(map[source.Resource][]json.RawMessage{
		source.ResourceSales: old,
	}), 10)
	require.True(t, h.stages[domain.StageHistoricalSales].Run(ctx, StageOptions{}).Success)

	items := append([]json.RawMessage{}, old...)
	items = append(items, mustJSON(map[string]interface{}{
		"id": "sale-same-second", "playerId": 50, "price": 15.0,
		"soldAt":    base.Add(3 * time.Minute).Format(time.RFC3339),
		"playerAge": 24, "playerOverall": 70, "playerPosition": "ST",
	}))
	h.useSource(memorySource(map[source.Resource][]json.RawMessage{source.ResourceSales: items}), 10)

	live := h.stages[domain.StageLiveSales].Run(ctx, StageOptions{})
	require.True(t, live.Success)
	assert.Zero(t, live.RecordsProcessed, "records stamped at the watermark count as imported")
}
