package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/playermarket/internal/config"
	"github.com/timmy/playermarket/internal/domain"
	"github.com/timmy/playermarket/internal/metrics"
	"github.com/timmy/playermarket/internal/progress"
	"github.com/timmy/playermarket/internal/service"
)

type fakeSync struct {
	runErr   error
	lastType domain.SyncType
	stops    int
	kind     service.StatusType
	limit    int
}

func (f *fakeSync) Run(ctx context.Context, t domain.SyncType) (*service.RunReport, error) {
	f.lastType = t
	if f.runErr != nil {
		return nil, f.runErr
	}
	return &service.RunReport{ExecutionID: "exec-1", SyncType: t, Status: domain.ExecutionStatusCompleted, TotalStages: 6, SuccessfulStages: 6}, nil
}

func (f *fakeSync) Stop(ctx context.Context) (*service.StopResult, error) {
	f.stops++
	if f.stops == 1 {
		return &service.StopResult{StoppedExecutions: 1, ExecutionIDs: []string{"exec-1"}}, nil
	}
	return &service.StopResult{ExecutionIDs: []string{}}, nil
}

func (f *fakeSync) Status(ctx context.Context, kind service.StatusType, limit int) (interface{}, error) {
	f.kind, f.limit = kind, limit
	if kind == "bogus" {
		return nil, service.ErrUnknownStatusType
	}
	return map[string]int{"count": limit}, nil
}

type fakeChunks struct {
	stage domain.StageName
	opts  service.ChunkOptions
}

func (f *fakeChunks) RunChunk(ctx context.Context, stage domain.StageName, opts service.ChunkOptions) (*service.ChunkResult, error) {
	if stage == domain.StageMarketValues {
		return nil, service.ErrStageNotChunkable
	}
	f.stage, f.opts = stage, opts
	return &service.ChunkResult{Stage: stage, Success: true, RecordsProcessed: 100, ContinueFrom: "100"}, nil
}

type fakeMarketValues struct {
	err error
}

func (f *fakeMarketValues) Recompute(ctx context.Context, opts service.RecomputeOptions) (*service.RecomputeResult, error) {
	res := &service.RecomputeResult{RunID: "run-1", Success: true}
	if f.err != nil {
		return res, f.err
	}
	res.Metrics.PlayersProcessed = opts.WindowDays
	return res, nil
}

type fixture struct {
	router      http.Handler
	sync        *fakeSync
	chunks      *fakeChunks
	mv          *fakeMarketValues
	broadcaster *progress.Broadcaster
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	f := &fixture{
		sync:        &fakeSync{},
		chunks:      &fakeChunks{},
		mv:          &fakeMarketValues{},
		broadcaster: progress.NewBroadcaster(progress.Options{Metrics: metrics.New(reg, "test")}),
	}
	t.Cleanup(f.broadcaster.Close)
	f.router = SetupRouter(RouterDeps{
		Sync:           f.sync,
		Chunks:         f.chunks,
		MarketValues:   f.mv,
		Broadcaster:    f.broadcaster,
		Gatherer:       reg,
		Mode:           "test",
		CORS:           config.CORSConfig{AllowAllOrigins: true},
		StreamLifetime: 5 * time.Second,
	})
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "test_progress_subscribers")
}

func TestRunSync(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		runErr   error
		wantCode int
		wantType domain.SyncType
	}{
		{name: "explicit type", body: `{"syncType":"full"}`, wantCode: http.StatusOK, wantType: domain.SyncTypeFull},
		{name: "empty body defaults to daily", body: "", wantCode: http.StatusOK, wantType: domain.SyncTypeDaily},
		{name: "unknown type", body: `{"syncType":"weekly"}`, wantCode: http.StatusBadRequest},
		{name: "run in progress", body: `{"syncType":"daily"}`, runErr: service.ErrRunInProgress, wantCode: http.StatusConflict, wantType: domain.SyncTypeDaily},
		{name: "store failure", body: `{"syncType":"initial"}`, runErr: errors.New("disk full"), wantCode: http.StatusInternalServerError, wantType: domain.SyncTypeInitial},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.sync.runErr = tc.runErr
			w := f.do(http.MethodPost, "/api/v1/sync", tc.body)
			assert.Equal(t, tc.wantCode, w.Code)
			assert.Equal(t, tc.wantType, f.sync.lastType)
			if tc.wantCode == http.StatusOK {
				body := decode(t, w)
				assert.Equal(t, "exec-1", body["executionId"])
				assert.EqualValues(t, 6, body["successfulStages"])
			}
		})
	}
}

func TestChunk(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/api/v1/sync/chunk", `{"maxPages":5,"continueFrom":"40"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, f.chunks.opts.MaxPages)
	assert.Equal(t, "40", f.chunks.opts.ContinueFrom)

	body := decode(t, w)
	assert.EqualValues(t, 100, body["recordsProcessed"])
	assert.Equal(t, false, body["isComplete"])
	assert.Equal(t, "100", body["continueFrom"])

	w = f.do(http.MethodPost, "/api/v1/sync/chunk", `{"stage":"market-values"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/api/v1/sync/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["stoppedExecutions"])

	w = f.do(http.MethodPost, "/api/v1/sync/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decode(t, w)["stoppedExecutions"])
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/api/v1/sync/status?type=history&limit=3", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, service.StatusHistory, f.sync.kind)
	assert.Equal(t, 3, f.sync.limit)

	w = f.do(http.MethodGet, "/api/v1/sync/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, service.StatusCurrent, f.sync.kind)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/sync/status?type=bogus", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/sync/status?limit=x", "").Code)
}

func TestRecompute(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/api/v1/market-values/recompute", `{"windowDays":30,"forceUpdate":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "run-1", body["runId"])
	assert.EqualValues(t, 30, body["metrics"].(map[string]interface{})["playersProcessed"])

	f.mv.err = errors.New("sales query failed")
	w = f.do(http.MethodPost, "/api/v1/market-values/recompute", "")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	body = decode(t, w)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "run-1", body["runId"])
	assert.Contains(t, body["error"], "sales query failed")
}

func TestProgressStreamEndsOnTerminalEvent(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/sync/progress/exec-9")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream"), resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event:connected\n", line)

	f.broadcaster.Publish(progress.Event{Type: progress.EventStageStarted, ExecutionID: "exec-9", Stage: "players-import"})
	f.broadcaster.Publish(progress.Event{Type: progress.EventStageStarted, ExecutionID: "other", Stage: "players-import"})
	f.broadcaster.Publish(progress.Event{Type: progress.EventSyncCompleted, ExecutionID: "exec-9"})

	var rest strings.Builder
	for {
		line, err := reader.ReadString('\n')
		rest.WriteString(line)
		if err != nil {
			break
		}
	}
	out := rest.String()
	assert.Contains(t, out, "event:stage_started")
	assert.Contains(t, out, "event:sync_completed")
	assert.NotContains(t, out, `"executionId":"other"`)

	require.Eventually(t, func() bool { return f.broadcaster.Count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/sync", nil)
	req.Header.Set("Origin", "https://example.com")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
