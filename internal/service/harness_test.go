package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/timmy/playermarket/internal/config"
	"github.com/timmy/playermarket/internal/domain"
	"github.com/timmy/playermarket/internal/repository"
	"github.com/timmy/playermarket/internal/source"
	"github.com/timmy/playermarket/internal/source/fixture"
	"github.com/timmy/playermarket/internal/testutil"
	"gorm.io/gorm"
)

type harness struct {
	db          *gorm.DB
	players     *repository.PlayerRepository
	sales       *repository.SaleRepository
	listings    *repository.ListingRepository
	executions  *repository.ExecutionRepository
	runStates   *repository.RunStateRepository
	checkpoints *repository.CheckpointRepository
	locks       *repository.LockRepository
	mv          *MarketValueService
	stages      map[domain.StageName]Stage
	orch        *Orchestrator
	chunks      *ChunkController
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		OrchestratorID: "test",
		ChunkMaxPages:  10,
		Exclusive:      true,
		LockTTL:        time.Minute,
		HistoryLimit:   10,
		MaxStageErrors: 50,
	}
}

func testMarketValueConfig() config.MarketValueConfig {
	return config.MarketValueConfig{
		WindowDays:         90,
		MinSampleSize:      5,
		AgeBucketWidth:     2,
		OverallBucketWidth: 5,
		FallbackRadius:     2,
		CentralTendency:    "median",
		BatchSize:          50,
	}
}

func newHarness(t *testing.T, src source.Source, pageSize int) *harness {
	t.Helper()
	db := testutil.NewTestDB(t)
	h := &harness{
		db:          db,
		players:     repository.NewPlayerRepository(db),
		sales:       repository.NewSaleRepository(db),
		listings:    repository.NewListingRepository(db),
		executions:  repository.NewExecutionRepository(db),
		runStates:   repository.NewRunStateRepository(db),
		checkpoints: repository.NewCheckpointRepository(db),
		locks:       repository.NewLockRepository(db),
	}
	h.mv = NewMarketValueService(h.players, h.sales, nil, nil, testMarketValueConfig())
	h.useSource(src, pageSize)
	return h
}

// useSource rebuilds the stages against src, keeping the same database.
func (h *harness) useSource(src source.Source, pageSize int) {
	h.stages = NewStages(StageDeps{
		Source:       src,
		Players:      h.players,
		Sales:        h.sales,
		Listings:     h.listings,
		Checkpoints:  h.checkpoints,
		MarketValues: h.mv,
	}, StageConfig{PageSize: pageSize, Concurrency: 4, MaxErrors: 50})
	h.orch = NewOrchestrator(OrchestratorDeps{
		Stages:      h.stages,
		Executions:  h.executions,
		RunStates:   h.runStates,
		Checkpoints: h.checkpoints,
		Locks:       h.locks,
		Players:     h.players,
		Sales:       h.sales,
		Listings:    h.listings,
	}, testSyncConfig())
	h.chunks = NewChunkController(h.orch)
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func playerItems(n int) []json.RawMessage {
	out := make([]json.RawMessage, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, mustJSON(map[string]interface{}{
			"id":        i,
			"name":      fmt.Sprintf("Player %d", i),
			"age":       20 + i%10,
			"positions": []string{"ST"},
			"overall":   60 + i%30,
		}))
	}
	return out
}

func saleItems(n int, base time.Time) []json.RawMessage {
	out := make([]json.RawMessage, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, mustJSON(map[string]interface{}{
			"id":             fmt.Sprintf("sale-%d", i),
			"playerId":       i,
			"price":          float64(10 + i%7),
			"sellerId":       "seller",
			"buyerId":        "buyer",
			"soldAt":         base.Add(time.Duration(i) * time.Minute).UTC().Format(time.RFC3339),
			"playerAge":      24,
			"playerOverall":  70,
			"playerPosition": "ST",
		}))
	}
	return out
}

// failingSource serves from an inner source but fails every fetch of one
// resource once its cursor reaches failAt.
type failingSource struct {
	source.Source
	resource source.Resource
	failAt   string
}

func (s *failingSource) FetchPage(ctx context.Context, req source.PageRequest) (*source.Page, error) {
	if req.Resource == s.resource && req.Cursor == s.failAt {
		return nil, fmt.Errorf("%w: 503 service unavailable", source.ErrRetriesExhausted)
	}
	return s.Source.FetchPage(ctx, req)
}

// hookSource calls onFetch before every fetch of resource.
type hookSource struct {
	source.Source
	resource source.Resource

	mu      sync.Mutex
	fetches int
	onFetch func(n int)
}

func (s *hookSource) FetchPage(ctx context.Context, req source.PageRequest) (*source.Page, error) {
	if req.Resource == s.resource {
		s.mu.Lock()
		s.fetches++
		n := s.fetches
		s.mu.Unlock()
		if s.onFetch != nil {
			s.onFetch(n)
		}
	}
	return s.Source.FetchPage(ctx, req)
}

func memorySource(items map[source.Resource][]json.RawMessage) source.Source {
	return fixture.NewMemoryAdapter(items)
}
