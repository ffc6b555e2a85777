package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/playermarket/internal/config"
	"github.com/timmy/playermarket/internal/domain"
	"github.com/timmy/playermarket/internal/logger"
	"github.com/timmy/playermarket/internal/metrics"
	"github.com/timmy/playermarket/internal/progress"
	"github.com/timmy/playermarket/internal/repository"
	"github.com/timmy/playermarket/internal/storage"
	"github.com/timmy/playermarket/internal/valuation"
)

// Sync stage markers written on players by a market value run.
const (
	syncStageMarketValues = "market-values"
	syncStageNoEstimate   = "market-values:no-estimate"
)

// RecomputeOptions overrides the configured market value parameters for one run.
type RecomputeOptions struct {
	WindowDays    int
	MinSampleSize int
	ForceUpdate   bool
	ExecutionID   string
	Progress      progress.Publisher

	// Deadline and Cancelled are checked before each player batch.
	Deadline  time.Time
	Cancelled func(ctx context.Context) bool
}

// RecomputeMetrics summarizes a market value run.
type RecomputeMetrics struct {
	SalesConsidered  int     `json:"salesConsidered"`
	Cells            int     `json:"cells"`
	ValidCells       int     `json:"validCells"`
	BaselineKey      string  `json:"baselineKey,omitempty"`
	BaselinePrice    float64 `json:"baselinePrice,omitempty"`
	PlayersProcessed int     `json:"playersProcessed"`
	Direct           int     `json:"direct"`
	Fallback         int     `json:"fallback"`
	Unpriced         int     `json:"unpriced"`
	Degenerate       int     `json:"degenerate"`
	Failed           int     `json:"failed"`
	Cached           bool    `json:"cached"`
	SnapshotKey      string  `json:"snapshotKey,omitempty"`
	DurationMs       int64   `json:"durationMs"`
}

// RecomputeResult is the outcome of Recompute.
type RecomputeResult struct {
	RunID   string `json:"runId"`
	Success bool   `json:"success"`
	// Complete is false when the run stopped before pricing every player.
	Complete bool             `json:"complete"`
	Message  string           `json:"message,omitempty"`
	Errors   []string         `json:"errors,omitempty"`
	Metrics  RecomputeMetrics `json:"metrics"`
}

type cachedMatrix struct {
	matrix     *valuation.Matrix
	windowDays int
	minSample  int
	sales      int
}

// MarketValueService rebuilds the multiplier matrix from recent sales and
// writes an estimate onto every player.
type MarketValueService struct {
	players *repository.PlayerRepository
	sales   *repository.SaleRepository
	archive *storage.SnapshotArchive
	metrics *metrics.Metrics
	cfg     config.MarketValueConfig

	mu    sync.Mutex
	cache *cachedMatrix
}

// NewMarketValueService creates a MarketValueService. archive may be nil.
func NewMarketValueService(
	players *repository.PlayerRepository,
	sales *repository.SaleRepository,
	archive *storage.SnapshotArchive,
	m *metrics.Metrics,
	cfg config.MarketValueConfig,
) *MarketValueService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = 90
	}
	return &MarketValueService{
		players: players,
		sales:   sales,
		archive: archive,
		metrics: m,
		cfg:     cfg,
	}
}

// Recompute builds the multiplier matrix and prices every player in batches.
// A run with no usable sales succeeds without touching players. The run only
// fails when no batch could be written. The result carries the run id even
// when an error is returned.
func (s *MarketValueService) Recompute(ctx context.Context, opts RecomputeOptions) (*RecomputeResult, error) {
	started := time.Now()
	result := &RecomputeResult{RunID: uuid.New().String()}
	ctx = logger.WithField(ctx, logger.FieldRunID, result.RunID)

	windowDays := opts.WindowDays
	if windowDays <= 0 {
		windowDays = s.cfg.WindowDays
	}
	minSample := opts.MinSampleSize
	if minSample <= 0 {
		minSample = s.cfg.MinSampleSize
	}

	matrix, salesCount, cached, err := s.matrix(ctx, windowDays, minSample, opts.ForceUpdate)
	if errors.Is(err, valuation.ErrNoSales) {
		result.Success = true
		result.Complete = true
		result.Message = fmt.Sprintf("no sales in the last %d days", windowDays)
		result.Metrics.DurationMs = time.Since(started).Milliseconds()
		logger.CtxInfo(ctx, "Market values skipped: %s", result.Message)
		return result, nil
	}
	if err != nil {
		return result, err
	}

	result.Metrics.SalesConsidered = salesCount
	result.Metrics.Cached = cached
	result.Metrics.Cells, result.Metrics.ValidCells = matrix.CellCount()
	if b := matrix.Baseline(); b != nil {
		result.Metrics.BaselineKey = b.Key.String()
		result.Metrics.BaselinePrice = b.CentralPrice
	}

	batches, failedBatches, stopped, err := s.applyEstimates(ctx, matrix, opts, result)
	if err != nil {
		return result, err
	}
	result.Success = batches == 0 || failedBatches < batches
	result.Complete = stopped == ""

	if s.archive != nil && !cached {
		key, err := s.archive.Save(ctx, result.RunID, matrix.Snapshot())
		if err != nil {
			logger.FromContext(ctx).WithError(err).Warn("Failed to archive market value snapshot")
		} else {
			result.Metrics.SnapshotKey = key
		}
	}

	result.Metrics.DurationMs = time.Since(started).Milliseconds()
	s.metrics.SetMarketValueResult(map[string]int{
		string(valuation.MethodDirect):   result.Metrics.Direct,
		string(valuation.MethodFallback): result.Metrics.Fallback,
		string(valuation.MethodNone):     result.Metrics.Unpriced,
	}, result.Metrics.Cells, result.Metrics.ValidCells)

	logger.With(logger.Fields{
		logger.FieldDurationMs: result.Metrics.DurationMs,
		"players":              result.Metrics.PlayersProcessed,
		"direct":               result.Metrics.Direct,
		"fallback":             result.Metrics.Fallback,
		"unpriced":             result.Metrics.Unpriced,
		"cells":                result.Metrics.Cells,
		"valid_cells":          result.Metrics.ValidCells,
		"cached":               cached,
	}).Info(ctx, "Market values recomputed from %d sales", salesCount)

	switch {
	case !result.Success:
		result.Message = "every player batch failed to write"
	case stopped != "":
		result.Message = stopped
	}
	return result, nil
}

// matrix returns a cached matrix when the parameters match and it is still
// fresh, otherwise it rebuilds one from the sales window.
func (s *MarketValueService) matrix(ctx context.Context, windowDays, minSample int, force bool) (*valuation.Matrix, int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c := s.cache; c != nil && !force && s.cfg.CacheTTL > 0 &&
		c.windowDays == windowDays && c.minSample == minSample &&
		time.Since(c.matrix.BuiltAt()) < s.cfg.CacheTTL {
		return c.matrix, c.sales, true, nil
	}

	since := time.Now().AddDate(0, 0, -windowDays)
	sales, err := s.sales.ListSince(ctx, since)
	if err != nil {
		return nil, 0, false, fmt.Errorf("load sales window: %w", err)
	}

	samples := make([]valuation.Sample, 0, len(sales))
	for _, sale := range sales {
		samples = append(samples, valuation.Sample{
			Position: sale.PlayerPosition,
			Age:      sale.PlayerAge,
			Overall:  sale.PlayerOverall,
			Price:    sale.Price,
		})
	}

	m, err := valuation.BuildMatrix(samples, valuation.Config{
		AgeBucketWidth:     s.cfg.AgeBucketWidth,
		OverallBucketWidth: s.cfg.OverallBucketWidth,
		MinSampleSize:      minSample,
		FallbackRadius:     s.cfg.FallbackRadius,
		Central:            valuation.Central(s.cfg.CentralTendency),
	})
	if err != nil {
		s.cache = nil
		return nil, 0, false, err
	}
	s.cache = &cachedMatrix{matrix: m, windowDays: windowDays, minSample: minSample, sales: len(sales)}
	return m, len(sales), false, nil
}

// applyEstimates walks players in id order and writes one transaction per batch.
// stopped names why the walk ended early, or is empty when every player was seen.
func (s *MarketValueService) applyEstimates(ctx context.Context, m *valuation.Matrix, opts RecomputeOptions, result *RecomputeResult) (batches, failed int, stopped string, err error) {
	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return batches, failed, "", err
		}
		if opts.Cancelled != nil && opts.Cancelled(ctx) {
			return batches, failed, "cancelled", nil
		}
		if !opts.Deadline.IsZero() && time.Now().After(opts.Deadline) {
			return batches, failed, "time budget exhausted", nil
		}
		players, err := s.players.ListAfter(ctx, afterID, s.cfg.BatchSize)
		if err != nil {
			return batches, failed, "", fmt.Errorf("list players after %d: %w", afterID, err)
		}
		if len(players) == 0 {
			return batches, failed, "", nil
		}
		afterID = players[len(players)-1].ID
		batches++

		now := time.Now()
		updates := make([]domain.MarketValueUpdate, 0, len(players))
		counts := RecomputeMetrics{}
		for _, p := range players {
			est := m.Estimate(p.Position, p.Age, p.Overall)
			u := domain.MarketValueUpdate{
				PlayerID:   p.ID,
				Estimate:   est.Value,
				Confidence: string(est.Confidence),
				Method:     string(est.Method),
				SampleSize: est.SampleSize,
				SyncStage:  syncStageMarketValues,
				UpdatedAt:  now,
			}
			switch est.Method {
			case valuation.MethodDirect:
				counts.Direct++
			case valuation.MethodFallback:
				counts.Fallback++
			default:
				counts.Unpriced++
				u.SyncStage = syncStageNoEstimate
			}
			if est.Value != nil && *est.Value == 0 {
				counts.Degenerate++
				logger.FromContext(ctx).WithFields(logger.Fields{
					"player_id": p.ID,
					"cell":      est.Cell.String(),
				}).Warn("Market value computed as zero")
			}
			updates = append(updates, u)
		}

		if err := s.players.UpdateMarketValues(ctx, updates); err != nil {
			failed++
			result.Metrics.Failed += len(players)
			result.Errors = append(result.Errors, err.Error())
			logger.FromContext(ctx).WithError(err).Warnf("Market value batch after player %d failed", players[0].ID)
		} else {
			result.Metrics.PlayersProcessed += len(players)
			result.Metrics.Direct += counts.Direct
			result.Metrics.Fallback += counts.Fallback
			result.Metrics.Unpriced += counts.Unpriced
			result.Metrics.Degenerate += counts.Degenerate
		}

		if opts.Progress != nil {
			opts.Progress.Publish(progress.Event{
				Type:             progress.EventStageProgress,
				ExecutionID:      opts.ExecutionID,
				Stage:            string(domain.StageMarketValues),
				Page:             batches,
				RecordsProcessed: result.Metrics.PlayersProcessed,
				RecordsFailed:    result.Metrics.Failed,
			})
		}

		if len(players) < s.cfg.BatchSize {
			return batches, failed, "", nil
		}
	}
}
