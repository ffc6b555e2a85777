package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/timmy/playermarket/internal/domain"
	"github.com/timmy/playermarket/internal/logger"
	"github.com/timmy/playermarket/internal/metrics"
	"github.com/timmy/playermarket/internal/progress"
	"github.com/timmy/playermarket/internal/repository"
	"github.com/timmy/playermarket/internal/source"
	"golang.org/x/sync/errgroup"
)

// StageOptions are the per-invocation knobs every stage accepts.
type StageOptions struct {
	ExecutionID  string
	SyncType     domain.SyncType
	MaxPages     int       // 0 means no page ceiling
	ContinueFrom string    // explicit cursor; overrides the stored checkpoint
	Deadline     time.Time // zero means no time budget
	Force        bool      // re-run one-time stages, rebuild cached market values

	// Cancelled is polled at page boundaries.
	Cancelled func(ctx context.Context) bool
	Progress  progress.Publisher

	StageIndex  int
	TotalStages int
}

func (o StageOptions) cancelled(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return o.Cancelled != nil && o.Cancelled(ctx)
}

func (o StageOptions) publish(ev progress.Event) {
	if o.Progress == nil {
		return
	}
	ev.ExecutionID = o.ExecutionID
	ev.SyncType = string(o.SyncType)
	ev.StageIndex = o.StageIndex
	ev.TotalStages = o.TotalStages
	o.Progress.Publish(ev)
}

// Stage is one ETL unit. Run never returns an error; failures are reported in
// the result.
type Stage interface {
	Name() domain.StageName
	Run(ctx context.Context, opts StageOptions) *domain.StageResult
}

// StageConfig holds the fetch and write settings shared by the stages.
type StageConfig struct {
	PageSize    int
	Concurrency int
	MaxErrors   int
}

// StageDeps are the collaborators stages read from and write to.
type StageDeps struct {
	Source       source.Source
	Players      *repository.PlayerRepository
	Sales        *repository.SaleRepository
	Listings     *repository.ListingRepository
	Checkpoints  *repository.CheckpointRepository
	MarketValues *MarketValueService
	Metrics      *metrics.Metrics
}

// NewStages builds the six stage executors keyed by name.
func NewStages(deps StageDeps, cfg StageConfig) map[domain.StageName]Stage {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = 50
	}
	r := &stageRunner{deps: deps, cfg: cfg}
	stages := []Stage{
		&playersImportStage{r},
		&historicalStage{stageRunner: r, name: domain.StageHistoricalSales, resource: source.ResourceSales, handle: r.saleHandler("historical")},
		&historicalStage{stageRunner: r, name: domain.StageHistoricalListings, resource: source.ResourceListings, handle: r.listingHandler("historical")},
		&marketValuesStage{r},
		&liveStage{stageRunner: r, name: domain.StageLiveSales, resource: source.ResourceSales, fallback: domain.StageHistoricalSales, handle: r.saleHandler("live")},
		&liveStage{stageRunner: r, name: domain.StageLiveListings, resource: source.ResourceListings, fallback: domain.StageHistoricalListings, handle: r.listingHandler("live")},
	}
	out := make(map[domain.StageName]Stage, len(stages))
	for _, s := range stages {
		out[s.Name()] = s
	}
	return out
}

// recordOutcome is what handling one raw record produced.
type recordOutcome struct {
	timestamp      time.Time
	err            error
	writeAttempted bool
}

type recordHandler func(ctx context.Context, raw json.RawMessage) recordOutcome

type stageRunner struct {
	deps StageDeps
	cfg  StageConfig
}

// pagedRun describes one paginated pass over an upstream resource.
type pagedRun struct {
	stage    domain.StageName
	resource source.Resource
	cursor   string
	since    time.Time
	handle   recordHandler
	// onPage is called after each page with the cursor of the next page.
	onPage func(ctx context.Context, next string, processed int)
}

// pagedOutcome summarizes a paginated pass.
type pagedOutcome struct {
	complete  bool
	cancelled bool
	failed    bool
	cursor    string
	newest    time.Time
}

// runPages fetches pages until the resource is exhausted, the page ceiling or
// deadline is reached, the run is cancelled, or a hard failure occurs.
// A page whose every attempted write failed is a hard failure.
func (r *stageRunner) runPages(ctx context.Context, opts StageOptions, res *domain.StageResult, run pagedRun) pagedOutcome {
	out := pagedOutcome{cursor: run.cursor}
	pages := 0

	for {
		if opts.cancelled(ctx) {
			out.cancelled = true
			return out
		}
		if opts.MaxPages > 0 && pages >= opts.MaxPages {
			return out
		}
		if !opts.Deadline.IsZero() && time.Now().After(opts.Deadline) {
			res.Message = "time budget exhausted"
			return out
		}

		page, err := r.deps.Source.FetchPage(ctx, source.PageRequest{
			Resource: run.resource,
			Cursor:   out.cursor,
			PageSize: r.cfg.PageSize,
			Since:    run.since,
		})
		if err != nil {
			if ctx.Err() != nil {
				out.cancelled = true
				return out
			}
			res.AddError(fmt.Sprintf("fetch %s page %d: %v", run.resource, pages+1, err))
			out.failed = true
			return out
		}
		pages++

		for _, m := range page.Malformed {
			res.RecordsFailed++
			res.AddError(fmt.Sprintf("%s page %d record %d: %s", run.resource, pages, m.Index, m.Err))
		}

		stats := r.processPage(ctx, res, page.Records, run.handle)
		if stats.newest.After(out.newest) {
			out.newest = stats.newest
		}
		if stats.writes > 0 && stats.writeFailures == stats.writes {
			res.AddError(fmt.Sprintf("%s page %d: all %d writes failed", run.resource, pages, stats.writes))
			out.failed = true
			return out
		}

		next := page.NextCursor
		if len(page.Records) == 0 && len(page.Malformed) == 0 {
			next = ""
		}
		if run.onPage != nil {
			run.onPage(ctx, next, stats.processed)
		}
		opts.publish(progress.Event{
			Type:             progress.EventStageProgress,
			Stage:            string(run.stage),
			Page:             pages,
			RecordsProcessed: res.RecordsProcessed,
			RecordsFailed:    res.RecordsFailed,
		})

		if next == "" {
			out.complete = true
			out.cursor = ""
			return out
		}
		out.cursor = next
	}
}

type pageStats struct {
	processed     int
	writes        int
	writeFailures int
	newest        time.Time
}

// processPage handles the records of one page concurrently. Upserts are keyed
// by natural id, so write order across records does not matter.
func (r *stageRunner) processPage(ctx context.Context, res *domain.StageResult, records []json.RawMessage, handle recordHandler) pageStats {
	var (
		mu    sync.Mutex
		stats pageStats
		g     errgroup.Group
	)
	g.SetLimit(r.cfg.Concurrency)

	for _, raw := range records {
		raw := raw
		g.Go(func() error {
			outcome := handle(ctx, raw)

			mu.Lock()
			defer mu.Unlock()
			if outcome.writeAttempted {
				stats.writes++
			}
			if outcome.err != nil {
				if outcome.writeAttempted {
					stats.writeFailures++
				}
				res.RecordsFailed++
				res.AddError(outcome.err.Error())
				return nil
			}
			stats.processed++
			res.RecordsProcessed++
			if outcome.timestamp.After(stats.newest) {
				stats.newest = outcome.timestamp
			}
			return nil
		})
	}
	_ = g.Wait()
	return stats
}

// finish stamps duration, records metrics and logs the stage outcome.
func (r *stageRunner) finish(ctx context.Context, res *domain.StageResult, started time.Time) *domain.StageResult {
	res.Finish(started)
	r.deps.Metrics.ObserveStage(string(res.Stage), res.Success, time.Since(started), res.RecordsProcessed, res.RecordsFailed)

	entry := logger.With(logger.Fields{
		logger.FieldStage:      res.Stage,
		logger.FieldDurationMs: res.DurationMs,
		"records_processed":    res.RecordsProcessed,
		"records_failed":       res.RecordsFailed,
		"is_complete":          res.IsComplete,
	})
	if res.Success {
		entry.Info(ctx, "Stage %s finished", res.Stage)
	} else {
		entry.WithField("error", res.FirstError()).Warn(ctx, "Stage %s failed", res.Stage)
	}
	return res
}

func (r *stageRunner) loadCheckpoint(ctx context.Context, stage domain.StageName) (*domain.StageCheckpoint, error) {
	cp, err := r.deps.Checkpoints.Get(ctx, stage)
	if err != nil {
		return nil, fmt.Errorf("load %s checkpoint: %w", stage, err)
	}
	if cp == nil {
		cp = &domain.StageCheckpoint{Stage: stage}
	}
	return cp, nil
}

// saveCheckpoint persists cp; a failure only costs resume information.
func (r *stageRunner) saveCheckpoint(ctx context.Context, cp *domain.StageCheckpoint) {
	if err := r.deps.Checkpoints.Save(ctx, cp); err != nil {
		logger.FromContext(ctx).WithError(err).WithField(logger.FieldStage, cp.Stage).Warn("Failed to save stage checkpoint")
	}
}

func (r *stageRunner) saleHandler(origin string) recordHandler {
	return func(ctx context.Context, raw json.RawMessage) recordOutcome {
		rec, err := source.DecodeSale(raw)
		if err != nil {
			return recordOutcome{err: err}
		}
		if err := r.deps.Sales.Upsert(ctx, rec.ToDomain(origin)); err != nil {
			return recordOutcome{err: fmt.Errorf("store sale %s: %w", rec.ID, err), writeAttempted: true}
		}
		return recordOutcome{timestamp: rec.SoldAt, writeAttempted: true}
	}
}

func (r *stageRunner) listingHandler(origin string) recordHandler {
	return func(ctx context.Context, raw json.RawMessage) recordOutcome {
		rec, err := source.DecodeListing(raw)
		if err != nil {
			return recordOutcome{err: err}
		}
		if err := r.deps.Listings.Upsert(ctx, rec.ToDomain(origin)); err != nil {
			return recordOutcome{err: fmt.Errorf("store listing %s: %w", rec.ID, err), writeAttempted: true}
		}
		return recordOutcome{timestamp: rec.ListedAt, writeAttempted: true}
	}
}

func (r *stageRunner) playerHandler() recordHandler {
	return func(ctx context.Context, raw json.RawMessage) recordOutcome {
		rec, err := source.DecodePlayer(raw)
		if err != nil {
			return recordOutcome{err: err}
		}
		if err := r.deps.Players.UpsertBasic(ctx, rec.ToDomain(time.Now())); err != nil {
			return recordOutcome{err: fmt.Errorf("store player %d: %w", rec.ID, err), writeAttempted: true}
		}
		return recordOutcome{writeAttempted: true}
	}
}
