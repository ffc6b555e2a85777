package service

import (
	"context"
	"time"

	"github.com/timmy/playermarket/internal/domain"
	"github.com/timmy/playermarket/internal/progress"
	"github.com/timmy/playermarket/internal/source"
)

// historicalStage backfills the full sale or listing history once. A completed
// checkpoint turns later runs into a no-op unless forced.
type historicalStage struct {
	*stageRunner
	name     domain.StageName
	resource source.Resource
	handle   recordHandler
}

func (s *historicalStage) Name() domain.StageName { return s.name }

func (s *historicalStage) Run(ctx context.Context, opts StageOptions) *domain.StageResult {
	started := time.Now()
	res := domain.NewStageResult(s.name, s.cfg.MaxErrors)
	opts.publish(progress.Event{Type: progress.EventStageStarted, Stage: string(s.name)})

	cp, err := s.loadCheckpoint(ctx, s.name)
	if err != nil {
		res.AddError(err.Error())
		return s.finish(ctx, res, started)
	}

	if cp.IsCompleted() && !opts.Force && opts.ContinueFrom == "" {
		res.Success = true
		res.IsComplete = true
		res.AlreadyComplete = true
		res.Message = "historical backfill already complete"
		return s.finish(ctx, res, started)
	}

	cursor := opts.ContinueFrom
	if cursor == "" && !opts.Force && !cp.IsCompleted() {
		cursor = cp.Cursor
	}
	if cursor == "" {
		cp.RecordsProcessed = 0
	}
	// A forced rerun reopens the stage until it completes again.
	cp.CompletedAt = nil
	cp.ExecutionID = opts.ExecutionID
	newest := cp.Watermark

	out := s.runPages(ctx, opts, res, pagedRun{
		stage:    s.name,
		resource: s.resource,
		cursor:   cursor,
		handle:   s.handle,
		onPage: func(ctx context.Context, next string, processed int) {
			cp.Cursor = next
			cp.RecordsProcessed += int64(processed)
			s.saveCheckpoint(ctx, cp)
		},
	})

	applyOutcome(res, out)
	if out.complete && !out.failed {
		now := time.Now()
		cp.CompletedAt = &now
		cp.Cursor = ""
		cp.Watermark = laterOf(newest, out.newest)
		s.saveCheckpoint(ctx, cp)
	}
	return s.finish(ctx, res, started)
}

// liveStage fetches records newer than its own watermark, or newer than the
// historical watermark on its first run. The lower bound is exclusive: a record
// stamped exactly at the watermark is treated as already imported. The
// watermark only moves forward after a complete pass that hit no hard failure;
// malformed records are counted and skipped and do not hold it back.
type liveStage struct {
	*stageRunner
	name     domain.StageName
	resource source.Resource
	fallback domain.StageName
	handle   recordHandler
}

func (s *liveStage) Name() domain.StageName { return s.name }

func (s *liveStage) Run(ctx context.Context, opts StageOptions) *domain.StageResult {
	started := time.Now()
	res := domain.NewStageResult(s.name, s.cfg.MaxErrors)
	opts.publish(progress.Event{Type: progress.EventStageStarted, Stage: string(s.name)})

	cp, err := s.loadCheckpoint(ctx, s.name)
	if err != nil {
		res.AddError(err.Error())
		return s.finish(ctx, res, started)
	}

	watermark := cp.Watermark
	if watermark == nil {
		hist, err := s.loadCheckpoint(ctx, s.fallback)
		if err != nil {
			res.AddError(err.Error())
			return s.finish(ctx, res, started)
		}
		watermark = hist.Watermark
	}
	var since time.Time
	if watermark != nil {
		since = *watermark
	}

	out := s.runPages(ctx, opts, res, pagedRun{
		stage:    s.name,
		resource: s.resource,
		cursor:   opts.ContinueFrom,
		since:    since,
		handle:   s.handle,
	})

	applyOutcome(res, out)
	if out.complete && !out.failed {
		now := time.Now()
		cp.CompletedAt = &now
		cp.Cursor = ""
		cp.ExecutionID = opts.ExecutionID
		cp.RecordsProcessed = int64(res.RecordsProcessed)
		cp.Watermark = laterOf(watermark, out.newest)
		s.saveCheckpoint(ctx, cp)
	}
	return s.finish(ctx, res, started)
}

// laterOf returns the later of a stored watermark and a newly observed timestamp.
func laterOf(stored *time.Time, observed time.Time) *time.Time {
	if observed.IsZero() {
		return stored
	}
	if stored != nil && !observed.After(*stored) {
		return stored
	}
	t := observed
	return &t
}
