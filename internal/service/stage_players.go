package service

import (
	"context"
	"time"

	"github.com/timmy/playermarket/internal/domain"
	"github.com/timmy/playermarket/internal/progress"
	"github.com/timmy/playermarket/internal/source"
)

// playersImportStage pages through the upstream player catalogue and upserts
// basic attributes. It resumes from an explicit cursor or from the cursor an
// interrupted run left behind.
type playersImportStage struct {
	*stageRunner
}

func (s *playersImportStage) Name() domain.StageName { return domain.StagePlayersImport }

func (s *playersImportStage) Run(ctx context.Context, opts StageOptions) *domain.StageResult {
	started := time.Now()
	res := domain.NewStageResult(s.Name(), s.cfg.MaxErrors)
	opts.publish(progress.Event{Type: progress.EventStageStarted, Stage: string(s.Name())})

	cp, err := s.loadCheckpoint(ctx, s.Name())
	if err != nil {
		res.AddError(err.Error())
		return s.finish(ctx, res, started)
	}

	cursor := opts.ContinueFrom
	if cursor == "" && !cp.IsCompleted() && !opts.Force {
		cursor = cp.Cursor
	}
	if cursor == "" {
		cp.RecordsProcessed = 0
	}
	cp.ExecutionID = opts.ExecutionID

	out := s.runPages(ctx, opts, res, pagedRun{
		stage:    s.Name(),
		resource: source.ResourcePlayers,
		cursor:   cursor,
		handle:   s.playerHandler(),
		onPage: func(ctx context.Context, next string, processed int) {
			cp.Cursor = next
			cp.RecordsProcessed += int64(processed)
			if next != "" {
				cp.CompletedAt = nil
			}
			s.saveCheckpoint(ctx, cp)
		},
	})

	applyOutcome(res, out)
	if out.complete && !out.failed {
		now := time.Now()
		cp.CompletedAt = &now
		cp.Watermark = &now
		cp.Cursor = ""
		s.saveCheckpoint(ctx, cp)
	}
	return s.finish(ctx, res, started)
}

// applyOutcome maps a paginated pass onto the stage result.
func applyOutcome(res *domain.StageResult, out pagedOutcome) {
	res.Success = !out.failed
	res.IsComplete = out.complete && !out.failed
	if !res.IsComplete {
		res.ContinueFrom = out.cursor
	}
	if out.cancelled && res.Message == "" {
		res.Message = "cancelled"
	}
}
