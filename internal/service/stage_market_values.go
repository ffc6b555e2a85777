package service

import (
	"context"
	"time"

	"github.com/timmy/playermarket/internal/domain"
	"github.com/timmy/playermarket/internal/progress"
)

// marketValuesStage recomputes player estimates from the sales corpus.
type marketValuesStage struct {
	*stageRunner
}

func (s *marketValuesStage) Name() domain.StageName { return domain.StageMarketValues }

func (s *marketValuesStage) Run(ctx context.Context, opts StageOptions) *domain.StageResult {
	started := time.Now()
	res := domain.NewStageResult(s.Name(), s.cfg.MaxErrors)
	opts.publish(progress.Event{Type: progress.EventStageStarted, Stage: string(s.Name())})

	if s.deps.MarketValues == nil {
		res.Success = true
		res.IsComplete = true
		res.Message = "market value service not configured"
		return s.finish(ctx, res, started)
	}

	out, err := s.deps.MarketValues.Recompute(ctx, RecomputeOptions{
		ForceUpdate: opts.Force,
		ExecutionID: opts.ExecutionID,
		Progress:    opts.Progress,
		Deadline:    opts.Deadline,
		Cancelled:   opts.Cancelled,
	})
	if err != nil {
		res.AddError(err.Error())
		return s.finish(ctx, res, started)
	}

	res.Success = out.Success
	res.IsComplete = out.Success && out.Complete
	res.RecordsProcessed = out.Metrics.PlayersProcessed
	res.RecordsFailed = out.Metrics.Failed
	res.Message = out.Message
	for _, e := range out.Errors {
		res.AddError(e)
	}
	return s.finish(ctx, res, started)
}
