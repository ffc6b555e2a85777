package service

import (
	"context"
	"fmt"

	"github.com/timmy/playermarket/internal/domain"
	"github.com/timmy/playermarket/internal/logger"
	"github.com/timmy/playermarket/internal/repository"
)

// StatusType selects the shape of a status response.
type StatusType string

const (
	StatusCurrent StatusType = "current"
	StatusLatest  StatusType = "latest"
	StatusHistory StatusType = "history"
	StatusStats   StatusType = "stats"
)

// CurrentStatus reports what is running now.
type CurrentStatus struct {
	Running     []domain.SyncExecution   `json:"running"`
	IsRunning   bool                     `json:"isRunning"`
	RunState    *domain.RunState         `json:"runState,omitempty"`
	Checkpoints []domain.StageCheckpoint `json:"checkpoints"`
}

// StatsStatus aggregates executions and stored record counts.
type StatsStatus struct {
	*repository.ExecutionStats
	Players       int64 `json:"players"`
	PricedPlayers int64 `json:"pricedPlayers"`
	Sales         int64 `json:"sales"`
	Listings      int64 `json:"listings"`
}

// Status returns the status document selected by kind. limit bounds history
// and falls back to the configured history size when not positive.
func (o *Orchestrator) Status(ctx context.Context, kind StatusType, limit int) (interface{}, error) {
	switch kind {
	case StatusCurrent, "":
		return o.currentStatus(ctx)
	case StatusLatest:
		exec, err := o.deps.Executions.GetLatest(ctx)
		if err != nil {
			return nil, fmt.Errorf("latest execution: %w", err)
		}
		return map[string]interface{}{"execution": exec}, nil
	case StatusHistory:
		if limit <= 0 {
			limit = o.cfg.HistoryLimit
		}
		execs, err := o.deps.Executions.ListRecent(ctx, limit)
		if err != nil {
			return nil, fmt.Errorf("execution history: %w", err)
		}
		return map[string]interface{}{"executions": execs, "count": len(execs)}, nil
	case StatusStats:
		return o.stats(ctx)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatusType, kind)
	}
}

func (o *Orchestrator) currentStatus(ctx context.Context) (*CurrentStatus, error) {
	running, err := o.deps.Executions.ListRunning(ctx)
	if err != nil {
		return nil, fmt.Errorf("running executions: %w", err)
	}
	state, err := o.deps.RunStates.Get(ctx, o.cfg.OrchestratorID)
	if err != nil {
		return nil, fmt.Errorf("run state: %w", err)
	}
	checkpoints, err := o.deps.Checkpoints.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("stage checkpoints: %w", err)
	}
	return &CurrentStatus{
		Running:     running,
		IsRunning:   len(running) > 0,
		RunState:    state,
		Checkpoints: checkpoints,
	}, nil
}

func (o *Orchestrator) stats(ctx context.Context) (*StatsStatus, error) {
	execStats, err := o.deps.Executions.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("execution stats: %w", err)
	}
	out := &StatsStatus{ExecutionStats: execStats}
	counts := []struct {
		dst   *int64
		count func(context.Context) (int64, error)
	}{
		{&out.Players, o.deps.Players.Count},
		{&out.PricedPlayers, o.deps.Players.CountPriced},
		{&out.Sales, o.deps.Sales.Count},
		{&out.Listings, o.deps.Listings.Count},
	}
	for _, c := range counts {
		n, err := c.count(ctx)
		if err != nil {
			return nil, fmt.Errorf("record counts: %w", err)
		}
		*c.dst = n
	}
	return out, nil
}

// ResetStage deletes the checkpoint of stage so its next run starts from the
// first page. For a one-time stage this re-arms the backfill; for a live stage
// it drops the watermark back to the historical one.
func (o *Orchestrator) ResetStage(ctx context.Context, stage domain.StageName) error {
	if _, ok := o.deps.Stages[stage]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}
	if err := o.deps.Checkpoints.Reset(ctx, stage); err != nil {
		return fmt.Errorf("reset %s checkpoint: %w", stage, err)
	}
	logger.FromContext(ctx).WithField(logger.FieldStage, stage).Info("Stage checkpoint reset")
	return nil
}
