package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/playermarket/internal/config"
	"github.com/timmy/playermarket/internal/domain"
	"github.com/timmy/playermarket/internal/logger"
	"github.com/timmy/playermarket/internal/progress"
	"github.com/timmy/playermarket/internal/repository"
)

// ChunkOptions bounds one chunk invocation.
type ChunkOptions struct {
	MaxPages     int    `json:"maxPages"`
	ContinueFrom string `json:"continueFrom"`
}

// ChunkResult is what a caller needs to schedule the next chunk.
type ChunkResult struct {
	ExecutionID      string           `json:"executionId"`
	Stage            domain.StageName `json:"stage"`
	Success          bool             `json:"success"`
	RecordsProcessed int              `json:"recordsProcessed"`
	RecordsFailed    int              `json:"recordsFailed"`
	IsComplete       bool             `json:"isComplete"`
	ContinueFrom     string           `json:"continueFrom,omitempty"`
	AlreadyComplete  bool             `json:"alreadyComplete,omitempty"`
	Errors           []string         `json:"errors"`
	DurationMs       int64            `json:"durationMs"`
}

// chunkable lists the stages driven by an opaque cursor.
var chunkable = map[domain.StageName]bool{
	domain.StagePlayersImport:      true,
	domain.StageHistoricalSales:    true,
	domain.StageHistoricalListings: true,
}

// ChunkController runs one bounded slice of a cursor-based stage. It never
// loops across chunks; the caller re-invokes with the returned continuation.
type ChunkController struct {
	o   *Orchestrator
	cfg config.SyncConfig
}

// NewChunkController creates a ChunkController sharing the orchestrator's
// stages, execution records and lease.
func NewChunkController(o *Orchestrator) *ChunkController {
	cfg := o.cfg
	if cfg.ChunkMaxPages <= 0 {
		cfg.ChunkMaxPages = 50
	}
	return &ChunkController{o: o, cfg: cfg}
}

// RunChunk executes at most opts.MaxPages pages of stage starting at
// opts.ContinueFrom, stopping early when the chunk time budget runs out.
// Re-running a chunk with the same continuation is safe.
func (c *ChunkController) RunChunk(ctx context.Context, stageName domain.StageName, opts ChunkOptions) (*ChunkResult, error) {
	if stageName == "" {
		stageName = domain.StagePlayersImport
	}
	stage, ok := c.o.deps.Stages[stageName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, stageName)
	}
	if !chunkable[stageName] {
		return nil, fmt.Errorf("%w: %s", ErrStageNotChunkable, stageName)
	}

	maxPages := opts.MaxPages
	if maxPages <= 0 || maxPages > c.cfg.ChunkMaxPages {
		maxPages = c.cfg.ChunkMaxPages
	}
	var deadline time.Time
	if c.cfg.ChunkTimeBudget > 0 {
		deadline = time.Now().Add(c.cfg.ChunkTimeBudget)
	}

	exec := &domain.SyncExecution{
		ID:           uuid.New().String(),
		SyncType:     domain.SyncTypeChunk,
		Status:       domain.ExecutionStatusRunning,
		StartedAt:    time.Now(),
		StageResults: domain.StageResultList{},
	}
	if c.cfg.Exclusive {
		if err := c.o.deps.Locks.Acquire(ctx, syncLockName, exec.ID, c.cfg.LockTTL); err != nil {
			if errors.Is(err, repository.ErrLockHeld) {
				return nil, ErrRunInProgress
			}
			return nil, fmt.Errorf("acquire sync lock: %w", err)
		}
		defer func() {
			_ = c.o.deps.Locks.Release(context.WithoutCancel(ctx), syncLockName, exec.ID)
		}()
	}
	if err := c.o.deps.Executions.Create(ctx, exec); err != nil {
		return nil, fmt.Errorf("create chunk execution: %w", err)
	}

	ctx = logger.SetExecutionID(ctx, exec.ID)
	ctx = logger.SetStage(ctx, string(stageName))

	res := stage.Run(ctx, StageOptions{
		ExecutionID:  exec.ID,
		SyncType:     domain.SyncTypeChunk,
		MaxPages:     maxPages,
		ContinueFrom: opts.ContinueFrom,
		Deadline:     deadline,
		Cancelled:    func(ctx context.Context) bool { return c.o.isCancelled(ctx, exec.ID) },
		Progress:     c.o.deps.Progress,
		StageIndex:   1,
		TotalStages:  1,
	})
	c.o.saveStageResults(ctx, exec.ID, []*domain.StageResult{res})

	status := domain.ExecutionStatusCompleted
	var errMsg string
	if !res.Success {
		status = domain.ExecutionStatusFailed
		errMsg = fmt.Sprintf("%s: %s", stageName, res.FirstError())
	}
	status = c.o.finish(ctx, exec.ID, status, errMsg)
	c.o.deps.Metrics.IncSyncRun(string(domain.SyncTypeChunk), string(status))

	evType := progress.EventStageCompleted
	if !res.Success {
		evType = progress.EventStageFailed
	}
	c.o.publishStage(exec.ID, domain.SyncTypeChunk, evType, 1, 1, res)

	logger.With(logger.Fields{
		"max_pages":         maxPages,
		"records_processed": res.RecordsProcessed,
		"is_complete":       res.IsComplete,
		"continue_from":     res.ContinueFrom,
	}).Info(ctx, "Chunk finished with status %s", status)

	return &ChunkResult{
		ExecutionID:      exec.ID,
		Stage:            stageName,
		Success:          res.Success,
		RecordsProcessed: res.RecordsProcessed,
		RecordsFailed:    res.RecordsFailed,
		IsComplete:       res.IsComplete,
		ContinueFrom:     res.ContinueFrom,
		AlreadyComplete:  res.AlreadyComplete,
		Errors:           res.Errors,
		DurationMs:       res.DurationMs,
	}, nil
}
