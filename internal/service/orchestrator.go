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
	"github.com/timmy/playermarket/internal/metrics"
	"github.com/timmy/playermarket/internal/progress"
	"github.com/timmy/playermarket/internal/repository"
)

// syncLockName is the lease row shared by full runs and chunk calls.
const syncLockName = "sync"

// plannedStage is one step of a run mode.
type plannedStage struct {
	name  domain.StageName
	force bool
}

// planFor returns the ordered stages of a run mode.
func planFor(t domain.SyncType) ([]plannedStage, error) {
	switch t {
	case domain.SyncTypeInitial:
		return []plannedStage{
			{name: domain.StagePlayersImport},
			{name: domain.StageHistoricalSales},
			{name: domain.StageHistoricalListings},
			{name: domain.StageMarketValues},
		}, nil
	case domain.SyncTypeDaily:
		plan := make([]plannedStage, 0, len(domain.AllStages))
		for _, s := range domain.AllStages {
			plan = append(plan, plannedStage{name: s})
		}
		return plan, nil
	case domain.SyncTypeFull:
		return []plannedStage{
			{name: domain.StagePlayersImport},
			{name: domain.StageHistoricalSales, force: true},
			{name: domain.StageHistoricalListings, force: true},
			{name: domain.StageMarketValues, force: true},
			{name: domain.StageLiveSales},
			{name: domain.StageLiveListings},
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSyncType, t)
	}
}

// RunReport is the response of a pipeline run.
type RunReport struct {
	ExecutionID      string                 `json:"executionId"`
	SyncType         domain.SyncType        `json:"syncType"`
	Status           domain.ExecutionStatus `json:"status"`
	TotalStages      int                    `json:"totalStages"`
	SuccessfulStages int                    `json:"successfulStages"`
	StageResults     []*domain.StageResult  `json:"stageResults"`
	DurationMs       int64                  `json:"duration"`
	Errors           []string               `json:"errors"`
}

// StopResult is the response of Stop.
type StopResult struct {
	StoppedExecutions int      `json:"stoppedExecutions"`
	ExecutionIDs      []string `json:"executionIds"`
}

// OrchestratorDeps are the collaborators of an Orchestrator.
type OrchestratorDeps struct {
	Stages      map[domain.StageName]Stage
	Executions  *repository.ExecutionRepository
	RunStates   *repository.RunStateRepository
	Checkpoints *repository.CheckpointRepository
	Locks       *repository.LockRepository
	Players     *repository.PlayerRepository
	Sales       *repository.SaleRepository
	Listings    *repository.ListingRepository
	Progress    progress.Publisher
	Metrics     *metrics.Metrics
}

// Orchestrator sequences stages into runs and owns execution and run state.
type Orchestrator struct {
	deps OrchestratorDeps
	cfg  config.SyncConfig
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(deps OrchestratorDeps, cfg config.SyncConfig) *Orchestrator {
	if deps.Progress == nil {
		deps.Progress = progress.Discard{}
	}
	if cfg.OrchestratorID == "" {
		cfg.OrchestratorID = "main"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 15 * time.Minute
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	return &Orchestrator{deps: deps, cfg: cfg}
}

// Run executes every stage of syncType in order.
// A failed stage marks the run failed and skips the rest; earlier writes stay.
// The returned error is reserved for runs that could not start.
func (o *Orchestrator) Run(ctx context.Context, syncType domain.SyncType) (*RunReport, error) {
	plan, err := planFor(syncType)
	if err != nil {
		return nil, err
	}
	for _, step := range plan {
		if _, ok := o.deps.Stages[step.name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownStage, step.name)
		}
	}

	started := time.Now()
	exec, release, err := o.begin(ctx, syncType)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx = logger.SetExecutionID(ctx, exec.ID)
	ctx = logger.SetSyncType(ctx, string(syncType))
	logger.CtxInfo(ctx, "Sync run started with %d stages", len(plan))

	state := &domain.RunState{
		OrchestratorID:  o.cfg.OrchestratorID,
		ExecutionID:     exec.ID,
		SyncType:        syncType,
		CompletedStages: domain.StringArray{},
	}
	o.saveRunState(ctx, state)

	o.deps.Progress.Publish(progress.Event{
		Type:        progress.EventSyncStarted,
		ExecutionID: exec.ID,
		SyncType:    string(syncType),
		TotalStages: len(plan),
	})

	var deadline time.Time
	if o.cfg.RunTimeBudget > 0 {
		deadline = started.Add(o.cfg.RunTimeBudget)
	}

	report := &RunReport{
		ExecutionID:  exec.ID,
		SyncType:     syncType,
		TotalStages:  len(plan),
		StageResults: make([]*domain.StageResult, 0, len(plan)),
		Errors:       []string{},
	}
	status := domain.ExecutionStatusRunning
	var errMsg string

	for i, step := range plan {
		if o.isCancelled(ctx, exec.ID) {
			status = domain.ExecutionStatusCancelled
			break
		}

		stage := o.deps.Stages[step.name]

		state.CurrentStage = step.name
		o.saveRunState(ctx, state)

		stageCtx := logger.SetStage(ctx, string(step.name))
		res := stage.Run(stageCtx, StageOptions{
			ExecutionID: exec.ID,
			SyncType:    syncType,
			MaxPages:    o.cfg.MaxPagesPerRun,
			Deadline:    deadline,
			Force:       step.force,
			Cancelled:   func(ctx context.Context) bool { return o.isCancelled(ctx, exec.ID) },
			Progress:    o.deps.Progress,
			StageIndex:  i + 1,
			TotalStages: len(plan),
		})
		report.StageResults = append(report.StageResults, res)
		o.saveStageResults(ctx, exec.ID, report.StageResults)
		o.renewLease(ctx, exec.ID)

		if !res.Success {
			status = domain.ExecutionStatusFailed
			errMsg = fmt.Sprintf("%s: %s", step.name, res.FirstError())
			state.FailedStage = step.name
			o.publishStage(exec.ID, syncType, progress.EventStageFailed, i+1, len(plan), res)
			for _, rest := range plan[i+1:] {
				skipped := domain.NewStageResult(rest.name, 1)
				skipped.Skipped = true
				skipped.Message = fmt.Sprintf("skipped after %s failed", step.name)
				report.StageResults = append(report.StageResults, skipped)
			}
			o.saveStageResults(ctx, exec.ID, report.StageResults)
			break
		}

		report.SuccessfulStages++
		if res.IsComplete {
			state.CompletedStages = append(state.CompletedStages, string(step.name))
		}
		o.publishStage(exec.ID, syncType, progress.EventStageCompleted, i+1, len(plan), res)
	}

	if status == domain.ExecutionStatusRunning {
		if ctx.Err() != nil {
			status = domain.ExecutionStatusCancelled
		} else {
			status = domain.ExecutionStatusCompleted
		}
	}

	status = o.finish(ctx, exec.ID, status, errMsg)
	for _, res := range report.StageResults {
		for _, e := range res.Errors {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %s", res.Stage, e))
		}
	}
	report.Status = status
	report.DurationMs = time.Since(started).Milliseconds()

	state.CurrentStage = ""
	state.IsComplete = status == domain.ExecutionStatusCompleted && len(state.CompletedStages) == len(plan)
	o.saveRunState(ctx, state)

	o.deps.Metrics.IncSyncRun(string(syncType), string(status))
	// Stop has already announced operator cancellations.
	if status != domain.ExecutionStatusCancelled || ctx.Err() != nil {
		o.publishTerminal(exec.ID, syncType, status, report.SuccessfulStages, errMsg)
	}

	logger.With(logger.Fields{
		logger.FieldStatus:     status,
		logger.FieldDurationMs: report.DurationMs,
		"successful_stages":    report.SuccessfulStages,
		"total_stages":         report.TotalStages,
	}).Info(ctx, "Sync run finished")

	return report, nil
}

// begin takes the exclusive lease when configured and records the execution.
func (o *Orchestrator) begin(ctx context.Context, syncType domain.SyncType) (*domain.SyncExecution, func(), error) {
	exec := &domain.SyncExecution{
		ID:           uuid.New().String(),
		SyncType:     syncType,
		Status:       domain.ExecutionStatusRunning,
		StartedAt:    time.Now(),
		StageResults: domain.StageResultList{},
	}

	release := func() {}
	if o.cfg.Exclusive {
		if err := o.deps.Locks.Acquire(ctx, syncLockName, exec.ID, o.cfg.LockTTL); err != nil {
			if errors.Is(err, repository.ErrLockHeld) {
				return nil, nil, ErrRunInProgress
			}
			return nil, nil, fmt.Errorf("acquire sync lock: %w", err)
		}
		release = func() {
			if err := o.deps.Locks.Release(context.WithoutCancel(ctx), syncLockName, exec.ID); err != nil {
				logger.FromContext(ctx).WithError(err).Warn("Failed to release sync lock")
			}
		}
	}

	if err := o.deps.Executions.Create(ctx, exec); err != nil {
		release()
		return nil, nil, fmt.Errorf("create execution: %w", err)
	}
	return exec, release, nil
}

// finish moves the execution to a terminal status. A run stopped by an
// operator meanwhile keeps its cancelled status.
func (o *Orchestrator) finish(ctx context.Context, id string, status domain.ExecutionStatus, errMsg string) domain.ExecutionStatus {
	ctx = context.WithoutCancel(ctx)
	ok, err := o.deps.Executions.Finish(ctx, id, status, errMsg)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Error("Failed to finish execution")
		return status
	}
	if ok {
		return status
	}
	current, err := o.deps.Executions.GetStatus(ctx, id)
	if err != nil {
		return status
	}
	return current
}

func (o *Orchestrator) isCancelled(ctx context.Context, id string) bool {
	if ctx.Err() != nil {
		return true
	}
	status, err := o.deps.Executions.GetStatus(ctx, id)
	if err != nil {
		return false
	}
	return status == domain.ExecutionStatusCancelled
}

func (o *Orchestrator) renewLease(ctx context.Context, owner string) {
	if !o.cfg.Exclusive {
		return
	}
	if err := o.deps.Locks.Acquire(ctx, syncLockName, owner, o.cfg.LockTTL); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Failed to renew sync lock")
	}
}

func (o *Orchestrator) saveStageResults(ctx context.Context, id string, results []*domain.StageResult) {
	if err := o.deps.Executions.SaveStageResults(context.WithoutCancel(ctx), id, results); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Failed to save stage results")
	}
}

func (o *Orchestrator) saveRunState(ctx context.Context, state *domain.RunState) {
	if err := o.deps.RunStates.Save(context.WithoutCancel(ctx), state); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Failed to save run state")
	}
}

func (o *Orchestrator) publishStage(id string, syncType domain.SyncType, t progress.EventType, idx, total int, res *domain.StageResult) {
	ev := progress.Event{
		Type:             t,
		ExecutionID:      id,
		SyncType:         string(syncType),
		Stage:            string(res.Stage),
		StageIndex:       idx,
		TotalStages:      total,
		RecordsProcessed: res.RecordsProcessed,
		RecordsFailed:    res.RecordsFailed,
		Message:          res.Message,
	}
	if !res.Success {
		ev.Error = res.FirstError()
	}
	o.deps.Progress.Publish(ev)
}

func (o *Orchestrator) publishTerminal(id string, syncType domain.SyncType, status domain.ExecutionStatus, successful int, errMsg string) {
	ev := progress.Event{ExecutionID: id, SyncType: string(syncType), Error: errMsg}
	switch status {
	case domain.ExecutionStatusCompleted:
		ev.Type = progress.EventSyncCompleted
		ev.Message = fmt.Sprintf("%d stages succeeded", successful)
	case domain.ExecutionStatusFailed:
		ev.Type = progress.EventSyncFailed
	default:
		ev.Type = progress.EventSyncCancelled
	}
	o.deps.Progress.Publish(ev)
}

// Stop cancels every running execution. Running stages notice at their next
// page boundary. Calling Stop with nothing running is a no-op success.
func (o *Orchestrator) Stop(ctx context.Context) (*StopResult, error) {
	ids, err := o.deps.Executions.CancelRunning(ctx)
	if err != nil {
		return nil, fmt.Errorf("cancel running executions: %w", err)
	}
	for _, id := range ids {
		o.deps.Progress.Publish(progress.Event{
			Type:        progress.EventSyncCancelled,
			ExecutionID: id,
			Message:     "stopped by operator",
		})
	}
	if len(ids) > 0 && o.cfg.Exclusive {
		if err := o.deps.Locks.ForceRelease(ctx, syncLockName); err != nil {
			logger.FromContext(ctx).WithError(err).Warn("Failed to release sync lock on stop")
		}
	}
	logger.With(logger.Fields{logger.FieldCount: len(ids)}).Info(ctx, "Stop requested")
	return &StopResult{StoppedExecutions: len(ids), ExecutionIDs: ids}, nil
}
