package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SyncType names an orchestrator run mode.
type SyncType string

const (
	SyncTypeInitial SyncType = "initial"
	SyncTypeDaily   SyncType = "daily"
	SyncTypeFull    SyncType = "full"
	// SyncTypeChunk marks executions created by a single chunk invocation.
	SyncTypeChunk SyncType = "chunk"
)

// ParseSyncType validates a run mode name.
func ParseSyncType(s string) (SyncType, bool) {
	switch SyncType(s) {
	case SyncTypeInitial, SyncTypeDaily, SyncTypeFull:
		return SyncType(s), true
	}
	return "", false
}

// StageName identifies one stage executor.
type StageName string

const (
	StagePlayersImport      StageName = "players-import"
	StageHistoricalSales    StageName = "historical-sales"
	StageHistoricalListings StageName = "historical-listings"
	StageMarketValues       StageName = "market-values"
	StageLiveSales          StageName = "live-sales"
	StageLiveListings       StageName = "live-listings"
)

// AllStages lists every stage in pipeline order.
var AllStages = []StageName{
	StagePlayersImport,
	StageHistoricalSales,
	StageHistoricalListings,
	StageMarketValues,
	StageLiveSales,
	StageLiveListings,
}

// ExecutionStatus represents the lifecycle state of a sync execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status can no longer change.
func (s ExecutionStatus) IsTerminal() bool {
	return s != ExecutionStatusRunning
}

// StageResult is the uniform outcome every stage executor reports.
type StageResult struct {
	Stage            StageName `json:"stage"`
	Success          bool      `json:"success"`
	DurationMs       int64     `json:"durationMs"`
	RecordsProcessed int       `json:"recordsProcessed"`
	RecordsFailed    int       `json:"recordsFailed"`
	Errors           []string  `json:"errors"`
	IsComplete       bool      `json:"isComplete"`
	ContinueFrom     string    `json:"continueFrom,omitempty"`
	AlreadyComplete  bool      `json:"alreadyComplete,omitempty"`
	Skipped          bool      `json:"skipped,omitempty"`
	Message          string    `json:"message,omitempty"`

	maxErrors     int
	droppedErrors int
}

// NewStageResult creates an empty result whose error list is capped at maxErrors.
func NewStageResult(stage StageName, maxErrors int) *StageResult {
	if maxErrors <= 0 {
		maxErrors = 50
	}
	return &StageResult{Stage: stage, Errors: []string{}, maxErrors: maxErrors}
}

// AddError records a failure message, dropping messages past the cap.
func (r *StageResult) AddError(msg string) {
	if r.maxErrors > 0 && len(r.Errors) >= r.maxErrors {
		r.droppedErrors++
		return
	}
	r.Errors = append(r.Errors, msg)
}

// Finish stamps the duration and appends a summary for dropped messages.
func (r *StageResult) Finish(started time.Time) *StageResult {
	r.DurationMs = time.Since(started).Milliseconds()
	if r.droppedErrors > 0 {
		r.Errors = append(r.Errors, fmt.Sprintf("... and %d more errors", r.droppedErrors))
		r.droppedErrors = 0
	}
	return r
}

// FirstError returns the first recorded message or Message when no errors exist.
func (r *StageResult) FirstError() string {
	if len(r.Errors) > 0 {
		return r.Errors[0]
	}
	return r.Message
}

// StageResultList stores ordered stage results as JSON in a text column.
type StageResultList []*StageResult

// Value implements the driver.Valuer interface for database serialization.
func (l StageResultList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (l *StageResultList) Scan(value interface{}) error {
	if value == nil {
		*l = StageResultList{}
		return nil
	}
	bytes, err := scanBytes(value)
	if err != nil {
		return errors.New("failed to scan StageResultList")
	}
	return json.Unmarshal(bytes, l)
}

// SyncExecution is one orchestrator run (or one chunk invocation).
type SyncExecution struct {
	ID               string          `gorm:"type:text;primaryKey" json:"id"`
	SyncType         SyncType        `gorm:"type:text;not null;index" json:"syncType"`
	Status           ExecutionStatus `gorm:"type:text;not null;index;default:running" json:"status"`
	StartedAt        time.Time       `gorm:"not null;index" json:"startedAt"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
	ErrorMessage     string          `gorm:"type:text" json:"errorMessage,omitempty"`
	StageResults     StageResultList `gorm:"type:text" json:"stageResults"`
	RecordsProcessed int             `gorm:"default:0" json:"recordsProcessed"`
	RecordsFailed    int             `gorm:"default:0" json:"recordsFailed"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// TableName returns the database table name for SyncExecution.
func (SyncExecution) TableName() string {
	return "sync_executions"
}

// Duration returns the wall-clock length of a finished execution, or the elapsed time so far.
func (e *SyncExecution) Duration() time.Duration {
	if e.CompletedAt != nil {
		return e.CompletedAt.Sub(e.StartedAt)
	}
	return time.Since(e.StartedAt)
}

// RunState is the typed run-state record kept per orchestrator id.
type RunState struct {
	OrchestratorID  string      `gorm:"type:text;primaryKey" json:"orchestratorId"`
	ExecutionID     string      `gorm:"type:text" json:"executionId"`
	SyncType        SyncType    `gorm:"type:text" json:"syncType"`
	IsComplete      bool        `json:"isComplete"`
	CurrentStage    StageName   `gorm:"type:text" json:"currentStage,omitempty"`
	CompletedStages StringArray `gorm:"type:text" json:"completedStages"`
	FailedStage     StageName   `gorm:"type:text" json:"failedStage,omitempty"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// TableName returns the database table name for RunState.
func (RunState) TableName() string {
	return "sync_run_states"
}

// StageCheckpoint is the explicit completion marker and watermark of a stage.
type StageCheckpoint struct {
	Stage            StageName  `gorm:"type:text;primaryKey" json:"stage"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	Watermark        *time.Time `json:"watermark,omitempty"`
	Cursor           string     `gorm:"type:text" json:"cursor,omitempty"`
	ExecutionID      string     `gorm:"type:text" json:"executionId,omitempty"`
	RecordsProcessed int64      `gorm:"default:0" json:"recordsProcessed"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// TableName returns the database table name for StageCheckpoint.
func (StageCheckpoint) TableName() string {
	return "stage_checkpoints"
}

// IsCompleted reports whether a one-time stage has finished.
func (c *StageCheckpoint) IsCompleted() bool {
	return c != nil && c.CompletedAt != nil
}

// SyncLock is a lease row that keeps a second run from starting.
type SyncLock struct {
	Name       string    `gorm:"type:text;primaryKey" json:"name"`
	Owner      string    `gorm:"type:text;not null" json:"owner"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `gorm:"not null" json:"expiresAt"`
}

// TableName returns the database table name for SyncLock.
func (SyncLock) TableName() string {
	return "sync_locks"
}
