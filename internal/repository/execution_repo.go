package repository

import (
	"context"
	"errors"
	"time"

	"github.com/timmy/playermarket/internal/domain"
	"gorm.io/gorm"
)

// ExecutionStats aggregates the sync execution history.
type ExecutionStats struct {
	Total             int64                            `json:"total"`
	ByStatus          map[domain.ExecutionStatus]int64 `json:"byStatus"`
	AverageDurationMs int64                            `json:"averageDurationMs"`
	LastSuccessful    *domain.SyncExecution            `json:"lastSuccessful,omitempty"`
}

// ExecutionRepository handles sync execution rows.
type ExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository creates a new ExecutionRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *ExecutionRepository: repository instance bound to db.
func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// Create inserts a new execution.
func (r *ExecutionRepository) Create(ctx context.Context, exec *domain.SyncExecution) error {
	return r.db.WithContext(ctx).Create(exec).Error
}

// GetByID retrieves an execution by id.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: execution id.
// Returns:
//   - *domain.SyncExecution: execution if found.
//   - error: gorm.ErrRecordNotFound when missing.
func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*domain.SyncExecution, error) {
	var exec domain.SyncExecution
	if err := r.db.WithContext(ctx).First(&exec, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &exec, nil
}

// GetStatus returns only the status column of an execution.
func (r *ExecutionRepository) GetStatus(ctx context.Context, id string) (domain.ExecutionStatus, error) {
	var exec domain.SyncExecution
	if err := r.db.WithContext(ctx).Select("status").First(&exec, "id = ?", id).Error; err != nil {
		return "", err
	}
	return exec.Status, nil
}

// SaveStageResults stores the ordered stage results and their record totals.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: execution id.
//   - results: stage results collected so far.
// Returns:
//   - error: non-nil if the update fails.
func (r *ExecutionRepository) SaveStageResults(ctx context.Context, id string, results domain.StageResultList) error {
	processed, failed := 0, 0
	for _, res := range results {
		processed += res.RecordsProcessed
		failed += res.RecordsFailed
	}
	return r.db.WithContext(ctx).Model(&domain.SyncExecution{}).Where("id = ?", id).Updates(map[string]interface{}{
		"stage_results":     results,
		"records_processed": processed,
		"records_failed":    failed,
	}).Error
}

// Finish moves a running execution to a terminal status.
// An execution that already left running (for example cancelled by stop) is not overwritten.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: execution id.
//   - status: terminal status to set.
//   - errMsg: run-level error message, empty on success.
// Returns:
//   - bool: true if the row was still running and got updated.
//   - error: non-nil if the update fails.
func (r *ExecutionRepository) Finish(ctx context.Context, id string, status domain.ExecutionStatus, errMsg string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.SyncExecution{}).
		Where("id = ? AND status = ?", id, domain.ExecutionStatusRunning).
		Updates(map[string]interface{}{
			"status":        status,
			"error_message": errMsg,
			"completed_at":  time.Now(),
		})
	return res.RowsAffected > 0, res.Error
}

// CancelRunning marks every running execution cancelled and stamps its completion time.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - []string: ids of the executions this call cancelled.
//   - error: non-nil if the transaction fails.
func (r *ExecutionRepository) CancelRunning(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.SyncExecution{}).
			Where("status = ?", domain.ExecutionStatusRunning).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		return tx.Model(&domain.SyncExecution{}).
			Where("id IN ? AND status = ?", ids, domain.ExecutionStatusRunning).
			Updates(map[string]interface{}{
				"status":        domain.ExecutionStatusCancelled,
				"error_message": "stopped by operator",
				"completed_at":  time.Now(),
			}).Error
	})
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// ListRunning returns every running execution, newest first.
func (r *ExecutionRepository) ListRunning(ctx context.Context) ([]domain.SyncExecution, error) {
	var execs []domain.SyncExecution
	err := r.db.WithContext(ctx).
		Where("status = ?", domain.ExecutionStatusRunning).
		Order("started_at DESC").
		Find(&execs).Error
	return execs, err
}

// GetLatest returns the most recently started execution, or nil when none exist.
func (r *ExecutionRepository) GetLatest(ctx context.Context) (*domain.SyncExecution, error) {
	var exec domain.SyncExecution
	err := r.db.WithContext(ctx).Order("started_at DESC").First(&exec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// ListRecent returns up to limit executions, newest first.
func (r *ExecutionRepository) ListRecent(ctx context.Context, limit int) ([]domain.SyncExecution, error) {
	var execs []domain.SyncExecution
	err := r.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&execs).Error
	return execs, err
}

// Stats aggregates execution counts by status, the mean duration of finished
// executions and the most recent completed run.
func (r *ExecutionRepository) Stats(ctx context.Context) (*ExecutionStats, error) {
	stats := &ExecutionStats{ByStatus: map[domain.ExecutionStatus]int64{}}

	var rows []struct {
		Status domain.ExecutionStatus
		Count  int64
	}
	if err := r.db.WithContext(ctx).Model(&domain.SyncExecution{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		stats.ByStatus[row.Status] = row.Count
		stats.Total += row.Count
	}

	var finished []domain.SyncExecution
	if err := r.db.WithContext(ctx).
		Select("started_at, completed_at").
		Where("completed_at IS NOT NULL").
		Order("started_at DESC").
		Limit(500).
		Find(&finished).Error; err != nil {
		return nil, err
	}
	if len(finished) > 0 {
		var total time.Duration
		for i := range finished {
			total += finished[i].Duration()
		}
		stats.AverageDurationMs = (total / time.Duration(len(finished))).Milliseconds()
	}

	var last domain.SyncExecution
	err := r.db.WithContext(ctx).
		Where("status = ?", domain.ExecutionStatusCompleted).
		Order("started_at DESC").
		First(&last).Error
	if err == nil {
		stats.LastSuccessful = &last
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	return stats, nil
}
