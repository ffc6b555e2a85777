package repository

import (
	"context"
	"errors"
	"time"

	"github.com/timmy/playermarket/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrLockHeld is returned when another owner holds an unexpired lease.
var ErrLockHeld = errors.New("lock held by another owner")

// RunStateRepository persists the typed run-state record per orchestrator id.
type RunStateRepository struct {
	db *gorm.DB
}

// NewRunStateRepository creates a new RunStateRepository.
func NewRunStateRepository(db *gorm.DB) *RunStateRepository {
	return &RunStateRepository{db: db}
}

// Get returns the run state for an orchestrator, or nil when it has never run.
func (r *RunStateRepository) Get(ctx context.Context, orchestratorID string) (*domain.RunState, error) {
	var state domain.RunState
	err := r.db.WithContext(ctx).First(&state, "orchestrator_id = ?", orchestratorID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// Save creates or replaces the run state.
func (r *RunStateRepository) Save(ctx context.Context, state *domain.RunState) error {
	state.UpdatedAt = time.Now()
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "orchestrator_id"}},
		UpdateAll: true,
	}).Create(state).Error
}

// CheckpointRepository persists stage completion markers, cursors and watermarks.
type CheckpointRepository struct {
	db *gorm.DB
}

// NewCheckpointRepository creates a new CheckpointRepository.
func NewCheckpointRepository(db *gorm.DB) *CheckpointRepository {
	return &CheckpointRepository{db: db}
}

// Get returns the checkpoint of a stage, or nil when the stage never recorded one.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - stage: stage name.
// Returns:
//   - *domain.StageCheckpoint: checkpoint or nil.
//   - error: non-nil if the lookup fails.
func (r *CheckpointRepository) Get(ctx context.Context, stage domain.StageName) (*domain.StageCheckpoint, error) {
	var cp domain.StageCheckpoint
	err := r.db.WithContext(ctx).First(&cp, "stage = ?", stage).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// Save creates or replaces a stage checkpoint.
func (r *CheckpointRepository) Save(ctx context.Context, cp *domain.StageCheckpoint) error {
	cp.UpdatedAt = time.Now()
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "stage"}},
		UpdateAll: true,
	}).Create(cp).Error
}

// Reset removes the checkpoint of a stage so the next run starts over.
func (r *CheckpointRepository) Reset(ctx context.Context, stage domain.StageName) error {
	return r.db.WithContext(ctx).Delete(&domain.StageCheckpoint{}, "stage = ?", stage).Error
}

// List returns every stored checkpoint.
func (r *CheckpointRepository) List(ctx context.Context) ([]domain.StageCheckpoint, error) {
	var cps []domain.StageCheckpoint
	err := r.db.WithContext(ctx).Order("stage ASC").Find(&cps).Error
	return cps, err
}

// LockRepository implements a single-row lease lock on top of the store.
type LockRepository struct {
	db *gorm.DB
}

// NewLockRepository creates a new LockRepository.
func NewLockRepository(db *gorm.DB) *LockRepository {
	return &LockRepository{db: db}
}

// Acquire takes the named lease for owner until ttl elapses.
// An expired lease, or one already held by owner, is taken over.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - name: lock name.
//   - owner: caller identity, usually an execution id.
//   - ttl: lease length.
// Returns:
//   - error: ErrLockHeld when someone else holds a live lease.
func (r *LockRepository) Acquire(ctx context.Context, name, owner string, ttl time.Duration) error {
	now := time.Now()
	lock := &domain.SyncLock{Name: name, Owner: owner, AcquiredAt: now, ExpiresAt: now.Add(ttl)}

	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(lock)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}

	res = r.db.WithContext(ctx).Model(&domain.SyncLock{}).
		Where("name = ? AND (expires_at < ? OR owner = ?)", name, now, owner).
		Updates(map[string]interface{}{
			"owner":       owner,
			"acquired_at": now,
			"expires_at":  now.Add(ttl),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLockHeld
	}
	return nil
}

// Release drops the lease if owner still holds it.
func (r *LockRepository) Release(ctx context.Context, name, owner string) error {
	return r.db.WithContext(ctx).
		Where("name = ? AND owner = ?", name, owner).
		Delete(&domain.SyncLock{}).Error
}

// Holder returns the current lease, or nil when the lock is free or expired.
func (r *LockRepository) Holder(ctx context.Context, name string) (*domain.SyncLock, error) {
	var lock domain.SyncLock
	err := r.db.WithContext(ctx).First(&lock, "name = ? AND expires_at >= ?", name, time.Now()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

// ForceRelease drops the named lease whoever holds it.
func (r *LockRepository) ForceRelease(ctx context.Context, name string) error {
	return r.db.WithContext(ctx).Where("name = ?", name).Delete(&domain.SyncLock{}).Error
}
