package repository

import (
	"context"
	"fmt"

	"github.com/timmy/playermarket/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// playerBasicColumns are the identity and attribute columns players-import owns.
var playerBasicColumns = []string{
	"name", "nationality", "age", "positions", "position", "overall",
	"pace", "shooting", "passing", "dribbling", "defense", "physical", "goalkeeping",
	"owner_id", "last_synced_at", "updated_at",
}

// PlayerRepository handles player data operations.
type PlayerRepository struct {
	db *gorm.DB
}

// NewPlayerRepository creates a new PlayerRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *PlayerRepository: repository instance bound to db.
func NewPlayerRepository(db *gorm.DB) *PlayerRepository {
	return &PlayerRepository{db: db}
}

// UpsertBasic creates a player or refreshes its identity and attribute columns.
// Market value columns of an existing row are never touched.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - player: player record keyed by marketplace id.
// Returns:
//   - error: non-nil if the upsert fails.
func (r *PlayerRepository) UpsertBasic(ctx context.Context, player *domain.Player) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(playerBasicColumns),
	}).Create(player).Error
}

// GetByID retrieves a player by marketplace id.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: marketplace player id.
// Returns:
//   - *domain.Player: player record if found.
//   - error: non-nil if lookup fails.
func (r *PlayerRepository) GetByID(ctx context.Context, id int64) (*domain.Player, error) {
	var player domain.Player
	if err := r.db.WithContext(ctx).First(&player, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &player, nil
}

// ListAfter returns up to limit players with id greater than afterID, ordered by id.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - afterID: keyset cursor; 0 starts from the beginning.
//   - limit: maximum number of players to return.
// Returns:
//   - []domain.Player: the next batch of players.
//   - error: non-nil if the query fails.
func (r *PlayerRepository) ListAfter(ctx context.Context, afterID int64, limit int) ([]domain.Player, error) {
	var players []domain.Player
	err := r.db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&players).Error
	return players, err
}

// UpdateMarketValues writes market fields for a batch of players in one transaction.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - updates: market value results keyed by player id.
// Returns:
//   - error: non-nil if any update fails; the whole batch is rolled back.
func (r *PlayerRepository) UpdateMarketValues(ctx context.Context, updates []domain.MarketValueUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, u := range updates {
			var estimate interface{}
			if u.Estimate != nil {
				estimate = *u.Estimate
			}
			err := tx.Model(&domain.Player{}).Where("id = ?", u.PlayerID).Updates(map[string]interface{}{
				"market_value_estimate":    estimate,
				"market_value_confidence":  u.Confidence,
				"market_value_method":      u.Method,
				"market_value_sample_size": u.SampleSize,
				"market_value_updated_at":  u.UpdatedAt,
				"sync_stage":               u.SyncStage,
			}).Error
			if err != nil {
				return fmt.Errorf("update player %d: %w", u.PlayerID, err)
			}
		}
		return nil
	})
}

// Count returns the number of stored players.
func (r *PlayerRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Player{}).Count(&count).Error
	return count, err
}

// CountPriced returns the number of players holding a market value estimate.
func (r *PlayerRepository) CountPriced(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Player{}).
		Where("market_value_estimate IS NOT NULL").
		Count(&count).Error
	return count, err
}
