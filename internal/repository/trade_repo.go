package repository

import (
	"context"
	"time"

	"github.com/timmy/playermarket/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SaleRepository handles sale data operations.
type SaleRepository struct {
	db *gorm.DB
}

// NewSaleRepository creates a new SaleRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *SaleRepository: repository instance bound to db.
func NewSaleRepository(db *gorm.DB) *SaleRepository {
	return &SaleRepository{db: db}
}

// Upsert creates or replaces a sale keyed by its marketplace id (last write wins).
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - sale: sale record to create or update.
// Returns:
//   - error: non-nil if the upsert fails.
func (r *SaleRepository) Upsert(ctx context.Context, sale *domain.Sale) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"player_id", "price", "seller_id", "buyer_id", "sold_at",
			"player_age", "player_overall", "player_position", "source", "updated_at",
		}),
	}).Create(sale).Error
}

// ListSince returns every sale at or after since, oldest first.
// A zero since returns the full corpus.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - since: lower bound on sold_at.
// Returns:
//   - []domain.Sale: matching sales.
//   - error: non-nil if the query fails.
func (r *SaleRepository) ListSince(ctx context.Context, since time.Time) ([]domain.Sale, error) {
	var sales []domain.Sale
	q := r.db.WithContext(ctx).Model(&domain.Sale{})
	if !since.IsZero() {
		q = q.Where("sold_at >= ?", since)
	}
	err := q.Order("sold_at ASC").Find(&sales).Error
	return sales, err
}

// GetByID retrieves a sale by marketplace id.
func (r *SaleRepository) GetByID(ctx context.Context, id string) (*domain.Sale, error) {
	var sale domain.Sale
	if err := r.db.WithContext(ctx).First(&sale, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &sale, nil
}

// Count returns the number of stored sales.
func (r *SaleRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Sale{}).Count(&count).Error
	return count, err
}

// ListingRepository handles listing data operations.
type ListingRepository struct {
	db *gorm.DB
}

// NewListingRepository creates a new ListingRepository.
func NewListingRepository(db *gorm.DB) *ListingRepository {
	return &ListingRepository{db: db}
}

// Upsert creates or replaces a listing keyed by its marketplace id (last write wins).
func (r *ListingRepository) Upsert(ctx context.Context, listing *domain.Listing) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"player_id", "price", "status", "seller_id", "listed_at",
			"player_age", "player_overall", "player_position", "source", "updated_at",
		}),
	}).Create(listing).Error
}

// GetByID retrieves a listing by marketplace id.
func (r *ListingRepository) GetByID(ctx context.Context, id string) (*domain.Listing, error) {
	var listing domain.Listing
	if err := r.db.WithContext(ctx).First(&listing, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &listing, nil
}

// Count returns the number of stored listings.
func (r *ListingRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Listing{}).Count(&count).Error
	return count, err
}
