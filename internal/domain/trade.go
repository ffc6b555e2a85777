package domain

import "time"

// ListingStatus is the upstream state of a marketplace listing.
type ListingStatus string

const (
	ListingStatusAvailable ListingStatus = "AVAILABLE"
	ListingStatusSold      ListingStatus = "SOLD"
	ListingStatusCancelled ListingStatus = "CANCELLED"
)

// Sale is a completed marketplace transaction.
// PlayerAge, PlayerOverall and PlayerPosition are captured at the time of sale.
type Sale struct {
	ID             string    `gorm:"type:text;primaryKey" json:"id"`
	PlayerID       int64     `gorm:"not null;index:idx_sales_player" json:"player_id"`
	Price          float64   `gorm:"not null" json:"price"`
	SellerID       string    `gorm:"type:text" json:"seller_id,omitempty"`
	BuyerID        string    `gorm:"type:text" json:"buyer_id,omitempty"`
	SoldAt         time.Time `gorm:"not null;index:idx_sales_sold_at" json:"sold_at"`
	PlayerAge      int       `json:"player_age"`
	PlayerOverall  int       `json:"player_overall"`
	PlayerPosition string    `gorm:"type:text" json:"player_position"`
	Source         string    `gorm:"type:text" json:"source"` // historical, live
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName returns the database table name for Sale.
func (Sale) TableName() string {
	return "sales"
}

// Listing is an open or closed marketplace offer.
type Listing struct {
	ID             string        `gorm:"type:text;primaryKey" json:"id"`
	PlayerID       int64         `gorm:"not null;index:idx_listings_player" json:"player_id"`
	Price          float64       `gorm:"not null" json:"price"`
	Status         ListingStatus `gorm:"type:text;index:idx_listings_status" json:"status"`
	SellerID       string        `gorm:"type:text" json:"seller_id,omitempty"`
	ListedAt       time.Time     `gorm:"not null;index:idx_listings_listed_at" json:"listed_at"`
	PlayerAge      int           `json:"player_age"`
	PlayerOverall  int           `json:"player_overall"`
	PlayerPosition string        `gorm:"type:text" json:"player_position"`
	Source         string        `gorm:"type:text" json:"source"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// TableName returns the database table name for Listing.
func (Listing) TableName() string {
	return "listings"
}
