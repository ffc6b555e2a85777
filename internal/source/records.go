package source

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/timmy/playermarket/internal/domain"
)

// PlayerRecord is the upstream player payload.
type PlayerRecord struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	FirstName   string   `json:"firstName"`
	LastName    string   `json:"lastName"`
	Nationality string   `json:"nationality"`
	Age         int      `json:"age"`
	Positions   []string `json:"positions"`
	Overall     int      `json:"overall"`
	Pace        int      `json:"pace"`
	Shooting    int      `json:"shooting"`
	Passing     int      `json:"passing"`
	Dribbling   int      `json:"dribbling"`
	Defense     int      `json:"defense"`
	Physical    int      `json:"physical"`
	Goalkeeping int      `json:"goalkeeping"`
	OwnerID     string   `json:"ownerId"`
}

// Validate rejects player payloads that cannot be stored.
func (r *PlayerRecord) Validate() error {
	if r.ID <= 0 {
		return errors.New("player: missing id")
	}
	if r.displayName() == "" {
		return fmt.Errorf("player %d: missing name", r.ID)
	}
	if r.Age < 0 || r.Overall < 0 {
		return fmt.Errorf("player %d: negative age or overall", r.ID)
	}
	return nil
}

func (r *PlayerRecord) displayName() string {
	if n := strings.TrimSpace(r.Name); n != "" {
		return n
	}
	return strings.TrimSpace(strings.TrimSpace(r.FirstName) + " " + strings.TrimSpace(r.LastName))
}

// ToDomain converts the payload to a store record.
func (r *PlayerRecord) ToDomain(syncedAt time.Time) *domain.Player {
	positions := make(domain.StringArray, 0, len(r.Positions))
	for _, p := range r.Positions {
		if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
			positions = append(positions, p)
		}
	}
	primary := ""
	if len(positions) > 0 {
		primary = positions[0]
	}
	return &domain.Player{
		ID:           r.ID,
		Name:         r.displayName(),
		Nationality:  r.Nationality,
		Age:          r.Age,
		Positions:    positions,
		Position:     primary,
		Overall:      r.Overall,
		Pace:         r.Pace,
		Shooting:     r.Shooting,
		Passing:      r.Passing,
		Dribbling:    r.Dribbling,
		Defense:      r.Defense,
		Physical:     r.Physical,
		Goalkeeping:  r.Goalkeeping,
		OwnerID:      r.OwnerID,
		LastSyncedAt: syncedAt,
	}
}

// SaleRecord is the upstream sale payload. Player attributes are a snapshot at sale time.
type SaleRecord struct {
	ID             string    `json:"id"`
	PlayerID       int64     `json:"playerId"`
	Price          float64   `json:"price"`
	SellerID       string    `json:"sellerId"`
	BuyerID        string    `json:"buyerId"`
	SoldAt         time.Time `json:"soldAt"`
	PlayerAge      int       `json:"playerAge"`
	PlayerOverall  int       `json:"playerOverall"`
	PlayerPosition string    `json:"playerPosition"`
}

// Validate rejects sale payloads that cannot be stored.
func (r *SaleRecord) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("sale: missing id")
	}
	if r.PlayerID <= 0 {
		return fmt.Errorf("sale %s: missing player id", r.ID)
	}
	if r.Price < 0 {
		return fmt.Errorf("sale %s: negative price", r.ID)
	}
	if r.SoldAt.IsZero() {
		return fmt.Errorf("sale %s: missing soldAt", r.ID)
	}
	return nil
}

// ToDomain converts the payload to a store record.
func (r *SaleRecord) ToDomain(origin string) *domain.Sale {
	return &domain.Sale{
		ID:             r.ID,
		PlayerID:       r.PlayerID,
		Price:          r.Price,
		SellerID:       r.SellerID,
		BuyerID:        r.BuyerID,
		SoldAt:         r.SoldAt.UTC(),
		PlayerAge:      r.PlayerAge,
		PlayerOverall:  r.PlayerOverall,
		PlayerPosition: strings.ToUpper(strings.TrimSpace(r.PlayerPosition)),
		Source:         origin,
	}
}

// ListingRecord is the upstream listing payload.
type ListingRecord struct {
	ID             string    `json:"id"`
	PlayerID       int64     `json:"playerId"`
	Price          float64   `json:"price"`
	Status         string    `json:"status"`
	SellerID       string    `json:"sellerId"`
	ListedAt       time.Time `json:"listedAt"`
	PlayerAge      int       `json:"playerAge"`
	PlayerOverall  int       `json:"playerOverall"`
	PlayerPosition string    `json:"playerPosition"`
}

// Validate rejects listing payloads that cannot be stored.
func (r *ListingRecord) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("listing: missing id")
	}
	if r.PlayerID <= 0 {
		return fmt.Errorf("listing %s: missing player id", r.ID)
	}
	if r.Price < 0 {
		return fmt.Errorf("listing %s: negative price", r.ID)
	}
	if r.ListedAt.IsZero() {
		return fmt.Errorf("listing %s: missing listedAt", r.ID)
	}
	return nil
}

// ToDomain converts the payload to a store record.
func (r *ListingRecord) ToDomain(origin string) *domain.Listing {
	status := domain.ListingStatus(strings.ToUpper(strings.TrimSpace(r.Status)))
	if status == "" {
		status = domain.ListingStatusAvailable
	}
	return &domain.Listing{
		ID:             r.ID,
		PlayerID:       r.PlayerID,
		Price:          r.Price,
		Status:         status,
		SellerID:       r.SellerID,
		ListedAt:       r.ListedAt.UTC(),
		PlayerAge:      r.PlayerAge,
		PlayerOverall:  r.PlayerOverall,
		PlayerPosition: strings.ToUpper(strings.TrimSpace(r.PlayerPosition)),
		Source:         origin,
	}
}

// DecodePlayer parses and validates one raw player record.
func DecodePlayer(raw json.RawMessage) (*PlayerRecord, error) {
	var rec PlayerRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode player: %w", err)
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return &rec, nil
}

// DecodeSale parses and validates one raw sale record.
func DecodeSale(raw json.RawMessage) (*SaleRecord, error) {
	var rec SaleRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode sale: %w", err)
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return &rec, nil
}

// DecodeListing parses and validates one raw listing record.
func DecodeListing(raw json.RawMessage) (*ListingRecord, error) {
	var rec ListingRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode listing: %w", err)
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return &rec, nil
}
