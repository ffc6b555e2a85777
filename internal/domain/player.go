package domain

import "time"

// Market value methods recorded on a player after a market-values run.
const (
	ValuationMethodDirect   = "direct"
	ValuationMethodFallback = "fallback"
	ValuationMethodNone     = "none"
)

// Player is the canonical marketplace player record.
// Market fields are written only by the market-values stage; players-import leaves them alone.
type Player struct {
	ID          int64       `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Name        string      `gorm:"type:text;not null" json:"name"`
	Nationality string      `gorm:"type:text" json:"nationality,omitempty"`
	Age         int         `gorm:"index:idx_players_bucket" json:"age"`
	Positions   StringArray `gorm:"type:text" json:"positions"`
	Position    string      `gorm:"type:text;index:idx_players_bucket" json:"position"`
	Overall     int         `gorm:"index:idx_players_bucket" json:"overall"`
	Pace        int         `json:"pace"`
	Shooting    int         `json:"shooting"`
	Passing     int         `json:"passing"`
	Dribbling   int         `json:"dribbling"`
	Defense     int         `json:"defense"`
	Physical    int         `json:"physical"`
	Goalkeeping int         `json:"goalkeeping"`
	OwnerID     string      `gorm:"type:text" json:"owner_id,omitempty"`

	MarketValueEstimate   *float64   `json:"market_value_estimate"`
	MarketValueConfidence string     `gorm:"type:text" json:"market_value_confidence,omitempty"`
	MarketValueMethod     string     `gorm:"type:text" json:"market_value_method,omitempty"`
	MarketValueSampleSize int        `gorm:"default:0" json:"market_value_sample_size"`
	MarketValueUpdatedAt  *time.Time `json:"market_value_updated_at,omitempty"`
	SyncStage             string     `gorm:"type:text" json:"sync_stage,omitempty"`

	LastSyncedAt time.Time `json:"last_synced_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName returns the database table name for Player.
func (Player) TableName() string {
	return "players"
}

// HasDegenerateValue reports a completed computation that produced exactly zero.
func (p *Player) HasDegenerateValue() bool {
	return p.MarketValueUpdatedAt != nil && p.MarketValueEstimate != nil && *p.MarketValueEstimate == 0
}

// MarketValueUpdate carries the market fields written for one player.
type MarketValueUpdate struct {
	PlayerID   int64
	Estimate   *float64
	Confidence string
	Method     string
	SampleSize int
	SyncStage  string
	UpdatedAt  time.Time
}
