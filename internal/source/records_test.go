package source

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePlayer(t *testing.T) {
	rec, err := DecodePlayer(json.RawMessage(`{"id":5,"firstName":"Jan","lastName":"Smit","age":23,"positions":["st"," lw "],"overall":71}`))
	require.NoError(t, err)

	p := rec.ToDomain(time.Now())
	assert.Equal(t, "Jan Smit", p.Name)
	assert.Equal(t, "ST", p.Position)
	assert.Equal(t, []string{"ST", "LW"}, []string(p.Positions))
	assert.Nil(t, p.MarketValueEstimate)
}

func TestDecodeRejectsInvalidRecords(t *testing.T) {
	tests := []struct {
		name   string
		decode func(json.RawMessage) error
		raw    string
	}{
		{"player without id", func(r json.RawMessage) error { _, err := DecodePlayer(r); return err }, `{"name":"x"}`},
		{"player not json", func(r json.RawMessage) error { _, err := DecodePlayer(r); return err }, `{"id":`},
		{"sale negative price", func(r json.RawMessage) error { _, err := DecodeSale(r); return err }, `{"id":"s","playerId":1,"price":-1,"soldAt":"2024-01-01T00:00:00Z"}`},
		{"sale missing time", func(r json.RawMessage) error { _, err := DecodeSale(r); return err }, `{"id":"s","playerId":1,"price":1}`},
		{"listing missing player", func(r json.RawMessage) error { _, err := DecodeListing(r); return err }, `{"id":"l","price":1,"listedAt":"2024-01-01T00:00:00Z"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.decode(json.RawMessage(tt.raw)))
		})
	}
}

func TestListingDefaultsToAvailable(t *testing.T) {
	rec, err := DecodeListing(json.RawMessage(`{"id":"l1","playerId":9,"price":12.5,"listedAt":"2024-01-01T00:00:00Z","playerPosition":"cb"}`))
	require.NoError(t, err)
	l := rec.ToDomain("live")
	assert.Equal(t, "AVAILABLE", string(l.Status))
	assert.Equal(t, "CB", l.PlayerPosition)
	assert.Equal(t, "live", l.Source)
}
