// Package valuation builds the position x age x overall multiplier matrix from
// observed sales and prices players against it.
package valuation

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// ErrNoSales is returned when there is no usable sale to build a matrix from.
var ErrNoSales = errors.New("no sales to build market values from")

// Central selects the central tendency used for cell prices.
type Central string

const (
	CentralMedian Central = "median"
	CentralMean   Central = "mean"
)

// Confidence is the tiered trust in an estimate.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// ConfidenceFor maps a sample count to a tier: low <5, medium <20, high otherwise.
func ConfidenceFor(samples int) Confidence {
	switch {
	case samples < 5:
		return ConfidenceLow
	case samples < 20:
		return ConfidenceMedium
	default:
		return ConfidenceHigh
	}
}

// Lower drops confidence by one tier; low stays low.
func (c Confidence) Lower() Confidence {
	switch c {
	case ConfidenceHigh:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// Config controls bucketing and the sparse-cell threshold.
type Config struct {
	AgeBucketWidth     int
	OverallBucketWidth int
	MinSampleSize      int
	FallbackRadius     int // in overall buckets
	Central            Central
}

func (c Config) withDefaults() Config {
	if c.AgeBucketWidth <= 0 {
		c.AgeBucketWidth = 2
	}
	if c.OverallBucketWidth <= 0 {
		c.OverallBucketWidth = 5
	}
	if c.MinSampleSize <= 0 {
		c.MinSampleSize = 1
	}
	if c.FallbackRadius < 0 {
		c.FallbackRadius = 0
	}
	if c.Central != CentralMean {
		c.Central = CentralMedian
	}
	return c
}

// Sample is one sale with the player's attributes at the time of sale.
type Sample struct {
	Position string
	Age      int
	Overall  int
	Price    float64
}

// Key identifies a matrix cell. Buckets are stored as their lower bound.
type Key struct {
	Position      string `json:"position"`
	AgeBucket     int    `json:"ageBucket"`
	OverallBucket int    `json:"overallBucket"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%d|%d", k.Position, k.AgeBucket, k.OverallBucket)
}

// Cell holds the aggregated prices of one bucket.
type Cell struct {
	Key          Key        `json:"key"`
	Count        int        `json:"count"`
	CentralPrice float64    `json:"centralPrice"`
	Multiplier   *float64   `json:"multiplier,omitempty"`
	Confidence   Confidence `json:"confidence"`

	prices []float64
}

// Valid reports whether the cell produced a multiplier.
func (c *Cell) Valid() bool {
	return c != nil && c.Multiplier != nil
}

// Matrix is an immutable multiplier table built from one sales corpus.
type Matrix struct {
	cfg         Config
	cells       map[Key]*Cell
	baseline    *Cell
	sampleCount int
	builtAt     time.Time
}

// BuildMatrix aggregates samples into cells, picks the baseline and derives
// multipliers. Samples with a negative price or no position are ignored.
// Parameters:
//   - samples: sales with at-sale player attributes.
//   - cfg: bucket widths, sparse threshold and central tendency.
// Returns:
//   - *Matrix: the multiplier table.
//   - error: ErrNoSales when nothing usable remains.
func BuildMatrix(samples []Sample, cfg Config) (*Matrix, error) {
	cfg = cfg.withDefaults()
	m := &Matrix{cfg: cfg, cells: make(map[Key]*Cell), builtAt: time.Now()}

	for _, s := range samples {
		pos := NormalizePosition(s.Position)
		if pos == "" || s.Price < 0 || math.IsNaN(s.Price) || math.IsInf(s.Price, 0) {
			continue
		}
		k := m.KeyFor(pos, s.Age, s.Overall)
		c, ok := m.cells[k]
		if !ok {
			c = &Cell{Key: k}
			m.cells[k] = c
		}
		c.prices = append(c.prices, s.Price)
		m.sampleCount++
	}
	if m.sampleCount == 0 {
		return nil, ErrNoSales
	}

	for _, c := range m.cells {
		c.Count = len(c.prices)
		c.CentralPrice = central(c.prices, cfg.Central)
		c.Confidence = ConfidenceFor(c.Count)
		c.prices = nil
	}

	// Baseline: most samples among cells with a positive central price.
	for _, c := range m.sortedCells() {
		if c.CentralPrice <= 0 {
			continue
		}
		if m.baseline == nil || c.Count > m.baseline.Count {
			m.baseline = c
		}
	}
	if m.baseline == nil || m.baseline.Count < cfg.MinSampleSize {
		return m, nil
	}

	for _, c := range m.cells {
		if c.Count < cfg.MinSampleSize {
			continue
		}
		mult := c.CentralPrice / m.baseline.CentralPrice
		c.Multiplier = &mult
	}
	return m, nil
}

// KeyFor returns the cell key of a position, age and overall rating.
func (m *Matrix) KeyFor(position string, age, overall int) Key {
	return Key{
		Position:      NormalizePosition(position),
		AgeBucket:     bucket(age, m.cfg.AgeBucketWidth),
		OverallBucket: bucket(overall, m.cfg.OverallBucketWidth),
	}
}

// Baseline returns the baseline cell, or nil when no cell qualifies.
func (m *Matrix) Baseline() *Cell {
	return m.baseline
}

// Cell returns the cell at k, or nil.
func (m *Matrix) Cell(k Key) *Cell {
	return m.cells[k]
}

// Multiplier returns the multiplier of k if the cell has one.
func (m *Matrix) Multiplier(k Key) (float64, bool) {
	c := m.cells[k]
	if !c.Valid() {
		return 0, false
	}
	return *c.Multiplier, true
}

// Config returns the effective build configuration.
func (m *Matrix) Config() Config {
	return m.cfg
}

// SampleCount returns the number of samples that went into the matrix.
func (m *Matrix) SampleCount() int {
	return m.sampleCount
}

// BuiltAt returns when the matrix was built.
func (m *Matrix) BuiltAt() time.Time {
	return m.builtAt
}

// CellCount returns the total and the multiplier-bearing cell counts.
func (m *Matrix) CellCount() (total, valid int) {
	for _, c := range m.cells {
		total++
		if c.Valid() {
			valid++
		}
	}
	return total, valid
}

func (m *Matrix) sortedCells() []*Cell {
	cells := make([]*Cell, 0, len(m.cells))
	for _, c := range m.cells {
		cells = append(cells, c)
	}
	sort.Slice(cells, func(i, j int) bool {
		return cells[i].Key.String() < cells[j].Key.String()
	})
	return cells
}

// Snapshot is the archived form of a matrix.
type Snapshot struct {
	BuiltAt     time.Time `json:"builtAt"`
	Config      Config    `json:"config"`
	SampleCount int       `json:"sampleCount"`
	Baseline    *Cell     `json:"baseline,omitempty"`
	Cells       []*Cell   `json:"cells"`
}

// Snapshot returns a serializable copy of the matrix, cells sorted by key.
func (m *Matrix) Snapshot() Snapshot {
	return Snapshot{
		BuiltAt:     m.builtAt,
		Config:      m.cfg,
		SampleCount: m.sampleCount,
		Baseline:    m.baseline,
		Cells:       m.sortedCells(),
	}
}

func bucket(v, width int) int {
	if v < 0 {
		v = 0
	}
	return (v / width) * width
}

func central(prices []float64, how Central) float64 {
	if len(prices) == 0 {
		return 0
	}
	if how == CentralMean {
		sum := 0.0
		for _, p := range prices {
			sum += p
		}
		return sum / float64(len(prices))
	}
	sorted := append([]float64(nil), prices...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// NormalizePosition upper-cases and trims a position code.
func NormalizePosition(p string) string {
	return strings.ToUpper(strings.TrimSpace(p))
}
