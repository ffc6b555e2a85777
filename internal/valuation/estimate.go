package valuation

import "sort"

var positionGroups = map[string]string{
	"GK":  "GK",
	"CB":  "DEF",
	"LB":  "DEF",
	"RB":  "DEF",
	"LWB": "DEF",
	"RWB": "DEF",
	"CDM": "MID",
	"CM":  "MID",
	"CAM": "MID",
	"LM":  "MID",
	"RM":  "MID",
	"LW":  "FWD",
	"RW":  "FWD",
	"CF":  "FWD",
	"ST":  "FWD",
}

// PositionGroup returns the fallback group of a position. Unknown positions
// form a group of their own.
func PositionGroup(position string) string {
	p := NormalizePosition(position)
	if g, ok := positionGroups[p]; ok {
		return g
	}
	return p
}

// Method describes how an estimate was reached.
type Method string

const (
	MethodDirect   Method = "direct"
	MethodFallback Method = "fallback"
	MethodNone     Method = "none"
)

// Estimate is the priced outcome for one player.
type Estimate struct {
	Value      *float64   `json:"value"`
	Method     Method     `json:"method"`
	Confidence Confidence `json:"confidence,omitempty"`
	SampleSize int        `json:"sampleSize"`
	Cell       Key        `json:"cell"`
	Source     *Key       `json:"source,omitempty"`
}

// Estimate prices a player from the matrix.
// The player's own cell is used when it has a multiplier. Otherwise the nearest
// valid cell by overall-bucket distance within the same age bucket and position
// group is used, up to the fallback radius, with confidence lowered one tier.
// Ties prefer the player's own position, then the larger sample.
func (m *Matrix) Estimate(position string, age, overall int) Estimate {
	k := m.KeyFor(position, age, overall)
	est := Estimate{Method: MethodNone, Cell: k}
	if m.baseline == nil {
		return est
	}

	if c := m.cells[k]; c.Valid() {
		v := m.baseline.CentralPrice * *c.Multiplier
		est.Value = &v
		est.Method = MethodDirect
		est.Confidence = ConfidenceFor(c.Count)
		est.SampleSize = c.Count
		return est
	}

	best := m.nearest(k)
	if best == nil {
		return est
	}
	v := m.baseline.CentralPrice * *best.Multiplier
	src := best.Key
	est.Value = &v
	est.Method = MethodFallback
	est.Confidence = ConfidenceFor(best.Count).Lower()
	est.SampleSize = best.Count
	est.Source = &src
	return est
}

func (m *Matrix) nearest(k Key) *Cell {
	group := PositionGroup(k.Position)
	width := m.cfg.OverallBucketWidth

	type candidate struct {
		cell     *Cell
		distance int
		samePos  bool
	}
	var candidates []candidate
	for _, c := range m.cells {
		if !c.Valid() || c.Key == k || c.Key.AgeBucket != k.AgeBucket {
			continue
		}
		if PositionGroup(c.Key.Position) != group {
			continue
		}
		d := (c.Key.OverallBucket - k.OverallBucket) / width
		if d < 0 {
			d = -d
		}
		if d > m.cfg.FallbackRadius {
			continue
		}
		candidates = append(candidates, candidate{cell: c, distance: d, samePos: c.Key.Position == k.Position})
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.distance != b.distance {
			return a.distance < b.distance
		}
		if a.samePos != b.samePos {
			return a.samePos
		}
		if a.cell.Count != b.cell.Count {
			return a.cell.Count > b.cell.Count
		}
		return a.cell.Key.String() < b.cell.Key.String()
	})
	return candidates[0].cell
}
