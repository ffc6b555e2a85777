package valuation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func repeat(n int, s Sample) []Sample {
	out := make([]Sample, n)
	for i := range out {
		out[i] = s
	}
	return out
}

var testConfig = Config{
	AgeBucketWidth:     2,
	OverallBucketWidth: 5,
	MinSampleSize:      5,
	FallbackRadius:     2,
	Central:            CentralMedian,
}

// Bucket A: ST, age 24, overall 80 with 50 sales at 100.
// Bucket B: ST, age 24, overall 70 with 200 sales at 50 (baseline).
func abCorpus() []Sample {
	samples := repeat(50, Sample{Position: "ST", Age: 24, Overall: 80, Price: 100})
	return append(samples, repeat(200, Sample{Position: "ST", Age: 24, Overall: 70, Price: 50})...)
}

func TestMultiplierAgainstBaseline(t *testing.T) {
	m, err := BuildMatrix(abCorpus(), testConfig)
	require.NoError(t, err)

	base := m.Baseline()
	require.NotNil(t, base)
	assert.Equal(t, Key{Position: "ST", AgeBucket: 24, OverallBucket: 70}, base.Key)
	assert.Equal(t, 200, base.Count)

	mult, ok := m.Multiplier(base.Key)
	require.True(t, ok)
	assert.InDelta(t, 1.0, mult, 1e-9)

	mult, ok = m.Multiplier(m.KeyFor("ST", 24, 80))
	require.True(t, ok)
	assert.InDelta(t, 2.0, mult, 1e-9)
}

func TestDirectEstimate(t *testing.T) {
	m, err := BuildMatrix(abCorpus(), testConfig)
	require.NoError(t, err)

	est := m.Estimate("ST", 25, 82)
	require.NotNil(t, est.Value)
	assert.InDelta(t, 100.0, *est.Value, 1e-9)
	assert.Equal(t, MethodDirect, est.Method)
	assert.Equal(t, ConfidenceHigh, est.Confidence)
	assert.Equal(t, 50, est.SampleSize)
}

func TestFallbackToNearestBucket(t *testing.T) {
	m, err := BuildMatrix(abCorpus(), testConfig)
	require.NoError(t, err)

	// overall 85 sits one bucket above A and has no sales of its own.
	est := m.Estimate("ST", 24, 85)
	require.NotNil(t, est.Value)
	assert.InDelta(t, 100.0, *est.Value, 1e-9, "baseline price x nearest multiplier")
	assert.Equal(t, MethodFallback, est.Method)
	assert.Equal(t, ConfidenceMedium, est.Confidence, "fallback lowers confidence one tier")
	require.NotNil(t, est.Source)
	assert.Equal(t, 80, est.Source.OverallBucket)
}

func TestFallbackStaysInPositionGroup(t *testing.T) {
	m, err := BuildMatrix(abCorpus(), testConfig)
	require.NoError(t, err)

	est := m.Estimate("CF", 24, 80)
	require.NotNil(t, est.Value, "CF shares the forward group with ST")
	assert.Equal(t, MethodFallback, est.Method)

	est = m.Estimate("CB", 24, 80)
	assert.Nil(t, est.Value)
	assert.Equal(t, MethodNone, est.Method)
}

func TestFallbackRadiusBound(t *testing.T) {
	m, err := BuildMatrix(abCorpus(), testConfig)
	require.NoError(t, err)

	// 95 is three buckets above A and five above B.
	est := m.Estimate("ST", 24, 95)
	assert.Nil(t, est.Value, "out of radius leaves the estimate unset, not zero")
	assert.Equal(t, MethodNone, est.Method)
}

func TestSparseCellsHaveNoMultiplier(t *testing.T) {
	samples := append(abCorpus(), repeat(4, Sample{Position: "ST", Age: 24, Overall: 60, Price: 20})...)
	m, err := BuildMatrix(samples, testConfig)
	require.NoError(t, err)

	k := m.KeyFor("ST", 24, 60)
	require.NotNil(t, m.Cell(k))
	assert.Equal(t, 4, m.Cell(k).Count)
	_, ok := m.Multiplier(k)
	assert.False(t, ok)

	total, valid := m.CellCount()
	assert.Equal(t, 3, total)
	assert.Equal(t, 2, valid)
}

func TestBaselineSkipsNonPositiveCells(t *testing.T) {
	samples := repeat(300, Sample{Position: "GK", Age: 30, Overall: 60, Price: 0})
	samples = append(samples, repeat(10, Sample{Position: "GK", Age: 30, Overall: 65, Price: 40})...)

	m, err := BuildMatrix(samples, testConfig)
	require.NoError(t, err)
	require.NotNil(t, m.Baseline())
	assert.Equal(t, 65, m.Baseline().Key.OverallBucket)

	// The zero-priced cell still has enough samples and prices to exactly zero.
	est := m.Estimate("GK", 30, 61)
	require.NotNil(t, est.Value)
	assert.Zero(t, *est.Value)
	assert.Equal(t, MethodDirect, est.Method)
}

func TestNoUsableSales(t *testing.T) {
	_, err := BuildMatrix(nil, testConfig)
	assert.ErrorIs(t, err, ErrNoSales)

	_, err = BuildMatrix([]Sample{{Position: "", Price: 10}, {Position: "ST", Price: -1}}, testConfig)
	assert.ErrorIs(t, err, ErrNoSales)
}

func TestBaselineBelowThresholdYieldsNothing(t *testing.T) {
	m, err := BuildMatrix(repeat(3, Sample{Position: "ST", Age: 20, Overall: 70, Price: 10}), testConfig)
	require.NoError(t, err)
	_, valid := m.CellCount()
	assert.Zero(t, valid)
	assert.Nil(t, m.Estimate("ST", 20, 70).Value)
}

func TestCentralTendency(t *testing.T) {
	prices := []float64{1, 2, 3, 100}
	assert.InDelta(t, 2.5, central(prices, CentralMedian), 1e-9)
	assert.InDelta(t, 26.5, central(prices, CentralMean), 1e-9)
	assert.InDelta(t, 3.0, central([]float64{5, 3, 1}, CentralMedian), 1e-9)
}

func TestConfidenceTiers(t *testing.T) {
	assert.Equal(t, ConfidenceLow, ConfidenceFor(4))
	assert.Equal(t, ConfidenceMedium, ConfidenceFor(5))
	assert.Equal(t, ConfidenceMedium, ConfidenceFor(19))
	assert.Equal(t, ConfidenceHigh, ConfidenceFor(20))
	assert.Equal(t, ConfidenceLow, ConfidenceLow.Lower())
	assert.Equal(t, ConfidenceMedium, ConfidenceHigh.Lower())
}

func TestSnapshotIsSorted(t *testing.T) {
	m, err := BuildMatrix(abCorpus(), testConfig)
	require.NoError(t, err)
	snap := m.Snapshot()
	require.Len(t, snap.Cells, 2)
	assert.Equal(t, 250, snap.SampleCount)
	assert.Less(t, snap.Cells[0].Key.String(), snap.Cells[1].Key.String())
}
