package scoring

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/floworacle/internal/models"
)

func testRules() *Rules {
	return &Rules{
		Thresholds: map[string]map[string]float64{
			"*":    {"CEX": 150000, "DEX": 250000, "VC": 1000000, "MERCADO": 0},
			"AAVE": {"CEX": 150000},
			"ETH":  {"DEX": 500000},
		},
		K: map[string]float64{"*": 0.4, "ETH": 0.2},
		Weights: map[string]float64{
			"CEX_IN": 1.5, "CEX_OUT": -1.0, "DEX": 0.5, "VC_IN": 1.2, "VC_OUT": -0.7, "MERCADO": 0.3,
		},
	}
}

func TestResolve_OverrideThenWildcard(t *testing.T) {
	table := map[string]float64{"*": 1, "AAVE": 2}
	v, ok := Resolve(table, "aave")
	require.True(t, ok)
	assert.Equal(t, 2.0, v)

	v, ok = Resolve(table, "LINK")
	require.True(t, ok)
	assert.Equal(t, 1.0, v)

	_, ok = Resolve(map[string]float64{}, "LINK")
	assert.False(t, ok)
}

func TestRules_MinTxUSD(t *testing.T) {
	r := testRules()
	assert.Equal(t, 500000.0, r.MinTxUSD("ETH", "DEX"))
	assert.Equal(t, 150000.0, r.MinTxUSD("ETH", "CEX"), "group missing from token table falls back to wildcard")
	assert.Equal(t, 1000000.0, r.MinTxUSD("LINK", "VC"))
	assert.Equal(t, 0.0, r.MinTxUSD("LINK", "OTHER"))
}

func TestRules_ScalerAndWeight(t *testing.T) {
	r := testRules()
	assert.Equal(t, 0.2, r.Scaler("ETH"))
	assert.Equal(t, 0.4, r.Scaler("AAVE"))
	assert.Equal(t, 1.0, (&Rules{}).Scaler("AAVE"))
	assert.Equal(t, 1.5, r.Weight(models.CategoryCEXIn))
	assert.Equal(t, 0.0, (&Rules{}).Weight(models.CategoryDEX))
}

func TestScore_WorkedExample(t *testing.T) {
	r := testRules()
	s := NewScorer(r, nil)
	weighted := r.Weighted(models.Event{Token: "AAVE", Category: models.CategoryCEXIn, SignedUSD: 200000})
	require.Equal(t, 300000.0, weighted)

	b := NewBaselines(BaselineConfig{Mode: BaselineStatic}, r)
	baseline := b.Baseline("AAVE", models.GroupCEX, 1)
	require.Equal(t, 150000.0, baseline)

	conf := s.Score(weighted, baseline, "AAVE")
	assert.InDelta(t, 50+50*math.Tanh(0.8), conf, 1e-12)
	assert.InDelta(t, 83.2, conf, 0.05)
}

func TestScore_ZeroIsNeutral(t *testing.T) {
	s := NewScorer(testRules(), nil)
	assert.Equal(t, 50.0, s.Score(0, 150000, "AAVE"))
	assert.Equal(t, 50.0, Confidence(0))
}

func TestScore_Monotone(t *testing.T) {
	s := NewScorer(testRules(), nil)
	prev := s.Score(-1e7, 150000, "AAVE")
	for w := -1e7 + 5e4; w <= 1e7; w += 5e4 {
		cur := s.Score(w, 150000, "AAVE")
		assert.GreaterOrEqual(t, cur, prev, "weighted sum %v", w)
		prev = cur
	}
	assert.Greater(t, s.Score(100000, 150000, "AAVE"), s.Score(50000, 150000, "AAVE"))
}

func TestConfidence_OpenInterval(t *testing.T) {
	for _, x := range []float64{-1e300, -1e6, -40, -1, 1, 40, 1e6, 1e300} {
		c := Confidence(x)
		assert.Greater(t, c, 0.0, "x=%v", x)
		assert.Less(t, c, 100.0, "x=%v", x)
	}
}

func TestMarketCaps_Factor(t *testing.T) {
	caps := map[string]float64{"AAVE": 4e9, "hype": 2.5e8}

	inv, err := NewMarketCaps(caps, 1e9, "inverse")
	require.NoError(t, err)
	assert.InDelta(t, 0.25, inv.Factor("AAVE"), 1e-12)
	assert.InDelta(t, 4.0, inv.Factor("HYPE"), 1e-12)
	assert.Equal(t, 1.0, inv.Factor("LINK"), "missing cap defaults to 1")

	sqrt, err := NewMarketCaps(caps, 1e9, "inverse_sqrt")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, sqrt.Factor("AAVE"), 1e-12)

	lg, err := NewMarketCaps(caps, 1e9, "log")
	require.NoError(t, err)
	assert.Less(t, lg.Factor("AAVE"), 1.0)
	assert.Greater(t, lg.Factor("HYPE"), 1.0)

	none, err := NewMarketCaps(caps, 1e9, "none")
	require.NoError(t, err)
	assert.Equal(t, 1.0, none.Factor("AAVE"))

	_, err = NewMarketCaps(caps, 1e9, "cube")
	assert.Error(t, err)
	_, err = NewMarketCaps(caps, 0, "inverse")
	assert.Error(t, err)

	var nilCaps *MarketCaps
	assert.Equal(t, 1.0, nilCaps.Factor("AAVE"))
}

func TestScore_MarketCapDampens(t *testing.T) {
	r := testRules()
	caps, err := NewMarketCaps(map[string]float64{"ETH": 4e11, "HYPE": 2e8}, 1e9, "inverse_sqrt")
	require.NoError(t, err)
	s := NewScorer(&Rules{K: map[string]float64{"*": 0.4}, Weights: r.Weights}, caps)
	big := s.ScoreRatio(2, "ETH")
	small := s.ScoreRatio(2, "HYPE")
	assert.Less(t, big, small)
}

func TestPercentile(t *testing.T) {
	assert.Equal(t, 0.0, Percentile(nil, 0.5))
	assert.Equal(t, 5.0, Percentile([]float64{5}, 0.85))
	assert.InDelta(t, 2.5, Percentile([]float64{4, 1, 3, 2}, 0.5), 1e-12)
	assert.InDelta(t, 8.65, Percentile([]float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, 0.85), 1e-12)
	assert.Equal(t, 10.0, Percentile([]float64{10, 1}, 1))
}

func TestBaselines_Static(t *testing.T) {
	b := NewBaselines(BaselineConfig{Mode: BaselineStatic}, testRules())
	assert.Equal(t, 600000.0, b.Baseline("AAVE", models.GroupCEX, 4))
	assert.Equal(t, 1.0, b.Baseline("AAVE", models.GroupMercado, 24), "zero threshold falls back to floor")
}

func TestBaselines_PercentileWithFallback(t *testing.T) {
	base := time.Date(2025, 8, 26, 0, 0, 0, 0, time.UTC)
	b := NewBaselines(BaselineConfig{
		Mode:       BaselinePercentile,
		Percentile: 0.5,
		Lookback:   2 * time.Hour,
		MinSamples: 3,
		Refresh:    10 * time.Minute,
	}, testRules())

	for i, usd := range []float64{100000, 200000} {
		b.Observe(models.Event{Token: "AAVE", Category: models.CategoryCEXIn, RawUSD: usd, Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}
	require.True(t, b.Refresh(base.Add(5*time.Minute)))
	assert.Equal(t, 150000.0, b.Baseline("AAVE", models.GroupCEX, 1), "too few samples uses static")

	b.Observe(models.Event{Token: "AAVE", Category: models.CategoryCEXOut, RawUSD: 300000, Timestamp: base.Add(6 * time.Minute)})
	assert.False(t, b.Refresh(base.Add(7*time.Minute)), "refresh is scheduled, not per event")
	assert.Equal(t, 150000.0, b.Baseline("AAVE", models.GroupCEX, 1), "stale until next refresh")

	require.True(t, b.Refresh(base.Add(15*time.Minute)))
	assert.Equal(t, 200000.0, b.Baseline("AAVE", models.GroupCEX, 1))

	require.True(t, b.Refresh(base.Add(3*time.Hour)))
	assert.Equal(t, 150000.0, b.Baseline("AAVE", models.GroupCEX, 1), "samples aged out of lookback")
}

func TestParseBaselineMode(t *testing.T) {
	m, err := ParseBaselineMode("Percentile")
	require.NoError(t, err)
	assert.Equal(t, BaselinePercentile, m)
	_, err = ParseBaselineMode("median")
	assert.Error(t, err)
}
