package snapshot

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/floworacle/internal/models"
	"github.com/rewired-gh/floworacle/internal/scoring"
	"github.com/rewired-gh/floworacle/internal/window"
)

var t0 = time.Date(2025, 8, 26, 0, 0, 0, 0, time.UTC)

func testRules() *scoring.Rules {
	return &scoring.Rules{
		Thresholds: map[string]map[string]float64{
			"*": {"CEX": 150000, "DEX": 250000, "VC": 1000000, "MERCADO": 0},
		},
		K: map[string]float64{"*": 0.4},
		Weights: map[string]float64{
			"CEX_IN": 1.5, "CEX_OUT": -1.0, "DEX": 0.5, "VC_IN": 1.2, "VC_OUT": -0.7, "MERCADO": 0.3,
		},
	}
}

func newBuilder(t *testing.T, cfg Config) (*Builder, *window.Accumulator) {
	t.Helper()
	rules := testRules()
	acc := window.New(window.DefaultSpecs(), rules, 0)
	baselines := scoring.NewBaselines(scoring.BaselineConfig{Mode: scoring.BaselineStatic}, rules)
	return NewBuilder(cfg, acc, baselines, scoring.NewScorer(rules, nil)), acc
}

func event(token string, c models.Category, usd float64, at time.Time) models.Event {
	return models.Event{Token: token, Category: c, SignedUSD: usd, RawUSD: math.Abs(usd), Timestamp: at}
}

func TestBuild_WorkedExample(t *testing.T) {
	b, acc := newBuilder(t, Config{Tokens: []string{"AAVE", "LINK"}})
	acc.Ingest(event("AAVE", models.CategoryCEXIn, 200000, t0.Add(-10*time.Minute)))
	acc.Tick(t0)

	snap := b.Build(t0)
	require.Equal(t, []string{"1h", "4h", "24h"}, snap.Windows)

	h1 := snap.Agg["AAVE"]["1h"]
	assert.InDelta(t, 83.2, h1.Conf, 0.01)
	assert.Equal(t, 1, h1.Events)
	assert.Equal(t, 300000.0, h1.USD)

	// 4h baseline is four times larger, so the same flow is weaker.
	h4 := snap.Agg["AAVE"]["4h"]
	assert.Less(t, h4.Conf, h1.Conf)
	assert.Greater(t, h4.Conf, 50.0)

	for _, w := range snap.Windows {
		assert.Equal(t, models.WindowStat{Conf: 50}, snap.Agg["LINK"][w], "unseen token is neutral in %s", w)
	}
}

func TestBuild_BreakdownSumsToDeviation(t *testing.T) {
	b, acc := newBuilder(t, Config{Tokens: []string{"AAVE"}})
	acc.Ingest(event("AAVE", models.CategoryCEXIn, 200000, t0.Add(-30*time.Minute)))
	acc.Ingest(event("AAVE", models.CategoryCEXOut, 100000, t0.Add(-20*time.Minute)))
	acc.Ingest(event("AAVE", models.CategoryDEX, -300000, t0.Add(-10*time.Minute)))
	acc.Tick(t0)

	snap := b.Build(t0)
	bd := snap.Breakdowns["AAVE"]["1h"]
	require.Len(t, bd.EventsList, 3)

	var delta, pct float64
	for _, it := range bd.EventsList {
		delta += it.DeltaConf
		pct += it.PctNorm
	}
	assert.InDelta(t, bd.Conf-50, delta, 0.01)
	assert.InDelta(t, 100, pct, 0.02)
	assert.InDelta(t, bd.Conf, bd.EventsList[2].ConfAfter, 0.01)
	assert.Equal(t, "CEX_IN", bd.EventsList[0].Kind)
	assert.Equal(t, 200000.0, bd.EventsList[0].USDAmount)
	assert.Equal(t, 300000.0, bd.EventsList[0].Pressure)
}

func TestBuild_MixedGroupsUseWeightedBaseline(t *testing.T) {
	b, acc := newBuilder(t, Config{Tokens: []string{"AAVE"}})
	acc.Ingest(event("AAVE", models.CategoryCEXIn, 100000, t0.Add(-time.Minute)))
	acc.Ingest(event("AAVE", models.CategoryDEX, 500000, t0.Add(-time.Minute)))
	acc.Tick(t0)

	snap := b.Build(t0)
	// B = (150000*150000 + 250000*250000) / 400000 = 212500
	ratio := 400000.0 / 212500.0
	assert.InDelta(t, 50+50*math.Tanh(0.4*ratio), snap.Agg["AAVE"]["1h"].Conf, 0.01)

	bd := snap.Breakdowns["AAVE"]["1h"]
	require.Len(t, bd.EventsList, 2)
	assert.InDelta(t, ratio, bd.EventsList[0].PressureNorm+bd.EventsList[1].PressureNorm, 1e-6)
	assert.InDelta(t, bd.Conf, bd.EventsList[1].ConfAfter, 0.01)
}

func TestBuild_OffsettingGroupsAreNeutral(t *testing.T) {
	b, acc := newBuilder(t, Config{Tokens: []string{"AAVE"}})
	acc.Ingest(event("AAVE", models.CategoryCEXIn, 200000, t0.Add(-2*time.Minute)))
	acc.Ingest(event("AAVE", models.CategoryDEX, -600000, t0.Add(-time.Minute)))
	acc.Tick(t0)

	snap := b.Build(t0)
	stat := snap.Agg["AAVE"]["1h"]
	assert.Equal(t, 0.0, stat.USD)
	assert.Equal(t, 50.0, stat.Conf)
	assert.Equal(t, 2, stat.Events)
	assert.Equal(t, "Neutral", Direction(stat.Conf))
	for _, it := range snap.Breakdowns["AAVE"]["1h"].EventsList {
		assert.Zero(t, it.DeltaConf)
	}
}

func TestBuild_ZeroAmountEventIsNeutral(t *testing.T) {
	b, acc := newBuilder(t, Config{Tokens: []string{"AAVE"}})
	acc.Ingest(event("AAVE", models.CategoryCEXIn, 0, t0.Add(-time.Minute)))
	acc.Tick(t0)

	stat := b.Build(t0).Agg["AAVE"]["1h"]
	assert.Equal(t, 1, stat.Events)
	assert.Equal(t, 50.0, stat.Conf)
}

// Build reflects the last tick; eviction belongs to the tick.
func TestBuild_DoesNotTick(t *testing.T) {
	b, acc := newBuilder(t, Config{Tokens: []string{"AAVE"}})
	acc.Ingest(event("AAVE", models.CategoryCEXIn, 200000, t0.Add(-50*time.Minute)))
	acc.Tick(t0)

	b.Build(t0.Add(2 * time.Hour))
	assert.Equal(t, 1, acc.State("AAVE", "1h").Count(), "building must not evict")
	assert.Equal(t, t0, acc.Now())

	acc.Tick(t0.Add(2 * time.Hour))
	later := b.Build(t0.Add(2 * time.Hour))
	assert.Equal(t, models.WindowStat{Conf: 50}, later.Agg["AAVE"]["1h"])
	assert.Equal(t, 1, later.Agg["AAVE"]["4h"].Events)
}

func TestBuild_MaxBreakdownLinesKeepsNewest(t *testing.T) {
	b, acc := newBuilder(t, Config{Tokens: []string{"AAVE"}, MaxBreakdownLines: 2})
	for i := 0; i < 5; i++ {
		acc.Ingest(event("AAVE", models.CategoryCEXIn, float64(100000*(i+1)), t0.Add(time.Duration(i-10)*time.Minute)))
	}
	acc.Tick(t0)

	bd := b.Build(t0).Breakdowns["AAVE"]["1h"]
	require.Len(t, bd.EventsList, 2)
	assert.Equal(t, 5, bd.Events)
	assert.Equal(t, 500000.0, bd.EventsList[1].USDAmount)
}

func TestBuild_TextDeterministic(t *testing.T) {
	cfg := Config{
		Tokens:           []string{"AAVE"},
		TZOffsetHours:    2,
		VerboseBreakdown: true,
		BreakdownWindows: []string{"1h", "24h"},
	}
	b, acc := newBuilder(t, cfg)
	ev := event("AAVE", models.CategoryCEXIn, 200000, t0.Add(-10*time.Minute))
	ev.Exchange = "Binance"
	acc.Ingest(ev)
	acc.Tick(t0)

	snap := b.Build(t0)
	assert.Equal(t, snap.Text, FormatText(snap, cfg))
	assert.Contains(t, snap.Text, "2025-08-26 02:00:00 UTC+2")
	assert.Contains(t, snap.Text, "1h → Buy (confidence 83/100)  events=1, Σ=$300,000.00")
	assert.Contains(t, snap.Text, "📊 Breakdown 24h:")
	assert.Contains(t, snap.Text, "01:50:00 CEX_IN")
	assert.Contains(t, snap.Text, "[Binance]")
	assert.False(t, strings.HasSuffix(snap.Text, "\n"))
}

func TestDirection(t *testing.T) {
	assert.Equal(t, "Buy", Direction(55.1))
	assert.Equal(t, "Neutral", Direction(55))
	assert.Equal(t, "Neutral", Direction(45))
	assert.Equal(t, "Sell", Direction(44.9))
}

func TestZoneSuffix(t *testing.T) {
	assert.Equal(t, "UTC+0", ZoneSuffix(0))
	assert.Equal(t, "UTC+3", ZoneSuffix(3))
	assert.Equal(t, "UTC-5", ZoneSuffix(-5))
}

func TestMoney(t *testing.T) {
	assert.Equal(t, "$1,234.50", money(1234.5))
	assert.Equal(t, "-$300,000.00", money(-300000))
	assert.Equal(t, "$0.00", money(0))
}
