// Package snapshot assembles point-in-time confidence tables from the window state.
package snapshot

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/floworacle/internal/models"
	"github.com/rewired-gh/floworacle/internal/scoring"
	"github.com/rewired-gh/floworacle/internal/window"
)

// Config controls what a snapshot contains.
type Config struct {
	Tokens            []string
	TZOffsetHours     int
	VerboseBreakdown  bool
	BreakdownWindows  []string
	MaxBreakdownLines int // 0 keeps every line
}

// Builder reads the accumulator, baselines and scorer to produce snapshots. It never
// mutates the window state and does not evict: Build reflects the state as of the last
// tick, so callers must tick the accumulator to the snapshot instant first.
type Builder struct {
	cfg       Config
	acc       *window.Accumulator
	baselines *scoring.Baselines
	scorer    *scoring.Scorer
}

// NewBuilder creates a snapshot builder.
func NewBuilder(cfg Config, acc *window.Accumulator, baselines *scoring.Baselines, scorer *scoring.Scorer) *Builder {
	return &Builder{cfg: cfg, acc: acc, baselines: baselines, scorer: scorer}
}

// Build produces the snapshot for now.
func (b *Builder) Build(now time.Time) *models.Snapshot {
	now = now.UTC().Truncate(time.Second)
	specs := b.acc.Specs()

	snap := &models.Snapshot{
		At:            now,
		TZOffsetHours: b.cfg.TZOffsetHours,
		Tokens:        append([]string(nil), b.cfg.Tokens...),
		Windows:       make([]string, len(specs)),
		Agg:           make(models.Agg, len(b.cfg.Tokens)),
		Breakdowns:    make(map[string]map[string]models.Breakdown, len(b.cfg.Tokens)),
	}
	for i, spec := range specs {
		snap.Windows[i] = spec.Label
	}

	for _, token := range b.cfg.Tokens {
		snap.Agg[token] = make(map[string]models.WindowStat, len(specs))
		snap.Breakdowns[token] = make(map[string]models.Breakdown, len(specs))
		for _, spec := range specs {
			stat, bd := b.scoreWindow(token, spec)
			snap.Agg[token][spec.Label] = stat
			snap.Breakdowns[token][spec.Label] = bd
		}
	}

	snap.Text = FormatText(snap, b.cfg)
	return snap
}

// scoreWindow scores one token window. The ratio is weighted_sum / B, where B is the
// group baselines averaged with weights |weighted_g|; with a single group B is that
// group's baseline. A window whose weighted sum is 0 therefore scores exactly 50.
//
// Per-event delta_conf apportions the total deviation from 50 in proportion to each
// event's normalized contribution. This is an approximation of the true marginal
// effect, which is not additive under tanh.
func (b *Builder) scoreWindow(token string, spec window.Spec) (models.WindowStat, models.Breakdown) {
	state := b.acc.State(token, spec.Label)
	if state == nil || state.Count() == 0 {
		return models.WindowStat{Conf: 50}, models.Breakdown{Conf: 50, EventsList: []models.Contribution{}}
	}

	denom := b.denominator(token, state, spec.Hours())
	var ratio float64
	if denom > 0 {
		ratio = state.WeightedSum() / denom
	}
	conf := b.scorer.ScoreRatio(ratio, token)
	stat := models.WindowStat{
		Conf:   roundConf(conf),
		Events: state.Count(),
		USD:    round(state.WeightedSum(), 2),
	}

	entries := state.Entries()
	norms := make([]float64, len(entries))
	var absTotal float64
	for i, e := range entries {
		if denom > 0 {
			norms[i] = e.Weighted / denom
		}
		absTotal += math.Abs(norms[i])
	}

	items := make([]models.Contribution, 0, len(entries))
	var cum float64
	for i, e := range entries {
		cum += norms[i]
		var pct, delta float64
		if absTotal > 0 {
			pct = math.Abs(norms[i]) / absTotal * 100
		}
		if ratio != 0 {
			delta = (conf - 50) * norms[i] / ratio
		}
		items = append(items, models.Contribution{
			TS:           e.Event.Timestamp.UTC().Format(time.RFC3339),
			Kind:         string(e.Event.Category),
			USD:          round(e.Weighted, 2),
			USDAmount:    round(e.Event.RawUSD, 2),
			Weight:       round(e.Weight, 4),
			Pressure:     round(e.Weighted, 2),
			PressureNorm: round(norms[i], 8),
			PctNorm:      round(pct, 2),
			DeltaConf:    round(delta, 4),
			ConfAfter:    round(b.scorer.ScoreRatio(cum, token), 2),
			Exchange:     e.Event.Exchange,
		})
	}
	if max := b.cfg.MaxBreakdownLines; max > 0 && len(items) > max {
		items = items[len(items)-max:]
	}

	return stat, models.Breakdown{
		Conf:       stat.Conf,
		Events:     stat.Events,
		USD:        stat.USD,
		EventsList: items,
	}
}

// denominator returns the |group sum|-weighted mean of the group baselines, or 0
// when every group sum is 0.
func (b *Builder) denominator(token string, state *window.State, hours float64) float64 {
	var num, weight float64
	for _, g := range state.Groups() {
		w := math.Abs(state.GroupSum(g))
		num += w * b.baselines.Baseline(token, g, hours)
		weight += w
	}
	if weight == 0 {
		return 0
	}
	return num / weight
}

func round(x float64, places int32) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	return decimal.NewFromFloat(x).Round(places).InexactFloat64()
}

// roundConf rounds to cents of a point but never onto the 0 or 100 asymptotes.
func roundConf(c float64) float64 {
	r := round(c, 2)
	if r <= 0 {
		return 0.01
	}
	if r >= 100 {
		return 99.99
	}
	return r
}
