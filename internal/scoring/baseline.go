package scoring

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rewired-gh/floworacle/internal/models"
)

// BaselineMode selects how baselines are derived.
type BaselineMode string

const (
	BaselineStatic     BaselineMode = "static"
	BaselinePercentile BaselineMode = "percentile"
)

// ParseBaselineMode validates a configured mode name.
func ParseBaselineMode(s string) (BaselineMode, error) {
	switch m := BaselineMode(strings.ToLower(s)); m {
	case BaselineStatic, BaselinePercentile:
		return m, nil
	default:
		return "", fmt.Errorf("unknown baseline mode %q", s)
	}
}

// BaselineConfig configures the baseline calculator.
type BaselineConfig struct {
	Mode       BaselineMode
	Percentile float64       // quantile in (0, 1], default 0.85
	Lookback   time.Duration // sample horizon for percentile mode
	MinSamples int           // below this the static formula is used
	Refresh    time.Duration // percentile recompute period
	FloorUSD   float64       // used when the static formula is not positive
}

type bucketKey struct {
	token string
	group string
}

type sample struct {
	at  time.Time
	usd float64
}

// Baselines derives the normalization denominator per (token, category group).
// Percentile values are only recomputed by Refresh, so they may be stale between
// refreshes.
type Baselines struct {
	cfg         BaselineConfig
	rules       *Rules
	samples     map[bucketKey][]sample
	percentiles map[bucketKey]float64
	lastRefresh time.Time
}

// NewBaselines creates a calculator.
func NewBaselines(cfg BaselineConfig, rules *Rules) *Baselines {
	if cfg.Mode == "" {
		cfg.Mode = BaselineStatic
	}
	if cfg.Percentile <= 0 || cfg.Percentile > 1 {
		cfg.Percentile = 0.85
	}
	if cfg.FloorUSD <= 0 {
		cfg.FloorUSD = 1
	}
	return &Baselines{
		cfg:         cfg,
		rules:       rules,
		samples:     make(map[bucketKey][]sample),
		percentiles: make(map[bucketKey]float64),
	}
}

// Observe records an event size for percentile mode.
func (b *Baselines) Observe(e models.Event) {
	if b.cfg.Mode != BaselinePercentile {
		return
	}
	k := bucketKey{token: e.Token, group: e.Category.Group()}
	b.samples[k] = append(b.samples[k], sample{at: e.Timestamp, usd: e.RawUSD})
}

// Refresh recomputes percentiles when the refresh period has elapsed since the last
// recompute. It reports whether a recompute happened.
func (b *Baselines) Refresh(now time.Time) bool {
	if b.cfg.Mode != BaselinePercentile {
		return false
	}
	if !b.lastRefresh.IsZero() && now.Sub(b.lastRefresh) < b.cfg.Refresh {
		return false
	}
	b.lastRefresh = now

	cutoff := now.Add(-b.cfg.Lookback)
	next := make(map[bucketKey]float64, len(b.samples))
	for k, list := range b.samples {
		kept := list[:0]
		for _, s := range list {
			if b.cfg.Lookback <= 0 || !s.at.Before(cutoff) {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(b.samples, k)
			continue
		}
		b.samples[k] = kept
		if len(kept) < b.cfg.MinSamples {
			continue
		}
		values := make([]float64, len(kept))
		for i, s := range kept {
			values[i] = s.usd
		}
		if p := Percentile(values, b.cfg.Percentile); p > 0 {
			next[k] = p
		}
	}
	b.percentiles = next
	return true
}

// Baseline returns the denominator for token, group and window length. The result is
// always positive.
func (b *Baselines) Baseline(token, group string, windowHours float64) float64 {
	if b.cfg.Mode == BaselinePercentile {
		if p, ok := b.percentiles[bucketKey{token: token, group: group}]; ok && p > 0 {
			return p
		}
	}
	return b.Static(token, group, windowHours)
}

// Static returns min_tx_usd(token, group) * windowHours, or the floor when that is
// not positive.
func (b *Baselines) Static(token, group string, windowHours float64) float64 {
	v := b.rules.MinTxUSD(token, group) * windowHours
	if v <= 0 {
		return b.cfg.FloorUSD
	}
	return v
}

// Percentile returns the q-quantile of values using linear interpolation between
// closest ranks. values is sorted in place.
func Percentile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sort.Float64s(values)
	if q <= 0 {
		return values[0]
	}
	if q >= 1 {
		return values[len(values)-1]
	}
	pos := q * float64(len(values)-1)
	lo := int(pos)
	if lo+1 >= len(values) {
		return values[lo]
	}
	frac := pos - float64(lo)
	return values[lo] + (values[lo+1]-values[lo])*frac
}
