package scoring

import "math"

var (
	confFloor   = math.Nextafter(0, 100)
	confCeiling = math.Nextafter(100, 0)
)

// Scorer computes conf = 50 + 50*tanh(K(token) * ratio * mcf(token)).
type Scorer struct {
	rules *Rules
	caps  *MarketCaps
}

// NewScorer creates a scorer over the given rules and market caps.
func NewScorer(rules *Rules, caps *MarketCaps) *Scorer {
	return &Scorer{rules: rules, caps: caps}
}

// Score maps a weighted sum and its (positive) baseline to a confidence in (0, 100).
func (s *Scorer) Score(weightedSum, baseline float64, token string) float64 {
	if baseline <= 0 || weightedSum == 0 {
		return 50
	}
	return s.ScoreRatio(weightedSum/baseline, token)
}

// ScoreRatio scores an already baseline-normalized pressure ratio.
func (s *Scorer) ScoreRatio(ratio float64, token string) float64 {
	return Confidence(s.rules.Scaler(token) * ratio * s.caps.Factor(token))
}

// Confidence is the saturating transform. The result is clamped into the open
// interval (0, 100) since tanh rounds to ±1 in float64 for large inputs.
func Confidence(x float64) float64 {
	if x == 0 || math.IsNaN(x) {
		return 50
	}
	c := 50 + 50*math.Tanh(x)
	if c < confFloor {
		return confFloor
	}
	if c > confCeiling {
		return confCeiling
	}
	return c
}
