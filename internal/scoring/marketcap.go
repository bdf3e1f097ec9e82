package scoring

import (
	"fmt"
	"math"
	"strings"
)

// CapNormalizer maps a market cap to a per-dollar impact factor. It must be monotone
// decreasing in capUSD and equal 1 at referenceUSD.
type CapNormalizer func(capUSD, referenceUSD float64) float64

// Supported normalizations.
var normalizers = map[string]CapNormalizer{
	"none": func(float64, float64) float64 { return 1 },
	"inverse": func(capUSD, ref float64) float64 {
		return ref / capUSD
	},
	"inverse_sqrt": func(capUSD, ref float64) float64 {
		return math.Sqrt(ref / capUSD)
	},
	"log": func(capUSD, ref float64) float64 {
		return math.Log1p(ref) / math.Log1p(capUSD)
	},
}

// Normalizer looks up a named normalization.
func Normalizer(name string) (CapNormalizer, error) {
	n, ok := normalizers[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown market cap normalization %q", name)
	}
	return n, nil
}

// MarketCaps resolves the market-cap factor of a token. The table is fixed for the
// lifetime of a run.
type MarketCaps struct {
	caps      map[string]float64
	reference float64
	normalize CapNormalizer
}

// NewMarketCaps builds a factor table from caps keyed by upper-case token.
func NewMarketCaps(caps map[string]float64, referenceUSD float64, normalization string) (*MarketCaps, error) {
	n, err := Normalizer(normalization)
	if err != nil {
		return nil, err
	}
	if referenceUSD <= 0 {
		return nil, fmt.Errorf("market cap reference must be positive, got %v", referenceUSD)
	}
	table := make(map[string]float64, len(caps))
	for token, c := range caps {
		table[strings.ToUpper(token)] = c
	}
	return &MarketCaps{caps: table, reference: referenceUSD, normalize: n}, nil
}

// Factor returns the normalization factor for token; 1.0 when the cap is unknown.
func (m *MarketCaps) Factor(token string) float64 {
	if m == nil {
		return 1
	}
	c, ok := m.caps[strings.ToUpper(token)]
	if !ok || c <= 0 {
		return 1
	}
	f := m.normalize(c, m.reference)
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return 1
	}
	return f
}
