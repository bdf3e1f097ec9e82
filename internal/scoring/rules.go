// Package scoring turns accumulated flow pressure into bounded confidence scores.
package scoring

import (
	"strings"

	"github.com/rewired-gh/floworacle/internal/models"
)

// Wildcard is the fallback key of every override table.
const Wildcard = "*"

// Resolve returns table[key] when present, otherwise table["*"].
func Resolve[V any](table map[string]V, key string) (V, bool) {
	if v, ok := table[strings.ToUpper(key)]; ok {
		return v, true
	}
	v, ok := table[Wildcard]
	return v, ok
}

// Rules holds the wildcard-plus-override tables shared by the parser and the scorer.
type Rules struct {
	// Thresholds maps token (or "*") -> category group -> minimum transaction USD.
	Thresholds map[string]map[string]float64
	// K maps token (or "*") -> confidence scaler.
	K map[string]float64
	// Weights maps category (or "*") -> weight applied to signed USD.
	Weights map[string]float64
}

// MinTxUSD returns the minimum size for token and category group. A token table that
// does not name the group falls through to the wildcard table.
func (r *Rules) MinTxUSD(token, group string) float64 {
	group = strings.ToUpper(group)
	if perToken, ok := r.Thresholds[strings.ToUpper(token)]; ok {
		if v, ok := perToken[group]; ok {
			return v
		}
	}
	if v, ok := r.Thresholds[Wildcard][group]; ok {
		return v
	}
	return 0
}

// Scaler returns K(token), 1.0 when neither the token nor "*" is configured.
func (r *Rules) Scaler(token string) float64 {
	if k, ok := Resolve(r.K, token); ok {
		return k
	}
	return 1.0
}

// Weight returns the category weight, 0 when unconfigured.
func (r *Rules) Weight(c models.Category) float64 {
	w, _ := Resolve(r.Weights, string(c))
	return w
}

// Weighted returns the event's weighted signed USD.
func (r *Rules) Weighted(e models.Event) float64 {
	return e.SignedUSD * r.Weight(e.Category)
}
