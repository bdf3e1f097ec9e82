// Package window maintains rolling per-token, per-window pressure aggregates.
package window

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rewired-gh/floworacle/internal/models"
	"github.com/rewired-gh/floworacle/internal/scoring"
)

// Spec is one rolling window length with its display label.
type Spec struct {
	Label  string
	Length time.Duration
}

// Hours returns the window length in hours.
func (s Spec) Hours() float64 {
	return s.Length.Hours()
}

// DefaultSpecs are the 1h, 4h and 24h windows.
func DefaultSpecs() []Spec {
	return []Spec{
		{Label: "1h", Length: time.Hour},
		{Label: "4h", Length: 4 * time.Hour},
		{Label: "24h", Length: 24 * time.Hour},
	}
}

// ParseSpecs converts labels such as "1h" or "30m" into window specs.
func ParseSpecs(labels []string) ([]Spec, error) {
	specs := make([]Spec, 0, len(labels))
	seen := make(map[string]bool, len(labels))
	for _, l := range labels {
		l = strings.ToLower(strings.TrimSpace(l))
		d, err := time.ParseDuration(l)
		if err != nil {
			return nil, fmt.Errorf("invalid window %q: %w", l, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("window %q must be positive", l)
		}
		if seen[l] {
			return nil, fmt.Errorf("duplicate window %q", l)
		}
		seen[l] = true
		specs = append(specs, Spec{Label: l, Length: d})
	}
	return specs, nil
}

// Entry is a live event together with its weighted contribution, fixed at ingestion.
type Entry struct {
	Event    models.Event
	Weight   float64
	Weighted float64
}

// State is the mutable aggregate of one token in one window. Entries are ordered by
// timestamp, oldest first; every entry satisfies timestamp >= now - length.
type State struct {
	spec        Spec
	entries     []Entry
	weightedSum float64
	groupSums   map[string]float64
	groupCounts map[string]int
}

func newState(spec Spec) *State {
	return &State{
		spec:        spec,
		groupSums:   make(map[string]float64),
		groupCounts: make(map[string]int),
	}
}

// Spec returns the window spec.
func (s *State) Spec() Spec { return s.spec }

// WeightedSum returns the running sum of weighted signed USD.
func (s *State) WeightedSum() float64 { return s.weightedSum }

// Count returns the number of live events.
func (s *State) Count() int { return len(s.entries) }

// GroupSum returns the weighted sum of one category group.
func (s *State) GroupSum(group string) float64 { return s.groupSums[group] }

// Groups returns the category groups with live events, sorted.
func (s *State) Groups() []string {
	groups := make([]string, 0, len(s.groupCounts))
	for g := range s.groupCounts {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups
}

// Entries returns a copy of the live entries, oldest first.
func (s *State) Entries() []Entry {
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *State) insert(e Entry) {
	i := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].Event.Timestamp.After(e.Event.Timestamp)
	})
	s.entries = append(s.entries, Entry{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = e

	g := e.Event.Category.Group()
	s.weightedSum += e.Weighted
	s.groupSums[g] += e.Weighted
	s.groupCounts[g]++
}

// evict removes entries older than cutoff, subtracting their exact contribution.
func (s *State) evict(cutoff time.Time) int {
	n := 0
	for n < len(s.entries) && s.entries[n].Event.Timestamp.Before(cutoff) {
		e := s.entries[n]
		g := e.Event.Category.Group()
		s.weightedSum -= e.Weighted
		s.groupSums[g] -= e.Weighted
		s.groupCounts[g]--
		if s.groupCounts[g] == 0 {
			delete(s.groupCounts, g)
			delete(s.groupSums, g)
		}
		n++
	}
	if n == 0 {
		return 0
	}
	s.entries = append(s.entries[:0], s.entries[n:]...)
	if len(s.entries) == 0 {
		s.weightedSum = 0
	}
	return n
}

// Accumulator owns every window state. It is not safe for concurrent use; callers
// serialize ingestion and ticking through a single loop.
type Accumulator struct {
	specs   []Spec
	rules   *scoring.Rules
	minLag  time.Duration
	states  map[string][]*State
	pending []Entry
	now     time.Time
}

// New creates an accumulator over the given windows. Events younger than minLag are
// held back until a tick makes them old enough.
func New(specs []Spec, rules *scoring.Rules, minLag time.Duration) *Accumulator {
	return &Accumulator{
		specs:  specs,
		rules:  rules,
		minLag: minLag,
		states: make(map[string][]*State),
	}
}

// Specs returns the configured windows.
func (a *Accumulator) Specs() []Spec { return a.specs }

// Now returns the time of the last tick.
func (a *Accumulator) Now() time.Time { return a.now }

// Ingest adds an event to every window of its token that still covers it. The
// category weight is applied here, once.
func (a *Accumulator) Ingest(ev models.Event) {
	w := a.rules.Weight(ev.Category)
	e := Entry{Event: ev, Weight: w, Weighted: ev.SignedUSD * w}
	if a.minLag > 0 {
		i := sort.Search(len(a.pending), func(i int) bool {
			return a.pending[i].Event.Timestamp.After(ev.Timestamp)
		})
		a.pending = append(a.pending, Entry{})
		copy(a.pending[i+1:], a.pending[i:])
		a.pending[i] = e
		return
	}
	a.place(e)
}

func (a *Accumulator) place(e Entry) {
	states := a.tokenStates(e.Event.Token)
	for i, spec := range a.specs {
		if !a.now.IsZero() && e.Event.Timestamp.Before(a.now.Add(-spec.Length)) {
			continue
		}
		states[i].insert(e)
	}
}

func (a *Accumulator) tokenStates(token string) []*State {
	states, ok := a.states[token]
	if !ok {
		states = make([]*State, len(a.specs))
		for i, spec := range a.specs {
			states[i] = newState(spec)
		}
		a.states[token] = states
	}
	return states
}

// Tick advances the clock to now, releases lag-held events and evicts expired
// entries from every window. A now earlier than the previous tick is ignored.
// It returns the number of evicted entries.
func (a *Accumulator) Tick(now time.Time) int {
	if now.Before(a.now) {
		now = a.now
	}
	a.now = now

	if len(a.pending) > 0 {
		ready := now.Add(-a.minLag)
		n := 0
		for n < len(a.pending) && !a.pending[n].Event.Timestamp.After(ready) {
			a.place(a.pending[n])
			n++
		}
		a.pending = append(a.pending[:0], a.pending[n:]...)
	}

	evicted := 0
	for _, states := range a.states {
		for _, s := range states {
			evicted += s.evict(now.Add(-s.spec.Length))
		}
	}
	return evicted
}

// Pending returns the number of events held back by the minimum lag.
func (a *Accumulator) Pending() int { return len(a.pending) }

// State returns the aggregate of token in the window labelled label, or nil when
// the token has never been seen.
func (a *Accumulator) State(token, label string) *State {
	states, ok := a.states[token]
	if !ok {
		return nil
	}
	for i, spec := range a.specs {
		if spec.Label == label {
			return states[i]
		}
	}
	return nil
}
