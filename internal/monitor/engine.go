// Package monitor wires the parser, window accumulator, scorer, snapshot builder and
// writer into one aggregation engine, and drives it in forward and backtest modes.
package monitor

import (
	"sync"
	"time"

	"github.com/rewired-gh/floworacle/internal/logger"
	"github.com/rewired-gh/floworacle/internal/metrics"
	"github.com/rewired-gh/floworacle/internal/models"
	"github.com/rewired-gh/floworacle/internal/parser"
	"github.com/rewired-gh/floworacle/internal/scoring"
	"github.com/rewired-gh/floworacle/internal/snapshot"
	"github.com/rewired-gh/floworacle/internal/window"
)

// EngineConfig holds everything the aggregation core needs.
type EngineConfig struct {
	Tokens      []string
	Stablecoins []string
	Windows     []window.Spec
	Rules       *scoring.Rules
	Caps        *scoring.MarketCaps
	Baseline    scoring.BaselineConfig
	MinLag      time.Duration
	Snapshot    snapshot.Config
}

// SnapshotWriter persists built snapshots.
type SnapshotWriter interface {
	Write(snap *models.Snapshot) error
}

// Engine is the single aggregation stream of the process. Parse, ingest, advance
// and snapshot calls must come from one goroutine; only Last and Status may be
// called concurrently.
type Engine struct {
	parser    *parser.Parser
	acc       *window.Accumulator
	baselines *scoring.Baselines
	builder   *snapshot.Builder
	writer    SnapshotWriter
	metrics   *metrics.Metrics

	mu   sync.RWMutex
	last *models.Snapshot
}

// NewEngine creates an engine. writer and m may be nil.
func NewEngine(cfg EngineConfig, writer SnapshotWriter, m *metrics.Metrics) *Engine {
	if len(cfg.Windows) == 0 {
		cfg.Windows = window.DefaultSpecs()
	}
	cfg.Snapshot.Tokens = cfg.Tokens
	acc := window.New(cfg.Windows, cfg.Rules, cfg.MinLag)
	baselines := scoring.NewBaselines(cfg.Baseline, cfg.Rules)
	return &Engine{
		parser:    parser.New(cfg.Tokens, cfg.Stablecoins, cfg.Rules),
		acc:       acc,
		baselines: baselines,
		builder:   snapshot.NewBuilder(cfg.Snapshot, acc, baselines, scoring.NewScorer(cfg.Rules, cfg.Caps)),
		writer:    writer,
		metrics:   m,
	}
}

// Parse turns a raw message into events without ingesting them.
func (e *Engine) Parse(msg models.RawMessage) []models.Event {
	events, skips := e.parser.Parse(msg)
	for _, s := range skips {
		e.metrics.RecordSkip(string(s))
	}
	for _, ev := range events {
		e.metrics.RecordEvent(string(ev.Category))
	}
	if len(events) == 0 {
		logger.Debug("Message %s produced no events (%v)", msg.ID, skips)
	}
	return events
}

// IngestEvent adds one event to the windows and the baseline samples.
func (e *Engine) IngestEvent(ev models.Event) {
	e.baselines.Observe(ev)
	e.acc.Ingest(ev)
}

// Ingest parses and ingests a raw message, returning the number of events.
func (e *Engine) Ingest(msg models.RawMessage) int {
	events := e.Parse(msg)
	for _, ev := range events {
		e.IngestEvent(ev)
	}
	return len(events)
}

// Advance ticks every window to now and refreshes percentile baselines when due.
func (e *Engine) Advance(now time.Time) {
	if n := e.acc.Tick(now); n > 0 {
		logger.Debug("Evicted %d expired window entries at %s", n, now.UTC().Format(time.RFC3339))
	}
	if e.baselines.Refresh(now) {
		logger.Debug("Percentile baselines refreshed at %s", now.UTC().Format(time.RFC3339))
	}
}

// Snapshot advances to now, builds a snapshot and, when persist is set, writes it.
// The snapshot is returned even when writing fails.
func (e *Engine) Snapshot(now time.Time, persist bool) (*models.Snapshot, error) {
	e.Advance(now)
	snap := e.builder.Build(now)
	e.metrics.ObserveSnapshot(snap)

	e.mu.Lock()
	e.last = snap
	e.mu.Unlock()

	if !persist || e.writer == nil {
		return snap, nil
	}
	return snap, e.writer.Write(snap)
}

// Last returns the most recent snapshot, or nil.
func (e *Engine) Last() *models.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last
}

// Status returns the text of the most recent snapshot.
func (e *Engine) Status() string {
	if snap := e.Last(); snap != nil {
		return snap.Text
	}
	return ""
}

// Pending returns the number of events held back by the minimum lag.
func (e *Engine) Pending() int { return e.acc.Pending() }
