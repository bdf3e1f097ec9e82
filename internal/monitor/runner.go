package monitor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rewired-gh/floworacle/internal/logger"
	"github.com/rewired-gh/floworacle/internal/metrics"
	"github.com/rewired-gh/floworacle/internal/models"
)

// MessageStore keeps raw messages for seeding and replay.
type MessageStore interface {
	AddMessage(msg *models.RawMessage) (bool, error)
	MessagesSince(since, until time.Time, limit int) ([]models.RawMessage, error)
	RecentMessages(since time.Time, limit int) ([]models.RawMessage, error)
	RotateMessages() error
}

// ForwardConfig configures forward mode.
type ForwardConfig struct {
	SeedHours     int
	SeedLimit     int
	StartupReport bool
}

// BacktestConfig configures a replay.
type BacktestConfig struct {
	Since               time.Time
	Until               time.Time // zero means unbounded
	Step                time.Duration
	ReplaySeedSnapshots bool // persist a snapshot at every step, not only the last
	Limit               int
	Notify              bool
}

// Runner drives an engine in one of the operating modes. store and notifier may be
// nil.
type Runner struct {
	engine   *Engine
	store    MessageStore
	notifier Notifier
	report   ReportConfig
	metrics  *metrics.Metrics
	now      func() time.Time
	failures failureTracker
}

// NewRunner creates a runner.
func NewRunner(engine *Engine, store MessageStore, notifier Notifier, report ReportConfig, m *metrics.Metrics) *Runner {
	return &Runner{
		engine:   engine,
		store:    store,
		notifier: notifier,
		report:   report,
		metrics:  m,
		now:      time.Now,
		failures: failureTracker{notifier: notifier},
	}
}

// SetClock replaces the wall clock.
func (r *Runner) SetClock(now func() time.Time) { r.now = now }

// RunForward is the one-shot forward pass: ingest the newest stored messages of the
// seed horizon, then build, write and optionally report one snapshot.
func (r *Runner) RunForward(ctx context.Context, cfg ForwardConfig) (*models.Snapshot, error) {
	start := time.Now()
	now := r.now().UTC()

	if r.store != nil && cfg.SeedHours > 0 {
		since := now.Add(-time.Duration(cfg.SeedHours) * time.Hour)
		msgs, err := r.store.RecentMessages(since, cfg.SeedLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to load seed messages: %w", err)
		}
		events := 0
		for _, m := range msgs {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			events += r.engine.Ingest(m)
		}
		logger.Info("Seeded %d events from %d stored messages (last %dh)", events, len(msgs), cfg.SeedHours)
	}

	snap, err := r.engine.Snapshot(now, true)
	r.failures.handle(err)
	if cfg.StartupReport {
		report(r.notifier, r.report, ReportStartup, snap)
	}
	logger.Info("Forward snapshot at %s completed in %v", snap.At.Format(time.RFC3339), time.Since(start))
	return snap, err
}

// RunLive consumes the ingestion queue and snapshots on every tick until ctx is
// cancelled, then ingests whatever is still queued and flushes a final snapshot.
// Messages are stored before ingestion.
// A failed cycle is reported and never stops the loop.
func (r *Runner) RunLive(ctx context.Context, queue <-chan models.RawMessage, ticks <-chan time.Time) error {
	logger.Info("Live loop started")
	for {
		select {
		case <-ctx.Done():
			r.drain(queue)
			return r.flush()

		case msg, ok := <-queue:
			if !ok {
				queue = nil
				continue
			}
			r.handleMessage(msg)

		case t := <-ticks:
			r.cycle(t)
		}
	}
}

// drain handles queued messages without waiting for new ones.
func (r *Runner) drain(queue <-chan models.RawMessage) {
	n := 0
	defer func() {
		if n > 0 {
			logger.Info("Drained %d queued message(s) before shutdown", n)
		}
	}()
	for {
		select {
		case msg, ok := <-queue:
			if !ok {
				return
			}
			r.handleMessage(msg)
			n++
		default:
			return
		}
	}
}

func (r *Runner) handleMessage(msg models.RawMessage) {
	r.metrics.RecordMessage(msg.Source)
	if r.store != nil {
		if _, err := r.store.AddMessage(&msg); err != nil {
			logger.Warn("Failed to store message %s: %v", msg.ID, err)
		}
	}
	if n := r.engine.Ingest(msg); n > 0 {
		logger.Debug("Ingested %d event(s) from %s", n, msg.ID)
	}
}

func (r *Runner) cycle(t time.Time) {
	start := time.Now()
	snap, err := r.engine.Snapshot(t.UTC(), true)
	r.failures.handle(err)
	report(r.notifier, r.report, ReportLive, snap)
	if r.store != nil {
		if err := r.store.RotateMessages(); err != nil {
			logger.Warn("Failed to rotate messages: %v", err)
		}
	}
	logger.Info("Snapshot cycle at %s completed in %v (max deviation %.1f)",
		snap.At.Format(time.RFC3339), time.Since(start), snap.MaxDeviation())
}

func (r *Runner) flush() error {
	now := r.now().UTC()
	if last := r.engine.Last(); last != nil && now.Before(last.At) {
		now = last.At
	}
	_, err := r.engine.Snapshot(now, true)
	if err != nil {
		logger.Error("Final snapshot failed: %v", err)
		return fmt.Errorf("failed to flush final snapshot: %w", err)
	}
	logger.Info("Final snapshot flushed at %s", now.Format(time.RFC3339))
	return nil
}

// RunBacktest replays the stored messages of the configured range.
func (r *Runner) RunBacktest(ctx context.Context, cfg BacktestConfig) (*models.Snapshot, error) {
	if r.store == nil {
		return nil, fmt.Errorf("backtest requires a message store")
	}
	msgs, err := r.store.MessagesSince(cfg.Since, cfg.Until, cfg.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load backtest messages: %w", err)
	}
	logger.Info("Backtest loaded %d messages since %s", len(msgs), cfg.Since.Format(time.RFC3339))

	snap, err := Replay(ctx, r.engine, msgs, cfg, r.now)
	if err != nil {
		return snap, err
	}
	if cfg.Notify {
		report(r.notifier, r.report, ReportBacktest, snap)
	}
	return snap, nil
}

// Replay feeds msgs through engine in timestamp order, stepping a synthetic clock
// by cfg.Step from the first event (aligned down to the step) until the last
// event is covered. At each step it ingests every event due by then, advances the
// windows and, with ReplaySeedSnapshots, writes a snapshot. The last step is always
// written. With no events it writes one snapshot at now(). ctx is checked between
// steps.
func Replay(ctx context.Context, engine *Engine, msgs []models.RawMessage, cfg BacktestConfig, now func() time.Time) (*models.Snapshot, error) {
	if cfg.Step <= 0 {
		return nil, fmt.Errorf("backtest step must be positive")
	}

	var events []models.Event
	for _, m := range msgs {
		for _, ev := range engine.Parse(m) {
			if !cfg.Until.IsZero() && !ev.Timestamp.Before(cfg.Until) {
				continue
			}
			events = append(events, ev)
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	if len(events) == 0 {
		logger.Info("Backtest has no events; writing a single snapshot")
		return engine.Snapshot(now().UTC(), true)
	}

	t0 := events[0].Timestamp.UTC().Truncate(cfg.Step)
	tN := events[len(events)-1].Timestamp.UTC()
	logger.Info("Replaying %d events %s .. %s step=%v", len(events), t0.Format(time.RFC3339), tN.Format(time.RFC3339), cfg.Step)

	var (
		snap    *models.Snapshot
		lastErr error
		next    int
		steps   int
	)
	for p := t0; ; p = p.Add(cfg.Step) {
		if err := ctx.Err(); err != nil {
			return snap, err
		}
		for next < len(events) && !events[next].Timestamp.After(p) {
			engine.IngestEvent(events[next])
			next++
		}
		final := !p.Before(tN)
		var err error
		if cfg.ReplaySeedSnapshots || final {
			snap, err = engine.Snapshot(p, true)
		} else {
			engine.Advance(p)
		}
		if err != nil {
			logger.Error("Backtest snapshot at %s failed: %v", p.Format(time.RFC3339), err)
			lastErr = err
		}
		steps++
		if final {
			break
		}
	}
	logger.Info("Backtest finished after %d steps", steps)
	return snap, lastErr
}
