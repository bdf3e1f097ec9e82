package monitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/floworacle/internal/models"
	"github.com/rewired-gh/floworacle/internal/persist"
	"github.com/rewired-gh/floworacle/internal/scoring"
	"github.com/rewired-gh/floworacle/internal/storage"
	"github.com/rewired-gh/floworacle/internal/window"
)

var start = time.Date(2025, 8, 26, 0, 0, 0, 0, time.UTC)

type fakeNotifier struct {
	mu         sync.Mutex
	reports    []string
	errors     int
	recoveries []int
}

func (f *fakeNotifier) SendReport(title, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, title+"\n"+body)
	return nil
}

func (f *fakeNotifier) SendError(error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors++
	return nil
}

func (f *fakeNotifier) SendRecovery(n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recoveries = append(f.recoveries, n)
	return nil
}

func testEngine(t *testing.T, dir string) (*Engine, *persist.Writer) {
	t.Helper()
	rules := &scoring.Rules{
		Thresholds: map[string]map[string]float64{
			"*": {"CEX": 150000, "DEX": 250000, "VC": 1000000, "MERCADO": 0},
		},
		K: map[string]float64{"*": 0.4},
		Weights: map[string]float64{
			"CEX_IN": 1.5, "CEX_OUT": -1.0, "DEX": 0.5, "VC_IN": 1.2, "VC_OUT": -0.7, "MERCADO": 0.3,
		},
	}
	w, err := persist.NewWriter(persist.Config{Dir: dir, WriteLatest: true, WriteHistory: true}, nil)
	require.NoError(t, err)
	e := NewEngine(EngineConfig{
		Tokens:   []string{"AAVE", "LINK"},
		Windows:  window.DefaultSpecs(),
		Rules:    rules,
		Baseline: scoring.BaselineConfig{Mode: scoring.BaselineStatic},
	}, w, nil)
	return e, w
}

func feed() []models.RawMessage {
	return []models.RawMessage{
		{ID: "1", ReceivedAt: start.Add(2 * time.Minute), Text: "AAVE whale deposit to CEX [Binance] $200,000"},
		{ID: "2", ReceivedAt: start.Add(7 * time.Minute), Text: "AAVE withdrawal from CEX [OKX] $180,000"},
		{ID: "3", ReceivedAt: start.Add(31 * time.Minute), Text: "LINK DEX swap -$400,000"},
		{ID: "4", ReceivedAt: start.Add(64 * time.Minute), Text: "AAVE whale deposit to CEX [Bybit] $500,000"},
		{ID: "5", ReceivedAt: start.Add(65 * time.Minute), Text: "gm everyone"},
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func TestReplay_Deterministic(t *testing.T) {
	cfg := BacktestConfig{Step: 5 * time.Minute, ReplaySeedSnapshots: true}
	var histories []string
	for i := 0; i < 2; i++ {
		e, w := testEngine(t, t.TempDir())
		snap, err := Replay(context.Background(), e, feed(), cfg, time.Now)
		require.NoError(t, err)
		assert.Equal(t, start.Add(65*time.Minute), snap.At)
		histories = append(histories, readFile(t, w.HistoryPath()))
	}
	assert.Equal(t, histories[0], histories[1])
	assert.Len(t, strings.Split(strings.TrimSpace(histories[0]), "\n"), 14)
}

func TestReplay_OnlyFinalSnapshot(t *testing.T) {
	e, w := testEngine(t, t.TempDir())
	snap, err := Replay(context.Background(), e, feed(), BacktestConfig{Step: 5 * time.Minute}, time.Now)
	require.NoError(t, err)

	records, skipped, err := persist.ReadHistory(w.HistoryPath())
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, records, 1)
	assert.Equal(t, "2025-08-26T01:05:00Z", records[0].TSUTC)
	assert.Equal(t, snap.Agg, records[0].Agg)
	assert.Greater(t, snap.Agg["AAVE"]["1h"].Conf, 50.0)
	assert.Less(t, snap.Agg["LINK"]["1h"].Conf, 50.0)
}

func TestReplay_UntilDropsLateEvents(t *testing.T) {
	e, _ := testEngine(t, t.TempDir())
	cfg := BacktestConfig{Step: 5 * time.Minute, Until: start.Add(30 * time.Minute)}
	snap, err := Replay(context.Background(), e, feed(), cfg, time.Now)
	require.NoError(t, err)
	assert.Equal(t, start.Add(10*time.Minute), snap.At)
	assert.Equal(t, 2, snap.Agg["AAVE"]["24h"].Events)
	assert.Zero(t, snap.Agg["LINK"]["24h"].Events)
}

func TestReplay_EmptyInput(t *testing.T) {
	e, w := testEngine(t, t.TempDir())
	now := start.Add(time.Hour)
	snap, err := Replay(context.Background(), e, nil, BacktestConfig{Step: time.Minute}, func() time.Time { return now })
	require.NoError(t, err)
	assert.Equal(t, now, snap.At)
	assert.Equal(t, models.WindowStat{Conf: 50}, snap.Agg["AAVE"]["1h"])

	records, _, err := persist.ReadHistory(w.HistoryPath())
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestReplay_Cancelled(t *testing.T) {
	e, _ := testEngine(t, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Replay(ctx, e, feed(), BacktestConfig{Step: time.Minute}, time.Now)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReplay_RejectsZeroStep(t *testing.T) {
	e, _ := testEngine(t, t.TempDir())
	_, err := Replay(context.Background(), e, feed(), BacktestConfig{}, time.Now)
	assert.Error(t, err)
}

// Live ingestion with the same tick instants must reproduce the replayed history.
func TestRunLive_MatchesReplay(t *testing.T) {
	step := 5 * time.Minute
	be, bw := testEngine(t, t.TempDir())
	_, err := Replay(context.Background(), be, feed(), BacktestConfig{Step: step, ReplaySeedSnapshots: true}, time.Now)
	require.NoError(t, err)
	backtest := readFile(t, bw.HistoryPath())

	le, lw := testEngine(t, t.TempDir())
	r := NewRunner(le, nil, nil, ReportConfig{Deviation: 100}, nil)
	last := start.Add(65 * time.Minute)
	r.SetClock(func() time.Time { return last })

	queue := make(chan models.RawMessage)
	ticks := make(chan time.Time)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.RunLive(ctx, queue, ticks) }()

	msgs := feed()
	next := 0
	for p := start; !p.After(last); p = p.Add(step) {
		for next < len(msgs) && !msgs[next].ReceivedAt.After(p) {
			queue <- msgs[next]
			next++
		}
		ticks <- p
	}
	cancel()
	require.NoError(t, <-done)

	live := readFile(t, lw.HistoryPath())
	lines := strings.Split(strings.TrimSpace(live), "\n")
	require.Len(t, lines, 15, "one line per tick plus the final flush")
	assert.Equal(t, backtest, strings.Join(lines[:14], "\n")+"\n")
}

func TestRunLive_StoresMessages(t *testing.T) {
	store, err := storage.New(0, ":memory:")
	require.NoError(t, err)
	defer store.Close()

	e, _ := testEngine(t, t.TempDir())
	r := NewRunner(e, store, nil, ReportConfig{}, nil)
	r.SetClock(func() time.Time { return start.Add(time.Hour) })

	queue := make(chan models.RawMessage, len(feed()))
	for _, m := range feed() {
		queue <- m
	}
	close(queue)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.RunLive(ctx, queue, nil) }()

	require.Eventually(t, func() bool {
		n, err := store.CountMessages()
		return err == nil && n == len(feed())
	}, time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	require.NotNil(t, e.Last())
	assert.Equal(t, start.Add(time.Hour), e.Last().At)
}

type recordingStore struct {
	msgs  []models.RawMessage
	since time.Time
	limit int
}

func (s *recordingStore) AddMessage(*models.RawMessage) (bool, error) { return true, nil }
func (s *recordingStore) RotateMessages() error                       { return nil }
func (s *recordingStore) MessagesSince(since, _ time.Time, limit int) ([]models.RawMessage, error) {
	return s.msgs, nil
}
func (s *recordingStore) RecentMessages(since time.Time, limit int) ([]models.RawMessage, error) {
	s.since, s.limit = since, limit
	return s.msgs, nil
}

func TestRunForward_SeedsAndReports(t *testing.T) {
	now := start.Add(70 * time.Minute)
	store := &recordingStore{msgs: feed()}
	notifier := &fakeNotifier{}
	e, w := testEngine(t, t.TempDir())
	r := NewRunner(e, store, notifier, ReportConfig{Deviation: 10, SummaryLines: 2}, nil)
	r.SetClock(func() time.Time { return now })

	snap, err := r.RunForward(context.Background(), ForwardConfig{SeedHours: 48, SeedLimit: 3000, StartupReport: true})
	require.NoError(t, err)
	assert.Equal(t, now.Add(-48*time.Hour), store.since)
	assert.Equal(t, 3000, store.limit)
	assert.Equal(t, 3, snap.Agg["AAVE"]["24h"].Events)

	latest, err := persist.ReadLatest(w.LatestPath())
	require.NoError(t, err)
	assert.Equal(t, "2025-08-26T01:10:00Z", latest.TSUTC)
	assert.Equal(t, snap.Text, latest.SnapText)

	require.Len(t, notifier.reports, 1)
	assert.True(t, strings.HasPrefix(notifier.reports[0], ReportStartup+"\n"))
	assert.Len(t, strings.Split(notifier.reports[0], "\n"), 3)
}

func TestRunForward_FromStorage(t *testing.T) {
	store, err := storage.New(0, ":memory:")
	require.NoError(t, err)
	defer store.Close()
	for _, m := range feed() {
		m := m
		_, err := store.AddMessage(&m)
		require.NoError(t, err)
	}

	e, _ := testEngine(t, t.TempDir())
	r := NewRunner(e, store, nil, ReportConfig{}, nil)
	r.SetClock(func() time.Time { return start.Add(70 * time.Minute) })
	snap, err := r.RunForward(context.Background(), ForwardConfig{SeedHours: 1, SeedLimit: 100})
	require.NoError(t, err)
	// only the messages received in the last hour are replayed
	assert.Equal(t, 1, snap.Agg["AAVE"]["24h"].Events)
	assert.Equal(t, 1, snap.Agg["LINK"]["24h"].Events)
}

func TestRunForward_SeedLimitKeepsNewest(t *testing.T) {
	store, err := storage.New(0, ":memory:")
	require.NoError(t, err)
	defer store.Close()
	for _, m := range feed() {
		m := m
		_, err := store.AddMessage(&m)
		require.NoError(t, err)
	}

	e, _ := testEngine(t, t.TempDir())
	r := NewRunner(e, store, nil, ReportConfig{}, nil)
	r.SetClock(func() time.Time { return start.Add(70 * time.Minute) })
	snap, err := r.RunForward(context.Background(), ForwardConfig{SeedHours: 48, SeedLimit: 2})
	require.NoError(t, err)
	// messages 4 and 5 are the newest two; only 4 carries an event
	assert.Equal(t, 1, snap.Agg["AAVE"]["1h"].Events)
	assert.Equal(t, 1, snap.Agg["AAVE"]["24h"].Events)
	assert.Zero(t, snap.Agg["LINK"]["24h"].Events)
}

func TestRunLive_DrainsQueueOnShutdown(t *testing.T) {
	store, err := storage.New(0, ":memory:")
	require.NoError(t, err)
	defer store.Close()

	e, _ := testEngine(t, t.TempDir())
	r := NewRunner(e, store, nil, ReportConfig{}, nil)
	r.SetClock(func() time.Time { return start.Add(70 * time.Minute) })

	queue := make(chan models.RawMessage, len(feed()))
	for _, m := range feed() {
		queue <- m
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.RunLive(ctx, queue, nil))

	assert.Empty(t, queue)
	n, err := store.CountMessages()
	require.NoError(t, err)
	assert.Equal(t, len(feed()), n)
	require.NotNil(t, e.Last())
	assert.Equal(t, 3, e.Last().Agg["AAVE"]["24h"].Events)
	assert.Equal(t, 1, e.Last().Agg["LINK"]["24h"].Events)
}

func TestRunBacktest_NotifiesOnce(t *testing.T) {
	store, err := storage.New(0, ":memory:")
	require.NoError(t, err)
	defer store.Close()
	for _, m := range feed() {
		m := m
		_, err := store.AddMessage(&m)
		require.NoError(t, err)
	}

	notifier := &fakeNotifier{}
	e, _ := testEngine(t, t.TempDir())
	r := NewRunner(e, store, notifier, ReportConfig{FullText: true}, nil)
	snap, err := r.RunBacktest(context.Background(), BacktestConfig{Since: start, Step: 5 * time.Minute, Notify: true})
	require.NoError(t, err)
	require.Len(t, notifier.reports, 1)
	assert.Equal(t, ReportBacktest+"\n"+snap.Text, notifier.reports[0])
}

func TestReportBody(t *testing.T) {
	snap := &models.Snapshot{
		Agg:  models.Agg{"AAVE": {"1h": {Conf: 83.2}}, "LINK": {"1h": {Conf: 40}}},
		Text: "a\nb\nc\nd",
	}

	_, ok := ReportBody(snap, ReportConfig{Deviation: 40})
	assert.False(t, ok, "deviation 33.2 is below the gate")

	body, ok := ReportBody(snap, ReportConfig{Deviation: 30, SummaryLines: 2})
	require.True(t, ok)
	assert.Equal(t, "a\nb", body)

	body, ok = ReportBody(snap, ReportConfig{Deviation: 30, FullText: true})
	require.True(t, ok)
	assert.Equal(t, snap.Text, body)

	_, ok = ReportBody(nil, ReportConfig{})
	assert.False(t, ok)
}

func TestFailureTracker(t *testing.T) {
	n := &fakeNotifier{}
	f := failureTracker{notifier: n}

	f.handle(nil)
	f.handle(errors.New("disk full"))
	f.handle(errors.New("disk full"))
	f.handle(errors.New("disk full"))
	assert.Equal(t, 1, n.errors, "only the first failure of a run is sent")
	assert.Empty(t, n.recoveries)

	f.handle(nil)
	f.handle(nil)
	assert.Equal(t, []int{3}, n.recoveries)
	assert.Zero(t, f.consecutive)
}

func TestEngine_CycleFailureIsReported(t *testing.T) {
	dir := t.TempDir()
	e, w := testEngine(t, dir)
	require.NoError(t, os.Mkdir(w.HistoryPath(), 0o755))

	n := &fakeNotifier{}
	r := NewRunner(e, nil, n, ReportConfig{Deviation: 100}, nil)
	r.cycle(start)
	assert.Equal(t, 1, n.errors)

	require.NoError(t, os.Remove(w.HistoryPath()))
	r.cycle(start.Add(time.Minute))
	assert.Equal(t, []int{1}, n.recoveries)
	assert.FileExists(t, filepath.Join(dir, "snapshot_latest.json"))
}

func TestEngine_MalformedMessageLeavesStateUnchanged(t *testing.T) {
	e, _ := testEngine(t, t.TempDir())
	msgs := feed()
	require.Equal(t, 1, e.Ingest(msgs[0]))
	e.Advance(start.Add(5 * time.Minute))

	before := e.acc.State("AAVE", "1h").Entries()
	sum := e.acc.State("AAVE", "1h").WeightedSum()
	pending := e.Pending()

	for _, text := range []string{"gm everyone", "DOGE CEX deposit $900,000", "AAVE CEX deposit", ""} {
		assert.Zero(t, e.Ingest(models.RawMessage{ID: "bad", ReceivedAt: start.Add(3 * time.Minute), Text: text}), text)
	}
	assert.Equal(t, pending, e.Pending())
	assert.Equal(t, before, e.acc.State("AAVE", "1h").Entries())
	assert.Equal(t, sum, e.acc.State("AAVE", "1h").WeightedSum())
	assert.Nil(t, e.acc.State("DOGE", "1h"))
	assert.Nil(t, e.acc.State("LINK", "1h"))
}
