// Package persist writes snapshots to the latest-state file and the JSON-lines
// history log, and reads them back.
package persist

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rewired-gh/floworacle/internal/logger"
	"github.com/rewired-gh/floworacle/internal/models"
	"github.com/rewired-gh/floworacle/internal/snapshot"
)

// Targets reported to the Observer.
const (
	TargetLatest  = "latest"
	TargetHistory = "history"
)

// TimeFormat is the UTC timestamp layout used in both files.
const TimeFormat = "2006-01-02T15:04:05Z"

// LocalTimeFormat is the ts_local layout; the offset is always numeric, +00:00 included.
const LocalTimeFormat = "2006-01-02T15:04:05-07:00"

// ErrNoSnapshot is returned by ReadLatest when no latest record exists yet.
var ErrNoSnapshot = errors.New("no snapshot written yet")

// Config selects the output files.
type Config struct {
	Dir            string
	WriteLatest    bool
	WriteHistory   bool
	LatestFile     string // default snapshot_latest.json
	HistoryFile    string // default snapshots_history.jsonl
	MaxPendingRows int    // history lines kept for retry, default 1000
}

// Observer is told about every write attempt.
type Observer interface {
	ObserveWrite(target string, err error)
}

// LatestRecord is the on-disk form of the latest snapshot.
type LatestRecord struct {
	TSUTC          string                                 `json:"ts_utc"`
	TSLocal        string                                 `json:"ts_local"`
	TimezoneSuffix string                                 `json:"timezone_suffix"`
	Tokens         []string                               `json:"tokens"`
	Windows        []string                               `json:"windows"`
	Agg            models.Agg                             `json:"agg"`
	Breakdowns     map[string]map[string]models.Breakdown `json:"breakdowns"`
	SnapText       string                                 `json:"snap_text"`
}

// Writer persists snapshots. It is meant to be driven from a single goroutine and
// assumes it is the only writer of its files.
type Writer struct {
	cfg      Config
	observer Observer
	pending  [][]byte
}

// NewWriter creates the output directory and returns a writer.
func NewWriter(cfg Config, observer Observer) (*Writer, error) {
	if cfg.LatestFile == "" {
		cfg.LatestFile = "snapshot_latest.json"
	}
	if cfg.HistoryFile == "" {
		cfg.HistoryFile = "snapshots_history.jsonl"
	}
	if cfg.MaxPendingRows <= 0 {
		cfg.MaxPendingRows = 1000
	}
	if cfg.Dir == "" {
		cfg.Dir = "."
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &Writer{cfg: cfg, observer: observer}, nil
}

// LatestPath returns the latest-record path.
func (w *Writer) LatestPath() string { return filepath.Join(w.cfg.Dir, w.cfg.LatestFile) }

// HistoryPath returns the history log path.
func (w *Writer) HistoryPath() string { return filepath.Join(w.cfg.Dir, w.cfg.HistoryFile) }

// Pending returns the number of history lines waiting for a retry.
func (w *Writer) Pending() int { return len(w.pending) }

// Write replaces the latest record and appends a history line. Both targets are
// attempted independently; a failed latest write is superseded by the next call and
// a failed history line is re-appended, in order, before the next one.
func (w *Writer) Write(snap *models.Snapshot) error {
	var errs []error
	if w.cfg.WriteLatest {
		err := w.writeLatest(snap)
		w.observe(TargetLatest, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to write latest snapshot: %w", err))
		}
	}
	if w.cfg.WriteHistory {
		err := w.appendHistory(snap)
		w.observe(TargetHistory, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to append history: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (w *Writer) observe(target string, err error) {
	if w.observer != nil {
		w.observer.ObserveWrite(target, err)
	}
}

// NewLatestRecord converts a snapshot to its latest-record form.
func NewLatestRecord(snap *models.Snapshot) LatestRecord {
	return LatestRecord{
		TSUTC:          snap.At.UTC().Format(TimeFormat),
		TSLocal:        snap.At.In(snapshot.Zone(snap.TZOffsetHours)).Format(LocalTimeFormat),
		TimezoneSuffix: snapshot.ZoneSuffix(snap.TZOffsetHours),
		Tokens:         snap.Tokens,
		Windows:        snap.Windows,
		Agg:            snap.Agg,
		Breakdowns:     snap.Breakdowns,
		SnapText:       snap.Text,
	}
}

// NewHistoryRecord converts a snapshot to its compact history form.
func NewHistoryRecord(snap *models.Snapshot) models.HistoryRecord {
	return models.HistoryRecord{TSUTC: snap.At.UTC().Format(TimeFormat), Agg: snap.Agg}
}

func marshal(v any, indent bool) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if indent {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (w *Writer) writeLatest(snap *models.Snapshot) error {
	data, err := marshal(NewLatestRecord(snap), true)
	if err != nil {
		return fmt.Errorf("failed to marshal latest record: %w", err)
	}

	tmp, err := os.CreateTemp(w.cfg.Dir, ".snapshot_latest-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, w.LatestPath()); err != nil {
		return fmt.Errorf("failed to replace latest record: %w", err)
	}
	return nil
}

func (w *Writer) appendHistory(snap *models.Snapshot) error {
	line, err := marshal(NewHistoryRecord(snap), false)
	if err != nil {
		return fmt.Errorf("failed to marshal history record: %w", err)
	}
	w.pending = append(w.pending, line)
	if over := len(w.pending) - w.cfg.MaxPendingRows; over > 0 {
		logger.Warn("History retry queue full, dropping %d oldest line(s)", over)
		w.pending = w.pending[over:]
	}

	f, err := os.OpenFile(w.HistoryPath(), os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open history log: %w", err)
	}
	defer f.Close()

	if err := terminateTornLine(f); err != nil {
		return fmt.Errorf("failed to repair history log tail: %w", err)
	}

	// One Write per line: a line is either fully appended or retried later.
	for len(w.pending) > 0 {
		if _, err := f.Write(w.pending[0]); err != nil {
			return fmt.Errorf("failed to append history line (%d pending): %w", len(w.pending), err)
		}
		w.pending = w.pending[1:]
	}
	return nil
}

// terminateTornLine appends a newline when the file does not end with one, so a
// fragment left by an interrupted append stays on its own line.
func terminateTornLine(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}
	logger.Warn("History log ends with a partial line; starting a new line")
	_, err = f.Write([]byte{'\n'})
	return err
}

// ReadLatest loads the latest record from path.
func ReadLatest(path string) (*LatestRecord, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest record: %w", err)
	}
	var rec LatestRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode latest record: %w", err)
	}
	return &rec, nil
}

// ParseTime parses a ts_utc value.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeFormat, s)
}
