package persist

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rewired-gh/floworacle/internal/models"
)

// HistoryReader yields history records one line at a time. Blank lines are ignored;
// lines that do not decode into a record are skipped and counted.
type HistoryReader struct {
	r       *bufio.Reader
	rec     models.HistoryRecord
	skipped int
	err     error
	done    bool
}

// NewHistoryReader reads history records from r.
func NewHistoryReader(r io.Reader) *HistoryReader {
	return &HistoryReader{r: bufio.NewReader(r)}
}

// Next advances to the next valid record. It returns false at end of input or on a
// read error, which Err reports.
func (h *HistoryReader) Next() bool {
	for !h.done {
		line, err := h.r.ReadBytes('\n')
		if err != nil {
			h.done = true
			if !errors.Is(err, io.EOF) {
				h.err = fmt.Errorf("failed to read history: %w", err)
				return false
			}
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		rec, ok := decodeHistoryLine(line)
		if !ok {
			h.skipped++
			continue
		}
		h.rec = rec
		return true
	}
	return false
}

// Record returns the record read by the last successful Next.
func (h *HistoryReader) Record() models.HistoryRecord { return h.rec }

// Skipped returns the number of malformed lines seen so far.
func (h *HistoryReader) Skipped() int { return h.skipped }

// Err returns the first read error, if any. Malformed lines are not errors.
func (h *HistoryReader) Err() error { return h.err }

func decodeHistoryLine(line []byte) (models.HistoryRecord, bool) {
	var rec models.HistoryRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return rec, false
	}
	if _, err := ParseTime(rec.TSUTC); err != nil || rec.Agg == nil {
		return rec, false
	}
	return rec, true
}

// ReadHistory reads every valid record in the file at path and the count of
// skipped lines. A missing file yields no records.
func ReadHistory(path string) ([]models.HistoryRecord, int, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open history: %w", err)
	}
	defer f.Close()

	h := NewHistoryReader(f)
	var out []models.HistoryRecord
	for h.Next() {
		out = append(out, h.Record())
	}
	return out, h.Skipped(), h.Err()
}
