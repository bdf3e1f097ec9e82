package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rewired-gh/floworacle/internal/logger"
	"github.com/rewired-gh/floworacle/internal/models"
)

type importLine struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	TS     string `json:"ts"`
	Text   string `json:"text"`
}

// tsLayouts are the accepted "ts" formats of an import line.
var tsLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"}

func parseImportTime(s string) (time.Time, error) {
	for _, layout := range tsLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// Import loads JSON lines of {id?, source?, ts, text} into the store. Lines that do
// not decode or lack a timestamp or text are skipped. It returns the number of new
// rows and the number of skipped lines.
func (s *Storage) Import(r io.Reader) (imported, skipped int, err error) {
	br := bufio.NewReader(r)
	lineNo := 0
	for {
		raw, readErr := br.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return imported, skipped, fmt.Errorf("failed to read import: %w", readErr)
		}
		lineNo++
		raw = bytes.TrimSpace(raw)
		if len(raw) > 0 {
			msg, ok := decodeImportLine(raw)
			if !ok {
				logger.Debug("Import line %d skipped", lineNo)
				skipped++
			} else {
				inserted, err := s.AddMessage(msg)
				if err != nil {
					return imported, skipped, fmt.Errorf("line %d: %w", lineNo, err)
				}
				if inserted {
					imported++
				}
			}
		}
		if readErr != nil {
			return imported, skipped, nil
		}
	}
}

func decodeImportLine(raw []byte) (*models.RawMessage, bool) {
	var line importLine
	if err := json.Unmarshal(raw, &line); err != nil {
		return nil, false
	}
	ts, err := parseImportTime(line.TS)
	if err != nil || line.Text == "" {
		return nil, false
	}
	source := line.Source
	if source == "" {
		source = "import"
	}
	return &models.RawMessage{ID: line.ID, Source: source, ReceivedAt: ts, Text: line.Text}, true
}
