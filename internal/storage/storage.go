// Package storage provides SQLite-backed persistence for raw feed messages.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/rewired-gh/floworacle/internal/models"
)

// ErrNotFound is returned when a message does not exist.
var ErrNotFound = errors.New("message not found")

// Storage wraps a SQLite database of raw messages.
type Storage struct {
	db          *sql.DB
	maxMessages int
}

// New opens or creates the SQLite database at dbPath. maxMessages bounds the table
// on RotateMessages; 0 keeps everything.
// An empty dbPath defaults to $TMPDIR/floworacle/data.db.
func New(maxMessages int, dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "floworacle", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	s := &Storage{db: db, maxMessages: maxMessages}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS raw_messages (
			id          TEXT PRIMARY KEY,
			source      TEXT NOT NULL DEFAULT '',
			received_at INTEGER NOT NULL,
			text        TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_raw_messages_received_at ON raw_messages(received_at, id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// AddMessage stores msg unless a message with the same ID exists. A missing ID is
// replaced by a random UUID. It reports whether a row was inserted.
func (s *Storage) AddMessage(msg *models.RawMessage) (bool, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if err := msg.Validate(); err != nil {
		return false, fmt.Errorf("invalid message: %w", err)
	}
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO raw_messages (id, source, received_at, text)
		VALUES (?,?,?,?)`,
		msg.ID, msg.Source, msg.ReceivedAt.UnixNano(), msg.Text,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert message: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetMessage returns the message with the given ID.
func (s *Storage) GetMessage(id string) (*models.RawMessage, error) {
	row := s.db.QueryRow(`SELECT `+messageCols+` FROM raw_messages WHERE id = ?`, id)
	m, err := scanMessage(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

// MessagesSince returns messages received in [since, until) ordered by receive time
// then ID. A zero until means no upper bound; limit <= 0 means no limit.
func (s *Storage) MessagesSince(since, until time.Time, limit int) ([]models.RawMessage, error) {
	upper := int64(1<<63 - 1)
	if !until.IsZero() {
		upper = until.UnixNano()
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT `+messageCols+` FROM raw_messages
		WHERE received_at >= ? AND received_at < ?
		ORDER BY received_at, id LIMIT ?`,
		since.UnixNano(), upper, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := []models.RawMessage{}
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

// RecentMessages returns the newest limit messages received at or after since, in
// ascending receive order. limit <= 0 means no limit.
func (s *Storage) RecentMessages(since time.Time, limit int) ([]models.RawMessage, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT `+messageCols+` FROM (
			SELECT `+messageCols+` FROM raw_messages
			WHERE received_at >= ?
			ORDER BY received_at DESC, id DESC LIMIT ?
		) ORDER BY received_at, id`,
		since.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent messages: %w", err)
	}
	defer rows.Close()

	messages := []models.RawMessage{}
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

// CountMessages returns the number of stored messages.
func (s *Storage) CountMessages() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM raw_messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// RotateMessages keeps at most maxMessages newest messages by receive time.
func (s *Storage) RotateMessages() error {
	if s.maxMessages <= 0 {
		return nil
	}
	_, err := s.db.Exec(`
		DELETE FROM raw_messages WHERE id NOT IN (
			SELECT id FROM raw_messages ORDER BY received_at DESC, id DESC LIMIT ?
		)`, s.maxMessages)
	if err != nil {
		return fmt.Errorf("failed to rotate messages: %w", err)
	}
	return nil
}

const messageCols = `id, source, received_at, text`

func scanMessage(scan func(...any) error) (*models.RawMessage, error) {
	var m models.RawMessage
	var receivedAtNano int64
	if err := scan(&m.ID, &m.Source, &receivedAtNano, &m.Text); err != nil {
		return nil, err
	}
	m.ReceivedAt = time.Unix(0, receivedAtNano).UTC()
	return &m, nil
}
