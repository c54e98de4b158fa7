// Package history keeps the local chat transcript in a SQLite database so
// a reopened conversation shows what was said before.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one stored chat message.
type Record struct {
	ID         string
	RoomID     string
	SenderID   string
	SenderName string
	Text       string
	SentAt     time.Time
	Seen       bool
}

// Store wraps the SQLite transcript database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the transcript database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("history: create dir: %w", err)
	}
	path := filepath.Join(dir, "chat.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}

	// WAL for concurrency between the session goroutine and readers.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id          TEXT PRIMARY KEY,
			room_id     TEXT NOT NULL,
			sender_id   TEXT NOT NULL,
			sender_name TEXT DEFAULT '',
			text        TEXT NOT NULL,
			sent_at     INTEGER NOT NULL,
			seen        INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS messages_room ON messages(room_id, sent_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create messages table: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Save inserts or updates one message.
func (s *Store) Save(rec Record) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO messages (id, room_id, sender_id, sender_name, text, sent_at, seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.RoomID, rec.SenderID, rec.SenderName, rec.Text, rec.SentAt.UnixMilli(), boolInt(rec.Seen))
	if err != nil {
		return fmt.Errorf("history: save message: %w", err)
	}
	return nil
}

// Messages returns the transcript for a room, oldest first.
func (s *Store) Messages(roomID string) ([]Record, error) {
	rows, err := s.db.Query(`
		SELECT id, room_id, sender_id, sender_name, text, sent_at, seen
		FROM messages WHERE room_id = ? ORDER BY sent_at, id
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("history: query messages: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var rec Record
		var sentAt int64
		var seen int
		if err := rows.Scan(&rec.ID, &rec.RoomID, &rec.SenderID, &rec.SenderName, &rec.Text, &sentAt, &seen); err != nil {
			return nil, err
		}
		rec.SentAt = time.UnixMilli(sentAt)
		rec.Seen = seen != 0
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// MarkSeen flips seen on every message in the room authored by senderID.
// Returns how many rows changed.
func (s *Store) MarkSeen(roomID, senderID string) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE messages SET seen = 1 WHERE room_id = ? AND sender_id = ? AND seen = 0
	`, roomID, senderID)
	if err != nil {
		return 0, fmt.Errorf("history: mark seen: %w", err)
	}
	return res.RowsAffected()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
