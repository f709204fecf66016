package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SQLiteStore is a single-node MessageStore backed by SQLite. SQLite
// serializes writers internally and contends badly under concurrent
// writes; the Writer queue in front of this store turns that contention
// into bounded FIFO latency.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath in WAL mode and
// initializes the schema. If dbPath is empty it defaults to
// "./data/chat.db".
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/chat.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("store: create sqlite dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	// One writer; readers share the WAL snapshot.
	db.SetMaxOpenConns(4)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: sqlite ping: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		dedup_key TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS ux_messages_room_dedup
		ON messages (room_id, dedup_key);
	CREATE INDEX IF NOT EXISTS idx_messages_room_id
		ON messages (room_id, id);
	CREATE INDEX IF NOT EXISTS idx_messages_created_at
		ON messages (created_at);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: init sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) InsertUnique(ctx context.Context, roomID, senderID, dedupKey, body string) (Message, bool, error) {
	const insert = `
		INSERT INTO messages (room_id, sender_id, dedup_key, body, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (room_id, dedup_key) DO NOTHING`

	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, insert, roomID, senderID, dedupKey, body, now)
	if err != nil {
		return Message{}, false, classifySQLite(fmt.Errorf("store: insert message: %w", err))
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return Message{}, false, fmt.Errorf("store: rows affected: %w", err)
	}

	if affected == 1 {
		id, err := res.LastInsertId()
		if err != nil {
			return Message{}, false, fmt.Errorf("store: last insert id: %w", err)
		}
		return Message{
			ID:        id,
			RoomID:    roomID,
			SenderID:  senderID,
			DedupKey:  dedupKey,
			Body:      body,
			CreatedAt: now,
		}, true, nil
	}

	// Conflict: return the originally committed row.
	const fetch = `
		SELECT id, sender_id, body, created_at
		FROM messages
		WHERE room_id = ? AND dedup_key = ?`

	msg := Message{RoomID: roomID, DedupKey: dedupKey}
	err = s.db.QueryRowContext(ctx, fetch, roomID, dedupKey).Scan(
		&msg.ID, &msg.SenderID, &msg.Body, &msg.CreatedAt)
	if err != nil {
		return Message{}, false, classifySQLite(fmt.Errorf("store: fetch duplicate: %w", err))
	}
	return msg, false, nil
}

func (s *SQLiteStore) ListAfter(ctx context.Context, roomID string, afterID int64, limit int) ([]Message, error) {
	const query = `
		SELECT id, sender_id, dedup_key, body, created_at
		FROM messages
		WHERE room_id = ? AND id > ?
		ORDER BY id ASC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, roomID, afterID, limit)
	if err != nil {
		return nil, classifySQLite(fmt.Errorf("store: list after: %w", err))
	}
	defer rows.Close()

	return scanMessages(rows, roomID)
}

func (s *SQLiteStore) ListRecent(ctx context.Context, roomID string, limit int) ([]Message, error) {
	const query = `
		SELECT id, sender_id, dedup_key, body, created_at
		FROM (
			SELECT id, sender_id, dedup_key, body, created_at
			FROM messages
			WHERE room_id = ?
			ORDER BY id DESC
			LIMIT ?
		)
		ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, roomID, limit)
	if err != nil {
		return nil, classifySQLite(fmt.Errorf("store: list recent: %w", err))
	}
	defer rows.Close()

	return scanMessages(rows, roomID)
}

func (s *SQLiteStore) OldestID(ctx context.Context, roomID string) (int64, bool, error) {
	const query = `SELECT MIN(id) FROM messages WHERE room_id = ?`

	var oldest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, query, roomID).Scan(&oldest); err != nil {
		return 0, false, classifySQLite(fmt.Errorf("store: oldest id: %w", err))
	}
	if !oldest.Valid {
		return 0, false, nil
	}
	return oldest.Int64, true, nil
}

func (s *SQLiteStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM messages WHERE created_at < ?`

	res, err := s.db.ExecContext(ctx, query, cutoff.UnixMilli())
	if err != nil {
		return 0, classifySQLite(fmt.Errorf("store: delete before: %w", err))
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// classifySQLite marks lock contention as transient so the Writer retries
// it instead of failing the submit.
func classifySQLite(err error) error {
	if err == nil {
		return nil
	}

	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return Transient(err)
		}
	}
	return err
}
