package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore is the production MessageStore backed by PostgreSQL.
// IDs come from a BIGSERIAL column; because all inserts flow through the
// single Writer, assignment order equals commit order.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool to the given DSN, verifies it,
// and applies embedded schema migrations.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}

	// One writer plus concurrent readers.
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres ping: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &PostgresStore{db: db}, nil
}

// runMigrations applies the embedded SQL migrations.
func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migration source: %w", err)
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertUnique(ctx context.Context, roomID, senderID, dedupKey, body string) (Message, bool, error) {
	const insert = `
		INSERT INTO messages (room_id, sender_id, dedup_key, body, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (room_id, dedup_key) DO NOTHING
		RETURNING id`

	now := time.Now().UnixMilli()
	msg := Message{
		RoomID:    roomID,
		SenderID:  senderID,
		DedupKey:  dedupKey,
		Body:      body,
		CreatedAt: now,
	}

	err := s.db.QueryRowContext(ctx, insert, roomID, senderID, dedupKey, body, now).Scan(&msg.ID)
	if err == nil {
		return msg, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Message{}, false, classifyPG(fmt.Errorf("store: insert message: %w", err))
	}

	// Conflict: the key was already committed. Return the original row.
	const fetch = `
		SELECT id, sender_id, body, created_at
		FROM messages
		WHERE room_id = $1 AND dedup_key = $2`

	err = s.db.QueryRowContext(ctx, fetch, roomID, dedupKey).Scan(
		&msg.ID, &msg.SenderID, &msg.Body, &msg.CreatedAt)
	if err != nil {
		return Message{}, false, classifyPG(fmt.Errorf("store: fetch duplicate: %w", err))
	}
	return msg, false, nil
}

func (s *PostgresStore) ListAfter(ctx context.Context, roomID string, afterID int64, limit int) ([]Message, error) {
	const query = `
		SELECT id, sender_id, dedup_key, body, created_at
		FROM messages
		WHERE room_id = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, roomID, afterID, limit)
	if err != nil {
		return nil, classifyPG(fmt.Errorf("store: list after: %w", err))
	}
	defer rows.Close()

	return scanMessages(rows, roomID)
}

func (s *PostgresStore) ListRecent(ctx context.Context, roomID string, limit int) ([]Message, error) {
	const query = `
		SELECT id, sender_id, dedup_key, body, created_at
		FROM (
			SELECT id, sender_id, dedup_key, body, created_at
			FROM messages
			WHERE room_id = $1
			ORDER BY id DESC
			LIMIT $2
		) recent
		ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, roomID, limit)
	if err != nil {
		return nil, classifyPG(fmt.Errorf("store: list recent: %w", err))
	}
	defer rows.Close()

	return scanMessages(rows, roomID)
}

func (s *PostgresStore) OldestID(ctx context.Context, roomID string) (int64, bool, error) {
	const query = `SELECT MIN(id) FROM messages WHERE room_id = $1`

	var oldest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, query, roomID).Scan(&oldest); err != nil {
		return 0, false, classifyPG(fmt.Errorf("store: oldest id: %w", err))
	}
	if !oldest.Valid {
		return 0, false, nil
	}
	return oldest.Int64, true, nil
}

func (s *PostgresStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM messages WHERE created_at < $1`

	res, err := s.db.ExecContext(ctx, query, cutoff.UnixMilli())
	if err != nil {
		return 0, classifyPG(fmt.Errorf("store: delete before: %w", err))
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// scanMessages reads the standard column set into Messages.
func scanMessages(rows *sql.Rows, roomID string) ([]Message, error) {
	var out []Message
	for rows.Next() {
		msg := Message{RoomID: roomID}
		if err := rows.Scan(&msg.ID, &msg.SenderID, &msg.DedupKey, &msg.Body, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPG(fmt.Errorf("store: rows: %w", err))
	}
	return out, nil
}

// classifyPG marks connection-level and contention errors as transient so
// the Writer retries them.
func classifyPG(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, driver.ErrBadConn) {
		return Transient(err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"53300", // too_many_connections
			"57P03", // cannot_connect_now
			"08000", "08003", "08006": // connection exceptions
			return Transient(err)
		}
	}
	return err
}
