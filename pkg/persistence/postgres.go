package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/XSAM/otelsql"
	_ "github.com/lib/pq"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/example/nats-chat-realtime/pkg/contract"
)

// OpenPostgres opens dsn with query tracing and waits for the database to
// accept connections.
func OpenPostgres(ctx context.Context, dsn string, attempts int) (*sql.DB, error) {
	db, err := otelsql.Open("postgres", dsn, otelsql.WithAttributes(semconv.DBSystemPostgreSQL))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(semconv.DBSystemPostgreSQL))
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = db.PingContext(ctx); err == nil {
			return db, nil
		}
		slog.Info("Waiting for PostgreSQL", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	db.Close()
	return nil, fmt.Errorf("connect to PostgreSQL: %w", err)
}

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	room       TEXT NOT NULL,
	sender     TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_room_created_idx ON messages (room, created_at);
CREATE TABLE IF NOT EXISTS rooms (
	name TEXT PRIMARY KEY,
	type TEXT NOT NULL DEFAULT 'public'
);
CREATE TABLE IF NOT EXISTS room_members (
	room_name TEXT NOT NULL,
	username  TEXT NOT NULL,
	joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (room_name, username)
);
`

// PostgresStore stores messages and memberships in PostgreSQL.
//
// Rooms without a row in rooms, or with a type other than 'private', are open
// to everyone. Private rooms admit only users listed in room_members.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Migrate creates the tables the store needs.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// CreateMessage inserts a message. A request carrying the id of an already
// stored message returns the stored record unchanged.
func (s *PostgresStore) CreateMessage(ctx context.Context, req contract.CreateMessageRequest) (contract.MessageRecord, error) {
	rec := newRecord(req, s.now)
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO messages (id, room, sender, content, created_at) VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING",
		rec.ID, rec.RoomID, rec.SenderID, rec.Content, rec.Timestamp)
	if err != nil {
		return contract.MessageRecord{}, fmt.Errorf("insert message: %w", err)
	}
	return s.Message(ctx, rec.ID)
}

func (s *PostgresStore) AppendMessage(ctx context.Context, roomID, senderID, content string) (contract.MessageRecord, error) {
	return s.CreateMessage(ctx, contract.CreateMessageRequest{RoomID: roomID, SenderID: senderID, Content: content})
}

func (s *PostgresStore) Record(ctx context.Context, rec contract.MessageRecord) error {
	_, err := s.CreateMessage(ctx, contract.CreateMessageRequest(rec))
	return err
}

// Message loads one message by id.
func (s *PostgresStore) Message(ctx context.Context, id string) (contract.MessageRecord, error) {
	var rec contract.MessageRecord
	err := s.db.QueryRowContext(ctx,
		"SELECT id, room, sender, content, created_at FROM messages WHERE id = $1", id).
		Scan(&rec.ID, &rec.RoomID, &rec.SenderID, &rec.Content, &rec.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return contract.MessageRecord{}, ErrNotFound
	}
	if err != nil {
		return contract.MessageRecord{}, fmt.Errorf("select message: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) private(ctx context.Context, roomID string) (bool, error) {
	var roomType string
	err := s.db.QueryRowContext(ctx, "SELECT type FROM rooms WHERE name = $1", roomID).Scan(&roomType)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("select room type: %w", err)
	}
	return roomType == "private", nil
}

func (s *PostgresStore) listed(ctx context.Context, roomID, userID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM room_members WHERE room_name = $1 AND username = $2",
		roomID, userID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count room members: %w", err)
	}
	return count > 0, nil
}

func (s *PostgresStore) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	private, err := s.private(ctx, roomID)
	if err != nil || !private {
		return !private, err
	}
	return s.listed(ctx, roomID, userID)
}

// Join records userID as a member of roomID. Private rooms only admit users
// already listed; joining them never adds a row.
func (s *PostgresStore) Join(ctx context.Context, roomID, userID string) (bool, error) {
	private, err := s.private(ctx, roomID)
	if err != nil {
		return false, err
	}
	if private {
		return s.listed(ctx, roomID, userID)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO room_members (room_name, username) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		roomID, userID)
	if err != nil {
		return false, fmt.Errorf("insert room member: %w", err)
	}
	return true, nil
}

// Leave removes userID from an open room. Private room rosters are managed
// elsewhere and are left untouched.
func (s *PostgresStore) Leave(ctx context.Context, roomID, userID string) (bool, error) {
	private, err := s.private(ctx, roomID)
	if err != nil || private {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM room_members WHERE room_name = $1 AND username = $2", roomID, userID)
	if err != nil {
		return false, fmt.Errorf("delete room member: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
