// Package deadletter provides PostgreSQL-backed storage for broker payloads
// the relay could not deliver: pushes for conversations with no live viewer,
// pushes that failed to decode, and history replies that could not be parsed.
// Records are kept for operators; nothing replays them automatically.
package deadletter

import (
	"context"
	"database/sql"
	"embed"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // postgres:// migration driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq" // postgres database/sql driver
	"github.com/pkg/errors"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Reasons a payload ends up in the store. They match the CHECK constraint on
// the dead_letters table.
const (
	ReasonNoViewer           = "no_viewer"
	ReasonMalformedPush      = "malformed_push"
	ReasonUnparseableHistory = "unparseable_history"
)

var validReasons = map[string]bool{
	ReasonNoViewer:           true,
	ReasonMalformedPush:      true,
	ReasonUnparseableHistory: true,
}

// Record is a single undeliverable payload.
type Record struct {
	ID             int64
	Queue          string
	Reason         string
	ConversationID string // empty when the payload could not be decoded
	Payload        []byte
	Error          string
	CreatedAt      time.Time
}

// Store manages dead letters in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new dead-letter store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL at dsn, applies pending migrations and returns
// a ready store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if err := Migrate(dsn); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "deadletter: open")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "deadletter: ping")
	}
	return NewStore(db), nil
}

// Migrate applies the embedded schema migrations. dsn must be a postgres://
// URL. Running it against an up-to-date schema is a no-op.
func Migrate(dsn string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return errors.Wrap(err, "deadletter: load migrations")
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return errors.Wrap(err, "deadletter: init migrations")
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "deadletter: migrate up")
	}
	return nil
}

// Create inserts a dead letter. The reason is validated against the allowed
// set before insertion.
func (s *Store) Create(ctx context.Context, rec *Record) error {
	if !validReasons[rec.Reason] {
		return errors.Errorf("deadletter: invalid reason %q", rec.Reason)
	}
	if rec.Payload == nil {
		rec.Payload = []byte{}
	}

	const query = `
		INSERT INTO dead_letters (queue, reason, conversation_id, payload, error)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	err := s.db.QueryRowContext(ctx, query,
		rec.Queue,
		rec.Reason,
		rec.ConversationID,
		rec.Payload,
		rec.Error,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "deadletter: insert")
	}
	return nil
}

// ListByConversation returns the most recent dead letters for a conversation,
// newest first.
func (s *Store) ListByConversation(ctx context.Context, conversationID string, limit int) ([]Record, error) {
	const query = `
		SELECT id, queue, reason, conversation_id, payload, error, created_at
		FROM dead_letters
		WHERE conversation_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "deadletter: list")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Queue, &r.Reason, &r.ConversationID, &r.Payload, &r.Error, &r.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "deadletter: scan")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "deadletter: rows")
	}
	return out, nil
}

// CountRecent returns the number of dead letters with the given reason
// recorded within window.
func (s *Store) CountRecent(ctx context.Context, reason string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM dead_letters
		WHERE reason = $1
		  AND created_at >= NOW() - ($2 * INTERVAL '1 second')`

	var count int
	err := s.db.QueryRowContext(ctx, query, reason, window.Seconds()).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "deadletter: count recent")
	}
	return count, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
