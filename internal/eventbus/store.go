package eventbus

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EventQueryFilter narrows Query results. Zero values are unbounded.
type EventQueryFilter struct {
	AppID     string
	Type      string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// EventStore is the optional, non-authoritative audit trail for
// published events. The Lifecycle Controller never reads from it;
// losing it loses history, not correctness.
type EventStore interface {
	Save(ctx context.Context, event Event) error
	SaveBatch(ctx context.Context, events []Event) error
	Query(ctx context.Context, filter EventQueryFilter) ([]Event, error)
}

// SQLiteEventStore persists events to a modernc.org/sqlite-backed
// database/sql handle. Grounded on
// pkg/infra/eventbus/store.go's SQLiteEventStore, narrowed from the
// teacher's generic unit.Event/payload model to this package's
// concrete Event shape.
type SQLiteEventStore struct {
	db *sql.DB
}

// NewSQLiteEventStore wraps an already-opened *sql.DB. Callers are
// expected to have run EnsureSchema once at startup.
func NewSQLiteEventStore(db *sql.DB) *SQLiteEventStore {
	return &SQLiteEventStore{db: db}
}

// EnsureSchema creates the events table if it does not already exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			app_id     TEXT NOT NULL,
			type       TEXT NOT NULL,
			message    TEXT NOT NULL,
			at         TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_app_id ON events(app_id);
		CREATE INDEX IF NOT EXISTS idx_events_at ON events(at);
	`)
	if err != nil {
		return fmt.Errorf("ensure events schema: %w", err)
	}
	return nil
}

func (s *SQLiteEventStore) Save(ctx context.Context, event Event) error {
	return s.SaveBatch(ctx, []Event{event})
}

func (s *SQLiteEventStore) SaveBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO events (app_id, type, message, at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx, e.AppID, e.Type, e.Message, e.At); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteEventStore) Query(ctx context.Context, filter EventQueryFilter) ([]Event, error) {
	query := `SELECT app_id, type, message, at FROM events WHERE 1=1`
	var args []any

	if filter.AppID != "" {
		query += ` AND app_id = ?`
		args = append(args, filter.AppID)
	}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, filter.Type)
	}
	if !filter.StartTime.IsZero() {
		query += ` AND at >= ?`
		args = append(args, filter.StartTime)
	}
	if !filter.EndTime.IsZero() {
		query += ` AND at <= ?`
		args = append(args, filter.EndTime)
	}
	query += ` ORDER BY at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.AppID, &e.Type, &e.Message, &e.At); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
