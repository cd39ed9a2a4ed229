// Package cursorstore persists the Gmail history cursor (component A).
// Cold start never backfills: the first call to Advance on an empty
// store just records the caller's starting historyId and returns,
// grounded on original_source/gmail-event-processor/gmail_processor.py's
// process_new_emails, which does exactly that when save_history_id has
// never been called before.
package cursorstore

import (
	"context"
	"database/sql"
	"fmt"
)

// Store persists a single monotonic cursor value. Advance only ever
// increases the stored value (GREATEST semantics) so an out-of-order
// redelivery can never rewind history and reprocess already-seen mail.
type Store interface {
	// Get returns (0, false, nil) on cold start — no cursor has ever been
	// saved.
	Get(ctx context.Context) (uint64, bool, error)
	// Advance stores newValue if it is greater than the current cursor
	// (or no cursor exists yet).
	Advance(ctx context.Context, newValue uint64) error
}

// PostgresStore keeps the cursor in a single-row table, matching the
// orders database's posture of being the system of record when Redis is
// not configured.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (s *PostgresStore) Get(ctx context.Context) (uint64, bool, error) {
	var value sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM history_cursor WHERE id = 1`).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("cursorstore: get: %w", err)
	}
	if !value.Valid {
		return 0, false, nil
	}
	return uint64(value.Int64), true, nil
}

func (s *PostgresStore) Advance(ctx context.Context, newValue uint64) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO history_cursor (id, value) VALUES (1, $1)
ON CONFLICT (id) DO UPDATE SET value = GREATEST(history_cursor.value, EXCLUDED.value)`,
		int64(newValue))
	if err != nil {
		return fmt.Errorf("cursorstore: advance: %w", err)
	}
	return nil
}
