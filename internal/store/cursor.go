package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

const saveCursor = `
INSERT INTO firehose_cursor (service, cursor, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (service) DO UPDATE SET
    cursor = GREATEST(firehose_cursor.cursor, EXCLUDED.cursor),
    updated_at = EXCLUDED.updated_at`

// SaveCursor persists the resume cursor for a named service. The
// stored value never regresses.
func (q *Queries) SaveCursor(ctx context.Context, service string, cursor int64, ts time.Time) error {
	_, err := q.db.Exec(ctx, saveCursor, service, cursor, ts)
	return mapError(err)
}

const loadCursor = `
SELECT cursor FROM firehose_cursor WHERE service = $1`

// LoadCursor returns the saved cursor for service, or 0 when the
// service has never persisted one.
func (q *Queries) LoadCursor(ctx context.Context, service string) (int64, error) {
	var cursor int64
	err := q.db.QueryRow(ctx, loadCursor, service).Scan(&cursor)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return cursor, mapError(err)
}
