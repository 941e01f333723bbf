package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrDuplicate marks a write that collided with an existing URI.
	// Callers treat it as success.
	ErrDuplicate = errors.New("store: duplicate key")

	// ErrMissingDependency marks a write rejected because a row it
	// references does not exist yet. Callers enqueue the op for replay.
	ErrMissingDependency = errors.New("store: missing dependency")

	// ErrNotFound marks a lookup that matched no row.
	ErrNotFound = errors.New("store: not found")
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// mapError translates Postgres error codes into the pipeline's sentinel
// errors so the processor can route on them with errors.Is.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return ErrDuplicate
		case pgForeignKeyViolation:
			return ErrMissingDependency
		}
	}
	return err
}
