package database

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a lookup matches no row
	ErrNotFound = errors.New("database: not found")
	// ErrDuplicate is returned when an insert or update hits a unique constraint
	ErrDuplicate = errors.New("database: duplicate")
)

const pgUniqueViolation = "23505"

// IsUniqueViolation reports whether err is a postgres unique constraint violation
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// mapError converts driver errors into package sentinels
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case IsUniqueViolation(err):
		return ErrDuplicate
	default:
		return err
	}
}
