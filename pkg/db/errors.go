package db

import (
	"errors"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

const pgUniqueViolation = "23505"

// IsUniqueViolation reports whether err is a unique-constraint violation.
// With constraints given, the violated constraint must be one of them.
func IsUniqueViolation(err error, constraints ...string) bool {
	if err == nil {
		return false
	}
	matches := func(name string) bool {
		return len(constraints) == 0 || slices.Contains(constraints, name)
	}

	var pgxErr *pgconn.PgError
	if errors.As(err, &pgxErr) {
		return pgxErr.Code == pgUniqueViolation && matches(pgxErr.ConstraintName)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgUniqueViolation && matches(pqErr.Constraint)
	}

	// sqlite in tests reports violations only through the message.
	msg := err.Error()
	if !errors.Is(err, gorm.ErrDuplicatedKey) &&
		!strings.Contains(msg, "duplicate key value") &&
		!strings.Contains(msg, "UNIQUE constraint failed") {
		return false
	}
	if len(constraints) == 0 {
		return true
	}
	return slices.ContainsFunc(constraints, func(name string) bool { return strings.Contains(msg, name) })
}
