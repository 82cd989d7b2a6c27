package store

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/lib/pq"
	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

// IsUniqueViolation reports whether err is a unique-constraint violation on
// either supported driver. Callers treat duplicate inserts as "already
// exists" rather than failures.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "SQLSTATE 23505")
}

// IsNoRows reports whether err means the query matched nothing.
func IsNoRows(err error) bool {
	return errors.Is(err, sqlx.ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}
