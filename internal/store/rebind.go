package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

// Session is the subset of sqlx.Session the services use inside
// transactions. Queries arriving here are rewritten for the active driver.
type Session interface {
	ExecCtx(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowCtx(ctx context.Context, v any, query string, args ...any) error
	QueryRowsCtx(ctx context.Context, v any, query string, args ...any) error
}

// ExecCtx runs a statement with driver-appropriate placeholders.
func (s *Store) ExecCtx(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.Conn.ExecCtx(ctx, s.Rebind(query), args...)
}

// QueryRowCtx scans a single row into v.
func (s *Store) QueryRowCtx(ctx context.Context, v any, query string, args ...any) error {
	return s.Conn.QueryRowCtx(ctx, v, s.Rebind(query), args...)
}

// QueryRowsCtx scans all rows into v.
func (s *Store) QueryRowsCtx(ctx context.Context, v any, query string, args ...any) error {
	return s.Conn.QueryRowsCtx(ctx, v, s.Rebind(query), args...)
}

// TransactCtx runs fn inside a transaction, handing it a rebinding session.
func (s *Store) TransactCtx(ctx context.Context, fn func(context.Context, Session) error) error {
	return s.Conn.TransactCtx(ctx, func(ctx context.Context, sess sqlx.Session) error {
		return fn(ctx, rebindSession{sess: sess, driver: s.driver})
	})
}

// Rebind rewrites $N placeholders for the active driver. Postgres consumes
// them as written; sqlite gets the equivalent ?N ordinal form, so queries
// stay correct even when a placeholder repeats or appears out of order.
func (s *Store) Rebind(query string) string {
	return Rebind(s.driver, query)
}

// Rebind is the driver-explicit form of Store.Rebind.
func Rebind(driver, query string) string {
	if driver != DriverSQLite || !strings.ContainsRune(query, '$') {
		return query
	}
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c != '$' || i+1 >= len(query) || !isDigit(query[i+1]) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('?')
	}
	return b.String()
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

type rebindSession struct {
	sess   sqlx.Session
	driver string
}

func (r rebindSession) ExecCtx(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return r.sess.ExecCtx(ctx, Rebind(r.driver, query), args...)
}

func (r rebindSession) QueryRowCtx(ctx context.Context, v any, query string, args ...any) error {
	return r.sess.QueryRowCtx(ctx, v, Rebind(r.driver, query), args...)
}

func (r rebindSession) QueryRowsCtx(ctx context.Context, v any, query string, args ...any) error {
	return r.sess.QueryRowsCtx(ctx, v, Rebind(r.driver, query), args...)
}
