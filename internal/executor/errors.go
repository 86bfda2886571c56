package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"auditscope/internal/dbpool"
)

// QueryError is the terminal failure of one query after the executor
// gave up: either a fatal error surfaced immediately or a transient one
// that survived every retry.
type QueryError struct {
	SQL      string
	Attempts int
	Err      error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// transient reports whether an error is worth retrying.
//
// Connectivity problems, lock waits, statement time limits, and pool
// exhaustion are transient. Errors the server will deterministically
// repeat, like bad SQL or constraint violations, are fatal and surface
// immediately. Unrecognized errors are retried; the attempt budget
// bounds the damage.
func transient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, dbpool.ErrPoolExhausted) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		// The caller gave up; retrying cannot help.
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientSQLState(pgErr.Code)
	}

	if pgconn.SafeToRetry(err) {
		return true
	}

	return true
}

// transientSQLState classifies a SQLSTATE code.
func transientSQLState(code string) bool {
	switch {
	case strings.HasPrefix(code, "08"): // connection exception
		return true
	case strings.HasPrefix(code, "40"): // transaction rollback (deadlock, serialization)
		return true
	case strings.HasPrefix(code, "53"): // insufficient resources
		return true
	case code == "55P03": // lock not available
		return true
	case code == "57014": // statement cancelled (statement_timeout)
		return true
	case strings.HasPrefix(code, "57"): // operator intervention, shutdown
		return true
	case strings.HasPrefix(code, "42"): // syntax error / undefined object
		return false
	case strings.HasPrefix(code, "23"): // integrity constraint violation
		return false
	case strings.HasPrefix(code, "22"): // data exception
		return false
	default:
		return false
	}
}
