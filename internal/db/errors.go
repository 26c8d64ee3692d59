package db

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// ErrorMessage renders err the way the server reported it. PostgreSQL errors
// from either driver read "<SEVERITY>: <message> (SQLSTATE <code>)"; anything
// else is reduced to the innermost cause so callers see the driver's own
// message.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Error()
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Sprintf("%s: %s (SQLSTATE %s)", pqErr.Severity, pqErr.Message, pqErr.Code)
	}

	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
