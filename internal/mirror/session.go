package mirror

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"

	"github.com/lib/pq"
)

// ErrSessionExpired reports that the held session is no longer usable and
// has to be reacquired.
var ErrSessionExpired = errors.New("mirror session expired")

// IsSessionExpired reports whether err means the session handle went stale.
// Only these errors trigger the reconnect-and-retry cycle in Apply.
func IsSessionExpired(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "57P01", "57P02", "57P03": // admin_shutdown, crash_shutdown, cannot_connect_now
			return true
		}
		return pqErr.Code.Class() == "08" // connection_exception
	}
	return false
}

// session is the executor bound to one database connection.
type session interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	PingContext(ctx context.Context) error
	Close() error
}

var _ session = (*sql.Conn)(nil)
