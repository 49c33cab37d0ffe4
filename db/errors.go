package db

import (
	"database/sql"
	"strings"

	"github.com/teranos/relay/errors"
)

// ErrDatabaseClosed is returned when operations are attempted on a closed
// database, typically while a run's scheduler is still persisting during
// process shutdown.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed reports whether err means the connection is gone.
// Driver errors are not typed, so their message is matched as a fallback.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}
