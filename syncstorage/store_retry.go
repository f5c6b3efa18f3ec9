package syncstorage

import (
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// writeAttempts is how many times a write transaction is run before a
// transient database error is given up on.
const writeAttempts = 3

// retryWrite re-runs a write transaction the database aborted with a
// transient error: a deadlock or lock wait timeout under MySQL, a busy
// database file under SQLite. Attempts are spaced with a doubling
// backoff. Once the attempts run out the error surfaces wrapped in
// ErrOverCapacity so the web layer answers 503 and clients back off.
func retryWrite(op func() error) error {
	wait := 10 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil || !transientError(err) {
			return err
		}
		if attempt >= writeAttempts {
			return errors.Wrap(ErrOverCapacity, err.Error())
		}

		storeDebug("transient database error, attempt %d: %s", attempt, err.Error())
		time.Sleep(wait)
		wait *= 2
	}
}

// transientError reports whether a database error is worth retrying
func transientError(err error) bool {
	switch e := errors.Cause(err).(type) {
	case *mysql.MySQLError:
		// ER_LOCK_DEADLOCK, ER_LOCK_WAIT_TIMEOUT
		return e.Number == 1213 || e.Number == 1205
	case sqlite3.Error:
		return e.Code == sqlite3.ErrBusy || e.Code == sqlite3.ErrLocked
	}
	return false
}
