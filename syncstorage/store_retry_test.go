package syncstorage

import (
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestTransientError(t *testing.T) {
	assert := assert.New(t)

	assert.False(transientError(nil))
	assert.False(transientError(errors.New("boom")))
	assert.False(transientError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}))

	assert.True(transientError(&mysql.MySQLError{Number: 1213, Message: "Deadlock found"}))
	assert.True(transientError(&mysql.MySQLError{Number: 1205, Message: "Lock wait timeout exceeded"}))
	assert.True(transientError(sqlite3.Error{Code: sqlite3.ErrBusy}))
	assert.True(transientError(sqlite3.Error{Code: sqlite3.ErrLocked}))

	// wrapping must not hide a transient cause
	wrapped := errors.Wrap(&mysql.MySQLError{Number: 1213, Message: "Deadlock found"}, "commit failed")
	assert.True(transientError(wrapped))
}

func TestRetryWriteRecovers(t *testing.T) {
	assert := assert.New(t)

	calls := 0
	err := retryWrite(func() error {
		calls++
		if calls < writeAttempts {
			return &mysql.MySQLError{Number: 1213, Message: "Deadlock found"}
		}
		return nil
	})
	assert.NoError(err)
	assert.Equal(writeAttempts, calls)
}

func TestRetryWriteNonTransient(t *testing.T) {
	assert := assert.New(t)

	calls := 0
	boom := errors.New("boom")
	err := retryWrite(func() error {
		calls++
		return boom
	})
	assert.Equal(boom, err)
	assert.Equal(1, calls)
}

func TestRetryWriteExhausted(t *testing.T) {
	assert := assert.New(t)

	calls := 0
	err := retryWrite(func() error {
		calls++
		return sqlite3.Error{Code: sqlite3.ErrBusy}
	})
	assert.Equal(ErrOverCapacity, errors.Cause(err))
	assert.Equal(writeAttempts, calls)
}
