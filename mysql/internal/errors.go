package internal

import (
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"
)

const (
	errLockWaitTimeout = 1205 // Lock wait timeout exceeded; try restarting transaction
	errDeadlock        = 1213 // Deadlock found when trying to get lock; try restarting transaction
)

// IsNotFound returns true if the given error indicates that a record
// could not be found.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// IsDeadlock returns true if the given error indicates that we
// found a deadlock.
func IsDeadlock(err error) bool {
	return hasNumber(err, errDeadlock)
}

// IsRetryable returns true if a transaction that failed with err can be
// restarted.
func IsRetryable(err error) bool {
	return hasNumber(err, errDeadlock) || hasNumber(err, errLockWaitTimeout)
}

func hasNumber(err error, number uint16) bool {
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return false
	}
	return me.Number == number
}
