// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package que

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownClass is reported for jobs whose class has no registered
	// processor. Such jobs are treated as failed and retried later.
	ErrUnknownClass = errors.New("que: unknown job class")

	// ErrAlreadyStarted is returned when starting a running Locker.
	ErrAlreadyStarted = errors.New("que: locker already started")

	// ErrInvalidConfig is returned from Start when the options are inconsistent.
	ErrInvalidConfig = errors.New("que: invalid configuration")
)

// PanicError is the failure recorded for a processor that panicked.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v\n%s", e.Value, e.Stack)
}
