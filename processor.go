// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package que

import (
	"context"
	"runtime/debug"
)

// Processor is responsible to process a job of a certain class.
//
// The context passed to a processor is not cancelled when the Locker
// stops: running jobs are always allowed to finish.
type Processor func(ctx context.Context, job *Job) error

// ErrorHandler is notified about every failed job. A panic inside the
// handler is recovered and ignored.
type ErrorHandler func(ctx context.Context, job *Job, err error)

// ClassOption configures a registered job class.
type ClassOption func(*class)

// RetryInterval overrides the Locker's backoff function for a job class.
func RetryInterval(fn BackoffFunc) ClassOption {
	return func(c *class) {
		c.retryInterval = fn
	}
}

// class is a registered job class.
type class struct {
	name          string
	processor     Processor
	retryInterval BackoffFunc
}

// run invokes the processor, turning a panic into a *PanicError.
func (c *class) run(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return c.processor(ctx, job)
}
