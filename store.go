// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package que

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound must be returned from the Store interface when a certain
	// job could not be found in the specific data store.
	ErrNotFound = errors.New("que: job not found")
)

// Store implements persistent storage of jobs.
//
// Locks are not taken by Store itself but by a Session opened via Open.
// All other methods may be called concurrently from many workers.
type Store interface {
	// Open starts a new session. Locks taken by polling through the session
	// belong to it and must be released, at the latest, when the session
	// ends for whatever reason (Close, lost connection, crashed process).
	Open(ctx context.Context) (Session, error)

	// GetJob fetches the job identified by key. If the job no longer exists,
	// ErrNotFound must be returned.
	GetJob(ctx context.Context, key Key) (*Job, error)

	// RecordError stores count as the job's error count, message as its
	// last error, and reschedules it to now + delay. It does not release
	// the job's lock.
	RecordError(ctx context.Context, job *Job, count int, delay time.Duration, message string) error

	// Delete removes a successfully worked job. It does not release the
	// job's lock.
	Delete(ctx context.Context, job *Job) error

	// Enqueue adds a job to the store and sets its ID. A zero RunAt means
	// the job is due immediately.
	Enqueue(ctx context.Context, job *Job) error

	// Close releases the resources held by the store.
	Close() error
}

// Session is an exclusive, crash-safe claim on a set of jobs.
// A session is used by one goroutine at a time.
type Session interface {
	// Poll locks and returns up to limit jobs of the given queue that are
	// due, have a priority of at most maxPriority, are not listed in
	// exclude, and are not locked by any other session. Pass AnyPriority
	// to take jobs of every priority. Jobs are returned ordered by
	// priority, run_at and id. Only jobs that were successfully locked are
	// returned.
	//
	// If Poll fails after locking some jobs, it returns those jobs along
	// with the error. The caller owns their locks either way.
	//
	// Poll must be safe for any number of concurrent sessions: each job
	// must be returned to at most one of them.
	Poll(ctx context.Context, queue string, exclude []int64, maxPriority, limit int) ([]*Job, error)

	// Unlock releases the lock on the job with the given id.
	// Unlocking a job that is not locked is a no-op.
	Unlock(ctx context.Context, id int64) error

	// Close ends the session and releases every lock it holds.
	Close() error
}
