// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package que runs jobs persisted in a shared database, using session
// scoped locks to make sure every job is worked by exactly one process.
//
// Applications using que first create a Locker. Jobs have a class and
// there is one processor per class. Applications need to register classes
// and their processors before starting the locker.
//
// Once started, the locker opens a Session on its Store and spins up a
// fixed number of workers. A single coordinator goroutine polls the store
// for jobs that are due, locks them through the session and buffers them
// in a JobQueue, ordered by priority, run_at and id. Lower priority values
// are more urgent. The coordinator only polls when the buffer holds the
// minimum queue size or fewer jobs, and never more than it can hold.
//
// Workers pop jobs from the buffer, fetch the current row from the store and
// run the processor. A successful job is deleted. A failed job has its error
// count incremented and is rescheduled after a backoff (see backoff.go),
// which can be configured per locker via SetRetryInterval or per class via
// RetryInterval. A panic in a processor counts as a failure. Whatever the
// outcome, the worker reports the job back through a ResultQueue and the
// coordinator releases its lock.
//
// Locks belong to the session. If a process crashes or loses its database
// connection, its locks are released by the database and other lockers
// pick up the jobs. A job can therefore be worked more than once, but never
// by two lockers at the same time.
//
// On Stop, the locker stops polling, unlocks the buffered jobs, lets the
// running jobs finish, unlocks them and closes the session.
//
// By default, an in memory store is used. Persistent stores live in the
// postgres, mysql and mongodb packages.
package que

// Version of the package.
const Version = "1.0.0"
