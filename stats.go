// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package que

// Stats returns statistics about a Locker.
type Stats struct {
	LockerID string `json:"locker_id"` // identifies the Locker in logs
	State    string `json:"state"`     // current lifecycle state
	Workers  int    `json:"workers"`   // number of workers
	Buffered int    `json:"buffered"`  // number of locked jobs waiting for a worker
	Locked   int    `json:"locked"`    // number of locks held
	Working  int    `json:"working"`   // number of jobs currently executing
	Polled   uint64 `json:"polled"`    // number of jobs locked since start
	Worked   uint64 `json:"worked"`    // number of jobs completed successfully
	Errored  uint64 `json:"errored"`   // number of failed job runs
}
