// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package que

import (
	"encoding/json"
	"time"
)

// DefaultPriority is the priority NewJob assigns. Lower values are more urgent.
const DefaultPriority = 100

// Job is a unit of persisted work.
type Job struct {
	ID         int64           `json:"id"`          // monotonic identifier, assigned by the store
	Queue      string          `json:"queue"`       // partitions work; "" is the default queue
	Priority   int             `json:"priority"`    // lower gets executed earlier
	RunAt      time.Time       `json:"run_at"`      // not eligible before this instant
	Class      string          `json:"job_class"`   // finds the registered processor
	Args       json.RawMessage `json:"args"`        // opaque payload passed to the processor
	ErrorCount int             `json:"error_count"` // number of failed runs so far
	LastError  string          `json:"last_error"`  // message of the last failure, empty if none
}

// NewJob returns a job for class with DefaultPriority, due now. Args are
// encoded as a JSON array.
func NewJob(class string, args ...interface{}) (*Job, error) {
	if args == nil {
		args = []interface{}{}
	}
	v, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	return &Job{
		Class:    class,
		Priority: DefaultPriority,
		Args:     v,
	}, nil
}

// Key returns the handle the job is buffered under in a JobQueue.
func (j *Job) Key() Key {
	return Key{
		Queue:    j.Queue,
		Priority: j.Priority,
		RunAt:    j.RunAt,
		ID:       j.ID,
	}
}

// Key identifies a locked job well enough to fetch it again from the store.
// Keys are ordered by priority, then run_at, then id.
type Key struct {
	Queue    string
	Priority int
	RunAt    time.Time
	ID       int64
}

// Less reports whether k sorts before other.
func (k Key) Less(other Key) bool {
	if k.Priority != other.Priority {
		return k.Priority < other.Priority
	}
	if !k.RunAt.Equal(other.RunAt) {
		return k.RunAt.Before(other.RunAt)
	}
	return k.ID < other.ID
}
