// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package que

import "sync"

// ResultQueue hands the ids of finished jobs from the workers back to the
// Locker, which then releases their locks. Push never blocks.
type ResultQueue struct {
	mu     sync.Mutex
	ids    []int64
	readyc chan struct{}
}

// NewResultQueue creates an empty ResultQueue.
func NewResultQueue() *ResultQueue {
	return &ResultQueue{readyc: make(chan struct{}, 1)}
}

// Push reports the job with the given id as finished.
func (q *ResultQueue) Push(id int64) {
	q.mu.Lock()
	q.ids = append(q.ids, id)
	q.mu.Unlock()
	select {
	case q.readyc <- struct{}{}:
	default:
	}
}

// Clear removes and returns all reported ids in the order they were pushed.
func (q *ResultQueue) Clear() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := q.ids
	q.ids = nil
	return ids
}

// Len returns the number of ids not yet cleared.
func (q *ResultQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

// Ready is signalled after a Push.
func (q *ResultQueue) Ready() <-chan struct{} {
	return q.readyc
}
