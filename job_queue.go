// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package que

import (
	"container/heap"
	"context"
	"math"
	"sync"
)

// AnyPriority makes Pop accept jobs of every priority.
const AnyPriority = math.MaxInt

// JobQueue is a bounded, priority-ordered buffer of locked jobs waiting for
// a worker. It is safe for concurrent use.
type JobQueue struct {
	maxSize int
	minSize int

	mu      sync.Mutex
	keys    keyHeap
	changed chan struct{} // closed and replaced on every change
	lowc    chan struct{}
}

// NewJobQueue creates a JobQueue holding at most maxSize keys. LowWater
// is signalled whenever a Pop leaves minSize or fewer keys behind.
func NewJobQueue(maxSize, minSize int) *JobQueue {
	return &JobQueue{
		maxSize: maxSize,
		minSize: minSize,
		changed: make(chan struct{}),
		lowc:    make(chan struct{}, 1),
	}
}

// Push adds key to the queue. It blocks while the queue is full and
// returns ctx.Err() if ctx ends first.
func (q *JobQueue) Push(ctx context.Context, key Key) error {
	for {
		q.mu.Lock()
		if len(q.keys) < q.maxSize {
			heap.Push(&q.keys, key)
			q.broadcastLocked()
			q.mu.Unlock()
			return nil
		}
		ch := q.changed
		q.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pop removes and returns the smallest key if its priority is at most
// maxPriority. It waits until such a key is available or ctx ends, in
// which case it returns false.
func (q *JobQueue) Pop(ctx context.Context, maxPriority int) (Key, bool) {
	for {
		q.mu.Lock()
		if len(q.keys) > 0 && q.keys[0].Priority <= maxPriority {
			key := heap.Pop(&q.keys).(Key)
			low := len(q.keys) <= q.minSize
			q.broadcastLocked()
			q.mu.Unlock()
			if low {
				select {
				case q.lowc <- struct{}{}:
				default:
				}
			}
			return key, true
		}
		ch := q.changed
		q.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return Key{}, false
		}
	}
}

// Size returns the number of buffered keys.
func (q *JobQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.keys)
}

// Clear removes all keys and returns them in order.
func (q *JobQueue) Clear() []Key {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := make([]Key, 0, len(q.keys))
	for len(q.keys) > 0 {
		keys = append(keys, heap.Pop(&q.keys).(Key))
	}
	q.broadcastLocked()
	return keys
}

// LowWater is signalled when the queue drained to its minimum size.
func (q *JobQueue) LowWater() <-chan struct{} {
	return q.lowc
}

func (q *JobQueue) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// keyHeap implements heap.Interface as a min-heap of keys.
type keyHeap []Key

func (h keyHeap) Len() int           { return len(h) }
func (h keyHeap) Less(i, j int) bool { return h[i].Less(h[j]) }
func (h keyHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *keyHeap) Push(x interface{}) {
	*h = append(*h, x.(Key))
}

func (h *keyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	key := old[n-1]
	*h = old[:n-1]
	return key
}
