// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package que

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSessionClosed is returned when using a session after Close.
var ErrSessionClosed = errors.New("que: session closed")

// InMemoryStore is a simple in-memory store implementation.
// It implements the Store interface. Do not use in production.
type InMemoryStore struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*Job
	locks  map[int64]*memorySession // job id -> session holding its lock
	now    func() time.Time
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		jobs:  make(map[int64]*Job),
		locks: make(map[int64]*memorySession),
		now:   time.Now,
	}
}

// Open starts a new session.
func (st *InMemoryStore) Open(ctx context.Context) (Session, error) {
	return &memorySession{id: uuid.New().String(), st: st}, nil
}

// Enqueue adds a new job.
func (st *InMemoryStore) Enqueue(ctx context.Context, job *Job) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.nextID++
	job.ID = st.nextID
	if job.RunAt.IsZero() {
		job.RunAt = st.now()
	}
	if job.Args == nil {
		job.Args = []byte("[]")
	}
	st.jobs[job.ID] = copyJob(job)
	return nil
}

// GetJob returns the job identified by key. A job that was deleted or
// rescheduled in the meantime is reported as ErrNotFound.
func (st *InMemoryStore) GetJob(ctx context.Context, key Key) (*Job, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	job, found := st.jobs[key.ID]
	if !found || job.Queue != key.Queue || job.Priority != key.Priority || !job.RunAt.Equal(key.RunAt) {
		return nil, ErrNotFound
	}
	return copyJob(job), nil
}

// RecordError reschedules the job after a failure.
func (st *InMemoryStore) RecordError(ctx context.Context, job *Job, count int, delay time.Duration, message string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	stored, found := st.jobs[job.ID]
	if !found {
		return ErrNotFound
	}
	stored.ErrorCount = count
	stored.LastError = message
	stored.RunAt = st.now().Add(delay)
	return nil
}

// Delete removes the job.
func (st *InMemoryStore) Delete(ctx context.Context, job *Job) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.jobs, job.ID)
	return nil
}

// Close the store.
func (st *InMemoryStore) Close() error {
	return nil
}

// Lookup returns the job with the specified identifier (or ErrNotFound).
func (st *InMemoryStore) Lookup(id int64) (*Job, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	job, found := st.jobs[id]
	if !found {
		return nil, ErrNotFound
	}
	return copyJob(job), nil
}

// Len returns the number of jobs in the store.
func (st *InMemoryStore) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.jobs)
}

// Locked reports whether any session holds the lock on the job.
func (st *InMemoryStore) Locked(id int64) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	_, found := st.locks[id]
	return found
}

// LockCount returns the number of locks held by all sessions.
func (st *InMemoryStore) LockCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.locks)
}

func copyJob(job *Job) *Job {
	c := *job
	if job.Args != nil {
		c.Args = append([]byte(nil), job.Args...)
	}
	return &c
}

// memorySession holds locks in an InMemoryStore.
type memorySession struct {
	id     string
	st     *InMemoryStore
	closed bool // guarded by st.mu
}

func (s *memorySession) Poll(ctx context.Context, queue string, exclude []int64, maxPriority, limit int) ([]*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	excluded := make(map[int64]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}

	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}

	now := s.st.now()
	var candidates []*Job
	for _, job := range s.st.jobs {
		if job.Queue != queue || job.Priority > maxPriority || job.RunAt.After(now) {
			continue
		}
		if _, skip := excluded[job.ID]; skip {
			continue
		}
		candidates = append(candidates, job)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Key().Less(candidates[j].Key())
	})

	var jobs []*Job
	for _, job := range candidates {
		if len(jobs) >= limit {
			break
		}
		if holder, locked := s.st.locks[job.ID]; locked && holder != s {
			continue
		}
		s.st.locks[job.ID] = s
		jobs = append(jobs, copyJob(job))
	}
	return jobs, nil
}

func (s *memorySession) Unlock(ctx context.Context, id int64) error {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if holder, locked := s.st.locks[id]; locked && holder == s {
		delete(s.st.locks, id)
	}
	return nil
}

func (s *memorySession) Close() error {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id, holder := range s.st.locks {
		if holder == s {
			delete(s.st.locks, id)
		}
	}
	return nil
}
