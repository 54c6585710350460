// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package storetest verifies that a que.Store implementation honors the
// poll, lock and unlock contract the Locker depends on.
package storetest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ollym/que"
)

// Factory returns an empty store. It is called once per test.
type Factory func(t *testing.T) que.Store

// Run runs the conformance tests against the stores returned by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, st que.Store)
	}{
		{"PollOrdersByPriorityRunAtAndID", testPollOrder},
		{"PollReturnsHighestPrioritiesUpToLimit", testPollPriorityLimit},
		{"PollSameRunAtReturnsLowestIDs", testPollSameRunAt},
		{"PollSkipsFutureJobs", testPollSkipsFuture},
		{"PollIsScopedToQueue", testPollQueueIsolation},
		{"PollHonorsExclusions", testPollExclude},
		{"PollHonorsMaxPriority", testPollMaxPriority},
		{"PollSkipsJobsLockedByOtherSessions", testPollSkipsLocked},
		{"ConcurrentPollersPartitionJobs", testConcurrentPollers},
		{"UnlockIsIdempotent", testUnlockIdempotent},
		{"CloseReleasesLocks", testCloseReleasesLocks},
		{"GetJobMatchesExactKey", testGetJob},
		{"RecordErrorReschedules", testRecordError},
		{"DeleteKeepsLock", testDelete},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			st := newStore(t)
			tt.fn(t, st)
		})
	}
}

// past is a run_at that is due on every store, rounded to a precision
// all backends can represent.
func past() time.Time {
	return time.Now().Add(-time.Minute).Truncate(time.Millisecond)
}

func enqueue(t *testing.T, st que.Store, queue string, priority int, runAt time.Time) *que.Job {
	t.Helper()
	job := &que.Job{
		Queue:    queue,
		Priority: priority,
		RunAt:    runAt,
		Class:    "Test",
		Args:     []byte(`[]`),
	}
	require.NoError(t, st.Enqueue(context.Background(), job))
	require.NotZero(t, job.ID)
	return job
}

func open(t *testing.T, st que.Store) que.Session {
	t.Helper()
	session, err := st.Open(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func ids(jobs []*que.Job) []int64 {
	out := make([]int64, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, job.ID)
	}
	return out
}

func testPollOrder(t *testing.T, st que.Store) {
	ctx := context.Background()
	base := past()
	j1 := enqueue(t, st, "", 2, base)
	j2 := enqueue(t, st, "", 1, base.Add(time.Second))
	j3 := enqueue(t, st, "", 1, base)
	j4 := enqueue(t, st, "", 1, base)

	jobs, err := open(t, st).Poll(ctx, "", nil, que.AnyPriority, 10)
	require.NoError(t, err)
	require.Equal(t, []int64{j3.ID, j4.ID, j2.ID, j1.ID}, ids(jobs))
}

func testPollPriorityLimit(t *testing.T, st que.Store) {
	ctx := context.Background()
	base := past()
	for _, priority := range []int{5, 4, 3, 2, 1, 2, 3, 4, 5} {
		enqueue(t, st, "", priority, base)
	}

	jobs, err := open(t, st).Poll(ctx, "", nil, que.AnyPriority, 5)
	require.NoError(t, err)
	require.Len(t, jobs, 5)
	var priorities []int
	for _, job := range jobs {
		priorities = append(priorities, job.Priority)
	}
	require.Equal(t, []int{1, 2, 2, 3, 3}, priorities)
}

func testPollSameRunAt(t *testing.T, st que.Store) {
	ctx := context.Background()
	base := past()
	j1 := enqueue(t, st, "", 1, base)
	j2 := enqueue(t, st, "", 1, base)
	enqueue(t, st, "", 1, base)

	jobs, err := open(t, st).Poll(ctx, "", nil, que.AnyPriority, 2)
	require.NoError(t, err)
	require.Equal(t, []int64{j1.ID, j2.ID}, ids(jobs))
}

func testPollSkipsFuture(t *testing.T, st que.Store) {
	ctx := context.Background()
	due := enqueue(t, st, "", 1, past())
	enqueue(t, st, "", 0, time.Now().Add(time.Hour).Truncate(time.Millisecond))

	jobs, err := open(t, st).Poll(ctx, "", nil, que.AnyPriority, 10)
	require.NoError(t, err)
	require.Equal(t, []int64{due.ID}, ids(jobs))
}

func testPollQueueIsolation(t *testing.T, st que.Store) {
	ctx := context.Background()
	base := past()
	unnamed := enqueue(t, st, "", 1, base)
	other := enqueue(t, st, "other", 1, base)
	session := open(t, st)

	jobs, err := session.Poll(ctx, "", nil, que.AnyPriority, 10)
	require.NoError(t, err)
	require.Equal(t, []int64{unnamed.ID}, ids(jobs))

	jobs, err = session.Poll(ctx, "other", nil, que.AnyPriority, 10)
	require.NoError(t, err)
	require.Equal(t, []int64{other.ID}, ids(jobs))

	jobs, err = session.Poll(ctx, "missing", nil, que.AnyPriority, 10)
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func testPollExclude(t *testing.T, st que.Store) {
	ctx := context.Background()
	base := past()
	j1 := enqueue(t, st, "", 1, base)
	j2 := enqueue(t, st, "", 2, base)
	j3 := enqueue(t, st, "", 3, base)

	jobs, err := open(t, st).Poll(ctx, "", []int64{j1.ID, j3.ID}, que.AnyPriority, 10)
	require.NoError(t, err)
	require.Equal(t, []int64{j2.ID}, ids(jobs))
}

func testPollMaxPriority(t *testing.T, st que.Store) {
	ctx := context.Background()
	base := past()
	j1 := enqueue(t, st, "", 100, base)
	j2 := enqueue(t, st, "", 10, base)
	j3 := enqueue(t, st, "", 11, base)
	j4 := enqueue(t, st, "", 5, base)

	jobs, err := open(t, st).Poll(ctx, "", nil, 10, 10)
	require.NoError(t, err)
	require.Equal(t, []int64{j4.ID, j2.ID}, ids(jobs))

	// Jobs above the limit stay available to other sessions.
	jobs, err = open(t, st).Poll(ctx, "", nil, que.AnyPriority, 10)
	require.NoError(t, err)
	require.Equal(t, []int64{j3.ID, j1.ID}, ids(jobs))
}

func testPollSkipsLocked(t *testing.T, st que.Store) {
	ctx := context.Background()
	base := past()
	j1 := enqueue(t, st, "", 1, base)
	j2 := enqueue(t, st, "", 2, base)

	a := open(t, st)
	b := open(t, st)

	jobs, err := a.Poll(ctx, "", nil, que.AnyPriority, 1)
	require.NoError(t, err)
	require.Equal(t, []int64{j1.ID}, ids(jobs))

	jobs, err = b.Poll(ctx, "", nil, que.AnyPriority, 10)
	require.NoError(t, err)
	require.Equal(t, []int64{j2.ID}, ids(jobs))

	require.NoError(t, a.Unlock(ctx, j1.ID))

	jobs, err = b.Poll(ctx, "", []int64{j2.ID}, que.AnyPriority, 10)
	require.NoError(t, err)
	require.Equal(t, []int64{j1.ID}, ids(jobs))
}

func testConcurrentPollers(t *testing.T, st que.Store) {
	const pollers, total = 4, 100
	ctx := context.Background()
	base := past()
	for i := 0; i < total; i++ {
		enqueue(t, st, "", 1, base)
	}

	sessions := make([]que.Session, pollers)
	for i := range sessions {
		sessions[i] = open(t, st)
	}

	var (
		mu      sync.Mutex
		results = make([][]int64, pollers)
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := range sessions {
		i := i
		g.Go(func() error {
			jobs, err := sessions[i].Poll(gctx, "", nil, que.AnyPriority, total)
			if err != nil {
				return err
			}
			mu.Lock()
			results[i] = ids(jobs)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	seen := make(map[int64]int)
	for i, result := range results {
		for _, id := range result {
			prev, dup := seen[id]
			require.Falsef(t, dup, "job %d returned to poller %d and %d", id, prev, i)
			seen[id] = i
		}
	}
	require.Len(t, seen, total)
}

func testUnlockIdempotent(t *testing.T, st que.Store) {
	ctx := context.Background()
	job := enqueue(t, st, "", 1, past())
	session := open(t, st)

	jobs, err := session.Poll(ctx, "", nil, que.AnyPriority, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	require.NoError(t, session.Unlock(ctx, job.ID))
	require.NoError(t, session.Unlock(ctx, job.ID))
	require.NoError(t, session.Unlock(ctx, job.ID+1000))

	jobs, err = open(t, st).Poll(ctx, "", nil, que.AnyPriority, 1)
	require.NoError(t, err)
	require.Equal(t, []int64{job.ID}, ids(jobs))
}

func testCloseReleasesLocks(t *testing.T, st que.Store) {
	ctx := context.Background()
	base := past()
	enqueue(t, st, "", 1, base)
	enqueue(t, st, "", 2, base)

	a, err := st.Open(ctx)
	require.NoError(t, err)
	jobs, err := a.Poll(ctx, "", nil, que.AnyPriority, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	b := open(t, st)
	jobs, err = b.Poll(ctx, "", nil, que.AnyPriority, 10)
	require.NoError(t, err)
	require.Empty(t, jobs)

	require.NoError(t, a.Close())

	jobs, err = b.Poll(ctx, "", nil, que.AnyPriority, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
}

func testGetJob(t *testing.T, st que.Store) {
	ctx := context.Background()
	job := enqueue(t, st, "", 1, past())

	jobs, err := open(t, st).Poll(ctx, "", nil, que.AnyPriority, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	key := jobs[0].Key()

	got, err := st.GetJob(ctx, key)
	require.NoError(t, err)
	require.Equal(t, job.ID, got.ID)
	require.Equal(t, "Test", got.Class)
	require.JSONEq(t, `[]`, string(got.Args))

	stale := key
	stale.Priority++
	_, err = st.GetJob(ctx, stale)
	require.True(t, errors.Is(err, que.ErrNotFound), "expected ErrNotFound, got %v", err)
}

func testRecordError(t *testing.T, st que.Store) {
	ctx := context.Background()
	enqueue(t, st, "", 1, past())
	a := open(t, st)

	jobs, err := a.Poll(ctx, "", nil, que.AnyPriority, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	job := jobs[0]

	require.NoError(t, st.RecordError(ctx, job, 1, time.Hour, "boom"))

	// The old key is gone.
	_, err = st.GetJob(ctx, job.Key())
	require.True(t, errors.Is(err, que.ErrNotFound), "expected ErrNotFound, got %v", err)

	// Still locked and, once unlocked, not due for an hour.
	b := open(t, st)
	jobs, err = b.Poll(ctx, "", nil, que.AnyPriority, 10)
	require.NoError(t, err)
	require.Empty(t, jobs)
	require.NoError(t, a.Unlock(ctx, job.ID))
	jobs, err = b.Poll(ctx, "", nil, que.AnyPriority, 10)
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func testDelete(t *testing.T, st que.Store) {
	ctx := context.Background()
	base := past()
	enqueue(t, st, "", 1, base)
	other := enqueue(t, st, "", 2, base)
	session := open(t, st)

	jobs, err := session.Poll(ctx, "", nil, que.AnyPriority, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	job := jobs[0]

	require.NoError(t, st.Delete(ctx, job))
	_, err = st.GetJob(ctx, job.Key())
	require.True(t, errors.Is(err, que.ErrNotFound), "expected ErrNotFound, got %v", err)
	require.NoError(t, session.Unlock(ctx, job.ID))

	jobs, err = open(t, st).Poll(ctx, "", nil, que.AnyPriority, 10)
	require.NoError(t, err)
	got := ids(jobs)
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	require.Equal(t, []int64{other.ID}, got)
}
