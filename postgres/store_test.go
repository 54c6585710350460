// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package postgres

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/ollym/que"
	"github.com/ollym/que/internal/storetest"
)

// databaseURL points to the test database. It is empty when neither
// QUE_POSTGRES_URL is set nor a container could be started.
var databaseURL string

func TestMain(m *testing.M) {
	flag.Parse()
	ctx := context.Background()
	databaseURL = os.Getenv("QUE_POSTGRES_URL")

	var terminate func()
	if databaseURL == "" && !testing.Short() {
		pgCtr, err := tcpostgres.Run(ctx,
			"postgres:16-alpine",
			tcpostgres.WithDatabase("que_test"),
			tcpostgres.WithUsername("que_test"),
			tcpostgres.WithPassword("testpassword"),
			tcpostgres.BasicWaitStrategies(),
		)
		if err != nil {
			log.Printf("start postgres container: %v", err)
		} else {
			terminate = func() {
				if err := pgCtr.Terminate(ctx); err != nil {
					log.Printf("terminate postgres container: %v", err)
				}
			}
			databaseURL, err = pgCtr.ConnectionString(ctx, "sslmode=disable")
			if err != nil {
				log.Printf("connection string: %v", err)
			}
		}
	}

	code := m.Run()
	if terminate != nil {
		terminate()
	}
	os.Exit(code)
}

// newTestStore returns a migrated store on an empty que_jobs table.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	if databaseURL == "" {
		t.Skip("no PostgreSQL available; set QUE_POSTGRES_URL or run Docker")
	}
	ctx := context.Background()

	st, err := NewStore(ctx, databaseURL+"&pool_max_conns=16", SetMaxElapsedTime(time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.Migrate(ctx))
	_, err = st.Pool().Exec(ctx, `TRUNCATE que_jobs`)
	require.NoError(t, err)
	return st
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) que.Store {
		return newTestStore(t)
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Migrate(context.Background()))
}

func TestEnqueueDefaults(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	job, err := que.NewJob("SendMail", "to@example.com")
	require.NoError(t, err)
	require.NoError(t, st.Enqueue(ctx, job))
	require.NotZero(t, job.ID)
	require.WithinDuration(t, time.Now(), job.RunAt, time.Minute)

	got, err := st.GetJob(ctx, job.Key())
	require.NoError(t, err)
	require.Equal(t, que.DefaultPriority, got.Priority)
	require.Equal(t, "SendMail", got.Class)
	require.JSONEq(t, `["to@example.com"]`, string(got.Args))
	require.Equal(t, 0, got.ErrorCount)
	require.Equal(t, "", got.LastError)
}

func TestRecordErrorMissingJob(t *testing.T) {
	st := newTestStore(t)
	err := st.RecordError(context.Background(), &que.Job{ID: 4711, RunAt: time.Now()}, 1, time.Second, "boom")
	require.True(t, errors.Is(err, que.ErrNotFound), "expected ErrNotFound, got %v", err)
}

func TestRecordErrorStoresMessage(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	job := &que.Job{Class: "Test", Priority: 1, RunAt: time.Now().Add(-time.Minute).Truncate(time.Microsecond)}
	require.NoError(t, st.Enqueue(ctx, job))
	require.NoError(t, st.RecordError(ctx, job, 3, 0, "boom"))

	session, err := st.Open(ctx)
	require.NoError(t, err)
	defer session.Close()

	jobs, err := session.Poll(ctx, "", nil, que.AnyPriority, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, 3, jobs[0].ErrorCount)
	require.Equal(t, "boom", jobs[0].LastError)
}

// TestLostConnectionReleasesLocks kills the connection of a session
// without unlocking its jobs, the way a crashed process would.
func TestLostConnectionReleasesLocks(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	job := &que.Job{Class: "Test", RunAt: time.Now().Add(-time.Minute)}
	require.NoError(t, st.Enqueue(ctx, job))

	a, err := st.Open(ctx)
	require.NoError(t, err)
	jobs, err := a.Poll(ctx, "", nil, que.AnyPriority, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	b, err := st.Open(ctx)
	require.NoError(t, err)
	defer b.Close()

	jobs, err = b.Poll(ctx, "", nil, que.AnyPriority, 1)
	require.NoError(t, err)
	require.Empty(t, jobs)

	conn := a.(*session).conn.Hijack()
	require.NoError(t, conn.Close(ctx))

	require.Eventually(t, func() bool {
		jobs, err := b.Poll(ctx, "", nil, que.AnyPriority, 1)
		return err == nil && len(jobs) == 1 && jobs[0].ID == job.ID
	}, 5*time.Second, 50*time.Millisecond)
}

func advisoryLocks(t *testing.T, st *Store) int {
	t.Helper()
	var n int
	err := st.Pool().QueryRow(context.Background(),
		`SELECT count(*) FROM pg_locks WHERE locktype = 'advisory'`,
	).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestLockerWorksJobs(t *testing.T) {
	const total = 25
	ctx := context.Background()
	st := newTestStore(t)

	var worked atomic.Int32
	l := que.New(
		que.SetStore(st),
		que.SetWorkerCount(4),
		que.SetPollInterval(20*time.Millisecond),
		que.SetQueues("", "reports"),
	)
	require.NoError(t, l.Register("Count", func(ctx context.Context, job *que.Job) error {
		if job.ErrorCount == 0 && job.ID%5 == 0 {
			return fmt.Errorf("job %d failed", job.ID)
		}
		worked.Add(1)
		return nil
	}, que.RetryInterval(que.ConstantBackoff(0))))

	for i := 0; i < total; i++ {
		job, err := que.NewJob("Count", i)
		require.NoError(t, err)
		if i%2 == 1 {
			job.Queue = "reports"
		}
		require.NoError(t, l.Add(ctx, job))
	}
	require.NoError(t, l.Start(ctx))

	require.Eventually(t, func() bool {
		return worked.Load() == total
	}, 10*time.Second, 20*time.Millisecond)
	require.NoError(t, l.Close())

	var left int
	require.NoError(t, st.Pool().QueryRow(ctx, `SELECT count(*) FROM que_jobs`).Scan(&left))
	require.Zero(t, left)
	require.Zero(t, advisoryLocks(t, st))
}
