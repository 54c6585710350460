// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ollym/que"
)

// pollSQL walks due jobs of a queue in key order, one row at a time, and
// tries to take an advisory lock on each. It stops as soon as enough jobs
// are locked, so jobs locked by other sessions are skipped without ever
// blocking on them.
const pollSQL = `
WITH RECURSIVE jobs AS (
  SELECT (j).*, pg_try_advisory_lock((j).job_id) AS locked
  FROM (
    SELECT j
    FROM que_jobs AS j
    WHERE queue = $1
    AND run_at <= now()
    AND NOT (job_id = ANY($2::bigint[]))
    AND priority <= $3::bigint
    ORDER BY priority, run_at, job_id
    LIMIT 1
  ) AS t1
  UNION ALL (
    SELECT (j).*, pg_try_advisory_lock((j).job_id) AS locked
    FROM (
      SELECT (
        SELECT j
        FROM que_jobs AS j
        WHERE queue = $1
        AND run_at <= now()
        AND NOT (job_id = ANY($2::bigint[]))
        AND priority <= $3::bigint
        AND (priority, run_at, job_id) > (jobs.priority, jobs.run_at, jobs.job_id)
        ORDER BY priority, run_at, job_id
        LIMIT 1
      ) AS j
      FROM jobs
      WHERE jobs.job_id IS NOT NULL
      LIMIT 1
    ) AS t1
  )
)
SELECT ` + jobColumns + `
FROM jobs
WHERE locked
LIMIT $4
`

// session holds advisory locks on a dedicated connection.
type session struct {
	st   *Store
	conn *pgxpool.Conn
}

func (s *session) Poll(ctx context.Context, queue string, exclude []int64, maxPriority, limit int) ([]*que.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	if exclude == nil {
		// A NULL array would exclude every job.
		exclude = []int64{}
	}
	rows, err := s.conn.Query(ctx, pollSQL, queue, exclude, int64(maxPriority), limit)
	if err != nil {
		return nil, fmt.Errorf("que/postgres: poll: %w", err)
	}
	defer rows.Close()

	var jobs []*que.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return jobs, fmt.Errorf("que/postgres: scan polled job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return jobs, fmt.Errorf("que/postgres: poll: %w", err)
	}
	return jobs, nil
}

func (s *session) Unlock(ctx context.Context, id int64) error {
	// Unlocking a lock we do not hold returns false and is otherwise harmless.
	_, err := s.conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, id)
	if err != nil {
		return fmt.Errorf("que/postgres: unlock job %d: %w", id, err)
	}
	return nil
}

func (s *session) Close() error {
	ctx := context.Background()
	if _, err := s.conn.Exec(ctx, `SELECT pg_advisory_unlock_all()`); err != nil {
		// Never return a connection that might still hold locks to the pool.
		conn := s.conn.Hijack()
		_ = conn.Close(ctx)
		return fmt.Errorf("que/postgres: release locks: %w", err)
	}
	s.conn.Release()
	return nil
}
