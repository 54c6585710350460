// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/ollym/que"
)

// minPollBatch is the least number of candidates read per round trip.
const minPollBatch = 10

// session holds named locks on a reserved connection.
type session struct {
	st   *Store
	conn *sql.Conn
}

// Poll walks the due jobs of the queue in key order, page by page, and
// tries to take a named lock on each until limit jobs are locked. Lock
// attempts never wait, so jobs locked by other sessions are skipped.
func (s *session) Poll(ctx context.Context, queue string, exclude []int64, maxPriority, limit int) ([]*que.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	batch := 2 * limit
	if batch < minPollBatch {
		batch = minPollBatch
	}

	var (
		jobs  []*que.Job
		after *que.Key
	)
	for len(jobs) < limit {
		candidates, err := s.candidates(ctx, queue, exclude, maxPriority, after, batch)
		if err != nil {
			return jobs, err
		}
		for _, job := range candidates {
			if len(jobs) >= limit {
				break
			}
			locked, err := s.tryLock(ctx, job)
			if err != nil {
				return jobs, err
			}
			if locked {
				jobs = append(jobs, job)
			}
		}
		if len(candidates) < batch {
			break
		}
		last := candidates[len(candidates)-1].Key()
		after = &last
	}
	return jobs, nil
}

func (s *session) candidates(ctx context.Context, queue string, exclude []int64, maxPriority int, after *que.Key, batch int) ([]*que.Job, error) {
	qry := sq.
		Select(jobColumns).
		From("que_jobs").
		Where(sq.Eq{"queue": queue}).
		Where("run_at <= UTC_TIMESTAMP(6)").
		OrderBy("priority", "run_at", "job_id").
		Limit(uint64(batch))
	if len(exclude) > 0 {
		qry = qry.Where(sq.NotEq{"job_id": exclude})
	}
	if maxPriority != que.AnyPriority {
		qry = qry.Where(sq.LtOrEq{"priority": maxPriority})
	}
	if after != nil {
		qry = qry.Where("(priority, run_at, job_id) > (?, ?, ?)", after.Priority, after.RunAt.UTC(), after.ID)
	}
	query, args, err := qry.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("que/mysql: poll: %w", err)
	}
	defer rows.Close()

	var jobs []*que.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("que/mysql: scan polled job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("que/mysql: poll: %w", err)
	}
	return jobs, nil
}

// tryLock locks the job, then makes sure it was not worked or rescheduled
// by another session between reading and locking it.
func (s *session) tryLock(ctx context.Context, job *que.Job) (bool, error) {
	var got sql.NullInt64
	err := s.conn.QueryRowContext(ctx, `SELECT GET_LOCK(?, 0)`, s.st.lockName(job.ID)).Scan(&got)
	if err != nil {
		return false, fmt.Errorf("que/mysql: lock job %d: %w", job.ID, err)
	}
	if !got.Valid || got.Int64 != 1 {
		return false, nil
	}

	var exists int
	err = s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM que_jobs WHERE job_id = ? AND run_at = ? AND run_at <= UTC_TIMESTAMP(6)`,
		job.ID, job.RunAt.UTC(),
	).Scan(&exists)
	if err != nil {
		// The lock is ours but the job is not handed out.
		_ = s.Unlock(ctx, job.ID)
		return false, fmt.Errorf("que/mysql: recheck job %d: %w", job.ID, err)
	}
	if exists == 0 {
		if err := s.Unlock(ctx, job.ID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *session) Unlock(ctx context.Context, id int64) error {
	// RELEASE_LOCK returns 0 or NULL for locks we do not hold.
	var released sql.NullInt64
	err := s.conn.QueryRowContext(ctx, `SELECT RELEASE_LOCK(?)`, s.st.lockName(id)).Scan(&released)
	if err != nil {
		return fmt.Errorf("que/mysql: unlock job %d: %w", id, err)
	}
	return nil
}

func (s *session) Close() error {
	ctx := context.Background()
	var n sql.NullInt64
	if err := s.conn.QueryRowContext(ctx, `SELECT RELEASE_ALL_LOCKS()`).Scan(&n); err != nil {
		// Never return a connection that might still hold locks to the pool.
		_ = s.conn.Raw(func(interface{}) error { return driver.ErrBadConn })
		_ = s.conn.Close()
		return fmt.Errorf("que/mysql: release locks: %w", err)
	}
	return s.conn.Close()
}
