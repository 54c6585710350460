// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff"
	mysqldriver "github.com/go-sql-driver/mysql"

	"github.com/ollym/que"
	"github.com/ollym/que/mysql/internal"
)

const (
	mysqlSchema = `CREATE TABLE IF NOT EXISTS que_jobs (
job_id bigint NOT NULL AUTO_INCREMENT,
queue varchar(255) NOT NULL DEFAULT '',
priority smallint NOT NULL DEFAULT 100,
run_at datetime(6) NOT NULL,
job_class varchar(255) NOT NULL,
args json NOT NULL,
error_count integer NOT NULL DEFAULT 0,
last_error text,
PRIMARY KEY (job_id),
INDEX ix_que_jobs_poll (queue, priority, run_at, job_id));`

	jobColumns = "queue, priority, run_at, job_id, job_class, args, error_count, coalesce(last_error, '')"
)

var _ que.Store = (*Store)(nil)

// Store represents a persistent MySQL storage implementation.
// It implements the que.Store interface.
//
// The connection string must set parseTime=true and loc=UTC.
type Store struct {
	db         *sql.DB
	logger     *slog.Logger
	lockPrefix string
	maxElapsed time.Duration
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// SetLogger sets the logger for the store.
func SetLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// SetLockPrefix sets the prefix of the named locks taken for jobs. Lock
// names are global to the MySQL server, so stores using different
// databases on the same server need different prefixes. It is "que_jobs"
// by default.
func SetLockPrefix(prefix string) StoreOption {
	return func(s *Store) {
		s.lockPrefix = prefix
	}
}

// SetMaxElapsedTime limits how long a failing write is retried.
// It is 15 seconds by default.
func SetMaxElapsedTime(d time.Duration) StoreOption {
	return func(s *Store) {
		s.maxElapsed = d
	}
}

// NewStore initializes a new MySQL-based storage. It creates the database
// and the que_jobs table if they do not exist yet.
func NewStore(url string, options ...StoreOption) (*Store, error) {
	st := &Store{
		logger:     slog.Default(),
		lockPrefix: "que_jobs",
		maxElapsed: 15 * time.Second,
	}
	for _, opt := range options {
		opt(st)
	}
	cfg, err := mysqldriver.ParseDSN(url)
	if err != nil {
		return nil, err
	}
	if !cfg.ParseTime {
		return nil, errors.New("que/mysql: connection string must set parseTime=true")
	}
	dbname := cfg.DBName
	if dbname == "" {
		return nil, errors.New("que/mysql: no database specified")
	}

	// First connect without DB name
	cfg.DBName = ""
	setupdb, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	defer setupdb.Close()
	if _, err := setupdb.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", dbname)); err != nil {
		return nil, fmt.Errorf("que/mysql: create database: %w", err)
	}

	// Now connect again, this time with the db name
	st.db, err = sql.Open("mysql", url)
	if err != nil {
		return nil, err
	}
	if _, err := st.db.Exec(mysqlSchema); err != nil {
		st.db.Close()
		return nil, fmt.Errorf("que/mysql: create schema: %w", err)
	}
	return st, nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) wrapError(err error) error {
	if internal.IsNotFound(err) {
		// Map sql.ErrNoRows to que-specific "not found" error
		return que.ErrNotFound
	}
	return err
}

func (s *Store) runWithRetry(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = s.maxElapsed
	return backoff.Retry(fn, backoff.WithContext(b, ctx))
}

func (s *Store) lockName(id int64) string {
	return fmt.Sprintf("%s:%d", s.lockPrefix, id)
}

// Open reserves a connection for the session. Named locks taken through
// the session belong to that connection.
func (s *Store) Open(ctx context.Context) (que.Session, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("que/mysql: reserve connection: %w", err)
	}
	return &session{st: s, conn: conn}, nil
}

// GetJob re-reads a locked job by its full key.
func (s *Store) GetJob(ctx context.Context, key que.Key) (*que.Job, error) {
	query, args, err := sq.
		Select(jobColumns).
		From("que_jobs").
		Where(keyEq(key)).
		ToSql()
	if err != nil {
		return nil, err
	}
	job, err := scanJob(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, s.wrapError(err)
	}
	return job, nil
}

// RecordError increments the error count and reschedules the job.
func (s *Store) RecordError(ctx context.Context, job *que.Job, count int, delay time.Duration, message string) error {
	query, args, err := sq.
		Update("que_jobs").
		Set("error_count", count).
		Set("last_error", message).
		Set("run_at", sq.Expr("DATE_ADD(UTC_TIMESTAMP(6), INTERVAL ? MICROSECOND)", delay.Microseconds())).
		Where(keyEq(job.Key())).
		ToSql()
	if err != nil {
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = s.maxElapsed
	return internal.RunInTxWithRetryBackoff(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return que.ErrNotFound
		}
		return nil
	}, internal.IsRetryable, b)
}

// Delete removes a job from the store.
func (s *Store) Delete(ctx context.Context, job *que.Job) error {
	query, args, err := sq.
		Delete("que_jobs").
		Where(keyEq(job.Key())).
		ToSql()
	if err != nil {
		return err
	}
	return s.runWithRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return s.wrapError(err)
	})
}

// Enqueue adds a new job to the store.
func (s *Store) Enqueue(ctx context.Context, job *que.Job) error {
	args := string(job.Args)
	if args == "" {
		args = "[]"
	}
	var runAt interface{} = job.RunAt.UTC()
	if job.RunAt.IsZero() {
		runAt = sq.Expr("UTC_TIMESTAMP(6)")
	}
	query, qargs, err := sq.
		Insert("que_jobs").
		Columns("queue", "priority", "run_at", "job_class", "args").
		Values(job.Queue, job.Priority, runAt, job.Class, args).
		ToSql()
	if err != nil {
		return err
	}
	return s.runWithRetry(ctx, func() error {
		return internal.RunInTx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, query, qargs...)
			if err != nil {
				return err
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			// Read back run_at as stored, at the column's precision.
			var stored time.Time
			err = tx.QueryRowContext(ctx, `SELECT run_at FROM que_jobs WHERE job_id = ?`, id).Scan(&stored)
			if err != nil {
				return err
			}
			job.ID = id
			job.RunAt = stored
			return nil
		})
	})
}

func keyEq(key que.Key) sq.Eq {
	return sq.Eq{
		"queue":    key.Queue,
		"priority": key.Priority,
		"run_at":   key.RunAt.UTC(),
		"job_id":   key.ID,
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*que.Job, error) {
	var (
		job  que.Job
		args []byte
	)
	err := row.Scan(
		&job.Queue,
		&job.Priority,
		&job.RunAt,
		&job.ID,
		&job.Class,
		&args,
		&job.ErrorCount,
		&job.LastError,
	)
	if err != nil {
		return nil, err
	}
	job.Args = args
	return &job, nil
}
