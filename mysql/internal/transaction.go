package internal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

// RunInTx runs fn in a database transaction.
// The context ctx is passed to fn, as well as the newly created
// transaction.
//
// There are a few rules that fn must respect:
//
//  1. fn must use the passed tx reference for all database calls.
//  2. fn must not commit or rollback the transaction: RunInTx will do that.
//
// If fn returns nil, RunInTx commits the transaction and returns the
// result of Commit. If fn returns an error, RunInTx rolls back the
// transaction and returns that error.
//
// RunInTx also recovers from panics in fn.
func RunInTx(ctx context.Context, db *sql.DB, fn func(context.Context, *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := recover(); rerr != nil {
			err = fmt.Errorf("%v", rerr)
			_ = tx.Rollback()
		}
	}()
	if err = fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// RunInTxWithRetry is like RunInTx but restarts the transaction with
// exponential backoff while retryable reports the error as transient.
// A nil retryable retries every error. fn must be idempotent.
func RunInTxWithRetry(ctx context.Context, db *sql.DB, fn func(context.Context, *sql.Tx) error, retryable func(error) bool) error {
	return RunInTxWithRetryBackoff(ctx, db, fn, retryable, backoff.NewExponentialBackOff())
}

// RunInTxWithRetryBackoff is like RunInTxWithRetry but with configurable
// backoff. It gives up when ctx is done.
func RunInTxWithRetryBackoff(ctx context.Context, db *sql.DB, fn func(context.Context, *sql.Tx) error, retryable func(error) bool, b backoff.BackOff) (err error) {
	b.Reset()
	for {
		if err = RunInTx(ctx, db, fn); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return err
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}
