// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package que

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// worker is a single instance processing jobs.
type worker struct {
	l        *Locker
	priority int
}

// newWorker creates a new worker that only takes jobs with a priority
// of at most priority.
func newWorker(l *Locker, priority int) *worker {
	return &worker{l: l, priority: priority}
}

// start spins up the goroutine of the worker. It returns once ctx is
// cancelled and the current job, if any, is done.
func (w *worker) start(ctx context.Context) {
	go w.run(ctx)
}

// run is the main goroutine in the worker. It waits for new jobs in
// slices of the wait period, then calls work.
func (w *worker) run(ctx context.Context) {
	defer w.l.workersWg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		waitCtx, cancel := context.WithTimeout(ctx, w.l.waitPeriod)
		key, ok := w.l.jobs.Pop(waitCtx, w.priority)
		cancel()
		if !ok {
			continue
		}
		// Running jobs are always allowed to finish.
		w.work(context.WithoutCancel(ctx), key)
	}
}

// work runs a single job. Whatever happens, the job is reported back to
// the coordinator so that its lock gets released.
func (w *worker) work(ctx context.Context, key Key) {
	defer w.l.results.Push(key.ID)

	w.l.workingCount.Add(1)
	w.l.metrics.working.Inc()
	defer func() {
		w.l.workingCount.Add(-1)
		w.l.metrics.working.Dec()
	}()

	job, err := w.l.st.GetJob(ctx, key)
	if errors.Is(err, ErrNotFound) {
		// Worked and deleted by somebody else in the meantime.
		w.l.metrics.worked.WithLabelValues("", outcomeMissing).Inc()
		w.l.testJobMissing() // testing hook
		return
	}
	if err != nil {
		w.l.logger.Error("que: fetching job failed",
			"locker_id", w.l.id,
			"job_id", key.ID,
			"error", err,
		)
		return
	}

	w.l.testJobStarted() // testing hook

	if err := w.execute(ctx, job); err != nil {
		w.fail(ctx, job, err)
		return
	}
	w.l.workedCount.Add(1)
	w.l.metrics.worked.WithLabelValues(job.Class, outcomeSuccess).Inc()
	w.l.logger.Debug("que: job worked",
		"locker_id", w.l.id,
		"job_id", job.ID,
		"job_class", job.Class,
	)
	w.l.testJobWorked() // testing hook
}

// execute runs the processor of the job's class, then deletes the job.
func (w *worker) execute(ctx context.Context, job *Job) error {
	c, found := w.l.lookupClass(job.Class)
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownClass, job.Class)
	}
	if err := c.run(ctx, job); err != nil {
		return err
	}
	if err := w.l.st.Delete(ctx, job); err != nil {
		return fmt.Errorf("que: delete job: %w", err)
	}
	return nil
}

// fail records the error on the job and reschedules it.
func (w *worker) fail(ctx context.Context, job *Job, jobErr error) {
	count := job.ErrorCount + 1
	delay := w.retryDelay(job, count)

	w.l.erroredCount.Add(1)
	w.l.metrics.worked.WithLabelValues(job.Class, outcomeError).Inc()
	w.l.logger.Warn("que: job failed",
		"locker_id", w.l.id,
		"job_id", job.ID,
		"job_class", job.Class,
		"error_count", count,
		"retry_in", delay,
		"error", jobErr,
	)

	if err := w.l.st.RecordError(ctx, job, count, delay, jobErr.Error()); err != nil {
		w.l.logger.Error("que: recording job error failed",
			"locker_id", w.l.id,
			"job_id", job.ID,
			"error", err,
		)
	}

	w.handleError(ctx, job, jobErr)
	w.l.testJobErrored() // testing hook
}

// retryDelay asks the retry policy of the job's class, or the locker's,
// when to run the job again. A panicking policy yields the default delay.
func (w *worker) retryDelay(job *Job, count int) (delay time.Duration) {
	backoff := w.l.backoff
	if c, found := w.l.lookupClass(job.Class); found && c.retryInterval != nil {
		backoff = c.retryInterval
	}
	defer func() {
		if r := recover(); r != nil {
			w.l.logger.Error("que: retry interval panicked",
				"locker_id", w.l.id,
				"job_id", job.ID,
				"job_class", job.Class,
				"panic", fmt.Sprint(r),
			)
			delay = DefaultRetryInterval(count)
		}
	}()
	return backoff(count)
}

// handleError notifies the error handler, ignoring a panic inside it.
func (w *worker) handleError(ctx context.Context, job *Job, jobErr error) {
	if w.l.errorHandler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.l.logger.Error("que: error handler panicked",
				"locker_id", w.l.id,
				"job_id", job.ID,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	w.l.errorHandler(ctx, job, jobErr)
}
