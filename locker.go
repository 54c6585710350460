// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package que

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultPollInterval     = 5 * time.Second
	defaultWorkerCount      = 6
	defaultMaximumQueueSize = 8
	defaultMinimumQueueSize = 2
	defaultWaitPeriod       = 50 * time.Millisecond
)

func nop() {}

// State is the lifecycle state of a Locker.
type State int32

const (
	// StateIdle is the state of a Locker that was never started.
	StateIdle State = iota
	// StateStarting while the session is opened and workers are spawned.
	StateStarting
	// StateRunning while polling and working jobs.
	StateRunning
	// StateStopping while running jobs are allowed to finish.
	StateStopping
	// StateStopped once every lock is released and the session is closed.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Locker polls the store for jobs, locks them, hands them to its workers
// and releases the locks once the jobs are done. Create a new locker via New.
type Locker struct {
	id           string
	logger       *slog.Logger
	internal     *slog.Logger // verbose logging of polls and locks
	st           Store
	backoff      BackoffFunc
	errorHandler ErrorHandler
	reg          prometheus.Registerer
	metrics      *metrics

	pollInterval     time.Duration
	workerCount      int
	maximumQueueSize int
	minimumQueueSize int
	waitPeriod       time.Duration
	queues           []string
	workerPriorities []int

	mu      sync.Mutex        // guards the following block
	classes map[string]*class // maps job class to processor
	state   State

	session   Session
	jobs      *JobQueue
	results   *ResultQueue
	locked    map[int64]struct{} // owned by the coordinator goroutine
	workersWg sync.WaitGroup
	stopWork  context.CancelFunc
	stopc     chan struct{}
	donec     chan struct{}

	lockedCount  atomic.Int64
	workingCount atomic.Int64
	polledCount  atomic.Uint64
	workedCount  atomic.Uint64
	erroredCount atomic.Uint64

	testLockerStarted func()           // testing hook
	testLockerStopped func()           // testing hook
	testJobsPolled    func(jobs []*Job) // testing hook
	testJobStarted    func()           // testing hook
	testJobWorked     func()           // testing hook
	testJobErrored    func()           // testing hook
	testJobMissing    func()           // testing hook
	testJobUnlocked   func(id int64)   // testing hook
}

// New creates a new locker. Pass options to Locker to configure it.
func New(options ...LockerOption) *Locker {
	l := &Locker{
		id:                uuid.New().String(),
		logger:            slog.Default(),
		internal:          discardLogger(),
		st:                NewInMemoryStore(),
		backoff:           DefaultRetryInterval,
		pollInterval:      defaultPollInterval,
		workerCount:       defaultWorkerCount,
		maximumQueueSize:  defaultMaximumQueueSize,
		minimumQueueSize:  defaultMinimumQueueSize,
		waitPeriod:        defaultWaitPeriod,
		queues:            []string{""},
		classes:           make(map[string]*class),
		testLockerStarted: nop,
		testLockerStopped: nop,
		testJobsPolled:    func([]*Job) {},
		testJobStarted:    nop,
		testJobWorked:     nop,
		testJobErrored:    nop,
		testJobMissing:    nop,
		testJobUnlocked:   func(int64) {},
	}
	for _, opt := range options {
		opt(l)
	}
	l.metrics = newMetrics(l.id)
	return l
}

// -- Configuration --

// LockerOption is the signature of an options provider.
type LockerOption func(*Locker)

// SetLogger specifies the logger to use when e.g. reporting errors.
func SetLogger(logger *slog.Logger) LockerOption {
	return func(l *Locker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// SetInternalLogger specifies a logger for verbose output about polls,
// locks and unlocks. Internal logging is disabled by default.
func SetInternalLogger(logger *slog.Logger) LockerOption {
	return func(l *Locker) {
		if logger != nil {
			l.internal = logger
		}
	}
}

// SetStore specifies the backing Store implementation for the locker.
func SetStore(store Store) LockerOption {
	return func(l *Locker) {
		l.st = store
	}
}

// SetRetryInterval specifies the backoff function for failed jobs of
// classes that do not have their own. DefaultRetryInterval is used by
// default.
func SetRetryInterval(fn BackoffFunc) LockerOption {
	return func(l *Locker) {
		if fn != nil {
			l.backoff = fn
		} else {
			l.backoff = DefaultRetryInterval
		}
	}
}

// SetErrorHandler specifies a callback invoked for every failed job.
func SetErrorHandler(fn ErrorHandler) LockerOption {
	return func(l *Locker) {
		l.errorHandler = fn
	}
}

// SetRegisterer registers the locker's Prometheus metrics with reg
// when the locker starts.
func SetRegisterer(reg prometheus.Registerer) LockerOption {
	return func(l *Locker) {
		l.reg = reg
	}
}

// SetPollInterval sets the maximum time between two polls. It is 5
// seconds by default.
func SetPollInterval(d time.Duration) LockerOption {
	return func(l *Locker) {
		l.pollInterval = d
	}
}

// SetWorkerCount sets the number of workers. It is 6 by default.
func SetWorkerCount(n int) LockerOption {
	return func(l *Locker) {
		l.workerCount = n
	}
}

// SetMaximumQueueSize sets the maximum number of locked jobs buffered
// in memory awaiting a worker. It is 8 by default.
func SetMaximumQueueSize(n int) LockerOption {
	return func(l *Locker) {
		l.maximumQueueSize = n
	}
}

// SetMinimumQueueSize sets the number of buffered jobs at or below which
// the locker polls for more. It is 2 by default.
func SetMinimumQueueSize(n int) LockerOption {
	return func(l *Locker) {
		l.minimumQueueSize = n
	}
}

// SetWaitPeriod sets how long an idle worker waits on the buffer before it
// checks whether the locker is stopping. It is 50ms by default.
func SetWaitPeriod(d time.Duration) LockerOption {
	return func(l *Locker) {
		l.waitPeriod = d
	}
}

// SetQueues sets the names of the queues to work jobs from. By default,
// only the unnamed queue "" is worked.
func SetQueues(queues ...string) LockerOption {
	return func(l *Locker) {
		if len(queues) > 0 {
			l.queues = queues
		}
	}
}

// SetWorkerPriorities assigns priorities to workers: the i-th worker only
// works jobs with a priority of at most priorities[i]. Workers without an
// assigned priority work jobs of any priority. If every worker has a
// priority, jobs above the highest one are left to other lockers.
func SetWorkerPriorities(priorities ...int) LockerOption {
	return func(l *Locker) {
		l.workerPriorities = priorities
	}
}

// Register registers a job class and the associated processor.
func (l *Locker) Register(name string, p Processor, options ...ClassOption) error {
	if name == "" {
		return errors.New("que: no job class specified")
	}
	if p == nil {
		return fmt.Errorf("que: no processor for job class %s", name)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, found := l.classes[name]; found {
		return fmt.Errorf("que: job class %s already registered", name)
	}
	c := &class{name: name, processor: p}
	for _, opt := range options {
		opt(c)
	}
	l.classes[name] = c
	return nil
}

func (l *Locker) lookupClass(name string) (*class, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, found := l.classes[name]
	return c, found
}

func (l *Locker) validate() error {
	switch {
	case l.st == nil:
		return fmt.Errorf("%w: no store", ErrInvalidConfig)
	case l.workerCount < 1:
		return fmt.Errorf("%w: worker count must be at least 1, is %d", ErrInvalidConfig, l.workerCount)
	case l.maximumQueueSize < 1:
		return fmt.Errorf("%w: maximum queue size must be at least 1, is %d", ErrInvalidConfig, l.maximumQueueSize)
	case l.minimumQueueSize < 0:
		return fmt.Errorf("%w: minimum queue size must not be negative, is %d", ErrInvalidConfig, l.minimumQueueSize)
	case l.minimumQueueSize > l.maximumQueueSize:
		return fmt.Errorf("%w: minimum queue size (%d) is greater than the maximum queue size (%d)",
			ErrInvalidConfig, l.minimumQueueSize, l.maximumQueueSize)
	case l.pollInterval <= 0:
		return fmt.Errorf("%w: poll interval must be positive, is %v", ErrInvalidConfig, l.pollInterval)
	case l.waitPeriod <= 0:
		return fmt.Errorf("%w: wait period must be positive, is %v", ErrInvalidConfig, l.waitPeriod)
	case len(l.workerPriorities) > l.workerCount:
		return fmt.Errorf("%w: %d worker priorities for %d workers", ErrInvalidConfig, len(l.workerPriorities), l.workerCount)
	}
	return nil
}

// -- Start and Stop --

// Start opens a session on the store, then runs the workers and the poll
// loop. Use Stop, Close, or CloseWithTimeout to stop it. If the session
// cannot be opened, Start fails and the locker stays idle.
func (l *Locker) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateIdle {
		return ErrAlreadyStarted
	}
	if err := l.validate(); err != nil {
		return err
	}
	l.state = StateStarting

	if l.reg != nil {
		if err := l.metrics.register(l.reg); err != nil {
			l.metrics.unregister(l.reg)
			l.state = StateIdle
			return fmt.Errorf("que: register metrics: %w", err)
		}
	}

	session, err := l.st.Open(ctx)
	if err != nil {
		if l.reg != nil {
			l.metrics.unregister(l.reg)
		}
		l.state = StateIdle
		return fmt.Errorf("que: open session: %w", err)
	}
	l.session = session
	l.jobs = NewJobQueue(l.maximumQueueSize, l.minimumQueueSize)
	l.results = NewResultQueue()
	l.locked = make(map[int64]struct{})
	l.stopc = make(chan struct{})
	l.donec = make(chan struct{})

	workCtx, cancel := context.WithCancel(context.Background())
	l.stopWork = cancel
	for i := 0; i < l.workerCount; i++ {
		priority := AnyPriority
		if i < len(l.workerPriorities) {
			priority = l.workerPriorities[i]
		}
		l.workersWg.Add(1)
		newWorker(l, priority).start(workCtx)
	}

	go l.run()

	l.state = StateRunning
	l.logger.Info("que: locker started",
		"locker_id", l.id,
		"queues", l.queues,
		"workers", l.workerCount,
		"worker_priorities", l.workerPriorities,
	)
	l.testLockerStarted() // testing hook
	return nil
}

// Stop stops the locker. It waits for working jobs to finish.
func (l *Locker) Stop() error {
	return l.Close()
}

// Close is an alias to Stop. It stops the locker and waits for working
// jobs to finish.
func (l *Locker) Close() error {
	return l.CloseWithTimeout(-1 * time.Second)
}

// CloseWithTimeout stops the locker. Polling stops immediately, buffered
// jobs are unlocked, and running jobs are allowed to finish. If they do not
// finish within the timeout, CloseWithTimeout returns an error while the
// locker keeps on shutting down in the background. If the timeout is
// negative, it waits forever.
func (l *Locker) CloseWithTimeout(timeout time.Duration) error {
	l.mu.Lock()
	if l.state != StateRunning {
		donec := l.donec
		l.mu.Unlock()
		if donec != nil && timeout < 0 {
			<-donec
		}
		return nil
	}
	l.state = StateStopping
	l.mu.Unlock()

	l.logger.Info("que: locker stopping", "locker_id", l.id)
	close(l.stopc)

	if timeout < 0 {
		<-l.donec
		return nil
	}
	select {
	case <-l.donec:
		return nil
	case <-time.After(timeout):
		return errors.New("que: close timed out")
	}
}

// Done is closed when the locker has stopped.
func (l *Locker) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.donec == nil {
		return nil
	}
	return l.donec
}

// -- Add --

// Add enqueues a new job. If Add returns nil, the caller can be sure the
// job is stored in the backing store. It will be picked up by a locker at
// a later time.
func (l *Locker) Add(ctx context.Context, job *Job) error {
	if job.Class == "" {
		return errors.New("que: no job class specified")
	}
	if job.Args == nil {
		job.Args = []byte("[]")
	}
	return l.st.Enqueue(ctx, job)
}

// -- Stats --

// ID returns the identifier of the locker as used in logs and metrics.
func (l *Locker) ID() string {
	return l.id
}

// State returns the current lifecycle state.
func (l *Locker) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Stats returns current statistics about the locker.
func (l *Locker) Stats() Stats {
	l.mu.Lock()
	state := l.state
	jobs := l.jobs
	l.mu.Unlock()

	stats := Stats{
		LockerID: l.id,
		State:    state.String(),
		Workers:  l.workerCount,
		Locked:   int(l.lockedCount.Load()),
		Working:  int(l.workingCount.Load()),
		Polled:   l.polledCount.Load(),
		Worked:   l.workedCount.Load(),
		Errored:  l.erroredCount.Load(),
	}
	if jobs != nil {
		stats.Buffered = jobs.Size()
	}
	return stats
}

// -- Coordinator --

// run is the coordinator goroutine. It owns the session and the set of
// locked job ids: it polls for jobs whenever the buffer runs low and
// releases the locks of jobs reported by the workers.
func (l *Locker) run() {
	defer close(l.donec)

	ctx := context.Background()
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		l.unlockFinished(ctx)
		l.poll(ctx)

		select {
		case <-l.stopc:
			l.shutdown(ctx)
			return
		case <-l.results.Ready():
		case <-l.jobs.LowWater():
		case <-ticker.C:
		}
	}
}

// poll fills the buffer up to its maximum size, unless it still holds more
// than the minimum.
func (l *Locker) poll(ctx context.Context) {
	buffered := l.jobs.Size()
	capacity := l.maximumQueueSize - buffered
	if buffered > l.minimumQueueSize || capacity <= 0 {
		return
	}

	exclude := l.lockedIDs()
	maxPriority := l.maxPollPriority()
	for _, queue := range l.queues {
		if capacity <= 0 {
			break
		}
		start := time.Now()
		jobs, err := l.session.Poll(ctx, queue, exclude, maxPriority, capacity)
		l.metrics.pollDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			// Jobs returned along with the error are locked all the same.
			l.logger.Error("que: poll failed",
				"locker_id", l.id,
				"queue", queue,
				"locked", len(jobs),
				"error", err,
			)
		}
		l.internal.Debug("que: polled",
			"locker_id", l.id,
			"queue", queue,
			"limit", capacity,
			"locked", len(jobs),
		)
		for _, job := range jobs {
			if _, dup := l.locked[job.ID]; dup {
				// Never buffer the same job twice.
				continue
			}
			l.locked[job.ID] = struct{}{}
			l.lockedCount.Add(1)
			if job.Priority > maxPriority {
				// No worker would ever take it.
				l.release(ctx, job.ID)
				continue
			}
			if err := l.jobs.Push(ctx, job.Key()); err != nil {
				l.release(ctx, job.ID)
				continue
			}
			l.polledCount.Add(1)
			l.metrics.polled.Inc()
			capacity--
		}
		l.testJobsPolled(jobs) // testing hook
	}
	l.updateGauges()
}

// unlockFinished releases the locks of all jobs reported by the workers.
func (l *Locker) unlockFinished(ctx context.Context) {
	for _, id := range l.results.Clear() {
		l.release(ctx, id)
	}
	l.updateGauges()
}

// release forgets about a locked job and unlocks it. A failing unlock is
// logged only: the lock is released with the session at the latest.
func (l *Locker) release(ctx context.Context, id int64) {
	if _, found := l.locked[id]; found {
		delete(l.locked, id)
		l.lockedCount.Add(-1)
	}
	if err := l.session.Unlock(ctx, id); err != nil {
		l.logger.Warn("que: unlock failed",
			"locker_id", l.id,
			"job_id", id,
			"error", err,
		)
	} else {
		l.internal.Debug("que: unlocked", "locker_id", l.id, "job_id", id)
	}
	l.testJobUnlocked(id) // testing hook
}

// shutdown unlocks buffered jobs, waits for the workers to finish their
// current jobs, unlocks those and closes the session.
func (l *Locker) shutdown(ctx context.Context) {
	for _, key := range l.jobs.Clear() {
		l.release(ctx, key.ID)
	}

	l.stopWork()
	l.workersWg.Wait()
	l.unlockFinished(ctx)

	if len(l.locked) > 0 {
		l.logger.Warn("que: locks left at shutdown", "locker_id", l.id, "count", len(l.locked))
	}
	if err := l.session.Close(); err != nil {
		l.logger.Error("que: close session failed", "locker_id", l.id, "error", err)
	}
	if l.reg != nil {
		l.metrics.unregister(l.reg)
	}

	l.mu.Lock()
	l.state = StateStopped
	l.mu.Unlock()

	l.logger.Info("que: locker stopped", "locker_id", l.id)
	l.testLockerStopped() // testing hook
}

// maxPollPriority is the highest priority any worker takes. Jobs above it
// are never polled.
func (l *Locker) maxPollPriority() int {
	if len(l.workerPriorities) < l.workerCount {
		return AnyPriority
	}
	max := l.workerPriorities[0]
	for _, p := range l.workerPriorities[1:] {
		if p > max {
			max = p
		}
	}
	return max
}

func (l *Locker) lockedIDs() []int64 {
	ids := make([]int64, 0, len(l.locked))
	for id := range l.locked {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (l *Locker) updateGauges() {
	l.metrics.locked.Set(float64(l.lockedCount.Load()))
	l.metrics.buffered.Set(float64(l.jobs.Size()))
}
