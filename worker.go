// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package resq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"runtime/pprof"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/hemant/resq/internal/base"
	ierrors "github.com/hemant/resq/internal/errors"
	"github.com/hemant/resq/internal/log"
	"github.com/hemant/resq/internal/rdb"
	"github.com/hemant/resq/internal/timeutil"
)

// WorkerState is the lifecycle state of a Worker.
//
// A worker moves from StateNew to StateRunning once, and from there to
// StateShutdown or StateShutdownImmediate. A graceful shutdown may still
// be upgraded to an immediate one, never the other way around.
type WorkerState int32

const (
	// StateNew is the state of a worker that has not been run.
	StateNew WorkerState = iota

	// StateRunning is the state of a worker polling its queues.
	StateRunning

	// StateShutdown is the state of a worker finishing its current job
	// before it stops.
	StateShutdown

	// StateShutdownImmediate is the state of a worker that cancelled its
	// current job and puts it back onto its queue.
	StateShutdownImmediate
)

var workerStates = []string{
	"new",
	"running",
	"shutdown",
	"shutdown_immediate",
}

func (s WorkerState) String() string {
	if StateNew <= s && s <= StateShutdownImmediate {
		return workerStates[s]
	}
	return "unknown state"
}

var (
	// ErrWorkerStarted indicates that Run was called on a running worker.
	ErrWorkerStarted = errors.New("resq: worker is already running")

	// ErrWorkerEnded indicates that Run was called on a worker that has been ended.
	ErrWorkerEnded = errors.New("resq: worker has been ended")
)

// WorkerAware is implemented by executables that want a reference to the
// worker running them. SetWorker is called before the job runs.
type WorkerAware interface {
	SetWorker(w *Worker)
}

type workerContextKey struct{}

// WorkerFromContext returns the worker running the job that received ctx.
func WorkerFromContext(ctx context.Context) (*Worker, bool) {
	w, ok := ctx.Value(workerContextKey{}).(*Worker)
	return w, ok
}

// PanicError is recorded as the failure of a job that panicked.
type PanicError struct {
	Value interface{}
	Stack []string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("resq: job panicked: %v", e.Value)
}

func newPanicError(v interface{}) *PanicError {
	var stack []string
	for _, line := range strings.Split(string(debug.Stack()), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			stack = append(stack, line)
		}
	}
	return &PanicError{Value: v, Stack: stack}
}

// Worker polls a set of queues, claims one job at a time and runs it.
//
// A worker records the job it claimed in redis until the job is done, so
// the job can be put back if the worker ends immediately or its process dies.
type Worker struct {
	logger  *log.Logger
	broker  base.Broker
	clock   timeutil.Clock
	factory JobFactory

	// When a Worker has been created with an existing Redis connection, we do
	// not want to close it.
	sharedConnection bool

	name              string
	strategy          NextQueueStrategy
	queues            *queueRing
	emptyQueueSleep   time.Duration
	reconnectAttempts int
	reconnectInterval time.Duration
	goroutineLabels   bool

	mu           sync.RWMutex
	excHandler   ExceptionHandler
	failStrategy FailQueueStrategy

	listeners listeners

	state    atomic.Int32
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once

	// jobCtx is the parent of every job's context. It is cancelled when
	// the worker ends immediately.
	jobCtx    context.Context
	cancelJob context.CancelFunc

	pauseMu sync.Mutex
	paused  bool
	resume  chan struct{}

	processing atomic.Bool

	// misses counts consecutive empty claims; only the poll loop touches it.
	misses int

	errLimiter *rate.Limiter
	exitErr    error
}

type workerParams struct {
	logger  *log.Logger
	broker  base.Broker
	clock   timeutil.Clock
	factory JobFactory
	cfg     Config
}

func newWorker(params workerParams) *Worker {
	cfg := params.cfg
	clock := params.clock
	if clock == nil {
		clock = timeutil.NewRealClock()
	}
	jobCtx, cancel := context.WithCancel(cfg.BaseContext())
	w := &Worker{
		logger:            params.logger,
		broker:            params.broker,
		clock:             clock,
		factory:           params.factory,
		sharedConnection:  true,
		name:              base.WorkerName(cfg.WatchdogHost, os.Getpid(), cfg.IDAllocator.Next(), cfg.Queues),
		strategy:          cfg.NextQueueStrategy,
		queues:            newQueueRing(cfg.Queues),
		emptyQueueSleep:   cfg.EmptyQueueSleep,
		reconnectAttempts: cfg.ReconnectAttempts,
		reconnectInterval: cfg.ReconnectInterval,
		goroutineLabels:   cfg.GoroutineLabels,
		excHandler:        cfg.ExceptionHandler,
		failStrategy:      cfg.FailQueueStrategy,
		quit:              make(chan struct{}),
		done:              make(chan struct{}),
		jobCtx:            jobCtx,
		cancelJob:         cancel,
		resume:            make(chan struct{}),
		errLimiter:        rate.NewLimiter(rate.Every(3*time.Second), 1),
	}
	return w
}

// NewWorker returns a new Worker given a redis connection option, the
// factory that materializes its jobs, and configuration.
func NewWorker(r RedisConnOpt, factory JobFactory, cfg Config) *Worker {
	redisClient, ok := r.MakeRedisClient().(redis.UniversalClient)
	if !ok {
		panic(fmt.Sprintf("resq: unsupported RedisConnOpt type %T", r))
	}
	w := NewWorkerFromRedisClient(redisClient, factory, cfg)
	w.sharedConnection = false
	return w
}

// NewWorkerFromRedisClient returns a new Worker given a redis.UniversalClient.
// The client is not closed when the worker stops.
func NewWorkerFromRedisClient(c redis.UniversalClient, factory JobFactory, cfg Config) *Worker {
	cfg = cfg.withDefaults()
	return newWorker(workerParams{
		logger:  cfg.newLogger(),
		broker:  rdb.NewRDB(c, cfg.Namespace),
		factory: factory,
		cfg:     cfg,
	})
}

// Name returns the worker's identity, host:pid-ordinal:queues.
func (w *Worker) Name() string { return w.name }

// State returns the worker's lifecycle state.
func (w *Worker) State() WorkerState { return WorkerState(w.state.Load()) }

// IsPaused reports whether the worker is paused.
func (w *Worker) IsPaused() bool {
	w.pauseMu.Lock()
	defer w.pauseMu.Unlock()
	return w.paused
}

// IsProcessing reports whether the worker is running a job.
func (w *Worker) IsProcessing() bool { return w.processing.Load() }

// Queues returns the queues the worker polls, in polling order.
func (w *Worker) Queues() []string { return w.queues.snapshot() }

func (w *Worker) running() bool { return w.State() == StateRunning }

// Run polls the worker's queues until the worker is ended.
//
// Run returns ErrWorkerStarted or ErrWorkerEnded if the worker is not new.
// It returns the error that made the worker shut itself down, if any.
func (w *Worker) Run() error {
	if w.factory == nil {
		return fmt.Errorf("resq: worker cannot run with nil factory")
	}
	if !w.state.CompareAndSwap(int32(StateNew), int32(StateRunning)) {
		if w.State() == StateRunning {
			return ErrWorkerStarted
		}
		return ErrWorkerEnded
	}
	defer w.doneOnce.Do(func() { close(w.done) })
	if !w.goroutineLabels {
		return w.run()
	}
	var err error
	pprof.Do(context.Background(), pprof.Labels("worker", w.name), func(context.Context) {
		err = w.run()
	})
	return err
}

func (w *Worker) run() error {
	ctx := context.Background()
	w.fire(&Event{Type: EventWorkerStart})
	w.logger.Infof("Worker %s started", w.name)

	registered := false
	for w.running() && !registered {
		if err := w.broker.RegisterWorker(ctx, w.name, w.clock.Now()); err != nil {
			if !w.handleError(err, "") {
				break
			}
			continue
		}
		registered = true
	}

	for w.running() {
		if qname, err := w.poll(ctx); err != nil {
			if !w.handleError(err, qname) {
				break
			}
		}
	}

	if registered {
		if err := w.broker.UnregisterWorker(ctx, w.name); err != nil {
			w.logger.Errorf("Worker %s: could not unregister: %v", w.name, err)
		}
	}
	w.fire(&Event{Type: EventWorkerStop, Err: w.exitErr})
	w.logger.Infof("Worker %s stopped", w.name)
	if !w.sharedConnection {
		w.broker.Close()
	}
	return w.exitErr
}

// End stops the worker. With now unset, the current job is allowed to
// finish and is acknowledged. With now set, the current job's context is
// cancelled and the job is put back onto its queue.
//
// End may be called from any goroutine, any number of times.
func (w *Worker) End(now bool) {
	target := StateShutdown
	if now {
		target = StateShutdownImmediate
	}
	for {
		cur := w.State()
		if cur == StateShutdownImmediate || cur == target {
			break
		}
		if w.state.CompareAndSwap(int32(cur), int32(target)) {
			if cur == StateNew {
				// Run will never start.
				w.doneOnce.Do(func() { close(w.done) })
			}
			break
		}
	}
	w.quitOnce.Do(func() { close(w.quit) })
	if now {
		w.cancelJob()
	}
}

// Join waits for Run to return, up to timeout. A non-positive timeout waits forever.
func (w *Worker) Join(timeout time.Duration) error {
	if timeout <= 0 {
		<-w.done
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.done:
		return nil
	case <-timer.C:
		return fmt.Errorf("resq: timed out waiting for worker %s to stop", w.name)
	}
}

// TogglePause pauses a running worker or resumes a paused one. A paused
// worker finishes its current job and then waits without claiming.
func (w *Worker) TogglePause() {
	w.pauseMu.Lock()
	defer w.pauseMu.Unlock()
	if w.paused {
		w.paused = false
		close(w.resume)
		w.resume = make(chan struct{})
		return
	}
	w.paused = true
}

// AddQueue appends qname to the worker's polling rotation.
func (w *Worker) AddQueue(qname string) error {
	if err := base.ValidateQueueName(qname); err != nil {
		return err
	}
	w.queues.add(qname)
	return nil
}

// RemoveQueue removes qname from the polling rotation: the first
// occurrence, or every occurrence if all is set.
func (w *Worker) RemoveQueue(qname string, all bool) {
	w.queues.remove(qname, all)
}

// SetQueues replaces the polling rotation.
func (w *Worker) SetQueues(qnames []string) error {
	for _, qname := range qnames {
		if err := base.ValidateQueueName(qname); err != nil {
			return err
		}
	}
	w.queues.set(qnames)
	return nil
}

// SetExceptionHandler replaces the handler consulted on poll loop errors.
// A nil handler restores DefaultExceptionHandler.
func (w *Worker) SetExceptionHandler(h ExceptionHandler) {
	if h == nil {
		h = DefaultExceptionHandler{}
	}
	w.mu.Lock()
	w.excHandler = h
	w.mu.Unlock()
}

// SetFailQueueStrategy replaces the strategy that routes failed jobs.
// A nil strategy restores DefaultFailQueueStrategy.
func (w *Worker) SetFailQueueStrategy(s FailQueueStrategy) {
	if s == nil {
		s = DefaultFailQueueStrategy{}
	}
	w.mu.Lock()
	w.failStrategy = s
	w.mu.Unlock()
}

// AddListener subscribes l to the given events, or to every event if
// none are given. The returned id removes the subscription.
func (w *Worker) AddListener(l Listener, events ...EventType) ListenerID {
	id := newListenerID()
	w.listeners.add(id, l, events)
	return id
}

// RemoveListener removes the subscription with the given id.
// It reports whether the subscription existed.
func (w *Worker) RemoveListener(id ListenerID) bool {
	return w.listeners.remove(id)
}

func (w *Worker) fire(e *Event) Verdict {
	e.Worker = w
	return w.listeners.fire(e, func(id ListenerID, v interface{}) {
		w.logger.Errorf("Worker %s: listener %s panicked on %s: %v", w.name, id, e.Type, v)
	})
}

// sleep waits for d and reports whether the worker is still running.
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-w.quit:
	}
	return w.running()
}

func (w *Worker) poll(ctx context.Context) (string, error) {
	if w.strategy == ResetToHighestPriority {
		return w.pollFirst(ctx)
	}
	return w.pollDrain(ctx)
}

// pollDrain takes the next queue off the rotation and claims from it
// until it comes up empty.
func (w *Worker) pollDrain(ctx context.Context) (string, error) {
	qname, ok := w.queues.take(w.quit, w.emptyQueueSleep)
	if !ok {
		return "", nil
	}
	defer w.queues.putBack(qname)
	for w.running() {
		if err := w.waitWhilePaused(ctx); err != nil || !w.running() {
			return qname, err
		}
		w.fire(&Event{Type: EventWorkerPoll, Queue: qname})
		payload, err := w.broker.Claim(ctx, w.name, qname)
		if errors.Is(err, ierrors.ErrNoProcessableJob) {
			w.misses++
			if w.misses >= w.queues.len() {
				w.misses = 0
				w.sleep(w.emptyQueueSleep)
			}
			return qname, nil
		}
		if err != nil {
			return qname, err
		}
		w.misses = 0
		if err := w.handleClaimed(ctx, qname, payload); err != nil {
			return qname, err
		}
	}
	return qname, nil
}

// pollFirst claims from the highest priority queue that has a job.
func (w *Worker) pollFirst(ctx context.Context) (string, error) {
	qnames := uniqueQueues(w.queues.snapshot())
	if len(qnames) == 0 {
		w.sleep(w.emptyQueueSleep)
		return "", nil
	}
	if err := w.waitWhilePaused(ctx); err != nil || !w.running() {
		return "", err
	}
	w.fire(&Event{Type: EventWorkerPoll, Queue: strings.Join(qnames, ",")})
	qname, payload, err := w.broker.ClaimFirst(ctx, w.name, qnames)
	if errors.Is(err, ierrors.ErrNoProcessableJob) {
		w.sleep(w.emptyQueueSleep)
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return qname, w.handleClaimed(ctx, qname, payload)
}

func uniqueQueues(qnames []string) []string {
	seen := make(map[string]bool, len(qnames))
	out := qnames[:0:0]
	for _, q := range qnames {
		if !seen[q] {
			seen[q] = true
			out = append(out, q)
		}
	}
	return out
}

// waitWhilePaused blocks while the worker is paused, publishing a paused
// status for as long as it waits.
func (w *Worker) waitWhilePaused(ctx context.Context) error {
	for {
		w.pauseMu.Lock()
		if !w.paused {
			w.pauseMu.Unlock()
			return nil
		}
		resume := w.resume
		w.pauseMu.Unlock()

		status := &base.WorkerStatus{RunAt: timeutil.FormatTimestamp(w.clock.Now()), Paused: true}
		if err := w.broker.WriteWorkerStatus(ctx, w.name, status); err != nil {
			return err
		}
		w.logger.Debugf("Worker %s paused", w.name)
		select {
		case <-resume:
		case <-w.quit:
		}
		if err := w.broker.ClearWorkerStatus(ctx, w.name); err != nil {
			return err
		}
		if !w.running() {
			return nil
		}
	}
}

// handleClaimed decodes and processes a claimed payload. A payload that
// cannot be decoded is dropped from the in-flight list.
func (w *Worker) handleClaimed(ctx context.Context, qname, payload string) error {
	if w.State() == StateShutdownImmediate {
		_, err := w.broker.Requeue(ctx, w.name, qname)
		return err
	}
	job, err := DecodeJob([]byte(payload))
	if err != nil {
		if ackErr := w.broker.Acknowledge(ctx, w.name, qname); ackErr != nil {
			return ackErr
		}
		return err
	}
	return w.process(ctx, qname, payload, job)
}

func (w *Worker) process(ctx context.Context, qname, payload string, job *Job) (err error) {
	status := &base.WorkerStatus{
		RunAt:   timeutil.FormatTimestamp(w.clock.Now()),
		Queue:   qname,
		Payload: json.RawMessage(payload),
	}
	if err := w.broker.WriteWorkerStatus(ctx, w.name, status); err != nil {
		return err
	}
	w.processing.Store(true)
	defer func() {
		w.processing.Store(false)
		if clearErr := w.broker.ClearWorkerStatus(ctx, w.name); clearErr != nil && err == nil {
			err = clearErr
		}
	}()

	w.fire(&Event{Type: EventJobProcess, Queue: qname, Job: job})
	result, outcome, jobErr := w.execute(qname, job)
	switch outcome {
	case Executed:
		if err := w.broker.RecordSuccess(ctx, w.name); err != nil {
			return err
		}
		w.fire(&Event{Type: EventJobSuccess, Queue: qname, Job: job, Result: result})
	case Failed:
		w.logger.Debugf("Worker %s: job %s from %q failed: %v", w.name, job.Class, qname, jobErr)
		if err := w.recordFailure(ctx, qname, payload, job, jobErr); err != nil {
			return err
		}
		w.fire(&Event{Type: EventJobFailure, Queue: qname, Job: job, Err: jobErr})
	case Skipped:
		w.logger.Debugf("Worker %s: job %s from %q skipped", w.name, job.Class, qname)
	}
	return w.release(ctx, qname)
}

// release acknowledges the in-flight job, or puts it back onto its queue
// if the worker is ending immediately.
func (w *Worker) release(ctx context.Context, qname string) error {
	if w.State() == StateShutdownImmediate {
		_, err := w.broker.Requeue(ctx, w.name, qname)
		return err
	}
	return w.broker.Acknowledge(ctx, w.name, qname)
}

// execute materializes and runs job. A panic anywhere from construction
// to the job's return fails the job.
func (w *Worker) execute(qname string, job *Job) (result interface{}, outcome Outcome, err error) {
	defer func() {
		if x := recover(); x != nil {
			result, outcome, err = nil, Failed, newPanicError(x)
		}
	}()
	if !job.Valid() {
		return nil, Failed, ErrInvalidJob
	}
	v, err := w.factory.Materialize(job)
	if err != nil {
		return nil, Failed, err
	}
	if wa, ok := v.(WorkerAware); ok {
		wa.SetWorker(w)
	}
	exec, err := toExecutable(v)
	if err != nil {
		return nil, Failed, err
	}
	switch w.fire(&Event{Type: EventJobExecute, Queue: qname, Job: job}) {
	case VerdictSkip:
		return nil, Skipped, nil
	case VerdictAbort:
		return nil, Failed, ErrJobAborted
	}

	ctx := context.WithValue(w.jobCtx, workerContextKey{}, w)
	if w.goroutineLabels {
		pprof.Do(ctx, pprof.Labels("queue", qname), func(ctx context.Context) {
			result, err = call(ctx, exec)
		})
	} else {
		result, err = call(ctx, exec)
	}
	if err != nil {
		return nil, Failed, err
	}
	return result, Executed, nil
}

func call(ctx context.Context, exec executable) (result interface{}, err error) {
	defer func() {
		if x := recover(); x != nil {
			err = newPanicError(x)
		}
	}()
	return exec(ctx)
}

func (w *Worker) recordFailure(ctx context.Context, qname, payload string, job *Job, jobErr error) error {
	w.mu.RLock()
	strategy := w.failStrategy
	w.mu.RUnlock()
	key, max := strategy.FailQueue(jobErr, job, qname)
	failure := &base.JobFailure{
		Worker:    w.name,
		Queue:     qname,
		Payload:   json.RawMessage(payload),
		Exception: exceptionName(jobErr),
		Error:     jobErr.Error(),
		Backtrace: backtrace(jobErr),
		FailedAt:  timeutil.FormatTimestamp(w.clock.Now()),
	}
	return w.broker.RecordFailure(ctx, w.name, key, failure, max)
}

// exceptionName names the kind of error that failed a job.
func exceptionName(err error) string {
	var p *PanicError
	if errors.As(err, &p) {
		return "panic"
	}
	root := err
	for next := errors.Unwrap(root); next != nil; next = errors.Unwrap(root) {
		root = next
	}
	return fmt.Sprintf("%T", root)
}

// backtrace returns the stack of a panic, or the chain of wrapped errors.
func backtrace(err error) []string {
	var p *PanicError
	if errors.As(err, &p) {
		return p.Stack
	}
	lines := []string{}
	for e := errors.Unwrap(err); e != nil; e = errors.Unwrap(e) {
		lines = append(lines, e.Error())
	}
	return lines
}

// handleError consults the exception handler about a poll loop error and
// reports whether the worker should keep polling.
func (w *Worker) handleError(err error, qname string) bool {
	if w.errLimiter.Allow() {
		w.logger.Errorf("Worker %s: error while polling %q: %v", w.name, qname, err)
	}
	w.fire(&Event{Type: EventWorkerError, Queue: qname, Err: err})

	w.mu.RLock()
	h := w.excHandler
	w.mu.RUnlock()

	switch strategy := h.OnException(w, err, qname); strategy {
	case Proceed:
		return true
	case Reconnect:
		if w.reconnect() {
			return true
		}
		if w.running() {
			w.logger.Errorf("Worker %s: could not reconnect after %d attempts, shutting down", w.name, w.reconnectAttempts)
			w.exitErr = err
			w.End(false)
		}
		return false
	default:
		w.logger.Errorf("Worker %s: shutting down on error: %v", w.name, err)
		w.exitErr = err
		w.End(false)
		return false
	}
}

// reconnect pings redis until it answers or the attempt budget runs out.
func (w *Worker) reconnect() bool {
	for i := 0; i < w.reconnectAttempts; i++ {
		if err := w.broker.Ping(context.Background()); err == nil {
			if i == 0 {
				// Redis answers; back off before claiming again.
				return w.sleep(w.reconnectInterval)
			}
			w.logger.Infof("Worker %s reconnected", w.name)
			return true
		}
		if !w.sleep(w.reconnectInterval) {
			return false
		}
	}
	return false
}
