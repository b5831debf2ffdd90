// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package resq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/hemant/resq/internal/base"
	"github.com/hemant/resq/internal/log"
	"github.com/hemant/resq/internal/rdb"
)

// WorkerPool runs a fixed number of workers over the same queues, together
// with a Watchdog for the host they run on.
//
// Operations on the pool apply to every worker. Listeners added through
// the pool share one ListenerID across workers.
type WorkerPool struct {
	logger *log.Logger
	broker base.Broker

	// When a WorkerPool has been created with an existing Redis connection, we do
	// not want to close it.
	sharedConnection bool

	shutdownTimeout time.Duration

	workers       []*Worker
	watchdog      *Watchdog
	healthchecker *healthchecker

	// wait group to wait for background goroutines to finish.
	wg sync.WaitGroup

	mu    sync.Mutex
	state poolState

	// done is closed once every worker's Run returned.
	done   chan struct{}
	runErr error
}

type poolState int

const (
	// poolNew represents a new pool. Pool begins in
	// this state and then transition to poolActive when
	// Start or Run is called.
	poolNew poolState = iota

	// poolActive indicates the pool is up and active.
	poolActive

	// poolClosed indicates the pool has been shutdown.
	poolClosed
)

var poolStates = []string{
	"new",
	"active",
	"closed",
}

func (s poolState) String() string {
	if poolNew <= s && s <= poolClosed {
		return poolStates[s]
	}
	return "unknown status"
}

// ErrPoolClosed indicates that the operation is now illegal because of the pool has been shutdown.
var ErrPoolClosed = errors.New("resq: WorkerPool closed")

// NewWorkerPool returns a new WorkerPool given a redis connection option,
// the factory shared by its workers, and configuration.
// cfg.Concurrency selects the number of workers.
func NewWorkerPool(r RedisConnOpt, factory JobFactory, cfg Config) *WorkerPool {
	redisClient, ok := r.MakeRedisClient().(redis.UniversalClient)
	if !ok {
		panic(fmt.Sprintf("resq: unsupported RedisConnOpt type %T", r))
	}
	p := NewWorkerPoolFromRedisClient(redisClient, factory, cfg)
	p.sharedConnection = false
	return p
}

// NewWorkerPoolFromRedisClient returns a new WorkerPool given a redis.UniversalClient.
// The client is not closed when the pool shuts down.
func NewWorkerPoolFromRedisClient(c redis.UniversalClient, factory JobFactory, cfg Config) *WorkerPool {
	cfg = cfg.withDefaults()
	logger := cfg.newLogger()
	broker := rdb.NewRDB(c, cfg.Namespace)
	p := &WorkerPool{
		logger:           logger,
		broker:           broker,
		sharedConnection: true,
		shutdownTimeout:  cfg.ShutdownTimeout,
		healthchecker: newHealthChecker(healthcheckerParams{
			logger:          logger,
			broker:          broker,
			interval:        cfg.HealthCheckInterval,
			healthcheckFunc: cfg.HealthCheckFunc,
		}),
		done: make(chan struct{}),
	}
	for i := 0; i < cfg.Concurrency; i++ {
		p.workers = append(p.workers, newWorker(workerParams{
			logger:  logger,
			broker:  broker,
			factory: factory,
			cfg:     cfg,
		}))
	}
	if !cfg.DisableWatchdog {
		p.watchdog = newWatchdog(watchdogParams{
			logger: logger,
			broker: broker,
			cfg:    cfg,
		})
	}
	return p
}

// Workers returns the pool's workers.
func (p *WorkerPool) Workers() []*Worker {
	return append([]*Worker(nil), p.workers...)
}

// Run starts the pool and blocks until an os signal to exit the program is
// received or every worker stopped on its own. Once it receives a signal,
// it gracefully shuts down all active workers and other goroutines.
//
// SIGTERM ends workers after their current job, SIGINT ends them right away
// and SIGTSTP toggles pause.
//
// Run returns any error encountered at pool startup time, or the first
// error that made a worker shut itself down.
func (p *WorkerPool) Run() error {
	if err := p.Start(); err != nil {
		return err
	}
	p.waitForSignals()
	return p.Shutdown()
}

// Start starts the watchdog and the workers.
// Start does not block; use Join or Shutdown to wait for the workers.
//
// Start returns any error encountered at pool startup time.
// If the pool has already been shutdown, ErrPoolClosed is returned.
func (p *WorkerPool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case poolActive:
		return fmt.Errorf("resq: the pool is already running")
	case poolClosed:
		return ErrPoolClosed
	}
	if p.watchdog != nil {
		if err := p.watchdog.Start(); err != nil {
			return err
		}
	}
	p.logger.Infof("Starting %d workers", len(p.workers))
	p.healthchecker.start(&p.wg)

	var g errgroup.Group
	for _, w := range p.workers {
		w := w
		g.Go(func() error {
			if err := w.Run(); err != nil && !errors.Is(err, ErrWorkerEnded) {
				return fmt.Errorf("worker %s: %w", w.Name(), err)
			}
			return nil
		})
	}
	go func() {
		p.runErr = g.Wait()
		close(p.done)
	}()
	p.state = poolActive
	return nil
}

// End ends every worker. See Worker.End.
func (p *WorkerPool) End(now bool) {
	for _, w := range p.workers {
		w.End(now)
	}
}

// Join waits for every worker to stop, up to timeout.
// A non-positive timeout waits forever.
func (p *WorkerPool) Join(timeout time.Duration) error {
	if p.currentState() == poolNew {
		return nil
	}
	return p.join(timeout)
}

func (p *WorkerPool) join(timeout time.Duration) error {
	if timeout <= 0 {
		<-p.done
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
		return fmt.Errorf("resq: timed out waiting for workers to stop")
	}
}

// Shutdown ends the workers gracefully and waits for them to finish their
// jobs. Workers still running after the shutdown timeout are ended
// immediately, so their jobs go back onto the queues. Then the watchdog
// and background goroutines are stopped.
//
// Shutdown returns the first error that made a worker shut itself down.
func (p *WorkerPool) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == poolClosed {
		return p.runErr
	}
	if p.state == poolNew {
		// Workers never ran.
		p.End(false)
		p.state = poolClosed
		return nil
	}
	p.logger.Info("Starting graceful shutdown")
	p.End(false)
	if err := p.join(p.shutdownTimeout); err != nil {
		p.logger.Warnf("Workers did not stop within %v, ending them now", p.shutdownTimeout)
		p.End(true)
		<-p.done
	}
	p.healthchecker.shutdown()
	p.wg.Wait()
	if p.watchdog != nil {
		p.watchdog.Shutdown()
	}
	if !p.sharedConnection {
		p.broker.Close()
	}
	p.state = poolClosed
	p.logger.Info("Exiting")
	return p.runErr
}

func (p *WorkerPool) currentState() poolState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Ping performs a ping against the redis connection.
func (p *WorkerPool) Ping() error {
	if p.currentState() == poolClosed {
		return nil
	}
	return p.broker.Ping(context.Background())
}

// Unreachable returns the error of the pool's last failed health check of
// redis and when the current run of failures began. It returns a nil error
// while redis is reachable or before the first health check.
func (p *WorkerPool) Unreachable() (since time.Time, err error) {
	return p.healthchecker.status()
}

// PoolStats is a point-in-time count of a pool's workers.
type PoolStats struct {
	// Workers is the size of the pool.
	Workers int
	// Running counts workers in StateRunning.
	Running int
	// Paused counts running workers that are paused.
	Paused int
	// Processing counts workers running a job.
	Processing int
	// Idle counts running workers that are neither paused nor running a job.
	Idle int
}

// Stats counts the pool's workers by state.
func (p *WorkerPool) Stats() PoolStats {
	s := PoolStats{Workers: len(p.workers)}
	for _, w := range p.workers {
		processing := w.IsProcessing()
		if processing {
			s.Processing++
		}
		if w.State() != StateRunning {
			continue
		}
		s.Running++
		switch {
		case w.IsPaused():
			s.Paused++
		case !processing:
			s.Idle++
		}
	}
	return s
}

// TogglePause toggles pause on every worker.
func (p *WorkerPool) TogglePause() {
	for _, w := range p.workers {
		w.TogglePause()
	}
}

// AddQueue adds qname to every worker's rotation.
func (p *WorkerPool) AddQueue(qname string) error {
	var errs []error
	for _, w := range p.workers {
		errs = append(errs, w.AddQueue(qname))
	}
	return errors.Join(errs...)
}

// RemoveQueue removes qname from every worker's rotation.
func (p *WorkerPool) RemoveQueue(qname string, all bool) {
	for _, w := range p.workers {
		w.RemoveQueue(qname, all)
	}
}

// SetQueues replaces every worker's rotation.
func (p *WorkerPool) SetQueues(qnames []string) error {
	var errs []error
	for _, w := range p.workers {
		errs = append(errs, w.SetQueues(qnames))
	}
	return errors.Join(errs...)
}

// SetExceptionHandler sets the exception handler of every worker.
func (p *WorkerPool) SetExceptionHandler(h ExceptionHandler) {
	for _, w := range p.workers {
		w.SetExceptionHandler(h)
	}
}

// SetFailQueueStrategy sets the fail queue strategy of every worker.
func (p *WorkerPool) SetFailQueueStrategy(s FailQueueStrategy) {
	for _, w := range p.workers {
		w.SetFailQueueStrategy(s)
	}
}

// AddListener subscribes l to the given events of every worker.
func (p *WorkerPool) AddListener(l Listener, events ...EventType) ListenerID {
	id := newListenerID()
	for _, w := range p.workers {
		w.listeners.add(id, l, events)
	}
	return id
}

// RemoveListener removes the subscription with the given id from every worker.
func (p *WorkerPool) RemoveListener(id ListenerID) bool {
	removed := false
	for _, w := range p.workers {
		if w.RemoveListener(id) {
			removed = true
		}
	}
	return removed
}
