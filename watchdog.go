// Copyright 2024 Hemant. All rights reserved.
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

	"github.com/hemant/resq/internal/base"
	"github.com/hemant/resq/internal/log"
	"github.com/hemant/resq/internal/rdb"
	"github.com/hemant/resq/internal/timeutil"
)

// RecoveryReport summarizes a watchdog recovery pass.
type RecoveryReport struct {
	// Hosts whose liveness record was cleared.
	Hosts []string

	// Requeued is the number of in-flight jobs put back onto their queues.
	Requeued int
}

// A Watchdog records that its host is alive and puts back the in-flight
// jobs of hosts that stopped doing so.
//
// On Start it first puts back the jobs left in flight by an earlier
// process running under the same host identity, so only one process may
// run workers under a given identity at a time.
type Watchdog struct {
	logger *log.Logger
	broker base.Broker
	clock  timeutil.Clock
	host   string

	// When a Watchdog has been created with an existing Redis connection, we do
	// not want to close it.
	sharedConnection bool

	heartbeater *heartbeater
	janitor     *janitor
	wg          sync.WaitGroup

	mu    sync.Mutex
	state watchdogState
}

type watchdogState int

const (
	watchdogNew watchdogState = iota
	watchdogActive
	watchdogClosed
)

// ErrWatchdogClosed indicates that the watchdog has been shut down.
var ErrWatchdogClosed = errors.New("resq: watchdog closed")

type watchdogParams struct {
	logger *log.Logger
	broker base.Broker
	clock  timeutil.Clock
	cfg    Config
}

func newWatchdog(params watchdogParams) *Watchdog {
	cfg := params.cfg
	clock := params.clock
	if clock == nil {
		clock = timeutil.NewRealClock()
	}
	return &Watchdog{
		logger:           params.logger,
		broker:           params.broker,
		clock:            clock,
		host:             cfg.WatchdogHost,
		sharedConnection: true,
		heartbeater: newHeartbeater(heartbeaterParams{
			logger:   params.logger,
			broker:   params.broker,
			host:     cfg.WatchdogHost,
			interval: cfg.HeartbeatInterval,
		}),
		janitor: newJanitor(janitorParams{
			logger:    params.logger,
			broker:    params.broker,
			clock:     clock,
			interval:  cfg.RecoveryInterval,
			threshold: cfg.LivenessThreshold,
		}),
	}
}

// NewWatchdog returns a new Watchdog given a redis connection option and configuration.
func NewWatchdog(r RedisConnOpt, cfg Config) *Watchdog {
	redisClient, ok := r.MakeRedisClient().(redis.UniversalClient)
	if !ok {
		panic(fmt.Sprintf("resq: unsupported RedisConnOpt type %T", r))
	}
	wd := NewWatchdogFromRedisClient(redisClient, cfg)
	wd.sharedConnection = false
	return wd
}

// NewWatchdogFromRedisClient returns a new Watchdog given a redis.UniversalClient.
// The client is not closed when the watchdog shuts down.
func NewWatchdogFromRedisClient(c redis.UniversalClient, cfg Config) *Watchdog {
	cfg = cfg.withDefaults()
	return newWatchdog(watchdogParams{
		logger: cfg.newLogger(),
		broker: rdb.NewRDB(c, cfg.Namespace),
		cfg:    cfg,
	})
}

// Host returns the host identity the watchdog records liveness for.
func (wd *Watchdog) Host() string { return wd.host }

// Start puts back the jobs left in flight under the watchdog's host, records
// the host as alive and starts the background heartbeat and recovery loops.
func (wd *Watchdog) Start() error {
	wd.mu.Lock()
	defer wd.mu.Unlock()
	switch wd.state {
	case watchdogActive:
		return fmt.Errorf("resq: the watchdog is already running")
	case watchdogClosed:
		return ErrWatchdogClosed
	}

	ctx := context.Background()
	if last, err := wd.broker.LastHeartbeat(ctx, wd.host); err == nil && !last.IsZero() {
		if age := wd.clock.Now().Sub(last); age < wd.janitor.threshold {
			wd.logger.Warnf("Host %q recorded a heartbeat %v ago; if another process runs workers under this host, its in-flight jobs are being put back on their queues. Give each process its own WatchdogHost",
				wd.host, age.Round(time.Millisecond))
		}
	}
	report, err := wd.broker.RecoverHost(ctx, wd.host)
	if err != nil {
		return fmt.Errorf("resq: startup recovery of host %q failed: %w", wd.host, err)
	}
	if report.Requeued > 0 {
		wd.logger.Warnf("Requeued %d jobs left in flight by an earlier process on host %q", report.Requeued, wd.host)
	}
	if err := wd.broker.Heartbeat(ctx, wd.host); err != nil {
		return fmt.Errorf("resq: could not record liveness of host %q: %w", wd.host, err)
	}

	wd.logger.Infof("Watchdog started for host %q", wd.host)
	wd.heartbeater.start(&wd.wg)
	wd.janitor.start(&wd.wg)
	wd.state = watchdogActive
	return nil
}

// RecoverStaleHosts runs one recovery pass right away. It returns nil if
// another watchdog is running a pass.
func (wd *Watchdog) RecoverStaleHosts() *RecoveryReport {
	report := wd.janitor.exec()
	if report == nil {
		return nil
	}
	return &RecoveryReport{Hosts: report.Hosts, Requeued: report.Requeued}
}

// Shutdown stops the background loops. It is a no-op if the watchdog is not running.
func (wd *Watchdog) Shutdown() {
	wd.mu.Lock()
	defer wd.mu.Unlock()
	if wd.state != watchdogActive {
		wd.state = watchdogClosed
		return
	}
	wd.logger.Info("Watchdog shutting down...")
	wd.heartbeater.shutdown()
	wd.janitor.shutdown()
	wd.wg.Wait()
	if !wd.sharedConnection {
		wd.broker.Close()
	}
	wd.state = watchdogClosed
	wd.logger.Info("Watchdog stopped")
}
