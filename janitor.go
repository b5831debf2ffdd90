// Copyright 2022 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package resq

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hemant/resq/internal/base"
	"github.com/hemant/resq/internal/log"
	"github.com/hemant/resq/internal/timeutil"
)

// janitor is responsible for periodically recovering the in-flight jobs
// of hosts whose liveness record went stale.
type janitor struct {
	logger *log.Logger
	broker base.Broker
	clock  timeutil.Clock

	// channel to communicate back to the long running "janitor" goroutine.
	done chan struct{}

	// key of the lock that keeps watchdogs from scanning concurrently.
	lockKey string

	// interval between recovery runs.
	interval time.Duration

	// age after which a liveness record is stale.
	threshold time.Duration
}

type janitorParams struct {
	logger    *log.Logger
	broker    base.Broker
	clock     timeutil.Clock
	interval  time.Duration
	threshold time.Duration
}

func newJanitor(params janitorParams) *janitor {
	return &janitor{
		logger:    params.logger,
		broker:    params.broker,
		clock:     params.clock,
		done:      make(chan struct{}),
		lockKey:   base.WatchdogLockKey(params.broker.Namespace()),
		interval:  params.interval,
		threshold: params.threshold,
	}
}

func (j *janitor) shutdown() {
	j.logger.Debug("Janitor shutting down...")
	// Signal the janitor goroutine to stop.
	j.done <- struct{}{}
}

func (j *janitor) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(j.interval)
		for {
			select {
			case <-j.done:
				j.logger.Debug("Janitor done")
				timer.Stop()
				return
			case <-timer.C:
				j.exec()
				timer.Reset(j.interval)
			}
		}
	}()
}

// exec runs one recovery pass. Only the watchdog holding the lock scans.
func (j *janitor) exec() *base.RecoveryReport {
	ctx := context.Background()
	token := uuid.NewString()
	ok, err := j.broker.AcquireLock(ctx, j.lockKey, token, j.interval)
	if err != nil {
		j.logger.Errorf("Failed to acquire watchdog lock: %v", err)
		return nil
	}
	if !ok {
		j.logger.Debug("Another watchdog is recovering stale hosts")
		return nil
	}
	defer func() {
		if err := j.broker.ReleaseLock(ctx, j.lockKey, token); err != nil {
			j.logger.Warnf("Failed to release watchdog lock: %v", err)
		}
	}()

	report, err := j.broker.RecoverStaleHosts(ctx, j.clock.Now().Add(-j.threshold))
	if err != nil {
		j.logger.Errorf("Failed to recover stale hosts: %v", err)
		return nil
	}
	if len(report.Hosts) > 0 {
		j.logger.Warnf("Recovered stale hosts %v: requeued %d in-flight jobs", report.Hosts, report.Requeued)
	}
	return report
}
