// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package resq

import (
	"context"
	"sync"
	"time"

	"github.com/hemant/resq/internal/base"
	"github.com/hemant/resq/internal/log"
	"github.com/hemant/resq/internal/timeutil"
)

// healthchecker pings redis on an interval on behalf of a WorkerPool and
// remembers whether the last ping succeeded.
//
// Workers notice a lost connection through their own exception handling;
// the healthchecker gives the pool owner one place to observe it, and logs
// each transition between reachable and unreachable once.
type healthchecker struct {
	logger *log.Logger
	broker base.Broker
	clock  timeutil.Clock

	// channel to communicate back to the long running "healthchecker" goroutine.
	done chan struct{}

	// interval between healthchecks.
	interval time.Duration

	// optional user provided callback to invoke with every ping result.
	healthcheckFunc func(error)

	mu           sync.Mutex
	lastErr      error
	failingSince time.Time // zero while reachable
}

type healthcheckerParams struct {
	logger          *log.Logger
	broker          base.Broker
	clock           timeutil.Clock
	interval        time.Duration
	healthcheckFunc func(error)
}

func newHealthChecker(params healthcheckerParams) *healthchecker {
	clock := params.clock
	if clock == nil {
		clock = timeutil.NewRealClock()
	}
	return &healthchecker{
		logger:          params.logger,
		broker:          params.broker,
		clock:           clock,
		done:            make(chan struct{}),
		interval:        params.interval,
		healthcheckFunc: params.healthcheckFunc,
	}
}

func (hc *healthchecker) shutdown() {
	hc.logger.Debug("Healthchecker shutting down...")
	// Signal the healthchecker goroutine to stop.
	hc.done <- struct{}{}
}

func (hc *healthchecker) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(hc.interval)
		for {
			select {
			case <-hc.done:
				hc.logger.Debug("Healthchecker done")
				timer.Stop()
				return
			case <-timer.C:
				hc.exec()
				timer.Reset(hc.interval)
			}
		}
	}()
}

func (hc *healthchecker) exec() {
	ctx, cancel := context.WithTimeout(context.Background(), hc.interval)
	defer cancel()
	err := hc.broker.Ping(ctx)
	hc.record(err)
	if hc.healthcheckFunc != nil {
		hc.healthcheckFunc(err)
	}
}

func (hc *healthchecker) record(err error) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	switch {
	case err != nil && hc.failingSince.IsZero():
		hc.failingSince = hc.clock.Now()
		hc.logger.Warnf("Redis is unreachable: %v", err)
	case err == nil && !hc.failingSince.IsZero():
		hc.logger.Infof("Redis is reachable again after %v", hc.clock.Now().Sub(hc.failingSince).Round(time.Millisecond))
		hc.failingSince = time.Time{}
	}
	hc.lastErr = err
}

// status returns the last ping error and, if it is non-nil, when the
// current run of failed pings began.
func (hc *healthchecker) status() (time.Time, error) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.failingSince, hc.lastErr
}
