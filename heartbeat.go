// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package resq

import (
	"context"
	"sync"
	"time"

	"github.com/hemant/resq/internal/base"
	"github.com/hemant/resq/internal/log"
)

// heartbeater periodically records that the host is alive.
type heartbeater struct {
	logger *log.Logger
	broker base.Broker

	// channel to communicate back to the long running "heartbeater" goroutine.
	done chan struct{}

	host     string
	interval time.Duration
}

type heartbeaterParams struct {
	logger   *log.Logger
	broker   base.Broker
	host     string
	interval time.Duration
}

func newHeartbeater(params heartbeaterParams) *heartbeater {
	return &heartbeater{
		logger:   params.logger,
		broker:   params.broker,
		done:     make(chan struct{}),
		host:     params.host,
		interval: params.interval,
	}
}

func (h *heartbeater) shutdown() {
	h.logger.Debug("Heartbeater shutting down...")
	h.done <- struct{}{}
}

func (h *heartbeater) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(h.interval)
		for {
			select {
			case <-h.done:
				h.logger.Debug("Heartbeater done")
				timer.Stop()
				return
			case <-timer.C:
				h.beat()
				timer.Reset(h.interval)
			}
		}
	}()
}

func (h *heartbeater) beat() {
	if err := h.broker.Heartbeat(context.Background(), h.host); err != nil {
		h.logger.Errorf("Failed to record liveness of host %q: %v", h.host, err)
	}
}
