// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

//go:build !windows

package resq

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// waitForSignals waits for signals and handles them.
// It handles SIGTERM, SIGINT, and SIGTSTP.
// SIGTERM ends the workers after their current job.
// SIGINT ends the workers immediately.
// SIGTSTP toggles pause on the workers.
// It also returns once every worker stopped on its own.
func (p *WorkerPool) waitForSignals() {
	p.logger.Info("Send signal TSTP to pause or resume processing new jobs")
	p.logger.Info("Send signal TERM to finish current jobs and shut down, INT to shut down now")
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGTERM, unix.SIGINT, unix.SIGTSTP)
	defer signal.Stop(sigs)
	for {
		select {
		case sig := <-sigs:
			switch sig {
			case unix.SIGTSTP:
				p.TogglePause()
				continue
			case unix.SIGINT:
				p.End(true)
			}
			return
		case <-p.done:
			return
		}
	}
}
