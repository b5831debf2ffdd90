// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package resq

import (
	"context"
	"errors"
	"fmt"

	"github.com/hemant/resq/internal/base"
	ierrors "github.com/hemant/resq/internal/errors"
)

// RecoveryStrategy tells a worker how to continue after its poll loop hit an error.
type RecoveryStrategy int

const (
	// Reconnect pings redis until it answers or the attempt budget runs
	// out, in which case the worker shuts down gracefully.
	Reconnect RecoveryStrategy = iota

	// Terminate shuts the worker down gracefully.
	Terminate

	// Proceed continues polling.
	Proceed
)

func (s RecoveryStrategy) String() string {
	switch s {
	case Reconnect:
		return "reconnect"
	case Terminate:
		return "terminate"
	case Proceed:
		return "proceed"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// An ExceptionHandler chooses how a worker recovers from a poll loop error.
// queue is the queue the worker was polling, empty if none.
type ExceptionHandler interface {
	OnException(w *Worker, err error, queue string) RecoveryStrategy
}

// The ExceptionHandlerFunc type is an adapter to allow the use of ordinary functions as an ExceptionHandler.
type ExceptionHandlerFunc func(w *Worker, err error, queue string) RecoveryStrategy

// OnException calls fn(w, err, queue).
func (fn ExceptionHandlerFunc) OnException(w *Worker, err error, queue string) RecoveryStrategy {
	return fn(w, err, queue)
}

// DefaultExceptionHandler reconnects on connection errors, proceeds past
// malformed payloads and cancellations that are not part of a shutdown,
// and terminates on anything else.
type DefaultExceptionHandler struct{}

// OnException implements ExceptionHandler.
func (DefaultExceptionHandler) OnException(w *Worker, err error, queue string) RecoveryStrategy {
	var malformed *MalformedPayloadError
	switch {
	case IsConnectionError(err):
		return Reconnect
	case errors.As(err, &malformed):
		return Proceed
	case errors.Is(err, context.Canceled) && (w == nil || w.State() == StateRunning):
		return Proceed
	}
	return Terminate
}

// IsConnectionError reports whether err was caused by the connection to redis.
func IsConnectionError(err error) bool {
	return ierrors.IsConnectionFailure(err)
}

// ErrWrongQueueType indicates that an enqueue targeted a queue that
// currently holds the other shape (list versus sorted set).
var ErrWrongQueueType = ierrors.ErrWrongQueueType

// A FailQueueStrategy picks where the record of a failed job goes.
//
// FailQueue returns the redis key of the fail queue, or an empty string
// for the namespace's default fail queue, and the number of most recent
// entries to retain there. A non-positive maxItems keeps every entry.
type FailQueueStrategy interface {
	FailQueue(err error, job *Job, queue string) (key string, maxItems int)
}

// The FailQueueStrategyFunc type is an adapter to allow the use of ordinary functions as a FailQueueStrategy.
type FailQueueStrategyFunc func(err error, job *Job, queue string) (string, int)

// FailQueue calls fn(err, job, queue).
func (fn FailQueueStrategyFunc) FailQueue(err error, job *Job, queue string) (string, int) {
	return fn(err, job, queue)
}

// DefaultFailQueueStrategy sends every failure to the default fail queue
// without a retention cap.
type DefaultFailQueueStrategy struct{}

// FailQueue implements FailQueueStrategy.
func (DefaultFailQueueStrategy) FailQueue(error, *Job, string) (string, int) {
	return "", 0
}

// CappedFailQueue returns a strategy that sends failures to the fail
// queue at key, keeping only the max most recent entries.
// An empty key selects the default fail queue.
func CappedFailQueue(key string, max int) FailQueueStrategy {
	return FailQueueStrategyFunc(func(error, *Job, string) (string, int) {
		return key, max
	})
}

// FailQueueKey returns the key of the default fail queue in namespace ns.
func FailQueueKey(ns string) string {
	if ns == "" {
		ns = base.DefaultNamespace
	}
	return base.FailQueueKey(ns)
}
