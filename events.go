// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package resq

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// EventType identifies a point in a worker's life at which listeners are notified.
type EventType int

const (
	// EventWorkerStart fires once when the worker starts polling.
	EventWorkerStart EventType = iota + 1

	// EventWorkerPoll fires before each attempt to claim from a queue.
	EventWorkerPoll

	// EventJobProcess fires when a claimed job has been decoded.
	EventJobProcess

	// EventJobExecute fires right before the job runs. Listeners may
	// return VerdictSkip or VerdictAbort to keep it from running.
	EventJobExecute

	// EventJobSuccess fires after the job returned without error.
	EventJobSuccess

	// EventJobFailure fires after the job failed or could not be materialized.
	EventJobFailure

	// EventWorkerError fires when the poll loop hits an error.
	EventWorkerError

	// EventWorkerStop fires once when the worker leaves its poll loop.
	EventWorkerStop
)

var eventTypes = []string{
	"",
	"worker_start",
	"worker_poll",
	"job_process",
	"job_execute",
	"job_success",
	"job_failure",
	"worker_error",
	"worker_stop",
}

func (e EventType) String() string {
	if EventWorkerStart <= e && e <= EventWorkerStop {
		return eventTypes[e]
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// allEvents is used when a listener registers without naming events.
var allEvents = []EventType{
	EventWorkerStart,
	EventWorkerPoll,
	EventJobProcess,
	EventJobExecute,
	EventJobSuccess,
	EventJobFailure,
	EventWorkerError,
	EventWorkerStop,
}

// Event describes what happened to a worker.
type Event struct {
	Type   EventType
	Worker *Worker

	// Queue is set for poll and job events.
	Queue string

	// Job is set for job events.
	Job *Job

	// Result holds the value returned by a Caller on EventJobSuccess.
	Result interface{}

	// Err is set on EventJobFailure and EventWorkerError.
	Err error
}

// Verdict is a listener's answer to EventJobExecute.
// Listeners' answers to other events are ignored.
type Verdict int

const (
	// VerdictProceed lets the job run.
	VerdictProceed Verdict = iota

	// VerdictSkip drops the job without running it and without counting
	// it as processed or failed.
	VerdictSkip

	// VerdictAbort fails the job with ErrJobAborted without running it.
	VerdictAbort
)

// ErrJobAborted is recorded as the failure of a job vetoed by a listener.
var ErrJobAborted = errors.New("resq: job aborted by listener")

// Outcome is the result of a job's execute step.
type Outcome int

const (
	// Executed means the job ran and returned without error.
	Executed Outcome = iota

	// Skipped means a listener kept the job from running.
	Skipped

	// Failed means the job could not be materialized, was aborted,
	// returned an error or panicked.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Executed:
		return "executed"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// A Listener is notified of worker events.
type Listener interface {
	OnEvent(e *Event) Verdict
}

// The ListenerFunc type is an adapter to allow the use of ordinary functions as a Listener.
type ListenerFunc func(e *Event) Verdict

// OnEvent calls fn(e).
func (fn ListenerFunc) OnEvent(e *Event) Verdict {
	return fn(e)
}

// ListenerID identifies a registered listener so it can be removed.
type ListenerID string

type subscription struct {
	id       ListenerID
	listener Listener
	events   map[EventType]bool
}

// listeners is the subscriber list owned by an event emitter.
type listeners struct {
	mu   sync.RWMutex
	subs []*subscription
}

func newListenerID() ListenerID {
	return ListenerID(uuid.NewString())
}

func (ls *listeners) add(id ListenerID, l Listener, events []EventType) {
	if len(events) == 0 {
		events = allEvents
	}
	sub := &subscription{id: id, listener: l, events: make(map[EventType]bool, len(events))}
	for _, e := range events {
		sub.events[e] = true
	}
	ls.mu.Lock()
	ls.subs = append(ls.subs, sub)
	ls.mu.Unlock()
}

func (ls *listeners) remove(id ListenerID) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for i, sub := range ls.subs {
		if sub.id == id {
			ls.subs = append(ls.subs[:i:i], ls.subs[i+1:]...)
			return true
		}
	}
	return false
}

// fire notifies every listener subscribed to e.Type in registration order
// and returns the strongest verdict given. A panicking listener is
// reported through onPanic and treated as VerdictProceed.
func (ls *listeners) fire(e *Event, onPanic func(id ListenerID, v interface{})) Verdict {
	ls.mu.RLock()
	subs := ls.subs
	ls.mu.RUnlock()

	verdict := VerdictProceed
	for _, sub := range subs {
		if !sub.events[e.Type] {
			continue
		}
		if v := notify(sub, e, onPanic); v > verdict {
			verdict = v
		}
	}
	return verdict
}

func notify(sub *subscription, e *Event, onPanic func(id ListenerID, v interface{})) (v Verdict) {
	defer func() {
		if x := recover(); x != nil {
			if onPanic != nil {
				onPanic(sub.id, x)
			}
			v = VerdictProceed
		}
	}()
	return sub.listener.OnEvent(e)
}
