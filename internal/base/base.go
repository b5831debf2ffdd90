// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package base defines foundational types and constants used in resq package.
package base

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hemant/resq/internal/errors"
)

// Version of resq library.
const Version = "1.0.0"

// DefaultNamespace is the key prefix shared with Resque and Jesque deployments.
const DefaultNamespace = "resque"

// DefaultQueueName is the queue name used if none are specified by user.
const DefaultQueueName = "default"

// Key segments of the Resque layout.
const (
	queuesSegment    = "queues"
	queueSegment     = "queue"
	recurringSegment = "recurring"
	inflightSegment  = "inflight"
	workersSegment   = "workers"
	workerSegment    = "worker"
	startedSegment   = "started"
	statSegment      = "stat"
	processedSegment = "processed"
	failedSegment    = "failed"
	watchdogSegment  = "watchdog"
	lockSegment      = "lock"
)

func key(parts ...string) string {
	return strings.Join(parts, ":")
}

// ValidateQueueName validates a given qname to be used as a queue name.
// Returns nil if valid, otherwise returns non-nil error.
func ValidateQueueName(qname string) error {
	if len(strings.TrimSpace(qname)) == 0 {
		return fmt.Errorf("queue name must contain one or more characters")
	}
	if strings.ContainsAny(qname, ",") {
		return fmt.Errorf("queue name %q must not contain a comma", qname)
	}
	return nil
}

// QueuesKey returns the redis key for the set of known queue names.
func QueuesKey(ns string) string {
	return key(ns, queuesSegment)
}

// QueueKey returns the redis key for the given queue. The key holds a list
// for regular and priority queues, and a sorted set scored by epoch
// milliseconds for delayed and recurring queues.
func QueueKey(ns, qname string) string {
	return key(ns, queueSegment, qname)
}

// RecurringHashKey returns the redis key of the hash mapping serialized
// job to frequency in milliseconds for the given recurring queue.
func RecurringHashKey(ns, qname string) string {
	return key(ns, queueSegment, qname, recurringSegment)
}

// InflightKey returns the redis key of the list that holds the job the
// given worker has claimed from the given queue.
func InflightKey(ns, worker, qname string) string {
	return key(ns, inflightSegment, worker, qname)
}

// InflightKeyPrefix returns the prefix shared by all in-flight keys of the worker.
func InflightKeyPrefix(ns, worker string) string {
	return key(ns, inflightSegment, worker) + ":"
}

// WorkersKey returns the redis key for the set of registered worker names.
func WorkersKey(ns string) string {
	return key(ns, workersSegment)
}

// WorkerKey returns the redis key holding the worker's current status.
func WorkerKey(ns, worker string) string {
	return key(ns, workerSegment, worker)
}

// WorkerStartedKey returns the redis key holding the worker's registration time.
func WorkerStartedKey(ns, worker string) string {
	return key(ns, workerSegment, worker, startedSegment)
}

// ProcessedKey returns the redis key for the global processed counter.
func ProcessedKey(ns string) string {
	return key(ns, statSegment, processedSegment)
}

// WorkerProcessedKey returns the redis key for the worker's processed counter.
func WorkerProcessedKey(ns, worker string) string {
	return key(ns, statSegment, processedSegment, worker)
}

// FailedKey returns the redis key for the global failed counter.
func FailedKey(ns string) string {
	return key(ns, statSegment, failedSegment)
}

// WorkerFailedKey returns the redis key for the worker's failed counter.
func WorkerFailedKey(ns, worker string) string {
	return key(ns, statSegment, failedSegment, worker)
}

// FailQueueKey returns the redis key of the default fail queue.
func FailQueueKey(ns string) string {
	return key(ns, failedSegment)
}

// WatchdogKey returns the redis key of the sorted set holding the last
// liveness timestamp (epoch ms) of every host running workers.
func WatchdogKey(ns string) string {
	return key(ns, watchdogSegment)
}

// WatchdogLockKey returns the redis key used to elect a single watchdog
// for each recovery round.
func WatchdogLockKey(ns string) string {
	return key(ns, watchdogSegment, lockSegment)
}

// WorkerName returns the identity of a worker: host:pid-ordinal:queues.
func WorkerName(host string, pid int, ordinal int64, qnames []string) string {
	return fmt.Sprintf("%s:%d-%d:%s", host, pid, ordinal, strings.Join(qnames, ","))
}

// WorkerHost returns the host part of a worker name.
func WorkerHost(worker string) string {
	if i := strings.IndexByte(worker, ':'); i >= 0 {
		return worker[:i]
	}
	return worker
}

// WorkerStatus is the record a worker publishes while it processes a job
// or waits while paused.
type WorkerStatus struct {
	// RunAt is the time the job started, or the time the pause began.
	RunAt string `json:"run_at"`

	// Queue is the queue the job was claimed from. Empty while paused.
	Queue string `json:"queue,omitempty"`

	// Payload is the serialized job. Empty while paused.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Paused reports whether the worker is waiting to be unpaused.
	Paused bool `json:"paused"`
}

// EncodeWorkerStatus marshals the given WorkerStatus and returns the encoded bytes.
func EncodeWorkerStatus(s *WorkerStatus) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("cannot encode nil worker status")
	}
	return json.Marshal(s)
}

// DecodeWorkerStatus decodes the given bytes into WorkerStatus.
func DecodeWorkerStatus(b []byte) (*WorkerStatus, error) {
	var s WorkerStatus
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// JobFailure is the record appended to a fail queue when a job fails.
// Field names follow the Resque failure format.
type JobFailure struct {
	Worker    string          `json:"worker"`
	Queue     string          `json:"queue"`
	Payload   json.RawMessage `json:"payload"`
	Exception string          `json:"exception"`
	Error     string          `json:"error"`
	Backtrace []string        `json:"backtrace"`
	FailedAt  string          `json:"failed_at"`
	RetriedAt *string         `json:"retried_at"`
}

// EncodeJobFailure marshals the given JobFailure and returns the encoded bytes.
func EncodeJobFailure(f *JobFailure) ([]byte, error) {
	if f == nil {
		return nil, fmt.Errorf("cannot encode nil job failure")
	}
	return json.Marshal(f)
}

// DecodeJobFailure decodes the given bytes into JobFailure.
func DecodeJobFailure(b []byte) (*JobFailure, error) {
	var f JobFailure
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// RecoveryReport summarizes one watchdog recovery pass.
type RecoveryReport struct {
	// Hosts whose liveness record was cleared.
	Hosts []string
	// Number of in-flight jobs moved back to their origin queue.
	Requeued int
}

// Broker is a message broker that supports operations to manage job queues.
//
// See rdb.RDB as a reference implementation.
type Broker interface {
	Ping(ctx context.Context) error
	Close() error
	Namespace() string

	// Producer side.
	Enqueue(ctx context.Context, qname string, job []byte) error
	PriorityEnqueue(ctx context.Context, qname string, job []byte) error
	BatchEnqueue(ctx context.Context, qname string, jobs [][]byte) error
	DelayedEnqueue(ctx context.Context, qname string, job []byte, processAt time.Time) error
	RemoveDelayedEnqueue(ctx context.Context, qname string, job []byte) error
	RecurringEnqueue(ctx context.Context, qname string, job []byte, processAt time.Time, frequency time.Duration) error
	RemoveRecurringEnqueue(ctx context.Context, qname string, job []byte) error

	// Claim protocol.
	Claim(ctx context.Context, worker, qname string) (string, error)
	ClaimFirst(ctx context.Context, worker string, qnames []string) (qname string, job string, err error)
	Acknowledge(ctx context.Context, worker, qname string) error
	Requeue(ctx context.Context, worker, qname string) (bool, error)

	// Worker bookkeeping.
	RegisterWorker(ctx context.Context, worker string, started time.Time) error
	UnregisterWorker(ctx context.Context, worker string) error
	WriteWorkerStatus(ctx context.Context, worker string, status *WorkerStatus) error
	ClearWorkerStatus(ctx context.Context, worker string) error
	RecordSuccess(ctx context.Context, worker string) error
	RecordFailure(ctx context.Context, worker string, failQueue string, failure *JobFailure, maxItems int) error

	// Watchdog.
	Heartbeat(ctx context.Context, host string) error
	LastHeartbeat(ctx context.Context, host string) (time.Time, error)
	RecoverStaleHosts(ctx context.Context, cutoff time.Time) (*RecoveryReport, error)
	RecoverHost(ctx context.Context, host string) (*RecoveryReport, error)
	AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// IsWrongQueueType reports whether err was caused by a queue holding a
// different shape than the requested operation needs.
func IsWrongQueueType(err error) bool {
	return errors.Is(err, errors.ErrWrongQueueType)
}
