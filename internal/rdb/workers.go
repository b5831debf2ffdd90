// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hemant/resq/internal/base"
	"github.com/hemant/resq/internal/errors"
	"github.com/hemant/resq/internal/timeutil"
)

// RegisterWorker adds the worker to the set of workers and records its start time.
func (r *RDB) RegisterWorker(ctx context.Context, worker string, started time.Time) error {
	var op errors.Op = "rdb.RegisterWorker"
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, base.WorkersKey(r.ns), worker)
		pipe.Set(ctx, base.WorkerStartedKey(r.ns, worker), timeutil.FormatTimestamp(started), 0)
		return nil
	})
	if err != nil {
		return errors.E(op, errors.RedisCode(err), &errors.RedisCommandError{Command: "exec", Err: err})
	}
	return nil
}

// UnregisterWorker removes the worker from the set of workers and deletes
// its status, start time and per-worker counters.
func (r *RDB) UnregisterWorker(ctx context.Context, worker string) error {
	var op errors.Op = "rdb.UnregisterWorker"
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, base.WorkersKey(r.ns), worker)
		pipe.Del(ctx,
			base.WorkerKey(r.ns, worker),
			base.WorkerStartedKey(r.ns, worker),
			base.WorkerProcessedKey(r.ns, worker),
			base.WorkerFailedKey(r.ns, worker),
		)
		return nil
	})
	if err != nil {
		return errors.E(op, errors.RedisCode(err), &errors.RedisCommandError{Command: "exec", Err: err})
	}
	return nil
}

// WriteWorkerStatus publishes the worker's current status.
func (r *RDB) WriteWorkerStatus(ctx context.Context, worker string, status *base.WorkerStatus) error {
	var op errors.Op = "rdb.WriteWorkerStatus"
	encoded, err := base.EncodeWorkerStatus(status)
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("cannot encode worker status: %v", err))
	}
	if err := r.client.Set(ctx, base.WorkerKey(r.ns, worker), encoded, 0).Err(); err != nil {
		return errors.E(op, errors.RedisCode(err), &errors.RedisCommandError{Command: "set", Err: err})
	}
	return nil
}

// ClearWorkerStatus deletes the worker's status record.
func (r *RDB) ClearWorkerStatus(ctx context.Context, worker string) error {
	var op errors.Op = "rdb.ClearWorkerStatus"
	if err := r.client.Del(ctx, base.WorkerKey(r.ns, worker)).Err(); err != nil {
		return errors.E(op, errors.RedisCode(err), &errors.RedisCommandError{Command: "del", Err: err})
	}
	return nil
}

// RecordSuccess increments the global and per-worker processed counters.
func (r *RDB) RecordSuccess(ctx context.Context, worker string) error {
	var op errors.Op = "rdb.RecordSuccess"
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, base.ProcessedKey(r.ns))
		pipe.Incr(ctx, base.WorkerProcessedKey(r.ns, worker))
		return nil
	})
	if err != nil {
		return errors.E(op, errors.RedisCode(err), &errors.RedisCommandError{Command: "exec", Err: err})
	}
	return nil
}

// recordFailureCmd counts a failure and appends its record to a fail queue,
// trimming the queue to its most recent entries when a cap is given.
//
// Input:
// KEYS[1] -> <ns>:stat:failed
// KEYS[2] -> <ns>:stat:failed:<worker>
// KEYS[3] -> fail queue key
// --
// ARGV[1] -> serialized failure
// ARGV[2] -> max number of entries to retain, 0 for unbounded
//
// Output:
// Returns the length of the fail queue
var recordFailureCmd = redis.NewScript(`
redis.call("INCR", KEYS[1])
redis.call("INCR", KEYS[2])
local n = redis.call("RPUSH", KEYS[3], ARGV[1])
local max = tonumber(ARGV[2])
if max > 0 and n > max then
	redis.call("LTRIM", KEYS[3], -max, -1)
	n = max
end
return n
`)

// RecordFailure increments the failed counters and appends the failure to
// failQueue. An empty failQueue selects the default fail queue.
func (r *RDB) RecordFailure(ctx context.Context, worker string, failQueue string, failure *base.JobFailure, maxItems int) error {
	var op errors.Op = "rdb.RecordFailure"
	encoded, err := base.EncodeJobFailure(failure)
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("cannot encode job failure: %v", err))
	}
	if failQueue == "" {
		failQueue = base.FailQueueKey(r.ns)
	}
	if maxItems < 0 {
		maxItems = 0
	}
	keys := []string{
		base.FailedKey(r.ns),
		base.WorkerFailedKey(r.ns, worker),
		failQueue,
	}
	if _, err := r.runScriptWithErrorCode(ctx, op, recordFailureCmd, keys, encoded, maxItems); err != nil {
		return err
	}
	return nil
}
