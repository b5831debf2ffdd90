// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package rdb encapsulates the interactions with redis.
package rdb

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"

	"github.com/hemant/resq/internal/base"
	"github.com/hemant/resq/internal/errors"
	"github.com/hemant/resq/internal/timeutil"
)

// RDB is a client interface to query and mutate job queues.
type RDB struct {
	client redis.UniversalClient
	clock  timeutil.Clock
	ns     string
}

// NewRDB returns a new instance of RDB operating under the given namespace.
// An empty namespace selects base.DefaultNamespace.
func NewRDB(client redis.UniversalClient, ns string) *RDB {
	if ns == "" {
		ns = base.DefaultNamespace
	}
	return &RDB{
		client: client,
		clock:  timeutil.NewRealClock(),
		ns:     ns,
	}
}

// Close closes the connection with redis server.
func (r *RDB) Close() error {
	return r.client.Close()
}

// Client returns the reference to underlying redis client.
func (r *RDB) Client() redis.UniversalClient {
	return r.client
}

// Namespace returns the key prefix used by r.
func (r *RDB) Namespace() string {
	return r.ns
}

// SetClock sets the clock used by RDB to the given clock.
//
// Use this function to set the clock to SimulatedClock in tests.
func (r *RDB) SetClock(c timeutil.Clock) {
	r.clock = c
}

// Ping checks the connection with redis server.
func (r *RDB) Ping(ctx context.Context) error {
	var op errors.Op = "rdb.Ping"
	if err := r.client.Ping(ctx).Err(); err != nil {
		return errors.E(op, errors.RedisCode(err), &errors.RedisCommandError{Command: "ping", Err: err})
	}
	return nil
}

// runScript runs the given script and returns its raw reply.
// A nil reply is reported as (nil, nil).
func (r *RDB) runScript(ctx context.Context, op errors.Op, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	res, err := script.Run(ctx, r.client, keys, args...).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.E(op, errors.RedisCode(err), fmt.Sprintf("redis eval error: %v", err))
	}
	return res, nil
}

// Runs the given script with keys and args and returns the script's return value as int64.
func (r *RDB) runScriptWithErrorCode(ctx context.Context, op errors.Op, script *redis.Script, keys []string, args ...interface{}) (int64, error) {
	res, err := r.runScript(ctx, op, script, keys, args...)
	if err != nil {
		return 0, err
	}
	n, ok := res.(int64)
	if !ok {
		return 0, errors.E(op, errors.Internal, fmt.Sprintf("unexpected return value from Lua script: %v", res))
	}
	return n, nil
}

func (r *RDB) now() int64 {
	return timeutil.UnixMilli(r.clock.Now())
}

// Return code shared by the enqueue scripts when the queue key holds
// another redis type.
const wrongType = -1

// enqueueCmd pushes one or more jobs onto a list-shaped queue.
//
// Input:
// KEYS[1] -> <ns>:queues
// KEYS[2] -> <ns>:queue:<qname>
// --
// ARGV[1] -> queue name
// ARGV[2] -> "1" to push onto the head, "0" to append to the tail
// ARGV[3:] -> serialized jobs
//
// Output:
// Returns 1 if successfully enqueued
// Returns -1 if the queue key is not a list
var enqueueCmd = redis.NewScript(`
local t = redis.call("TYPE", KEYS[2]).ok
if t ~= "none" and t ~= "list" then
	return -1
end
redis.call("SADD", KEYS[1], ARGV[1])
for i = 3, #ARGV do
	if ARGV[2] == "1" then
		redis.call("LPUSH", KEYS[2], ARGV[i])
	else
		redis.call("RPUSH", KEYS[2], ARGV[i])
	end
end
return 1
`)

func (r *RDB) enqueue(ctx context.Context, op errors.Op, qname string, head bool, jobs ...[]byte) error {
	keys := []string{
		base.QueuesKey(r.ns),
		base.QueueKey(r.ns, qname),
	}
	argv := []interface{}{qname, "0"}
	if head {
		argv[1] = "1"
	}
	for _, job := range jobs {
		argv = append(argv, job)
	}
	n, err := r.runScriptWithErrorCode(ctx, op, enqueueCmd, keys, argv...)
	if err != nil {
		return err
	}
	if n == wrongType {
		return errors.E(op, errors.FailedPrecondition, errors.ErrWrongQueueType)
	}
	return nil
}

// Enqueue appends the job to the tail of the queue.
func (r *RDB) Enqueue(ctx context.Context, qname string, job []byte) error {
	var op errors.Op = "rdb.Enqueue"
	return r.enqueue(ctx, op, qname, false, job)
}

// PriorityEnqueue pushes the job onto the head of the queue.
func (r *RDB) PriorityEnqueue(ctx context.Context, qname string, job []byte) error {
	var op errors.Op = "rdb.PriorityEnqueue"
	return r.enqueue(ctx, op, qname, true, job)
}

// BatchEnqueue appends all the jobs to the tail of the queue in a single step.
func (r *RDB) BatchEnqueue(ctx context.Context, qname string, jobs [][]byte) error {
	var op errors.Op = "rdb.BatchEnqueue"
	if len(jobs) == 0 {
		return nil
	}
	return r.enqueue(ctx, op, qname, false, jobs...)
}

// scheduleCmd adds a job to a sorted-set queue and, for recurring jobs,
// records its frequency in the companion hash.
//
// Input:
// KEYS[1] -> <ns>:queues
// KEYS[2] -> <ns>:queue:<qname>
// KEYS[3] -> <ns>:queue:<qname>:recurring
// --
// ARGV[1] -> queue name
// ARGV[2] -> serialized job
// ARGV[3] -> process time in epoch milliseconds
// ARGV[4] -> frequency in milliseconds, 0 for a one-shot delayed job
//
// Output:
// Returns 1 if successfully scheduled
// Returns -1 if the queue key is not a sorted set
var scheduleCmd = redis.NewScript(`
local t = redis.call("TYPE", KEYS[2]).ok
if t ~= "none" and t ~= "zset" then
	return -1
end
redis.call("SADD", KEYS[1], ARGV[1])
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[2])
if tonumber(ARGV[4]) > 0 then
	redis.call("HSET", KEYS[3], ARGV[2], ARGV[4])
end
return 1
`)

// unscheduleCmd removes a job from a sorted-set queue and its companion hash.
//
// Input:
// KEYS[1] -> <ns>:queue:<qname>
// KEYS[2] -> <ns>:queue:<qname>:recurring
// --
// ARGV[1] -> serialized job
//
// Output:
// Returns the number of removed members
// Returns -1 if the queue key is not a sorted set
var unscheduleCmd = redis.NewScript(`
local t = redis.call("TYPE", KEYS[1]).ok
if t ~= "none" and t ~= "zset" then
	return -1
end
local n = redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("HDEL", KEYS[2], ARGV[1])
return n
`)

func (r *RDB) schedule(ctx context.Context, op errors.Op, qname string, job []byte, processAt time.Time, frequency time.Duration) error {
	keys := []string{
		base.QueuesKey(r.ns),
		base.QueueKey(r.ns, qname),
		base.RecurringHashKey(r.ns, qname),
	}
	argv := []interface{}{
		qname,
		job,
		timeutil.UnixMilli(processAt),
		frequency.Milliseconds(),
	}
	n, err := r.runScriptWithErrorCode(ctx, op, scheduleCmd, keys, argv...)
	if err != nil {
		return err
	}
	if n == wrongType {
		return errors.E(op, errors.FailedPrecondition, errors.ErrWrongQueueType)
	}
	return nil
}

func (r *RDB) unschedule(ctx context.Context, op errors.Op, qname string, job []byte) error {
	keys := []string{
		base.QueueKey(r.ns, qname),
		base.RecurringHashKey(r.ns, qname),
	}
	n, err := r.runScriptWithErrorCode(ctx, op, unscheduleCmd, keys, job)
	if err != nil {
		return err
	}
	if n == wrongType {
		return errors.E(op, errors.FailedPrecondition, errors.ErrWrongQueueType)
	}
	return nil
}

// DelayedEnqueue schedules the job to become claimable at processAt.
func (r *RDB) DelayedEnqueue(ctx context.Context, qname string, job []byte, processAt time.Time) error {
	var op errors.Op = "rdb.DelayedEnqueue"
	return r.schedule(ctx, op, qname, job, processAt, 0)
}

// RemoveDelayedEnqueue removes a scheduled job. It is a no-op if the job is absent.
func (r *RDB) RemoveDelayedEnqueue(ctx context.Context, qname string, job []byte) error {
	var op errors.Op = "rdb.RemoveDelayedEnqueue"
	return r.unschedule(ctx, op, qname, job)
}

// RecurringEnqueue schedules the job at processAt and every frequency after
// each claim. Both structures are written by one script.
func (r *RDB) RecurringEnqueue(ctx context.Context, qname string, job []byte, processAt time.Time, frequency time.Duration) error {
	var op errors.Op = "rdb.RecurringEnqueue"
	if frequency.Milliseconds() <= 0 {
		return errors.E(op, errors.InvalidArgument, fmt.Sprintf("frequency must be at least one millisecond, got %v", frequency))
	}
	return r.schedule(ctx, op, qname, job, processAt, frequency)
}

// RemoveRecurringEnqueue removes a recurring job from the queue and its frequency hash.
func (r *RDB) RemoveRecurringEnqueue(ctx context.Context, qname string, job []byte) error {
	var op errors.Op = "rdb.RemoveRecurringEnqueue"
	return r.unschedule(ctx, op, qname, job)
}

// claimBody is the shared Lua fragment that moves one eligible job from
// queue key q into in-flight list f, consulting recurring hash h.
// It evaluates to the claimed job or false.
const claimBody = `
local function claim(q, f, h, now)
	local t = redis.call("TYPE", q).ok
	local job
	if t == "zset" then
		job = redis.call("ZRANGEBYSCORE", q, "-inf", now, "LIMIT", 0, 1)[1]
		if not job then
			return false
		end
		local freq = redis.call("HGET", h, job)
		if freq then
			redis.call("ZADD", q, tonumber(now) + tonumber(freq), job)
		else
			redis.call("ZREM", q, job)
		end
	elseif t == "list" then
		job = redis.call("LPOP", q)
		if not job then
			return false
		end
	else
		return false
	end
	redis.call("LPUSH", f, job)
	return job
end
`

// claimCmd claims the next eligible job of a queue for a worker.
// A job already in flight for the pair is returned again instead of
// claiming another, so the in-flight list never holds more than one job.
//
// Input:
// KEYS[1] -> <ns>:queue:<qname>
// KEYS[2] -> <ns>:inflight:<worker>:<qname>
// KEYS[3] -> <ns>:queue:<qname>:recurring
// --
// ARGV[1] -> current time in epoch milliseconds
//
// Output:
// Returns the claimed job, or nil if no job is eligible.
var claimCmd = redis.NewScript(claimBody + `
local job = redis.call("LINDEX", KEYS[2], 0)
if job then
	return job
end
job = claim(KEYS[1], KEYS[2], KEYS[3], ARGV[1])
if job then
	return job
end
return nil
`)

// claimFirstCmd tries the given queues in order and claims the first
// eligible job.
//
// Input:
// KEYS[3i-2] -> <ns>:queue:<qname_i>
// KEYS[3i-1] -> <ns>:inflight:<worker>:<qname_i>
// KEYS[3i]   -> <ns>:queue:<qname_i>:recurring
// --
// ARGV[1] -> current time in epoch milliseconds
// ARGV[i+1] -> qname_i
//
// Output:
// Returns {qname, job}, or nil if no queue has an eligible job.
var claimFirstCmd = redis.NewScript(claimBody + `
local n = #KEYS / 3
for i = 1, n do
	local job = redis.call("LINDEX", KEYS[3*i-1], 0)
	if job then
		return {ARGV[i+1], job}
	end
end
for i = 1, n do
	local job = claim(KEYS[3*i-2], KEYS[3*i-1], KEYS[3*i], ARGV[1])
	if job then
		return {ARGV[i+1], job}
	end
end
return nil
`)

// Claim atomically moves the next eligible job of the queue into the
// worker's in-flight list and returns it.
// It returns ErrNoProcessableJob if the queue has nothing eligible.
func (r *RDB) Claim(ctx context.Context, worker, qname string) (string, error) {
	var op errors.Op = "rdb.Claim"
	keys := []string{
		base.QueueKey(r.ns, qname),
		base.InflightKey(r.ns, worker, qname),
		base.RecurringHashKey(r.ns, qname),
	}
	res, err := r.runScript(ctx, op, claimCmd, keys, r.now())
	if err != nil {
		return "", err
	}
	if res == nil {
		return "", errors.E(op, errors.NotFound, errors.ErrNoProcessableJob)
	}
	job, err := cast.ToStringE(res)
	if err != nil {
		return "", errors.E(op, errors.Internal, fmt.Sprintf("cast error: unexpected return value from Lua script: %v", res))
	}
	return job, nil
}

// ClaimFirst claims a job from the first queue in qnames that has one eligible.
// It returns ErrNoProcessableJob if every queue is empty.
func (r *RDB) ClaimFirst(ctx context.Context, worker string, qnames []string) (qname string, job string, err error) {
	var op errors.Op = "rdb.ClaimFirst"
	if len(qnames) == 0 {
		return "", "", errors.E(op, errors.NotFound, errors.ErrNoProcessableJob)
	}
	keys := make([]string, 0, len(qnames)*3)
	argv := []interface{}{r.now()}
	for _, q := range qnames {
		keys = append(keys,
			base.QueueKey(r.ns, q),
			base.InflightKey(r.ns, worker, q),
			base.RecurringHashKey(r.ns, q),
		)
		argv = append(argv, q)
	}
	res, err := r.runScript(ctx, op, claimFirstCmd, keys, argv...)
	if err != nil {
		return "", "", err
	}
	if res == nil {
		return "", "", errors.E(op, errors.NotFound, errors.ErrNoProcessableJob)
	}
	data, err := cast.ToStringSliceE(res)
	if err != nil || len(data) != 2 {
		return "", "", errors.E(op, errors.Internal, fmt.Sprintf("cast error: unexpected return value from Lua script: %v", res))
	}
	return data[0], data[1], nil
}

// Acknowledge drops the worker's in-flight job for the queue.
// It is a no-op if nothing is in flight.
func (r *RDB) Acknowledge(ctx context.Context, worker, qname string) error {
	var op errors.Op = "rdb.Acknowledge"
	err := r.client.LPop(ctx, base.InflightKey(r.ns, worker, qname)).Err()
	if err != nil && err != redis.Nil {
		return errors.E(op, errors.RedisCode(err), &errors.RedisCommandError{Command: "lpop", Err: err})
	}
	return nil
}

// requeueCmd moves the in-flight job back onto its queue.
// Jobs of sorted-set queues are rescheduled for immediate processing,
// jobs of list queues are pushed onto the head.
//
// The in-flight entry does not say whether the job was delayed or
// recurring. A recurring job removed while in flight therefore comes back
// as a one-shot delayed job and runs once more; its frequency is not
// restored.
//
// Input:
// KEYS[1] -> <ns>:inflight:<worker>:<qname>
// KEYS[2] -> <ns>:queue:<qname>
// KEYS[3] -> <ns>:queue:<qname>:recurring
// --
// ARGV[1] -> current time in epoch milliseconds
//
// Output:
// Returns the requeued job, or nil if nothing was in flight.
var requeueCmd = redis.NewScript(`
local job = redis.call("LPOP", KEYS[1])
if not job then
	return nil
end
if redis.call("HEXISTS", KEYS[3], job) == 1 or redis.call("TYPE", KEYS[2]).ok == "zset" then
	redis.call("ZADD", KEYS[2], ARGV[1], job)
else
	redis.call("LPUSH", KEYS[2], job)
end
return job
`)

// Requeue moves the worker's in-flight job back onto the queue.
// It reports whether a job was moved; an empty in-flight list is a no-op.
func (r *RDB) Requeue(ctx context.Context, worker, qname string) (bool, error) {
	var op errors.Op = "rdb.Requeue"
	keys := []string{
		base.InflightKey(r.ns, worker, qname),
		base.QueueKey(r.ns, qname),
		base.RecurringHashKey(r.ns, qname),
	}
	res, err := r.runScript(ctx, op, requeueCmd, keys, r.now())
	if err != nil {
		return false, err
	}
	return res != nil, nil
}
