// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

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

// Modes understood by watchdogCmd.
const (
	watchdogHeartbeat = "heartbeat"
	watchdogScan      = "scan"
	watchdogStartup   = "startup"
)

// watchdogCmd records host liveness and recovers the in-flight jobs of
// hosts that stopped recording it.
//
// In heartbeat mode the host's liveness score is set to now.
// In scan mode every host whose score is older than the cutoff is recovered.
// In startup mode only the given host is recovered.
//
// Recovering a host moves every in-flight job of its registered workers
// back onto the origin queue, removes the workers' registration, status
// and counters, and clears the host's liveness record.
//
// Input:
// KEYS[1] -> <ns>:watchdog
// KEYS[2] -> <ns>:workers
// --
// ARGV[1] -> mode
// ARGV[2] -> host
// ARGV[3] -> current time in epoch milliseconds
// ARGV[4] -> cutoff in epoch milliseconds
// ARGV[5] -> namespace
//
// Output:
// Returns {requeued, host1, host2, ...}
var watchdogCmd = redis.NewScript(`
local mode = ARGV[1]
if mode == "heartbeat" then
	redis.call("ZADD", KEYS[1], ARGV[3], ARGV[2])
	return {0}
end
local hosts
if mode == "scan" then
	hosts = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[4])
else
	hosts = {ARGV[2]}
end
local ns = ARGV[5]
local now = ARGV[3]
local requeued = 0
local workers = redis.call("SMEMBERS", KEYS[2])
local function escape(s)
	return (string.gsub(s, "([%*%?%[%]\\])", "\\%1"))
end
local result = {0}
for _, host in ipairs(hosts) do
	local prefix = host .. ":"
	for _, w in ipairs(workers) do
		if string.sub(w, 1, #prefix) == prefix then
			local inflight = ns .. ":inflight:" .. w .. ":"
			for _, key in ipairs(redis.call("KEYS", escape(inflight) .. "*")) do
				local qkey = ns .. ":queue:" .. string.sub(key, #inflight + 1)
				local hkey = qkey .. ":recurring"
				local job = redis.call("LPOP", key)
				while job do
					if redis.call("HEXISTS", hkey, job) == 1 or redis.call("TYPE", qkey).ok == "zset" then
						redis.call("ZADD", qkey, now, job)
					else
						redis.call("LPUSH", qkey, job)
					end
					requeued = requeued + 1
					job = redis.call("LPOP", key)
				end
			end
			redis.call("SREM", KEYS[2], w)
			redis.call("DEL", ns .. ":worker:" .. w, ns .. ":worker:" .. w .. ":started",
				ns .. ":stat:processed:" .. w, ns .. ":stat:failed:" .. w)
		end
	end
	redis.call("ZREM", KEYS[1], host)
	table.insert(result, host)
end
result[1] = requeued
return result
`)

func (r *RDB) runWatchdog(ctx context.Context, op errors.Op, mode, host string, cutoff time.Time) (*base.RecoveryReport, error) {
	keys := []string{
		base.WatchdogKey(r.ns),
		base.WorkersKey(r.ns),
	}
	argv := []interface{}{
		mode,
		host,
		r.now(),
		timeutil.UnixMilli(cutoff),
		r.ns,
	}
	res, err := r.runScript(ctx, op, watchdogCmd, keys, argv...)
	if err != nil {
		return nil, err
	}
	data, err := cast.ToSliceE(res)
	if err != nil || len(data) == 0 {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("cast error: unexpected return value from Lua script: %v", res))
	}
	n, err := cast.ToIntE(data[0])
	if err != nil {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("cast error: unexpected return value from Lua script: %v", res))
	}
	report := &base.RecoveryReport{Requeued: n}
	for _, h := range data[1:] {
		report.Hosts = append(report.Hosts, cast.ToString(h))
	}
	return report, nil
}

// Heartbeat records that host is alive as of now.
func (r *RDB) Heartbeat(ctx context.Context, host string) error {
	var op errors.Op = "rdb.Heartbeat"
	_, err := r.runWatchdog(ctx, op, watchdogHeartbeat, host, time.Time{})
	return err
}

// LastHeartbeat returns the time of host's last heartbeat, or the zero
// time if it has none.
func (r *RDB) LastHeartbeat(ctx context.Context, host string) (time.Time, error) {
	var op errors.Op = "rdb.LastHeartbeat"
	score, err := r.client.ZScore(ctx, base.WatchdogKey(r.ns), host).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, errors.E(op, errors.RedisCode(err), &errors.RedisCommandError{Command: "zscore", Err: err})
	}
	return time.UnixMilli(int64(score)), nil
}

// RecoverStaleHosts recovers every host whose last heartbeat is older than cutoff.
func (r *RDB) RecoverStaleHosts(ctx context.Context, cutoff time.Time) (*base.RecoveryReport, error) {
	var op errors.Op = "rdb.RecoverStaleHosts"
	return r.runWatchdog(ctx, op, watchdogScan, "", cutoff)
}

// RecoverHost recovers the in-flight jobs of every worker registered under host.
func (r *RDB) RecoverHost(ctx context.Context, host string) (*base.RecoveryReport, error) {
	var op errors.Op = "rdb.RecoverHost"
	if host == "" {
		return nil, errors.E(op, errors.InvalidArgument, "host must not be empty")
	}
	return r.runWatchdog(ctx, op, watchdogStartup, host, time.Time{})
}

// AcquireLock sets key to token unless it already exists.
// It reports whether the lock was acquired.
func (r *RDB) AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	var op errors.Op = "rdb.AcquireLock"
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, errors.E(op, errors.RedisCode(err), &errors.RedisCommandError{Command: "setnx", Err: err})
	}
	return ok, nil
}

// releaseLockCmd deletes the lock only if it is still held by the caller.
//
// Input:
// KEYS[1] -> lock key
// --
// ARGV[1] -> token
//
// Output:
// Returns 1 if released, 0 otherwise
var releaseLockCmd = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ReleaseLock deletes key if it still holds token.
func (r *RDB) ReleaseLock(ctx context.Context, key, token string) error {
	var op errors.Op = "rdb.ReleaseLock"
	_, err := r.runScriptWithErrorCode(ctx, op, releaseLockCmd, []string{key}, token)
	return err
}
