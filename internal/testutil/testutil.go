// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package testutil defines test helpers for running tests against an
// in-process redis server.
package testutil

import (
	"context"
	"encoding/json"
	"sort"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/hemant/resq/internal/base"
)

// NewRedis starts an in-process redis server that is stopped when the test
// finishes, and returns it along with a client connected to it.
func NewRedis(tb testing.TB) (*miniredis.Miniredis, *redis.Client) {
	tb.Helper()
	mr := miniredis.RunT(tb)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tb.Cleanup(func() { client.Close() })
	return mr, client
}

// FlushDB deletes all the keys of the currently selected DB.
func FlushDB(tb testing.TB, r redis.UniversalClient) {
	tb.Helper()
	if err := r.FlushDB(context.Background()).Err(); err != nil {
		tb.Fatal(err)
	}
}

// MustMarshal marshals v into JSON and fails the test on error.
func MustMarshal(tb testing.TB, v interface{}) []byte {
	tb.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		tb.Fatalf("cannot marshal %v: %v", v, err)
	}
	return b
}

// SeedQueue appends the given jobs to the list-shaped queue and registers
// the queue name.
func SeedQueue(tb testing.TB, r redis.UniversalClient, ns, qname string, jobs ...string) {
	tb.Helper()
	ctx := context.Background()
	if err := r.SAdd(ctx, base.QueuesKey(ns), qname).Err(); err != nil {
		tb.Fatal(err)
	}
	for _, job := range jobs {
		if err := r.RPush(ctx, base.QueueKey(ns, qname), job).Err(); err != nil {
			tb.Fatal(err)
		}
	}
}

// SeedInflight puts job into the worker's in-flight list for qname.
func SeedInflight(tb testing.TB, r redis.UniversalClient, ns, worker, qname, job string) {
	tb.Helper()
	if err := r.LPush(context.Background(), base.InflightKey(ns, worker, qname), job).Err(); err != nil {
		tb.Fatal(err)
	}
}

// GetQueue returns the contents of the list-shaped queue.
func GetQueue(tb testing.TB, r redis.UniversalClient, ns, qname string) []string {
	tb.Helper()
	return getList(tb, r, base.QueueKey(ns, qname))
}

// GetInflight returns the contents of the worker's in-flight list for qname.
func GetInflight(tb testing.TB, r redis.UniversalClient, ns, worker, qname string) []string {
	tb.Helper()
	return getList(tb, r, base.InflightKey(ns, worker, qname))
}

// GetFailures returns the decoded entries of the given fail queue.
func GetFailures(tb testing.TB, r redis.UniversalClient, key string) []*base.JobFailure {
	tb.Helper()
	var out []*base.JobFailure
	for _, data := range getList(tb, r, key) {
		f, err := base.DecodeJobFailure([]byte(data))
		if err != nil {
			tb.Fatalf("cannot decode failure %q: %v", data, err)
		}
		out = append(out, f)
	}
	return out
}

// ScheduledJob is a member of a sorted-set queue.
type ScheduledJob struct {
	Job   string
	Score int64
}

// GetScheduled returns the members of the sorted-set queue ordered by score.
func GetScheduled(tb testing.TB, r redis.UniversalClient, ns, qname string) []ScheduledJob {
	tb.Helper()
	zs, err := r.ZRangeWithScores(context.Background(), base.QueueKey(ns, qname), 0, -1).Result()
	if err != nil {
		tb.Fatal(err)
	}
	var out []ScheduledJob
	for _, z := range zs {
		out = append(out, ScheduledJob{Job: z.Member.(string), Score: int64(z.Score)})
	}
	return out
}

// GetCounter returns the integer value stored at key, or zero if absent.
func GetCounter(tb testing.TB, r redis.UniversalClient, key string) int64 {
	tb.Helper()
	n, err := r.Get(context.Background(), key).Int64()
	if err == redis.Nil {
		return 0
	}
	if err != nil {
		tb.Fatal(err)
	}
	return n
}

// GetWorkers returns the sorted set of registered worker names.
func GetWorkers(tb testing.TB, r redis.UniversalClient, ns string) []string {
	tb.Helper()
	workers, err := r.SMembers(context.Background(), base.WorkersKey(ns)).Result()
	if err != nil {
		tb.Fatal(err)
	}
	sort.Strings(workers)
	return workers
}

func getList(tb testing.TB, r redis.UniversalClient, key string) []string {
	tb.Helper()
	data, err := r.LRange(context.Background(), key, 0, -1).Result()
	if err != nil {
		tb.Fatal(err)
	}
	return data
}
