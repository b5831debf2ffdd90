// Package inspect provides read access to the queues, workers and fail
// queues stored in redis, and a JSON HTTP API on top of it.
package inspect

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"

	"github.com/hemant/resq/internal/base"
	"github.com/hemant/resq/internal/rdb"
	"github.com/hemant/resq/internal/timeutil"
)

// Inspector provides access to resq data in redis.
type Inspector struct {
	client redis.UniversalClient
	rdb    *rdb.RDB
	ns     string
}

// New creates a new Inspector for namespace ns.
func New(client redis.UniversalClient, ns string) *Inspector {
	r := rdb.NewRDB(client, ns)
	return &Inspector{client: client, rdb: r, ns: r.Namespace()}
}

// Namespace returns the namespace the inspector reads.
func (i *Inspector) Namespace() string { return i.ns }

// Queue shapes.
const (
	ShapeList  = "list"
	ShapeZSet  = "zset"
	ShapeEmpty = "none"
)

// QueueInfo holds information about a queue.
type QueueInfo struct {
	Name string `json:"name"`
	// Shape is "list" for plain queues, "zset" for delayed and recurring
	// queues and "none" for queues with no waiting jobs.
	Shape string `json:"shape"`
	Size  int64  `json:"size"`
	// Recurring is the number of recurring jobs of a zset queue.
	Recurring int64 `json:"recurring"`
	// Inflight is the number of jobs claimed from the queue by registered workers.
	Inflight int64 `json:"inflight"`
}

// JobInfo holds a waiting job.
type JobInfo struct {
	Payload string `json:"payload"`
	// RunAt is when a delayed or recurring job becomes claimable.
	RunAt time.Time `json:"run_at,omitempty"`
	// Frequency is set for recurring jobs.
	Frequency time.Duration `json:"frequency,omitempty"`
}

// WorkerInfo holds information about a registered worker.
type WorkerInfo struct {
	Name      string    `json:"name"`
	Host      string    `json:"host"`
	Started   time.Time `json:"started"`
	Processed int64     `json:"processed"`
	Failed    int64     `json:"failed"`
	// Status is nil while the worker is idle.
	Status *base.WorkerStatus `json:"status"`
}

// HostInfo holds the last liveness record of a host.
type HostInfo struct {
	Host     string    `json:"host"`
	LastSeen time.Time `json:"last_seen"`
}

// Stats holds aggregated statistics.
type Stats struct {
	Queues    int   `json:"queues"`
	Pending   int64 `json:"pending"`
	Inflight  int64 `json:"inflight"`
	Workers   int   `json:"workers"`
	Working   int   `json:"working"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	FailQueue int64 `json:"fail_queue"`
	Hosts     int   `json:"hosts"`
}

func (i *Inspector) workerNames(ctx context.Context) ([]string, error) {
	names, err := i.client.SMembers(ctx, base.WorkersKey(i.ns)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get workers: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Queues returns information about all known queues, sorted by name.
func (i *Inspector) Queues(ctx context.Context) ([]*QueueInfo, error) {
	qnames, err := i.client.SMembers(ctx, base.QueuesKey(i.ns)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get queues: %w", err)
	}
	workers, err := i.workerNames(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(qnames)
	queues := make([]*QueueInfo, 0, len(qnames))
	for _, qname := range qnames {
		info, err := i.queueInfo(ctx, qname, workers)
		if err != nil {
			return nil, err
		}
		queues = append(queues, info)
	}
	return queues, nil
}

// Queue returns information about the named queue.
func (i *Inspector) Queue(ctx context.Context, qname string) (*QueueInfo, error) {
	workers, err := i.workerNames(ctx)
	if err != nil {
		return nil, err
	}
	return i.queueInfo(ctx, qname, workers)
}

func (i *Inspector) queueInfo(ctx context.Context, qname string, workers []string) (*QueueInfo, error) {
	qkey := base.QueueKey(i.ns, qname)
	typ, err := i.client.Type(ctx, qkey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get type of queue %q: %w", qname, err)
	}
	info := &QueueInfo{Name: qname, Shape: ShapeEmpty}
	switch typ {
	case "list":
		info.Shape = ShapeList
		info.Size, err = i.client.LLen(ctx, qkey).Result()
	case "zset":
		info.Shape = ShapeZSet
		if info.Size, err = i.client.ZCard(ctx, qkey).Result(); err == nil {
			info.Recurring, err = i.client.HLen(ctx, base.RecurringHashKey(i.ns, qname)).Result()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get size of queue %q: %w", qname, err)
	}
	if len(workers) > 0 {
		pipe := i.client.Pipeline()
		cmds := make([]*redis.IntCmd, len(workers))
		for idx, w := range workers {
			cmds[idx] = pipe.LLen(ctx, base.InflightKey(i.ns, w, qname))
		}
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return nil, fmt.Errorf("failed to count in-flight jobs of queue %q: %w", qname, err)
		}
		for _, cmd := range cmds {
			info.Inflight += cmd.Val()
		}
	}
	return info, nil
}

// Jobs returns up to limit waiting jobs of the queue, in claim order.
func (i *Inspector) Jobs(ctx context.Context, qname string, limit int) ([]*JobInfo, error) {
	if limit <= 0 {
		limit = 100
	}
	qkey := base.QueueKey(i.ns, qname)
	typ, err := i.client.Type(ctx, qkey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get type of queue %q: %w", qname, err)
	}
	var jobs []*JobInfo
	switch typ {
	case "list":
		payloads, err := i.client.LRange(ctx, qkey, 0, int64(limit-1)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list queue %q: %w", qname, err)
		}
		for _, p := range payloads {
			jobs = append(jobs, &JobInfo{Payload: p})
		}
	case "zset":
		results, err := i.client.ZRangeWithScores(ctx, qkey, 0, int64(limit-1)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list queue %q: %w", qname, err)
		}
		freqs, err := i.client.HGetAll(ctx, base.RecurringHashKey(i.ns, qname)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to get frequencies of queue %q: %w", qname, err)
		}
		for _, z := range results {
			payload := cast.ToString(z.Member)
			job := &JobInfo{Payload: payload, RunAt: time.UnixMilli(int64(z.Score)).UTC()}
			if f, ok := freqs[payload]; ok {
				job.Frequency = time.Duration(cast.ToInt64(f)) * time.Millisecond
			}
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// Workers returns information about all registered workers, sorted by name.
func (i *Inspector) Workers(ctx context.Context) ([]*WorkerInfo, error) {
	names, err := i.workerNames(ctx)
	if err != nil {
		return nil, err
	}
	workers := make([]*WorkerInfo, 0, len(names))
	for _, name := range names {
		info, err := i.worker(ctx, name)
		if err != nil {
			return nil, err
		}
		workers = append(workers, info)
	}
	return workers, nil
}

func (i *Inspector) worker(ctx context.Context, name string) (*WorkerInfo, error) {
	vals, err := i.client.MGet(ctx,
		base.WorkerKey(i.ns, name),
		base.WorkerStartedKey(i.ns, name),
		base.WorkerProcessedKey(i.ns, name),
		base.WorkerFailedKey(i.ns, name),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get worker %q: %w", name, err)
	}
	info := &WorkerInfo{
		Name:      name,
		Host:      base.WorkerHost(name),
		Processed: cast.ToInt64(vals[2]),
		Failed:    cast.ToInt64(vals[3]),
	}
	if s, ok := vals[0].(string); ok {
		if info.Status, err = base.DecodeWorkerStatus([]byte(s)); err != nil {
			return nil, fmt.Errorf("failed to decode status of worker %q: %w", name, err)
		}
	}
	if s, ok := vals[1].(string); ok {
		if t, err := timeutil.ParseTimestamp(s); err == nil {
			info.Started = t
		}
	}
	return info, nil
}

// Hosts returns the liveness records of all hosts, most recent first.
func (i *Inspector) Hosts(ctx context.Context) ([]*HostInfo, error) {
	results, err := i.client.ZRevRangeWithScores(ctx, base.WatchdogKey(i.ns), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get hosts: %w", err)
	}
	hosts := make([]*HostInfo, 0, len(results))
	for _, z := range results {
		hosts = append(hosts, &HostInfo{Host: cast.ToString(z.Member), LastSeen: time.UnixMilli(int64(z.Score)).UTC()})
	}
	return hosts, nil
}

func (i *Inspector) failQueue(key string) string {
	if key == "" {
		return base.FailQueueKey(i.ns)
	}
	return key
}

// FailureCount returns the length of the fail queue at key, or of the
// default fail queue if key is empty.
func (i *Inspector) FailureCount(ctx context.Context, key string) (int64, error) {
	n, err := i.client.LLen(ctx, i.failQueue(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count failures: %w", err)
	}
	return n, nil
}

// Failures returns up to limit failures of the fail queue at key, oldest
// first, starting at offset.
func (i *Inspector) Failures(ctx context.Context, key string, offset, limit int) ([]*base.JobFailure, error) {
	if limit <= 0 {
		limit = 100
	}
	data, err := i.client.LRange(ctx, i.failQueue(key), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list failures: %w", err)
	}
	failures := make([]*base.JobFailure, 0, len(data))
	for _, d := range data {
		f, err := base.DecodeJobFailure([]byte(d))
		if err != nil {
			return nil, fmt.Errorf("failed to decode failure: %w", err)
		}
		failures = append(failures, f)
	}
	return failures, nil
}

// RetryFailure puts the payload of the failure at index back onto the
// queue it failed on and stamps the failure with the retry time.
func (i *Inspector) RetryFailure(ctx context.Context, key string, index int64) error {
	key = i.failQueue(key)
	data, err := i.client.LIndex(ctx, key, index).Result()
	if err == redis.Nil {
		return fmt.Errorf("no failure at index %d", index)
	}
	if err != nil {
		return fmt.Errorf("failed to get failure: %w", err)
	}
	f, err := base.DecodeJobFailure([]byte(data))
	if err != nil {
		return fmt.Errorf("failed to decode failure: %w", err)
	}
	if err := i.rdb.Enqueue(ctx, f.Queue, f.Payload); err != nil {
		return err
	}
	retriedAt := timeutil.FormatTimestamp(time.Now())
	f.RetriedAt = &retriedAt
	encoded, err := base.EncodeJobFailure(f)
	if err != nil {
		return fmt.Errorf("failed to encode failure: %w", err)
	}
	return i.client.LSet(ctx, key, index, encoded).Err()
}

// ClearFailures deletes the fail queue at key.
func (i *Inspector) ClearFailures(ctx context.Context, key string) error {
	return i.client.Del(ctx, i.failQueue(key)).Err()
}

// Stats returns aggregated statistics.
func (i *Inspector) Stats(ctx context.Context) (*Stats, error) {
	queues, err := i.Queues(ctx)
	if err != nil {
		return nil, err
	}
	workers, err := i.Workers(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{Queues: len(queues), Workers: len(workers)}
	for _, q := range queues {
		stats.Pending += q.Size
		stats.Inflight += q.Inflight
	}
	for _, w := range workers {
		if w.Status != nil && !w.Status.Paused {
			stats.Working++
		}
	}
	counters, err := i.client.MGet(ctx, base.ProcessedKey(i.ns), base.FailedKey(i.ns)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get counters: %w", err)
	}
	stats.Processed = cast.ToInt64(counters[0])
	stats.Failed = cast.ToInt64(counters[1])
	if stats.FailQueue, err = i.FailureCount(ctx, ""); err != nil {
		return nil, err
	}
	hosts, err := i.Hosts(ctx)
	if err != nil {
		return nil, err
	}
	stats.Hosts = len(hosts)
	return stats, nil
}
