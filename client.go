// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package resq

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/hemant/resq/internal/base"
	"github.com/hemant/resq/internal/errors"
	"github.com/hemant/resq/internal/rdb"
)

// A Client is responsible for putting jobs onto queues.
//
// Clients are safe for concurrent use by multiple goroutines.
type Client struct {
	broker base.Broker
	// When a Client has been created with an existing Redis connection, we do
	// not want to close it.
	sharedConnection bool
}

// NewClient returns a new Client given a redis connection option.
// Only cfg.Namespace is used.
func NewClient(r RedisConnOpt, cfg Config) *Client {
	redisClient, ok := r.MakeRedisClient().(redis.UniversalClient)
	if !ok {
		panic(fmt.Sprintf("resq: unsupported RedisConnOpt type %T", r))
	}
	client := NewClientFromRedisClient(redisClient, cfg)
	client.sharedConnection = false
	return client
}

// NewClientFromRedisClient returns a new Client given a redis.UniversalClient.
// Warning: The underlying redis connection pool will not be closed by Client.
func NewClientFromRedisClient(c redis.UniversalClient, cfg Config) *Client {
	ns := cfg.Namespace
	if ns == "" {
		ns = base.DefaultNamespace
	}
	return &Client{broker: rdb.NewRDB(c, ns), sharedConnection: true}
}

// Close closes the connection with redis.
func (c *Client) Close() error {
	if c.sharedConnection {
		return fmt.Errorf("redis connection is shared so the Client can't be closed through resq")
	}
	return c.broker.Close()
}

// Ping performs a ping against the redis connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.broker.Ping(ctx)
}

func validate(op errors.Op, qname string, jobs ...*Job) ([][]byte, error) {
	if err := base.ValidateQueueName(qname); err != nil {
		return nil, errors.E(op, errors.InvalidArgument, err)
	}
	encoded := make([][]byte, 0, len(jobs))
	for _, job := range jobs {
		if job == nil || !job.Valid() {
			return nil, errors.E(op, errors.InvalidArgument, ErrInvalidJob)
		}
		b, err := EncodeJob(job)
		if err != nil {
			return nil, errors.E(op, errors.InvalidArgument, fmt.Errorf("cannot encode job: %v", err))
		}
		encoded = append(encoded, b)
	}
	return encoded, nil
}

// Enqueue appends job to the tail of the queue.
//
// It fails with ErrWrongQueueType if the queue currently holds delayed or
// recurring jobs.
func (c *Client) Enqueue(ctx context.Context, qname string, job *Job) error {
	var op errors.Op = "client.Enqueue"
	encoded, err := validate(op, qname, job)
	if err != nil {
		return err
	}
	return c.broker.Enqueue(ctx, qname, encoded[0])
}

// PriorityEnqueue pushes job onto the head of the queue, ahead of every
// job already waiting.
func (c *Client) PriorityEnqueue(ctx context.Context, qname string, job *Job) error {
	var op errors.Op = "client.PriorityEnqueue"
	encoded, err := validate(op, qname, job)
	if err != nil {
		return err
	}
	return c.broker.PriorityEnqueue(ctx, qname, encoded[0])
}

// BatchEnqueue appends jobs to the tail of the queue in order, atomically.
// An empty batch is a no-op.
func (c *Client) BatchEnqueue(ctx context.Context, qname string, jobs []*Job) error {
	var op errors.Op = "client.BatchEnqueue"
	encoded, err := validate(op, qname, jobs...)
	if err != nil {
		return err
	}
	if len(encoded) == 0 {
		return nil
	}
	return c.broker.BatchEnqueue(ctx, qname, encoded)
}

// DelayedEnqueue schedules job to become claimable at processAt.
//
// It fails with ErrWrongQueueType if the queue currently holds plain jobs.
func (c *Client) DelayedEnqueue(ctx context.Context, qname string, job *Job, processAt time.Time) error {
	var op errors.Op = "client.DelayedEnqueue"
	encoded, err := validate(op, qname, job)
	if err != nil {
		return err
	}
	return c.broker.DelayedEnqueue(ctx, qname, encoded[0], processAt)
}

// RemoveDelayedEnqueue removes a delayed job. The job must encode to the
// same payload as the one scheduled.
func (c *Client) RemoveDelayedEnqueue(ctx context.Context, qname string, job *Job) error {
	var op errors.Op = "client.RemoveDelayedEnqueue"
	encoded, err := validate(op, qname, job)
	if err != nil {
		return err
	}
	return c.broker.RemoveDelayedEnqueue(ctx, qname, encoded[0])
}

// RecurringEnqueue schedules job to become claimable at processAt and then
// every frequency after each claim.
func (c *Client) RecurringEnqueue(ctx context.Context, qname string, job *Job, processAt time.Time, frequency time.Duration) error {
	var op errors.Op = "client.RecurringEnqueue"
	encoded, err := validate(op, qname, job)
	if err != nil {
		return err
	}
	return c.broker.RecurringEnqueue(ctx, qname, encoded[0], processAt, frequency)
}

// RecurringEnqueueSpec schedules job on a cron spec such as "@every 5m",
// "@hourly" or "*/10 * * * *".
//
// The job first runs at the spec's next activation. A recurring job repeats
// at a fixed frequency, so for specs whose activations are not evenly
// spaced the frequency is the gap between the first two activations.
func (c *Client) RecurringEnqueueSpec(ctx context.Context, qname string, job *Job, spec string) error {
	var op errors.Op = "client.RecurringEnqueueSpec"
	first, frequency, err := parseRecurringSpec(spec, time.Now())
	if err != nil {
		return errors.E(op, errors.InvalidArgument, err)
	}
	return c.RecurringEnqueue(ctx, qname, job, first, frequency)
}

func parseRecurringSpec(spec string, now time.Time) (time.Time, time.Duration, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("cannot parse cron spec %q: %v", spec, err)
	}
	if every, ok := sched.(cron.ConstantDelaySchedule); ok {
		return now.Add(every.Delay), every.Delay, nil
	}
	first := sched.Next(now)
	second := sched.Next(first)
	if first.IsZero() || second.IsZero() {
		return time.Time{}, 0, fmt.Errorf("cron spec %q never activates", spec)
	}
	return first, second.Sub(first), nil
}

// RemoveRecurringEnqueue removes a recurring job and its frequency.
func (c *Client) RemoveRecurringEnqueue(ctx context.Context, qname string, job *Job) error {
	var op errors.Op = "client.RemoveRecurringEnqueue"
	encoded, err := validate(op, qname, job)
	if err != nil {
		return err
	}
	return c.broker.RemoveRecurringEnqueue(ctx, qname, encoded[0])
}
