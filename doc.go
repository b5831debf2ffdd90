// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

/*
Package resq provides a Resque-compatible job queue backed by Redis.

Producers put jobs onto named queues. Workers poll those queues, atomically
claim a job into a per-worker in-flight list, materialize it into code,
run it and record the outcome. Delivery is at-least-once: a job claimed by
a worker that dies is requeued by a Watchdog on another host.

# Features

  - Regular, priority, delayed and recurring queues, each transition a single Lua script
  - Wire compatible with Resque payloads: {"class":"...","args":[...]}
  - Registry and reflective job factories
  - Graceful (finish current job) and immediate (requeue current job) shutdown
  - Pause and resume without leaving the queue
  - Pluggable recovery and fail-queue policies
  - Heartbeat-based recovery of jobs orphaned by crashed hosts

# Quick Start

Client (Enqueue Jobs):

	client := resq.NewClient(resq.RedisClientOpt{Addr: "localhost:6379"}, resq.Config{})
	defer client.Close()

	err := client.Enqueue(ctx, "email", resq.NewJob("SendWelcomeEmail", 42))
	if err != nil {
		log.Fatal(err)
	}

Worker Pool (Process Jobs):

	reg := resq.NewRegistry()
	reg.RegisterFunc("SendWelcomeEmail", func(ctx context.Context, job *resq.Job) error {
		userID, err := job.ArgInt(0)
		if err != nil {
			return err
		}
		log.Printf("welcome %d", userID)
		return nil
	})

	pool := resq.NewWorkerPool(
		resq.RedisClientOpt{Addr: "localhost:6379"},
		reg,
		resq.Config{
			Concurrency: 10,
			Queues:      []string{"critical", "email", "default"},
		},
	)
	if err := pool.Run(); err != nil {
		log.Fatal(err)
	}

Run returns after TERM once current jobs finish, or after INT once current
jobs have been put back at the head of their queues. TSTP toggles pause.

# Architecture

Every key lives under a namespace ("resque" by default). A regular queue is
a list, a delayed or recurring queue is a sorted set scored by the epoch
millisecond at which each job becomes claimable, and a recurring queue
keeps the frequency of each job in a companion hash. A queue holds one shape
at a time; enqueueing the other shape fails with ErrWrongQueueType.

A Worker moves a claimed job into "inflight:<worker>:<queue>" in the same
script that takes it from the queue, and removes it only after recording
the result. The Watchdog writes a per-host heartbeat and periodically looks
for hosts whose heartbeat is older than the liveness threshold, moving
their in-flight jobs back to the head of their queues.

# Monitoring

The resq command lists queues, workers and failures, and "resq monitor"
serves the same data as JSON over HTTP.
*/
package resq
