package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/hemant/resq"
)

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Run a pool of workers",
	Long: `Run a pool of workers over the configured queues until the process
receives TERM (finish current jobs) or INT (requeue current jobs).
TSTP pauses and resumes the workers.

Each process on a machine needs its own --host (or RESQ_WATCHDOG_HOST):
at startup a process puts back every job left in flight under its host
name, including those of another live process sharing that name.

The built-in job classes are Echo, Sleep and Fail.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		wcfg, err := workerConfig(cfg)
		if err != nil {
			return err
		}
		if qs, _ := cmd.Flags().GetStringSlice("queues"); len(qs) > 0 {
			wcfg.Queues = qs
		}
		if n, _ := cmd.Flags().GetInt("concurrency"); n > 0 {
			wcfg.Concurrency = n
		}
		if host, _ := cmd.Flags().GetString("host"); host != "" {
			wcfg.WatchdogHost = host
		}
		c, err := redisClient()
		if err != nil {
			return err
		}
		pool := resq.NewWorkerPoolFromRedisClient(c, builtinJobs(), wcfg)
		defer c.Close()
		return pool.Run()
	},
}

func init() {
	workCmd.Flags().StringSliceP("queues", "q", nil, "queues to poll, highest priority first")
	workCmd.Flags().IntP("concurrency", "c", 0, "number of workers")
	workCmd.Flags().String("host", "", "host identity for worker names and liveness, defaults to the hostname")
}

// builtinJobs returns the jobs the work command knows how to run.
func builtinJobs() *resq.Registry {
	reg := resq.NewRegistry()
	reg.RegisterFunc("Echo", func(ctx context.Context, job *resq.Job) error {
		w, _ := resq.WorkerFromContext(ctx)
		log.Printf("%s: %v", w.Name(), job)
		return nil
	})
	reg.RegisterFunc("Sleep", func(ctx context.Context, job *resq.Job) error {
		d, err := job.ArgString(0)
		if err != nil {
			return err
		}
		dur, err := time.ParseDuration(d)
		if err != nil {
			return err
		}
		select {
		case <-time.After(dur):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	reg.RegisterFunc("Fail", func(ctx context.Context, job *resq.Job) error {
		msg, err := job.ArgString(0)
		if err != nil {
			msg = "job failed"
		}
		return fmt.Errorf("%s", msg)
	})
	return reg
}
