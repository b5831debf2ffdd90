package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hemant/resq"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue queue class [json-arg...]",
	Short: "Put a job onto a queue",
	Long: `Put a job onto a queue. Each argument is parsed as JSON, falling back
to a plain string.

  resq enqueue default Echo '"hello"' 42
  resq enqueue mail Send --in 10m
  resq enqueue reports Build --every 1h`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		qname, class := args[0], args[1]
		var jobArgs []interface{}
		for _, a := range args[2:] {
			jobArgs = append(jobArgs, parseArg(a))
		}
		job := resq.NewJob(class, jobArgs...)

		c, err := redisClient()
		if err != nil {
			return err
		}
		client := resq.NewClientFromRedisClient(c, resq.Config{Namespace: cfg.Namespace})
		defer c.Close()

		ctx := context.Background()
		flags := cmd.Flags()
		priority, _ := flags.GetBool("priority")
		in, _ := flags.GetDuration("in")
		at, _ := flags.GetString("at")
		every, _ := flags.GetDuration("every")
		spec, _ := flags.GetString("cron")

		switch {
		case spec != "":
			err = client.RecurringEnqueueSpec(ctx, qname, job, spec)
		case every > 0:
			err = client.RecurringEnqueue(ctx, qname, job, time.Now().Add(in), every)
		case at != "":
			t, perr := time.Parse(time.RFC3339, at)
			if perr != nil {
				return fmt.Errorf("--at must be an RFC 3339 time: %w", perr)
			}
			err = client.DelayedEnqueue(ctx, qname, job, t)
		case in > 0:
			err = client.DelayedEnqueue(ctx, qname, job, time.Now().Add(in))
		case priority:
			err = client.PriorityEnqueue(ctx, qname, job)
		default:
			err = client.Enqueue(ctx, qname, job)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %v onto %q\n", job, qname)
		return nil
	},
}

func init() {
	enqueueCmd.Flags().Bool("priority", false, "push the job ahead of waiting jobs")
	enqueueCmd.Flags().Duration("in", 0, "delay before the job becomes claimable")
	enqueueCmd.Flags().String("at", "", "RFC 3339 time at which the job becomes claimable")
	enqueueCmd.Flags().Duration("every", 0, "run the job repeatedly at this frequency")
	enqueueCmd.Flags().String("cron", "", "run the job on a cron spec such as \"@hourly\"")
}

func parseArg(s string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}
