package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hemant/resq/internal/inspect"
)

func newInspector() (*inspect.Inspector, func(), error) {
	c, err := redisClient()
	if err != nil {
		return nil, nil, err
	}
	if err := c.Ping(context.Background()).Err(); err != nil {
		c.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisURL, err)
	}
	return inspect.New(c, cfg.Namespace), func() { c.Close() }, nil
}

var queuesCmd = &cobra.Command{
	Use:   "queues",
	Short: "List queues",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		i, closeFn, err := newInspector()
		if err != nil {
			return err
		}
		defer closeFn()
		queues, err := i.Queues(context.Background())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
		fmt.Fprintln(tw, "QUEUE\tSHAPE\tSIZE\tRECURRING\tINFLIGHT")
		for _, q := range queues {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", q.Name, q.Shape, q.Size, q.Recurring, q.Inflight)
		}
		return tw.Flush()
	},
}

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List registered workers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		i, closeFn, err := newInspector()
		if err != nil {
			return err
		}
		defer closeFn()
		workers, err := i.Workers(context.Background())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
		fmt.Fprintln(tw, "WORKER\tSTARTED\tPROCESSED\tFAILED\tSTATUS")
		for _, w := range workers {
			status := "idle"
			switch {
			case w.Status == nil:
			case w.Status.Paused:
				status = "paused"
			default:
				status = fmt.Sprintf("working on %s: %s", w.Status.Queue, w.Status.Payload)
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", w.Name, w.Started.Format(time.RFC3339), w.Processed, w.Failed, status)
		}
		return tw.Flush()
	},
}

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List, retry or clear failed jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		i, closeFn, err := newInspector()
		if err != nil {
			return err
		}
		defer closeFn()
		ctx := context.Background()
		flags := cmd.Flags()
		key, _ := flags.GetString("key")
		if clearAll, _ := flags.GetBool("clear"); clearAll {
			return i.ClearFailures(ctx, key)
		}
		if flags.Changed("retry") {
			index, _ := flags.GetInt64("retry")
			return i.RetryFailure(ctx, key, index)
		}
		offset, _ := flags.GetInt("offset")
		limit, _ := flags.GetInt("limit")
		failures, err := i.Failures(ctx, key, offset, limit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for idx, f := range failures {
			fmt.Fprintf(out, "[%d] %s %s on %q by %s\n    %s: %s\n    %s\n",
				offset+idx, f.FailedAt, f.Payload, f.Queue, f.Worker, f.Exception, f.Error,
				strings.Join(f.Backtrace, "\n    "))
		}
		return nil
	},
}

func init() {
	failedCmd.Flags().String("key", "", "fail queue key, defaults to <namespace>:failed")
	failedCmd.Flags().Int("offset", 0, "index of the first failure to list")
	failedCmd.Flags().Int("limit", 20, "number of failures to list")
	failedCmd.Flags().Int64("retry", 0, "put the failure at this index back onto its queue")
	failedCmd.Flags().Bool("clear", false, "delete the fail queue")
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Serve queue, worker and failure data as JSON over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		i, closeFn, err := newInspector()
		if err != nil {
			return err
		}
		defer closeFn()
		port, _ := cmd.Flags().GetInt("port")

		mux := http.NewServeMux()
		inspect.NewHandler(i).RegisterRoutes(mux)
		server := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

		go func() {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			server.Close()
		}()

		fmt.Fprintf(cmd.OutOrStdout(), "resq monitor listening on http://localhost:%d/api/stats\n", port)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

func init() {
	monitorCmd.Flags().IntP("port", "p", 8080, "HTTP server port")
}
