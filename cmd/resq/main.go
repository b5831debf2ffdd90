// Command resq runs workers, enqueues jobs and inspects resq queues.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/hemant/resq"
	"github.com/hemant/resq/internal/config"
)

var cfg config.Config

var rootCmd = &cobra.Command{
	Use:           "resq",
	Short:         "A Resque-compatible job queue backed by redis",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Load(&cfg); err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		return nil
	},
}

func main() {
	rootCmd.AddCommand(workCmd, enqueueCmd, queuesCmd, workersCmd, failedCmd, monitorCmd)
	if err := rootCmd.Execute(); err != nil {
		log.Printf("resq: %v", err)
		os.Exit(1)
	}
}

// redisClient connects to the configured redis server.
func redisClient() (redis.UniversalClient, error) {
	opt, err := resq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	c, ok := opt.MakeRedisClient().(redis.UniversalClient)
	if !ok {
		return nil, fmt.Errorf("unsupported redis connection option %T", opt)
	}
	return c, nil
}

// workerConfig translates the process configuration into a resq.Config.
func workerConfig(c config.Config) (resq.Config, error) {
	strategy, err := resq.ParseNextQueueStrategy(c.Strategy)
	if err != nil {
		return resq.Config{}, err
	}
	var level resq.LogLevel
	if err := level.Set(c.LogLevel); err != nil {
		return resq.Config{}, err
	}
	out := resq.Config{
		Namespace:         c.Namespace,
		Queues:            c.Queues,
		Concurrency:       c.Concurrency,
		NextQueueStrategy: strategy,
		EmptyQueueSleep:   c.PollSleep,
		LogLevel:          level,
		DisableWatchdog:   c.DisableWatchdog,
		WatchdogHost:      c.WatchdogHost,
		LivenessThreshold: c.LivenessThreshold,
	}
	if c.FailQueue != "" || c.FailMax > 0 {
		out.FailQueueStrategy = resq.CappedFailQueue(c.FailQueue, c.FailMax)
	}
	return out, nil
}
