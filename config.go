// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package resq

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hemant/resq/internal/base"
	"github.com/hemant/resq/internal/log"
)

// Config specifies the behavior of workers, pools and the watchdog.
// Zero values select the defaults documented on each field.
type Config struct {
	// Namespace is the prefix of every redis key.
	//
	// If unset, "resque" is used.
	Namespace string

	// Queues lists the queues to poll, highest priority first.
	//
	// If unset, only the "default" queue is polled.
	Queues []string

	// Concurrency is the number of workers a WorkerPool runs.
	//
	// If set to a zero or negative value, NewWorkerPool will overwrite the value
	// to the number of CPUs usable by the current process.
	Concurrency int

	// NextQueueStrategy selects the order in which queues are polled.
	//
	// If unset, DrainWhileMessagesExist is used.
	NextQueueStrategy NextQueueStrategy

	// EmptyQueueSleep is how long a worker sleeps once every queue came up empty.
	//
	// If unset, zero or a negative value, 500 milliseconds is used.
	EmptyQueueSleep time.Duration

	// ReconnectAttempts bounds the pings a worker sends while recovering
	// from a connection error.
	//
	// If unset or zero, 120 attempts are made.
	ReconnectAttempts int

	// ReconnectInterval is the pause between reconnect attempts.
	//
	// If unset or zero, 5 seconds is used.
	ReconnectInterval time.Duration

	// ExceptionHandler chooses how workers recover from poll loop errors.
	//
	// If unset, DefaultExceptionHandler is used.
	ExceptionHandler ExceptionHandler

	// FailQueueStrategy picks the fail queue of each failed job.
	//
	// If unset, DefaultFailQueueStrategy is used.
	FailQueueStrategy FailQueueStrategy

	// BaseContext optionally specifies a function that returns the base
	// context for job executions. It is cancelled for a job when its
	// worker ends immediately.
	//
	// If BaseContext is nil, the default is context.Background().
	BaseContext func() context.Context

	// Logger specifies the logger used by workers, pools and the watchdog.
	//
	// If unset, default logger is used.
	Logger Logger

	// LogLevel specifies the minimum log level to enable.
	//
	// If unset, InfoLevel is used by default.
	LogLevel LogLevel

	// GoroutineLabels attaches pprof labels naming the worker and queue
	// to the goroutine running a worker's poll loop.
	GoroutineLabels bool

	// IDAllocator hands out the ordinals that make worker names unique
	// within a process. A WorkerPool shares one allocator among its workers.
	// Workers on the same host must never draw the same ordinal, so pools given
	// their own allocator should not be mixed with others in one process.
	//
	// If unset, a counter shared by the whole process is used.
	IDAllocator IDAllocator

	// ShutdownTimeout is how long WorkerPool.Shutdown waits for workers
	// to finish their jobs before ending them immediately.
	//
	// If unset or zero, default timeout of 8 seconds is used.
	ShutdownTimeout time.Duration

	// HealthCheckFunc is called periodically with any errors encountered during ping to the
	// connected redis server.
	HealthCheckFunc func(error)

	// HealthCheckInterval specifies the interval between healthchecks.
	//
	// If unset or zero, the interval is set to 15 seconds.
	HealthCheckInterval time.Duration

	// DisableWatchdog keeps a WorkerPool from running a Watchdog.
	DisableWatchdog bool

	// WatchdogHost is the host identity used in worker names and liveness
	// records. Only one process may run workers under a given identity.
	//
	// If unset, the hostname is used.
	WatchdogHost string

	// HeartbeatInterval is the interval between liveness records.
	//
	// If unset or zero, 2 seconds is used.
	HeartbeatInterval time.Duration

	// RecoveryInterval is the interval between scans for stale hosts.
	//
	// If unset or zero, 10 seconds is used.
	RecoveryInterval time.Duration

	// LivenessThreshold is the age after which a host's liveness record is
	// considered stale and its in-flight jobs are requeued.
	//
	// If unset or zero, 30 seconds is used.
	LivenessThreshold time.Duration
}

// NextQueueStrategy selects the order in which a worker polls its queues.
type NextQueueStrategy int

const (
	// DrainWhileMessagesExist rotates through the queues, draining each
	// one before moving on to the next.
	DrainWhileMessagesExist NextQueueStrategy = iota

	// ResetToHighestPriority claims from the first non-empty queue in
	// priority order on every poll.
	ResetToHighestPriority
)

func (s NextQueueStrategy) String() string {
	switch s {
	case DrainWhileMessagesExist:
		return "drain"
	case ResetToHighestPriority:
		return "reset"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// ParseNextQueueStrategy parses "drain" or "reset".
func ParseNextQueueStrategy(s string) (NextQueueStrategy, error) {
	switch strings.ToLower(s) {
	case "drain", "drain_while_messages_exist":
		return DrainWhileMessagesExist, nil
	case "reset", "reset_to_highest_priority":
		return ResetToHighestPriority, nil
	}
	return 0, fmt.Errorf("resq: unsupported queue strategy %q", s)
}

// An IDAllocator hands out process-unique worker ordinals.
type IDAllocator interface {
	Next() int64
}

type counterAllocator struct {
	n atomic.Int64
}

// NewIDAllocator returns an IDAllocator counting up from zero.
func NewIDAllocator() IDAllocator {
	return &counterAllocator{}
}

// processIDs is shared by every worker built without an IDAllocator, so
// workers from separate pools in one process never share a name.
var processIDs = &counterAllocator{}

func (c *counterAllocator) Next() int64 {
	return c.n.Add(1) - 1
}

// Logger supports logging at various log levels.
type Logger interface {
	// Debug logs a message at Debug level.
	Debug(args ...interface{})

	// Info logs a message at Info level.
	Info(args ...interface{})

	// Warn logs a message at Warning level.
	Warn(args ...interface{})

	// Error logs a message at Error level.
	Error(args ...interface{})

	// Fatal logs a message at Fatal level
	// and process will exit with status set to 1.
	Fatal(args ...interface{})
}

// LogLevel represents logging level.
type LogLevel int32

const (
	// Note: reserving value zero to differentiate unspecified case.
	level_unspecified LogLevel = iota

	// DebugLevel is the lowest level of logging.
	// Debug logs are intended for debugging and development purposes.
	DebugLevel

	// InfoLevel is used for general informational log messages.
	InfoLevel

	// WarnLevel is used for undesired but relatively expected events,
	// which may indicate a problem.
	WarnLevel

	// ErrorLevel is used for undesired and unexpected events that
	// the program can recover from.
	ErrorLevel

	// FatalLevel is used for undesired and unexpected events that
	// the program cannot recover from.
	FatalLevel
)

// String is part of the flag.Value interface.
func (l *LogLevel) String() string {
	switch *l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	case FatalLevel:
		return "fatal"
	}
	panic(fmt.Sprintf("resq: unexpected log level: %v", *l))
}

// Set is part of the flag.Value interface.
func (l *LogLevel) Set(val string) error {
	switch strings.ToLower(val) {
	case "debug":
		*l = DebugLevel
	case "info":
		*l = InfoLevel
	case "warn", "warning":
		*l = WarnLevel
	case "error":
		*l = ErrorLevel
	case "fatal":
		*l = FatalLevel
	default:
		return fmt.Errorf("resq: unsupported log level %q", val)
	}
	return nil
}

func toInternalLogLevel(l LogLevel) log.Level {
	switch l {
	case DebugLevel:
		return log.DebugLevel
	case InfoLevel:
		return log.InfoLevel
	case WarnLevel:
		return log.WarnLevel
	case ErrorLevel:
		return log.ErrorLevel
	case FatalLevel:
		return log.FatalLevel
	}
	panic(fmt.Sprintf("resq: unexpected log level: %v", l))
}

const (
	defaultEmptyQueueSleep     = 500 * time.Millisecond
	defaultReconnectAttempts   = 120
	defaultReconnectInterval   = 5 * time.Second
	defaultShutdownTimeout     = 8 * time.Second
	defaultHealthCheckInterval = 15 * time.Second
	defaultHeartbeatInterval   = 2 * time.Second
	defaultRecoveryInterval    = 10 * time.Second
	defaultLivenessThreshold   = 30 * time.Second
)

// withDefaults returns a copy of cfg with every unset field filled in.
func (cfg Config) withDefaults() Config {
	if cfg.Namespace == "" {
		cfg.Namespace = base.DefaultNamespace
	}
	var qnames []string
	for _, qname := range cfg.Queues {
		if err := base.ValidateQueueName(qname); err != nil {
			continue // ignore invalid queue names
		}
		qnames = append(qnames, qname)
	}
	if len(qnames) == 0 {
		qnames = []string{base.DefaultQueueName}
	}
	cfg.Queues = qnames
	if cfg.Concurrency < 1 {
		cfg.Concurrency = runtime.NumCPU()
	}
	if cfg.EmptyQueueSleep <= 0 {
		cfg.EmptyQueueSleep = defaultEmptyQueueSleep
	}
	if cfg.ReconnectAttempts == 0 {
		cfg.ReconnectAttempts = defaultReconnectAttempts
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if cfg.ExceptionHandler == nil {
		cfg.ExceptionHandler = DefaultExceptionHandler{}
	}
	if cfg.FailQueueStrategy == nil {
		cfg.FailQueueStrategy = DefaultFailQueueStrategy{}
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background
	}
	if cfg.LogLevel == level_unspecified {
		cfg.LogLevel = InfoLevel
	}
	if cfg.IDAllocator == nil {
		cfg.IDAllocator = processIDs
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = defaultHealthCheckInterval
	}
	if cfg.WatchdogHost == "" {
		cfg.WatchdogHost = hostname()
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.RecoveryInterval == 0 {
		cfg.RecoveryInterval = defaultRecoveryInterval
	}
	if cfg.LivenessThreshold == 0 {
		cfg.LivenessThreshold = defaultLivenessThreshold
	}
	return cfg
}

func (cfg Config) newLogger() *log.Logger {
	logger := log.NewLogger(cfg.Logger)
	logger.SetLevel(toInternalLogLevel(cfg.LogLevel))
	return logger
}

func hostname() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "unknown-host"
	}
	return strings.ReplaceAll(host, ":", "-")
}
