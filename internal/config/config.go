// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package config loads process configuration for the resq command from
// environment variables, optionally seeded from a .env file.
//
//	var cfg config.Config
//	if err := config.Load(&cfg); err != nil {
//		log.Fatal(err)
//	}
package config

import (
	"errors"
	"io/fs"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the settings shared by the resq subcommands.
type Config struct {
	RedisURL    string        `env:"RESQ_REDIS_URL" envDefault:"redis://localhost:6379/0"`
	Namespace   string        `env:"RESQ_NAMESPACE" envDefault:"resque"`
	Queues      []string      `env:"RESQ_QUEUES" envSeparator:"," envDefault:"default"`
	Concurrency int           `env:"RESQ_CONCURRENCY" envDefault:"0"`
	Strategy    string        `env:"RESQ_STRATEGY" envDefault:"drain"`
	LogLevel    string        `env:"RESQ_LOG_LEVEL" envDefault:"info"`
	FailQueue   string        `env:"RESQ_FAIL_QUEUE"`
	FailMax     int           `env:"RESQ_FAIL_MAX" envDefault:"0"`
	PollSleep   time.Duration `env:"RESQ_EMPTY_QUEUE_SLEEP" envDefault:"500ms"`

	// Watchdog settings.
	DisableWatchdog   bool          `env:"RESQ_DISABLE_WATCHDOG"`
	WatchdogHost      string        `env:"RESQ_WATCHDOG_HOST"`
	LivenessThreshold time.Duration `env:"RESQ_LIVENESS_THRESHOLD" envDefault:"30s"`
}

var dotenv sync.Once

// Load reads a .env file from the working directory, if present, and
// parses environment variables into cfg. Variables already set in the
// environment take precedence over the file.
func Load(cfg interface{}) error {
	var err error
	dotenv.Do(func() {
		if e := godotenv.Load(); e != nil && !errors.Is(e, fs.ErrNotExist) {
			err = e
		}
	})
	if err != nil {
		return err
	}
	return env.Parse(cfg)
}

// LoadFile parses the given .env files and then the environment into cfg.
func LoadFile(cfg interface{}, filenames ...string) error {
	if err := godotenv.Load(filenames...); err != nil {
		return err
	}
	return env.Parse(cfg)
}

// MustLoad is like Load but panics on error.
func MustLoad(cfg interface{}) {
	if err := Load(cfg); err != nil {
		panic(err)
	}
}
