// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package cli

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the settings of the que command. It is read from QUE_*
// environment variables first and then overridden by command line flags.
type Config struct {
	// Locker
	PollInterval     time.Duration `env:"QUE_POLL_INTERVAL"      envDefault:"5s"`
	WaitPeriod       time.Duration `env:"QUE_WAIT_PERIOD"        envDefault:"50ms"`
	WorkerCount      int           `env:"QUE_WORKER_COUNT"       envDefault:"6"`
	MaximumQueueSize int           `env:"QUE_MAXIMUM_QUEUE_SIZE" envDefault:"8"`
	MinimumQueueSize int           `env:"QUE_MINIMUM_QUEUE_SIZE" envDefault:"2"`
	Queues           []string      `env:"QUE_QUEUES"             envSeparator:","`
	WorkerPriorities []int         `env:"QUE_WORKER_PRIORITIES"  envSeparator:","`

	// Logging
	LogLevel     string `env:"QUE_LOG_LEVEL"     envDefault:"info"`
	LogFormat    string `env:"QUE_LOG_FORMAT"    envDefault:"text"`
	LogInternals bool   `env:"QUE_LOG_INTERNALS" envDefault:"false"`

	// Store is one of memory, postgres, mysql or mongodb.
	Store       string `env:"QUE_STORE"        envDefault:"memory"`
	DatabaseURL string `env:"QUE_DATABASE_URL"`
	Migrate     bool   `env:"QUE_MIGRATE"      envDefault:"false"`

	// MonitorAddr enables the HTTP monitor when set, e.g. ":9090".
	MonitorAddr string `env:"QUE_MONITOR_ADDR"`
}

// LoadConfig parses Config from the environment of the process.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadConfigFrom parses Config from the given variables instead of the
// process environment.
func loadConfigFrom(environ map[string]string) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: environ}); err != nil {
		return nil, err
	}
	return cfg, nil
}
