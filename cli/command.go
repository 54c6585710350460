// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package cli implements the que command, which runs a Locker until it
// receives SIGINT or SIGTERM.
//
// Programs embed the command and register their job classes in setup:
//
//	cmd := cli.NewCommand(func(l *que.Locker) error {
//		return l.Register("SendEmail", sendEmail)
//	})
//	if err := cmd.Execute(); err != nil {
//		os.Exit(1)
//	}
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/ollym/que"
	"github.com/ollym/que/mongodb"
	"github.com/ollym/que/monitor"
	"github.com/ollym/que/mysql"
	"github.com/ollym/que/postgres"
)

// SetupFunc registers job classes and further options on the Locker
// before it starts.
type SetupFunc func(l *que.Locker) error

// flags holds the raw command line values whose units differ from Config.
type flags struct {
	pollInterval     float64 // seconds
	waitPeriod       float64 // milliseconds
	workerCount      int
	maximumQueueSize int
	minimumQueueSize int
	queues           []string
	workerPriorities []int
	logLevel         string
	logFormat        string
	logInternals     bool
	store            string
	databaseURL      string
	migrate          bool
	monitorAddr      string
}

// NewCommand creates the que command. Setup may be nil.
func NewCommand(setup SetupFunc) *cobra.Command {
	return newCommand(setup, LoadConfig)
}

func newCommand(setup SetupFunc, loadConfig func() (*Config, error)) *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:           "que",
		Short:         "Work jobs from the que job queue",
		Version:       que.Version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			f.apply(cmd.Flags(), cfg)
			return run(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg, setup)
		},
	}
	cmd.SetVersionTemplate("Que version {{.Version}}\n")

	f.bind(cmd.Flags())
	return cmd
}

// bind defines the command line flags on fs.
func (f *flags) bind(fs *pflag.FlagSet) {
	fs.Float64VarP(&f.pollInterval, "poll-interval", "i", 5, "Set maximum interval between polls for available jobs, in seconds")
	fs.StringVarP(&f.logLevel, "log-level", "l", "info", "Set level at which to log (debug, info, warn, error, fatal)")
	fs.StringArrayVarP(&f.queues, "queue-name", "q", nil, "Set a queue name to work jobs from. Can be passed multiple times (default: the default queue only)")
	fs.IntVarP(&f.workerCount, "worker-count", "w", 6, "Set number of workers in process")
	fs.BoolVar(&f.logInternals, "log-internals", false, "Log verbosely about Que's internal state. Only recommended for debugging issues")
	fs.IntVar(&f.maximumQueueSize, "maximum-queue-size", 8, "Set maximum number of jobs to be cached in this process awaiting a worker")
	fs.IntVar(&f.minimumQueueSize, "minimum-queue-size", 2, "Set minimum number of jobs to be cached in this process awaiting a worker")
	fs.Float64Var(&f.waitPeriod, "wait-period", 50, "Set maximum interval between checks of the in-memory job queue, in milliseconds")
	fs.IntSliceVar(&f.workerPriorities, "worker-priorities", nil, "List of priorities to assign to workers, unspecified workers take jobs of any priority")
	fs.StringVar(&f.logFormat, "log-format", "text", "Set log format (text, json)")
	fs.StringVar(&f.store, "store", "memory", "Set the job store (memory, postgres, mysql, mongodb)")
	fs.StringVar(&f.databaseURL, "database-url", "", "Set the connection string of the job store")
	fs.BoolVar(&f.migrate, "migrate", false, "Create or update the schema of the job store before starting")
	fs.StringVar(&f.monitorAddr, "monitor-addr", "", "Serve the HTTP monitor at this address, e.g. :9090")
}

// apply overrides cfg with the flags given on the command line.
func (f *flags) apply(fs *pflag.FlagSet, cfg *Config) {
	changed := fs.Changed
	if changed("poll-interval") {
		cfg.PollInterval = time.Duration(f.pollInterval * float64(time.Second))
	}
	if changed("wait-period") {
		cfg.WaitPeriod = time.Duration(f.waitPeriod * float64(time.Millisecond))
	}
	if changed("worker-count") {
		cfg.WorkerCount = f.workerCount
	}
	if changed("maximum-queue-size") {
		cfg.MaximumQueueSize = f.maximumQueueSize
	}
	if changed("minimum-queue-size") {
		cfg.MinimumQueueSize = f.minimumQueueSize
	}
	if changed("queue-name") {
		cfg.Queues = f.queues
	}
	if changed("worker-priorities") {
		cfg.WorkerPriorities = f.workerPriorities
	}
	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if changed("log-format") {
		cfg.LogFormat = f.logFormat
	}
	if changed("log-internals") {
		cfg.LogInternals = f.logInternals
	}
	if changed("store") {
		cfg.Store = f.store
	}
	if changed("database-url") {
		cfg.DatabaseURL = f.databaseURL
	}
	if changed("migrate") {
		cfg.Migrate = f.migrate
	}
	if changed("monitor-addr") {
		cfg.MonitorAddr = f.monitorAddr
	}
}

// run starts a Locker configured by cfg and blocks until ctx is cancelled
// or a signal arrives, then waits for running jobs to finish.
func run(ctx context.Context, stdout, stderr io.Writer, cfg *Config, setup SetupFunc) error {
	logger, err := que.NewLogger(stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	options := []que.LockerOption{
		que.SetLogger(logger),
		que.SetStore(st),
		que.SetRegisterer(reg),
		que.SetPollInterval(cfg.PollInterval),
		que.SetWaitPeriod(cfg.WaitPeriod),
		que.SetWorkerCount(cfg.WorkerCount),
		que.SetMaximumQueueSize(cfg.MaximumQueueSize),
		que.SetMinimumQueueSize(cfg.MinimumQueueSize),
	}
	if len(cfg.Queues) > 0 {
		options = append(options, que.SetQueues(cfg.Queues...))
	}
	if len(cfg.WorkerPriorities) > 0 {
		options = append(options, que.SetWorkerPriorities(cfg.WorkerPriorities...))
	}
	if cfg.LogInternals {
		options = append(options, que.SetInternalLogger(logger))
	}
	l := que.New(options...)
	if setup != nil {
		if err := setup(l); err != nil {
			return fmt.Errorf("setup: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := l.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MonitorAddr != "" {
		srv := monitor.New(l, reg, monitor.SetLogger(logger))
		g.Go(func() error {
			return srv.Serve(gctx, cfg.MonitorAddr)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, "Finishing Que's current jobs before exiting...")
		if err := l.Stop(); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "Que's jobs finished, exiting...")
		return nil
	})
	return g.Wait()
}

// openStore connects to the store named in cfg.
func openStore(ctx context.Context, cfg *Config, logger *slog.Logger) (que.Store, error) {
	name := strings.ToLower(cfg.Store)
	if name != "memory" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("store %s requires a database URL", name)
	}
	switch name {
	case "memory":
		return que.NewInMemoryStore(), nil
	case "postgres":
		st, err := postgres.NewStore(ctx, cfg.DatabaseURL, postgres.SetLogger(logger))
		if err != nil {
			return nil, err
		}
		if cfg.Migrate {
			if err := st.Migrate(ctx); err != nil {
				st.Close()
				return nil, err
			}
		}
		return st, nil
	case "mysql":
		// The schema is created on connect.
		return mysql.NewStore(cfg.DatabaseURL, mysql.SetLogger(logger))
	case "mongodb":
		return mongodb.NewStore(cfg.DatabaseURL, mongodb.SetLogger(logger))
	default:
		return nil, errors.New("unsupported store: " + cfg.Store + " (try memory, postgres, mysql, or mongodb)")
	}
}
