// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Command que works jobs from a que store.
//
// It only knows the Log job class, which logs its arguments. Programs with
// their own job classes embed cli.NewCommand instead.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/ollym/que"
	"github.com/ollym/que/cli"
)

func main() {
	cmd := cli.NewCommand(func(l *que.Locker) error {
		return l.Register("Log", func(ctx context.Context, job *que.Job) error {
			slog.Info("Log", "job_id", job.ID, "queue", job.Queue, "args", string(job.Args))
			return nil
		})
	})
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
