// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package que

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// LevelFatal is accepted by NewLogger for compatibility with other que
// implementations. Only records at or above it are logged.
const LevelFatal = slog.LevelError + 4

// NewLogger creates a structured logger writing to w. Level is one of
// debug, info, warn, error or fatal; format is either text or json.
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch l := strings.ToLower(level); l {
	case "fatal":
		lvl = LevelFatal
	default:
		if err := lvl.UnmarshalText([]byte(l)); err != nil {
			return nil, fmt.Errorf("que: unsupported logging level: %s (try debug, info, warn, error, or fatal)", level)
		}
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("que: unsupported log format: %s (try text or json)", format)
	}
}

// discardLogger drops every record.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
