// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package monitor serves live statistics of a que.Locker over HTTP.
//
// The handler exposes /ws, which pushes the locker state to WebSocket
// clients, /metrics for Prometheus and /healthz for liveness probes.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ollym/que"
)

const (
	messageSetState = "SET_STATE"
	messageGetState = "GET_STATE"

	defaultInterval        = 1 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// Server is a simple web server with a WebSocket backend.
type Server struct {
	l        *que.Locker
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	interval time.Duration
	hub      *hub
}

// Option configures a Server.
type Option func(*Server)

// SetLogger sets the logger of the server.
func SetLogger(logger *slog.Logger) Option {
	return func(srv *Server) {
		if logger != nil {
			srv.logger = logger
		}
	}
}

// SetInterval sets how often the state is pushed to clients.
func SetInterval(d time.Duration) Option {
	return func(srv *Server) {
		if d > 0 {
			srv.interval = d
		}
	}
}

// New initializes a new Server for l. Metrics are served from gatherer,
// or from the default Prometheus registry if gatherer is nil.
func New(l *que.Locker, gatherer prometheus.Gatherer, options ...Option) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	srv := &Server{
		l:        l,
		gatherer: gatherer,
		logger:   slog.Default(),
		interval: defaultInterval,
	}
	for _, opt := range options {
		opt(srv)
	}
	srv.hub = newHub(srv.snapshot)
	return srv
}

// State is the message pushed to WebSocket clients.
type State struct {
	Type  string    `json:"type"`
	Time  time.Time `json:"time"`
	Stats que.Stats `json:"stats"`
}

func (srv *Server) snapshot() ([]byte, error) {
	return json.Marshal(State{
		Type:  messageSetState,
		Time:  time.Now().UTC(),
		Stats: srv.l.Stats(),
	})
}

// Handler returns the HTTP handler of the server. WebSocket clients are
// only served while Run is active.
func (srv *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", wsserver{srv: srv})
	mux.Handle("/metrics", promhttp.HandlerFor(srv.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", srv.healthz)
	return mux
}

// healthz reports 200 while the locker is running and 503 otherwise.
func (srv *Server) healthz(w http.ResponseWriter, r *http.Request) {
	state := srv.l.State()
	w.Header().Set("Content-Type", "application/json")
	if state != que.StateRunning {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(struct {
		LockerID string `json:"locker_id"`
		State    string `json:"state"`
	}{srv.l.ID(), state.String()})
}

// Run runs the WebSocket hub and pushes the state to all clients until ctx
// is cancelled.
func (srv *Server) Run(ctx context.Context) {
	go srv.hub.run(ctx)

	t := time.NewTicker(srv.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			payload, err := srv.snapshot()
			if err != nil {
				srv.logger.Error("que/monitor: encoding state failed", "error", err)
				continue
			}
			srv.hub.publish(payload)
		case <-ctx.Done():
			<-srv.hub.done
			return
		}
	}
}

// Serve starts the web server at the given address and shuts it down
// gracefully when ctx is cancelled.
func (srv *Server) Serve(ctx context.Context, addr string) error {
	hs := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		srv.Run(ctx)
		return nil
	})
	g.Go(func() error {
		srv.logger.Info("que/monitor: listening", "addr", addr)
		if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		return hs.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
