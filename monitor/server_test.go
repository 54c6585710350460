// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package monitor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ollym/que"
)

func newTestServer(t *testing.T, l *que.Locker, gatherer prometheus.Gatherer) (*Server, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(l, gatherer, SetLogger(logger), SetInterval(20*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		srv.Run(ctx)
	}()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		cancel()
		<-runDone
		ts.Close()
	})
	return srv, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed with %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readState(t *testing.T, ws *websocket.Conn) State {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var state State
	if err := ws.ReadJSON(&state); err != nil {
		t.Fatalf("ReadJSON failed with %v", err)
	}
	return state
}

func TestHealthz(t *testing.T) {
	l := que.New(que.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	_, ts := newTestServer(t, l, prometheus.NewRegistry())

	get := func() (int, string) {
		t.Helper()
		res, err := http.Get(ts.URL + "/healthz")
		if err != nil {
			t.Fatalf("GET /healthz failed with %v", err)
		}
		defer res.Body.Close()
		var body struct {
			LockerID string `json:"locker_id"`
			State    string `json:"state"`
		}
		if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
			t.Fatalf("decoding body failed with %v", err)
		}
		if have, want := body.LockerID, l.ID(); have != want {
			t.Fatalf("locker_id = %q, want %q", have, want)
		}
		return res.StatusCode, body.State
	}

	if code, state := get(); code != http.StatusServiceUnavailable || state != "idle" {
		t.Fatalf("before start: %d %q, want %d %q", code, state, http.StatusServiceUnavailable, "idle")
	}
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	if code, state := get(); code != http.StatusOK || state != "running" {
		t.Fatalf("while running: %d %q, want %d %q", code, state, http.StatusOK, "running")
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed with %v", err)
	}
	if code, state := get(); code != http.StatusServiceUnavailable || state != "stopped" {
		t.Fatalf("after close: %d %q, want %d %q", code, state, http.StatusServiceUnavailable, "stopped")
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	l := que.New(
		que.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		que.SetRegisterer(reg),
	)
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer l.Close()
	_, ts := newTestServer(t, l, reg)

	res, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed with %v", err)
	}
	defer res.Body.Close()
	if have, want := res.StatusCode, http.StatusOK; have != want {
		t.Fatalf("status = %d, want %d", have, want)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"que_locked_jobs", "que_buffered_jobs", "que_working_jobs"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("expected %s in metrics output", name)
		}
	}
}

func TestWebSocketPushesState(t *testing.T) {
	l := que.New(que.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer l.Close()
	_, ts := newTestServer(t, l, prometheus.NewRegistry())
	ws := dial(t, ts)

	// The first message is sent on connect, the next by the ticker.
	for i := 0; i < 2; i++ {
		state := readState(t, ws)
		if have, want := state.Type, messageSetState; have != want {
			t.Fatalf("Type = %q, want %q", have, want)
		}
		if have, want := state.Stats.LockerID, l.ID(); have != want {
			t.Fatalf("LockerID = %q, want %q", have, want)
		}
		if have, want := state.Stats.State, "running"; have != want {
			t.Fatalf("State = %q, want %q", have, want)
		}
	}
}

func TestWebSocketGetState(t *testing.T) {
	l := que.New(que.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(l, prometheus.NewRegistry(), SetLogger(logger), SetInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	ws := dial(t, ts)

	state := readState(t, ws)
	if have, want := state.Stats.State, "idle"; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}
	if err := ws.WriteJSON(map[string]string{"type": messageGetState}); err != nil {
		t.Fatalf("WriteJSON failed with %v", err)
	}
	state = readState(t, ws)
	if have, want := state.Type, messageSetState; have != want {
		t.Fatalf("Type = %q, want %q", have, want)
	}
}

func TestRunClosesConnections(t *testing.T) {
	l := que.New(que.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(l, nil, SetLogger(logger), SetInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		srv.Run(ctx)
	}()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	ws := dial(t, ts)
	readState(t, ws)

	cancel()
	<-runDone
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatal("expected the connection to be closed")
	}
}

func TestServeShutsDownGracefully(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := lis.Addr().String()
	lis.Close()

	l := que.New(que.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	srv := New(l, prometheus.NewRegistry(), SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx, addr) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		res, err := http.Get("http://" + addr + "/healthz")
		if err == nil {
			res.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not come up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
