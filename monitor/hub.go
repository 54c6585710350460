// Portions of this code are:
// Copyright 2013 The Gorilla WebSocket Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package monitor

import (
	"context"
)

// hub maintains the set of active connections and broadcasts messages to
// them.
type hub struct {
	// Registered connections.
	connections map[*connection]bool

	// Outbound messages for all connections.
	broadcast chan []byte

	// Connections asking for the current state.
	refresh chan *connection

	// Register requests from the connections.
	register chan *connection

	// Unregister requests from connections.
	unregister chan *connection

	// snapshot renders the current state.
	snapshot func() ([]byte, error)

	// Closed when the hub stops running.
	done chan struct{}
}

func newHub(snapshot func() ([]byte, error)) *hub {
	return &hub{
		connections: make(map[*connection]bool),
		broadcast:   make(chan []byte),
		refresh:     make(chan *connection),
		register:    make(chan *connection),
		unregister:  make(chan *connection),
		snapshot:    snapshot,
		done:        make(chan struct{}),
	}
}

func (h *hub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.connections {
				h.drop(c)
			}
			return
		case c := <-h.register:
			h.connections[c] = true
			h.sendState(c)
		case c := <-h.unregister:
			if _, ok := h.connections[c]; ok {
				h.drop(c)
			}
		case c := <-h.refresh:
			if _, ok := h.connections[c]; ok {
				h.sendState(c)
			}
		case m := <-h.broadcast:
			for c := range h.connections {
				h.send(c, m)
			}
		}
	}
}

func (h *hub) sendState(c *connection) {
	payload, err := h.snapshot()
	if err != nil {
		return
	}
	h.send(c, payload)
}

// send drops connections that do not keep up.
func (h *hub) send(c *connection, m []byte) {
	select {
	case c.send <- m:
	default:
		h.drop(c)
	}
}

func (h *hub) drop(c *connection) {
	delete(h.connections, c)
	close(c.send)
}

// The following helpers give up when the hub has stopped.

func (h *hub) add(c *connection) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *hub) remove(c *connection) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *hub) requestState(c *connection) {
	select {
	case h.refresh <- c:
	case <-h.done:
	}
}

func (h *hub) publish(m []byte) {
	select {
	case h.broadcast <- m:
	case <-h.done:
	}
}
