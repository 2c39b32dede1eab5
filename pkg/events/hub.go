// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package events

import (
	"crypto/subtle"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Thermoquad/ispbridge/pkg/bridge"
)

const (
	writeWait   = 5 * time.Second
	sendBacklog = 32
)

// Hub fans events out to every connected monitor and hands inbound actions
// to a handler
type Hub struct {
	upgrader websocket.Upgrader
	username string
	password string
	onAction func(bridge.Action)
	log      zerolog.Logger

	mu      sync.Mutex
	clients map[*hubClient]struct{}
	last    []byte
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
}

// HubOption is a functional option for configuring a Hub
type HubOption func(*Hub)

// WithBasicAuth requires HTTP Basic credentials on upgrade
func WithBasicAuth(username, password string) HubOption {
	return func(h *Hub) {
		h.username = username
		h.password = password
	}
}

// WithActionHandler sets the function inbound actions are passed to. It is
// called from connection goroutines.
func WithActionHandler(fn func(bridge.Action)) HubOption {
	return func(h *Hub) {
		h.onAction = fn
	}
}

// WithHubLogger sets the hub logger
func WithHubLogger(log zerolog.Logger) HubOption {
	return func(h *Hub) {
		h.log = log
	}
}

// NewHub creates a hub with no clients
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		log:     zerolog.Nop(),
		clients: make(map[*hubClient]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With().Str("component", "events").Logger()
	return h
}

// ServeHTTP upgrades the request and serves the monitor until it leaves
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="ispbridge"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Upgrade failed")
		return
	}

	c := &hubClient{conn: conn, send: make(chan []byte, sendBacklog)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	if h.last != nil {
		c.send <- h.last
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info().Str("remote", r.RemoteAddr).Int("clients", n).Msg("Monitor connected")

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) authorized(r *http.Request) bool {
	if h.username == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(h.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(h.password)) == 1
	return userOK && passOK
}

func (h *Hub) readLoop(c *hubClient) {
	defer h.remove(c)
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		a, err := DecodeAction(data)
		if err != nil {
			h.log.Warn().Err(err).Msg("Ignoring malformed action")
			continue
		}
		h.log.Debug().Stringer("action", a).Msg("Action received")
		if h.onAction != nil {
			h.onAction(a)
		}
	}
}

func (h *Hub) writeLoop(c *hubClient) {
	defer c.conn.Close()
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			h.log.Debug().Err(err).Msg("Write to monitor failed")
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.log.Info().Int("clients", len(h.clients)).Msg("Monitor disconnected")
}

// Publish sends e to every monitor without blocking. Monitors that fall
// behind miss events.
func (h *Hub) Publish(e Event) {
	data, err := e.Encode()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to encode event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = data
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.log.Warn().Stringer("kind", e.Kind).Msg("Monitor backlog full, dropping event")
		}
	}
}

// Clients returns the number of connected monitors
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every monitor
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.remove(c)
	}
}
