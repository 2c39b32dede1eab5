// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package events

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Thermoquad/ispbridge/pkg/bridge"
)

// Client is a monitor connection to a Hub
type Client struct {
	conn *websocket.Conn
}

// Dial connects to a hub with optional HTTP Basic auth
func Dial(wsURL, username, password string, skipSSLVerify bool) (*Client, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: skipSSLVerify,
		}
	}

	headers := http.Header{}
	if username != "" && password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}

	return &Client{conn: conn}, nil
}

// Next blocks until the next event arrives
func (c *Client) Next() (Event, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return Event{}, err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		return DecodeEvent(data)
	}
}

// Send asks the bridge to perform an action
func (c *Client) Send(a bridge.Action) error {
	data, err := EncodeAction(a)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}
