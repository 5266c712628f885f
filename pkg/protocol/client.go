// ABOUTME: WebSocket client for the device protocol
// ABOUTME: Dials the device, performs the hello handshake and serves requests
package protocol

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	clocksync "github.com/latencyprobe/latencyprobe-go/pkg/sync"
)

// DefaultPath is the WebSocket endpoint served by devices
const DefaultPath = "/latencyprobe"

// Config holds client configuration
type Config struct {
	Addr     string // host:port
	Path     string
	ClientID string
	Name     string
	Timeout  time.Duration

	HostClock clocksync.HostClock
	Logger    logr.Logger
}

// Client talks to a device over WebSocket
type Client struct {
	*session
	config Config
}

// NewClient creates a new WebSocket client
func NewClient(config Config) *Client {
	if config.Path == "" {
		config.Path = DefaultPath
	}
	if config.ClientID == "" {
		config.ClientID = uuid.New().String()
	}
	if config.Name == "" {
		config.Name = "latencyprobe"
	}
	return &Client{
		session: newSession(JSON, config.HostClock, config.Timeout, config.Logger),
		config:  config,
	}
}

// Connect establishes the WebSocket connection and performs the handshake
func (c *Client) Connect(ctx context.Context) error {
	u := url.URL{Scheme: "ws", Host: c.config.Addr, Path: c.config.Path}
	c.log.Info("connecting", "url", u.String())

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	read := func() ([]byte, error) {
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return nil, err
			}
			if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
				return data, nil
			}
		}
	}
	write := func(data []byte, deadline time.Time) error {
		conn.SetWriteDeadline(deadline)
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	hello := ClientHello{
		ClientID: c.config.ClientID,
		Name:     c.config.Name,
		Version:  ProtocolVersion,
	}
	return c.attach(ctx, newLink(read, write, conn), hello)
}

// Addr returns the device address
func (c *Client) Addr() string {
	return c.config.Addr
}
