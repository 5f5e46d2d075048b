package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kaichen/piggy-bank-agent/internal/auth"
	"github.com/kaichen/piggy-bank-agent/internal/config"
	"github.com/kaichen/piggy-bank-agent/internal/metrics"
	"github.com/kaichen/piggy-bank-agent/internal/protocol"
)

const (
	// handshakeTimeout bounds the upstream WebSocket upgrade.
	handshakeTimeout = 15 * time.Second

	// writeTimeout bounds individual frame writes to the upstream.
	writeTimeout = 10 * time.Second
)

// Connector dials the Gemini Live endpoint. One connector serves all
// sessions; each Connect call produces an independent connection.
type Connector struct {
	endpoint     string
	tokens       *auth.TokenSource
	pingInterval time.Duration
	pongTimeout  time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics
	dialer       *websocket.Dialer
}

// NewConnector creates a connector for the configured endpoint.
func NewConnector(cfg *config.Config, tokens *auth.TokenSource, logger *slog.Logger, m *metrics.Metrics) *Connector {
	return &Connector{
		endpoint:     cfg.Gemini.Endpoint,
		tokens:       tokens,
		pingInterval: cfg.Relay.GetPingInterval(),
		pongTimeout:  cfg.Relay.GetPongTimeout(),
		logger:       logger,
		metrics:      m,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

// Connect obtains a bearer token and dials the upstream endpoint. There is no
// retry: a failure here surfaces to the session, which reports it to the
// client and closes. On success the returned connection already runs its
// keepalive loop.
func (c *Connector) Connect(ctx context.Context) (*Conn, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		c.metrics.RecordConnectFailure()
		return nil, fmt.Errorf("failed to obtain upstream credentials: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := c.dialer.DialContext(ctx, c.endpoint, header)
	if err != nil {
		c.metrics.RecordConnectFailure()
		if resp != nil {
			return nil, fmt.Errorf("failed to dial upstream (status %s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("failed to dial upstream: %w", err)
	}

	c.logger.Debug("Upstream connection established",
		slog.String("endpoint", c.endpoint))

	conn := &Conn{
		ws:           ws,
		pingInterval: c.pingInterval,
		pongTimeout:  c.pongTimeout,
		logger:       c.logger,
		stopPing:     make(chan struct{}),
	}

	// Pongs and successful reads extend the read deadline; each sent ping
	// shrinks it to the pong timeout, so a silent upstream is declared dead
	// within the pong timeout of a ping.
	ws.SetReadDeadline(time.Now().Add(conn.readWindow()))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(conn.readWindow()))
	})

	go conn.pingLoop()

	return conn, nil
}

// Conn is a live upstream connection. All write methods are safe for
// concurrent use; reads must come from a single goroutine.
type Conn struct {
	ws           *websocket.Conn
	pingInterval time.Duration
	pongTimeout  time.Duration
	logger       *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	stopPing  chan struct{}
}

func (c *Conn) readWindow() time.Duration {
	return c.pingInterval + c.pongTimeout
}

// pingLoop sends a keepalive ping every ping interval until the connection
// closes. A failed ping write ends the loop; the reader notices the dead
// connection through its deadline.
func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.logger.Debug("Upstream ping failed", slog.String("error", err.Error()))
				return
			}
			// The pong (or any frame) must arrive within the pong timeout
			c.ws.SetReadDeadline(time.Now().Add(c.pongTimeout))
		case <-c.stopPing:
			return
		}
	}
}

// SendSetup sends the one-time session configuration message.
func (c *Conn) SendSetup(setup protocol.Setup) error {
	return c.writeJSON(setup)
}

// SendAudio forwards a raw PCM chunk as a realtime audio input message.
func (c *Conn) SendAudio(pcm []byte) error {
	return c.writeJSON(protocol.NewAudioInput(pcm))
}

// SendAudioStreamEnd signals that the client finished speaking.
func (c *Conn) SendAudioStreamEnd() error {
	return c.writeJSON(protocol.NewAudioStreamEnd())
}

func (c *Conn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode upstream message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write upstream message: %w", err)
	}

	return nil
}

// ReadMessage returns the next JSON payload from the upstream. Gemini has
// been observed delivering JSON in binary frames, so binary frames that start
// a JSON object are accepted; any other binary frame is discarded. Each
// successful read extends the liveness deadline.
func (c *Conn) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}

		c.ws.SetReadDeadline(time.Now().Add(c.readWindow()))

		if msgType == websocket.BinaryMessage && (len(data) == 0 || data[0] != '{') {
			continue
		}
		return data, nil
	}
}

// Close stops the keepalive loop and closes the connection. Safe to call
// multiple times and from multiple goroutines.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopPing)
		err = c.ws.Close()
	})
	return err
}
