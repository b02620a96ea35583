// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/Tyrowin/chatrelay/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Client is one relay connection. It implements registry.Peer: Send queues a
// payload for the client's write pump.
type Client struct {
	id        string
	conn      *websocket.Conn
	addr      string
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
	metrics        *metrics.Metrics
	logger         *slog.Logger
}

// NewClient wraps conn in a Client with a fresh identifier. conn may be nil
// in tests that only exercise queueing.
func NewClient(conn *websocket.Conn, addr string, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Client {
	cfg = SanitizeConfig(cfg)
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	if logger == nil {
		logger = slog.Default()
	}

	id := uuid.NewString()
	return &Client{
		id:             id,
		conn:           conn,
		addr:           addr,
		send:           make(chan []byte, cfg.SendBufferSize),
		done:           make(chan struct{}),
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
		metrics:        m,
		logger:         logging.WithClient(logger, id, addr),
	}
}

// ID returns the client's unique identifier.
func (c *Client) ID() string {
	return c.id
}

// RemoteAddr returns the peer address the connection was accepted from.
func (c *Client) RemoteAddr() string {
	return c.addr
}

// Done is closed once the client has been closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Send queues payload for delivery without blocking. If the queue is full
// the client is closed as a slow consumer and ErrSendBufferFull is returned;
// the client's own read loop then observes the closed connection.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	default:
		c.logger.Warn("Send buffer full, closing slow client", "buffer", cap(c.send))
		c.closeOnce.Do(func() {
			close(c.done)
			// A stuck peer can hold the close frame write for its deadline.
			go c.closeConn(websocket.CloseTryAgainLater, "slow consumer")
		})
		return ErrSendBufferFull
	}
}

// Close sends a normal close frame and closes the connection. It is safe to
// call more than once and from any goroutine.
func (c *Client) Close() {
	c.closeWith(websocket.CloseNormalClosure, "")
}

func (c *Client) closeWith(code int, text string) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeConn(code, text)
	})
}

// closeConn sends a close frame with code and closes the connection.
func (c *Client) closeConn(code int, text string) {
	if c.conn == nil {
		return
	}

	msg := websocket.FormatCloseMessage(code, text)
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Debug("Error writing close message", "error", err)
		}
	}
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn("Error closing connection", "error", err)
	}
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("Error setting initial read deadline", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// handleReadError logs why the read loop ended at a level matching the cause.
func (c *Client) handleReadError(err error) {
	level, msg := classifyReadError(err)
	c.logger.Log(context.Background(), level, msg, "error", err)
}

func classifyReadError(err error) (slog.Level, string) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		return slog.LevelWarn, "Message exceeded maximum size"
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		return slog.LevelInfo, "Client disconnected"
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || isExpectedCloseError(err):
		return slog.LevelInfo, "Client connection closed"
	case websocket.IsUnexpectedCloseError(err):
		return slog.LevelWarn, "Unexpected WebSocket close"
	default:
		return slog.LevelWarn, "WebSocket read error"
	}
}

// checkRateLimit verifies if the client has exceeded rate limits
// and returns true if the message should be processed
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter.allow() {
		return true
	}
	c.metrics.RateLimitedMessages.Inc()
	c.logger.Warn("Rate limit exceeded; discarding message",
		"burst", c.rateLimit.Burst,
		"interval", c.rateLimit.RefillInterval,
	)
	return false
}

// readPump reads frames until the connection fails and hands every accepted
// payload to onMessage. A binary frame or a text frame that is not valid
// UTF-8 closes the connection; it is never relayed.
func (c *Client) readPump(onMessage func(payload []byte)) {
	c.setupReadConnection()

	for {
		msgType, payload, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		if msgType != websocket.TextMessage {
			c.logger.Warn("Rejected non-text frame", "type", msgType, "bytes", len(payload))
			c.closeWith(websocket.CloseUnsupportedData, "text frames only")
			return
		}
		if !utf8.Valid(payload) {
			c.logger.Warn("Rejected text frame with invalid UTF-8", "bytes", len(payload))
			c.closeWith(websocket.CloseInvalidFramePayloadData, "invalid UTF-8")
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		c.logger.Debug("Received message", "bytes", len(payload))
		onMessage(payload)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message := <-c.send:
		return c.writeTextMessage(message)
	case <-ticker.C:
		return c.handlePing()
	case <-c.done:
		return false
	}
}

// writeTextMessage writes one queued payload as its own text frame.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("Error setting write deadline", "error", err)
		return false
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("Error writing message", "error", err)
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("Error writing ping message", "error", err)
		}
		return false
	}
	return true
}
