// Package server defines shared frame types, errors and utility helpers that
// are reused across client and relay logic.
package server

import (
	"errors"
	"strings"
)

// HistoryFrameType tags the frame sent to a connection when it joins.
const HistoryFrameType = "history"

// HistoryFrame is the JSON frame carrying recent history to a newly joined
// connection. Broadcasts are sent as raw text, not wrapped in a frame.
type HistoryFrame struct {
	Type     string   `json:"type"`
	Messages []string `json:"messages"`
}

var (
	// ErrClientClosed is returned when sending to a client whose connection
	// has been closed.
	ErrClientClosed = errors.New("client connection closed")

	// ErrSendBufferFull is returned when a client does not drain its send
	// buffer within the configured send timeout.
	ErrSendBufferFull = errors.New("client send buffer full")

	// ErrRelayClosed is returned when a connection joins a relay that is
	// shutting down.
	ErrRelayClosed = errors.New("relay is shutting down")
)

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
