// Package server coordinates client registration, history replay, message
// broadcast, and connection cleanup for the relay via the Relay type.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/chatrelay/internal/history"
	"github.com/Tyrowin/chatrelay/internal/metrics"
	"github.com/Tyrowin/chatrelay/internal/registry"
)

// Relay owns the connection registry and the history store and drives each
// connection from join to close.
type Relay struct {
	registry *registry.Registry
	history  *history.Store
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// publishMu orders joins against publishes so a joining client receives
	// its history frame before any later broadcast, and broadcasts leave in
	// the order their appends completed.
	publishMu sync.Mutex
	closing   bool

	wg sync.WaitGroup
}

// NewRelay creates a Relay over the given registry and history store.
func NewRelay(reg *registry.Registry, store *history.Store, m *metrics.Metrics, logger *slog.Logger) *Relay {
	if m == nil {
		m = metrics.NewUnregistered()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		registry: reg,
		history:  store,
		metrics:  m,
		logger:   logger.With("component", "relay"),
	}
}

// Attach starts the write pump and the connection lifecycle for c. It
// returns immediately; the lifecycle ends when the connection closes. Once
// Shutdown has begun, c is closed with a going-away frame instead.
func (r *Relay) Attach(c *Client) {
	r.publishMu.Lock()
	if r.closing {
		r.publishMu.Unlock()
		c.logger.Info("Relay shutting down, refusing connection")
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		return
	}
	r.wg.Add(2)
	r.publishMu.Unlock()

	go func() {
		defer r.wg.Done()
		c.writePump()
	}()
	go func() {
		defer r.wg.Done()
		r.serve(c)
	}()
}

// serve runs one connection from ACTIVE to CLOSED. Leave runs on every exit
// path, including a panic in the read loop.
func (r *Relay) serve(c *Client) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("Recovered from panic in connection loop", "panic", rec)
		}
		r.Leave(c)
		c.Close()
	}()

	if err := r.Join(c); err != nil {
		c.logger.Warn("Client could not join relay", "error", err)
		return
	}

	c.readPump(func(payload []byte) {
		r.Publish(string(payload))
	})
}

// Join registers c and queues the recent history for it. Because the
// history frame is queued while no publish can run, it precedes every
// broadcast c will receive.
func (r *Relay) Join(c *Client) error {
	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	if r.closing {
		return ErrRelayClosed
	}

	if err := r.registry.Register(c); err != nil {
		return fmt.Errorf("register client %s: %w", c.ID(), err)
	}
	total := r.registry.Len()
	r.metrics.ActiveConnections.Set(float64(total))
	c.logger.Info("Client connected", "clients", total)

	recent := r.history.Recent(0)
	if len(recent) == 0 {
		return nil
	}

	frame, err := json.Marshal(HistoryFrame{
		Type:     HistoryFrameType,
		Messages: history.Formatted(recent),
	})
	if err != nil {
		return fmt.Errorf("encode history frame: %w", err)
	}
	if err := c.Send(frame); err != nil {
		return fmt.Errorf("send history: %w", err)
	}
	c.logger.Info("Sent history to client", "messages", len(recent))
	return nil
}

// Leave unregisters c. Calling it for a client that is not registered is a
// no-op.
func (r *Relay) Leave(c *Client) {
	if !r.registry.Unregister(c) {
		return
	}
	total := r.registry.Len()
	r.metrics.ActiveConnections.Set(float64(total))
	c.logger.Info("Client unregistered", "clients", total)
}

// Publish appends payload to the history and broadcasts the stamped message
// to every registered client, the sender included.
func (r *Relay) Publish(payload string) history.Message {
	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	msg := r.history.Append(payload)
	r.metrics.MessagesRelayed.Inc()
	r.Broadcast([]byte(msg.String()))
	return msg
}

// Broadcast sends payload to a snapshot of the registry. Sends run
// concurrently and a failure is logged and counted without affecting the
// other recipients. It returns the number of successful sends.
func (r *Relay) Broadcast(payload []byte) int {
	peers := r.registry.Snapshot()
	if len(peers) == 0 {
		return 0
	}

	var (
		g      errgroup.Group
		failed atomic.Int64
	)
	for _, p := range peers {
		p := p
		g.Go(func() error {
			if err := p.Send(payload); err != nil {
				failed.Add(1)
				r.metrics.BroadcastFailures.Inc()
				r.logger.Warn("Broadcast send failed", "client_id", p.ID(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	delivered := len(peers) - int(failed.Load())
	r.logger.Debug("Broadcast message", "recipients", len(peers), "delivered", delivered)
	return delivered
}

// ClientCount returns the number of registered clients.
func (r *Relay) ClientCount() int {
	return r.registry.Len()
}

// closeClients closes every registered connection with a going-away frame.
func (r *Relay) closeClients() int {
	peers := r.registry.Snapshot()
	for _, p := range peers {
		if c, ok := p.(*Client); ok {
			c.closeWith(websocket.CloseGoingAway, "server shutting down")
		}
	}
	return len(peers)
}

// Shutdown stops accepting joins, closes every connection and waits for all
// connection goroutines to finish or for the timeout to pass.
func (r *Relay) Shutdown(timeout time.Duration) error {
	r.logger.Info("Initiating relay shutdown")

	r.publishMu.Lock()
	r.closing = true
	r.publishMu.Unlock()

	closed := r.closeClients()
	r.logger.Info("Closed client connections", "count", closed)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("Relay shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		r.logger.Warn("Relay shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
