// Package server implements the relay's HTTP and WebSocket surface.
//
// A Server upgrades each request to a WebSocket Client and hands it to the
// Relay, which registers the client, replays recent history, and broadcasts
// every message the client sends to all registered clients. Configuration,
// origin checks, rate limiting, routing and the HTTP listener live in their
// own files next to the relay.
package server
