// Package server wires HTTP handlers into a router for the relay via routing
// helpers.
package server

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// SetupRoutes configures and returns a router with all application routes.
// WebSocket upgrades are accepted on "/" as well as "/ws"; a plain request to
// "/" gets the health response.
func SetupRoutes(s *Server) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/", s.WebSocketHandler).MatcherFunc(isWebSocketUpgrade)
	router.HandleFunc("/", HealthHandler)
	router.HandleFunc("/ws", s.WebSocketHandler)
	router.HandleFunc("/healthz", HealthHandler).Methods(http.MethodGet, http.MethodHead)
	router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/test", TestPageHandler).Methods(http.MethodGet)

	return router
}

func isWebSocketUpgrade(r *http.Request, _ *mux.RouteMatch) bool {
	return websocket.IsWebSocketUpgrade(r)
}
