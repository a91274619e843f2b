package handlers

import (
	"encoding/json"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/xelth-com/girosync/internal/buildinfo"
	"github.com/xelth-com/girosync/internal/middleware"
	"github.com/xelth-com/girosync/internal/sync"
	"github.com/xelth-com/girosync/internal/transport"
	"github.com/xelth-com/girosync/internal/websocket"
)

// routeReporter exposes the server route state
type routeReporter interface {
	CurrentRoute() string
	IsOnline() bool
	RouteStatuses() []transport.RouteStatus
	RouteHistory() []transport.RouteSwitch
}

// Router wraps the mux router and the sync engine
type Router struct {
	*mux.Router
	api    *mux.Router
	engine *sync.SyncEngine
	hub    *websocket.Hub
}

// NewRouter creates the local HTTP API used by the POS UI. hub may be nil
// when no event stream is wanted.
func NewRouter(engine *sync.SyncEngine, hub *websocket.Hub, apiToken string) *Router {
	r := &Router{
		Router: mux.NewRouter(),
		engine: engine,
		hub:    hub,
	}

	// Health check endpoint
	r.HandleFunc("/health", r.healthCheck).Methods("GET")

	// API routes
	r.api = r.PathPrefix("/api").Subrouter()
	r.api.Use(middleware.RequireToken(apiToken))
	NewSyncHandler(engine).RegisterRoutes(r.api)

	// Round events
	if hub != nil {
		r.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
			websocket.ServeWs(hub, w, req)
		})
	}

	// Static files for the UI, when configured
	if publicDir := os.Getenv("FRONTEND_DIR"); publicDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(publicDir)))
	}

	return r
}

// ServeRoutes adds GET /api/sync/routes reporting which server route is in use
func (r *Router) ServeRoutes(routes routeReporter) {
	r.api.HandleFunc("/sync/routes", func(w http.ResponseWriter, req *http.Request) {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"current": routes.CurrentRoute(),
			"online":  routes.IsOnline(),
			"routes":  routes.RouteStatuses(),
			"history": routes.RouteHistory(),
		})
	}).Methods("GET")
}

// healthCheck returns the health status of the local API
func (r *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"syncing": r.engine.IsRunning(),
		"build":   buildinfo.Info(),
	})
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
