package server

import (
	"github.com/gorilla/mux"

	"github.com/envrun/envrun/internal/telemetry"
)

// Router wraps mux.Router to add more functionality
type Router struct {
	*mux.Router
	middleware []mux.MiddlewareFunc
}

// NewRouter creates and configures a new router with all dependencies
func NewRouter(h *Handlers, hub *Hub) *Router {
	r := &Router{
		Router: mux.NewRouter(),
		middleware: []mux.MiddlewareFunc{
			Logging,
			telemetry.MetricsMiddleware,
		},
	}

	r.setup()
	r.registerRoutes(h, hub)

	return r
}

// setup configures the base router with middleware and common settings
func (r *Router) setup() {
	for _, m := range r.middleware {
		r.Use(m)
	}
}

// registerRoutes registers all application routes
func (r *Router) registerRoutes(h *Handlers, hub *Hub) {
	r.HandleFunc("/healthz", h.Health).Methods("GET")
	r.Handle("/metrics", telemetry.MetricsHandler()).Methods("GET")
	r.HandleFunc("/ws/events", hub.HandleWebSocket)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/envs", h.ListEnvs).Methods("GET")
	api.HandleFunc("/report", h.LatestReport).Methods("GET")
	api.HandleFunc("/status", h.Status).Methods("GET")
}

// AddMiddleware adds a new middleware to the router
func (r *Router) AddMiddleware(middleware mux.MiddlewareFunc) {
	r.Use(middleware)
}
