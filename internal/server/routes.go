package server

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures and returns a router with all application routes.
func SetupRoutes(h *Handlers, gatherer prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/test", h.TestPage).Methods(http.MethodGet)
	r.HandleFunc("/ws", h.WebSocket)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(h.origins.CORS)
	api.HandleFunc("/rooms", h.ListRooms).Methods(http.MethodGet, http.MethodOptions)
	return r
}
