// Package api is the agent's local HTTP surface: slide registry reads,
// tile serving, deletion, health and a server-sent event stream. The
// same handler serves the reverse tunnel.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/ivanlppires/supernavi-edge-sub000/pkg/events"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/queue"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/store"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/tiles"
)

// StateReporter exposes an observable component state for /v1/health.
type StateReporter interface {
	State() string
}

// ConnReporter exposes tunnel connectivity for /v1/health.
type ConnReporter interface {
	Connected() bool
}

// Server wires the HTTP routes to the agent's components.
type Server struct {
	Store      *store.Store
	Queue      *queue.Queue
	Bus        *events.Bus
	Tiles      *tiles.Generator
	DerivedDir string
	Version    string
	Log        *logrus.Entry

	// Optional observability hooks; nil reads as "absent".
	Watcher StateReporter
	Scraper StateReporter
	Tunnel  ConnReporter
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/slides", s.handleListSlides).Methods(http.MethodGet)
	r.HandleFunc("/v1/slides/{id}", s.handleGetSlide).Methods(http.MethodGet)
	r.HandleFunc("/v1/slides/{id}", s.handleDeleteSlide).Methods(http.MethodDelete)
	r.HandleFunc("/v1/slides/{id}/manifest.json", s.handleManifest).Methods(http.MethodGet)
	r.HandleFunc("/v1/slides/{id}/thumb.jpg", s.handleThumb).Methods(http.MethodGet)
	r.HandleFunc("/v1/slides/{id}/tiles/{z}/{x}/{y}.jpg", s.handleTile).Methods(http.MethodGet)
	r.HandleFunc("/v1/events", s.handleEvents).Methods(http.MethodGet)
	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && s.Log != nil {
		s.Log.WithError(err).Warn("failed writing response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
