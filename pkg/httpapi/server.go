// Package httpapi serves the orchestrator's status and control API.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-hclog"
)

// PkgStatus is the per-package view exposed at /pkgs/{pkgbase}.
type PkgStatus struct {
	Pkgbase    string   `json:"pkgbase"`
	Reasons    []string `json:"reasons"`
	Priority   int      `json:"priority"`
	LastResult string   `json:"last_result,omitempty"`
}

// BatchStatus is the whole-batch view exposed at /status.
type BatchStatus struct {
	Running []string `json:"running"`
	Queued  []string `json:"queued"`
	Built   []string `json:"built"`
	Failed  []string `json:"failed"`
}

// StatusSource is what the running batch exposes to the API.
type StatusSource interface {
	Status() BatchStatus
	Pkg(pkgbase string) (PkgStatus, bool)
	Reload() error
}

// New initializes the server with its default routers.
func New(l hclog.Logger, status StatusSource) (*Server, error) {
	s := Server{
		l:      l.Named("http"),
		r:      chi.NewRouter(),
		n:      &http.Server{},
		status: status,
	}

	s.r.Use(middleware.Logger)
	s.r.Use(middleware.Heartbeat("/healthz"))

	s.r.Get("/", s.rootIndex)
	s.r.Get("/status", s.batchStatus)
	s.r.Get("/queue", s.queue)
	s.r.Get("/pkgs/{pkgbase}", s.pkg)
	s.r.Post("/reload", s.reload)

	return &s, nil
}

// Serve binds, initializes the mux, and serves forever.
func (s *Server) Serve(bind string) error {
	s.l.Info("HTTP is starting")
	s.n.Addr = bind
	s.n.Handler = s.r
	return s.n.ListenAndServe()
}

// Mount attaches a set of routes to the subpath specified by the path
// argument.
func (s *Server) Mount(path string, router chi.Router) {
	s.r.Mount(path, router)
}

func (s *Server) rootIndex(w http.ResponseWriter, r *http.Request) {
	fmt.Fprint(w, "lilac is running, check other handlers for more information")
}

func (s *Server) batchStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.status.Status())
}

func (s *Server) queue(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.status.Status().Queued)
}

func (s *Server) pkg(w http.ResponseWriter, r *http.Request) {
	pkgbase := chi.URLParam(r, "pkgbase")
	st, ok := s.status.Pkg(pkgbase)
	if !ok {
		http.NotFound(w, r)
		return
	}
	s.writeJSON(w, st)
}

func (s *Server) reload(w http.ResponseWriter, r *http.Request) {
	if err := s.status.Reload(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.l.Warn("Error encoding JSON response", "err", err)
	}
}
