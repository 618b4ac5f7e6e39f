package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/go-hclog"
)

// Server wraps up all the request routers and associated components
// that serve the orchestrator's status and control surface.
type Server struct {
	l hclog.Logger
	r chi.Router

	n *http.Server

	status StatusSource
}
