package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// Resource handles one top-level collection. path holds the segments
// after the resource name.
type Resource interface {
	Get(w http.ResponseWriter, r *http.Request, path []string)
	Post(w http.ResponseWriter, r *http.Request, path []string)
	Put(w http.ResponseWriter, r *http.Request, path []string)
	Delete(w http.ResponseWriter, r *http.Request, path []string)
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(normalizePathMiddleware)
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/controller", s.handleController)
	r.Get("/dispatch", s.handleDispatch)
	r.Get("/audit", s.handleListAudit)
	r.Get(wsPath(s.wsCfg.Path), s.handleWebSocket)

	r.HandleFunc("/{resource}", s.handleResource)
	r.HandleFunc("/{resource}/*", s.handleResource)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "no such resource")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeMethodNotAllowed(w)
	})
	return r
}

func wsPath(p string) string {
	if p == "" {
		return "/ws"
	}
	return p
}

// handleResource dispatches through the resource table.
func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	res, ok := s.resources[chi.URLParam(r, "resource")]
	if !ok {
		writeNotFound(w, "no such resource")
		return
	}
	path := splitPath(chi.URLParam(r, "*"))

	switch r.Method {
	case http.MethodGet:
		res.Get(w, r, path)
	case http.MethodPost:
		res.Post(w, r, path)
	case http.MethodPut:
		res.Put(w, r, path)
	case http.MethodDelete:
		res.Delete(w, r, path)
	default:
		writeMethodNotAllowed(w)
	}
}

func splitPath(rest string) []string {
	var out []string
	for _, seg := range strings.Split(rest, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"feeds":   s.registry.Count(),
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) handleController(w http.ResponseWriter, _ *http.Request) {
	if s.controller == nil {
		writeNotFound(w, "controller not running")
		return
	}
	writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

func (s *Server) handleDispatch(w http.ResponseWriter, _ *http.Request) {
	if s.dispatch == nil {
		writeNotFound(w, "remote delivery not enabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": s.dispatch.Stats()})
}
