// Package server exposes the resolver over HTTP. The /assistant endpoint
// accepts a message and returns the resolved answer; it is gated behind
// debug mode since it bypasses any upstream authentication. A small set of
// read-only endpoints exposes routines and history for inspection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"metricsmith/internal/coordinator"
	"metricsmith/internal/history"
	"metricsmith/internal/logging"
	"metricsmith/internal/registry"
	"metricsmith/internal/routine"
)

// Server wraps the coordinator behind HTTP handlers.
type Server struct {
	coord    *coordinator.Coordinator
	registry *registry.Registry
	history  *history.Store // optional
	debug    bool
	httpSrv  *http.Server
}

// New creates a server listening on addr.
func New(addr string, coord *coordinator.Coordinator, reg *registry.Registry, hist *history.Store, debug bool) *Server {
	s := &Server{coord: coord, registry: reg, history: hist, debug: debug}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /assistant", s.handleAssistant)
	mux.HandleFunc("GET /routines", s.handleRoutines)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}
	return s
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	logging.Server("Listening on %s (debug=%v)", s.httpSrv.Addr, s.debug)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

type assistantRequest struct {
	Message string `json:"message"`
}

type assistantResponse struct {
	Response string `json:"response"`
	Hash     string `json:"hash,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
}

func (s *Server) handleAssistant(w http.ResponseWriter, r *http.Request) {
	if !s.debug {
		http.NotFound(w, r)
		return
	}

	var req assistantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	logging.API("Assistant request: %q", req.Message)
	res, err := s.coord.Resolve(r.Context(), req.Message)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, assistantResponse{
		Response: res.Response,
		Hash:     res.Hash,
		Outcome:  string(res.Outcome),
	})
}

type routineView struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Status     routine.Status     `json:"status"`
	Capability routine.Capability `json:"capability"`
	CreatedAt  time.Time          `json:"created_at"`
}

func (s *Server) handleRoutines(w http.ResponseWriter, r *http.Request) {
	all := s.registry.All()
	sort.Slice(all, func(i, j int) bool { return all[i].Seq < all[j].Seq })

	views := make([]routineView, 0, len(all))
	for _, rt := range all {
		views = append(views, routineView{
			ID:         rt.ID,
			Name:       rt.Name,
			Status:     rt.Status,
			Capability: rt.Capability,
			CreatedAt:  rt.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"routines": views})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "history is not enabled")
		return
	}
	recent, err := s.history.Recent(50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"invocations": recent})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Server("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
