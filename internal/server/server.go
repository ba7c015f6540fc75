// Package server exposes the trip CRUD surface and the WebSocket endpoint
// over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/voyago/tripsync/internal/engine"
	"github.com/voyago/tripsync/internal/gateway"
	"github.com/voyago/tripsync/internal/store"
	"github.com/voyago/tripsync/internal/trip"
)

// Server routes HTTP requests to the engine and hands WebSocket upgrades to
// the gateway.
type Server struct {
	engine  *engine.Engine
	gateway *gateway.Gateway
	logger  *logging.Logger
}

// New creates the HTTP surface.
func New(e *engine.Engine, g *gateway.Gateway) *Server {
	return &Server{
		engine:  e,
		gateway: g,
		logger:  logging.New().WithComponent("server"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /trips", s.handleCreate)
	mux.HandleFunc("POST /trips/join", s.handleJoin)
	mux.HandleFunc("GET /trips/{id}", s.handleGet)
	mux.HandleFunc("DELETE /trips/{id}", s.handleDelete)
	mux.HandleFunc("POST /trips/{id}/preferences", s.handlePreferences)
	mux.HandleFunc("POST /trips/{id}/retry", s.handleRetry)
	mux.HandleFunc("GET /trips/{id}/ws", s.handleWS)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createRequest struct {
	Name      string `json:"name"`
	CreatorID string `json:"creator_id"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	t, err := s.engine.CreateTrip(r.Context(), req.Name, req.CreatorID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

type joinRequest struct {
	Code   string `json:"code"`
	UserID string `json:"user_id"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Code == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "code and user_id are required")
		return
	}
	t, err := s.engine.JoinTrip(r.Context(), req.Code, req.UserID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Snapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteTrip(r.Context(), r.PathValue("id")); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request) {
	var p trip.Preference
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if p.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if err := s.engine.SubmitPreferences(r.Context(), r.PathValue("id"), p); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

type retryRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.engine.RetryPhase(r.Context(), r.PathValue("id"), req.UserID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "retrying"})
}

// handleWS upgrades the connection after checking the user belongs to the
// trip. Identity arrives in query parameters; a real deployment fronts this
// with its auth layer.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	tripID := r.PathValue("id")
	userID := r.URL.Query().Get("user")
	userName := r.URL.Query().Get("name")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user query parameter is required")
		return
	}
	if userName == "" {
		userName = userID
	}

	snap, err := s.engine.Snapshot(r.Context(), tripID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if !snap.Trip.IsMember(userID) {
		writeError(w, http.StatusForbidden, "not a trip member")
		return
	}

	s.gateway.Serve(w, r, tripID, userID, userName)
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "trip not found")
	case errors.Is(err, engine.ErrNotMember):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, engine.ErrWrongPhase), errors.Is(err, engine.ErrHalted):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
