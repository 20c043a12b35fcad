// Package api exposes the registry store over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/splendor-protocol/sync-helper/internal/auth"
	"github.com/splendor-protocol/sync-helper/internal/metrics"
	"github.com/splendor-protocol/sync-helper/internal/registry"
)

const (
	defaultHistoryLimit = 50
	maxBodyBytes        = 1 << 20
)

// AnnounceRequest is the body of POST /endpoints.
type AnnounceRequest struct {
	Endpoint string `json:"endpoint"`
}

// RegisterRequest is the body of POST /nodes.
type RegisterRequest struct {
	Identifier string `json:"identifier"`
	Endpoint   string `json:"endpoint,omitempty"`
	Role       string `json:"role,omitempty"`
}

// UpdateRequest is the body of POST /updates.
type UpdateRequest struct {
	Identifier string `json:"identifier"`
	Endpoint   string `json:"endpoint,omitempty"`
	BuildID    string `json:"build_id"`
	Timestamp  string `json:"timestamp"`
	Role       string `json:"role,omitempty"`
}

// NodeResponse is returned by the mutating node operations.
type NodeResponse struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	Node    registry.Node `json:"node"`
}

// NodeListResponse is returned by GET /nodes.
type NodeListResponse struct {
	Count int             `json:"count"`
	Nodes []registry.Node `json:"nodes"`
}

// HistoryResponse is returned by GET /history.
type HistoryResponse struct {
	Count       int                    `json:"count"`
	TotalEvents int                    `json:"total_events"`
	History     []registry.UpdateEvent `json:"history"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	registry.Health
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Server serves the registry HTTP API.
type Server struct {
	store  *registry.Store
	token  string
	logger *zap.Logger
}

// NewServer creates a Server. token is the shared secret required by every
// mutating route.
func NewServer(store *registry.Store, token string, logger *zap.Logger) *Server {
	return &Server{
		store:  store,
		token:  token,
		logger: logger.Named("api"),
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.handle(mux, "POST /endpoints", "/endpoints", s.authed(s.announceEndpoint))
	s.handle(mux, "GET /endpoints", "/endpoints", http.HandlerFunc(s.listEndpoints))
	s.handle(mux, "POST /nodes", "/nodes", s.authed(s.registerNode))
	s.handle(mux, "GET /nodes", "/nodes", http.HandlerFunc(s.listNodes))
	s.handle(mux, "POST /updates", "/updates", s.authed(s.reportUpdate))
	s.handle(mux, "GET /status", "/status", http.HandlerFunc(s.status))
	s.handle(mux, "GET /history", "/history", http.HandlerFunc(s.history))
	s.handle(mux, "GET /health", "/health", http.HandlerFunc(s.health))
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

func (s *Server) handle(mux *http.ServeMux, pattern, path string, h http.Handler) {
	mux.Handle(pattern, metrics.Middleware(h, path))
}

func (s *Server) authed(h http.HandlerFunc) http.Handler {
	return auth.AuthMiddleware(h, s.logger, s.token)
}

func (s *Server) announceEndpoint(w http.ResponseWriter, r *http.Request) {
	var req AnnounceRequest
	if !s.decode(w, r, &req) {
		return
	}
	added, err := s.store.UpsertEndpoint(req.Endpoint)
	if err != nil {
		s.writeError(w, err)
		return
	}
	msg := "endpoint already known"
	if added {
		msg = "endpoint added"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": msg})
}

func (s *Server) listEndpoints(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Endpoints())
}

func (s *Server) registerNode(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !s.decode(w, r, &req) {
		return
	}
	meta := registry.NodeMeta{Endpoint: strings.TrimSpace(req.Endpoint)}
	if req.Role != "" {
		meta.Role = registry.ParseRole(req.Role)
	}
	node, err := s.store.RegisterNode(req.Identifier, meta)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NodeResponse{Success: true, Message: "node registered", Node: node})
}

func (s *Server) reportUpdate(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if !s.decode(w, r, &req) {
		return
	}
	var missing []string
	if strings.TrimSpace(req.Identifier) == "" {
		missing = append(missing, "identifier")
	}
	if strings.TrimSpace(req.BuildID) == "" {
		missing = append(missing, "build_id")
	}
	if strings.TrimSpace(req.Timestamp) == "" {
		missing = append(missing, "timestamp")
	}
	if len(missing) > 0 {
		s.writeError(w, fmt.Errorf("%s: %w", strings.Join(missing, ", "), registry.ErrMissingFields))
		return
	}
	ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(req.Timestamp))
	if err != nil {
		s.writeError(w, fmt.Errorf("timestamp must be RFC 3339: %w", registry.ErrInvalidFormat))
		return
	}

	node, err := s.store.ReportUpdate(registry.UpdateReport{
		Identifier: req.Identifier,
		Endpoint:   strings.TrimSpace(req.Endpoint),
		BuildID:    strings.TrimSpace(req.BuildID),
		Role:       registry.ParseRole(req.Role),
		Timestamp:  ts,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NodeResponse{Success: true, Message: "update completion recorded", Node: node})
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	var f registry.Filter
	if v := r.URL.Query().Get("status"); v != "" {
		st, ok := registry.ParseStatus(v)
		if !ok {
			s.writeError(w, fmt.Errorf("status must be pending or completed: %w", registry.ErrInvalidFormat))
			return
		}
		f.Status = st
	}
	if v := r.URL.Query().Get("role"); v != "" {
		f.Role = registry.ParseRole(v)
	}
	nodes := s.store.ListNodes(f)
	writeJSON(w, http.StatusOK, NodeListResponse{Count: len(nodes), Nodes: nodes})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Summary())
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = defaultHistoryLimit
	}
	events := s.store.History(limit)
	writeJSON(w, http.StatusOK, HistoryResponse{
		Count:       len(events),
		TotalEvents: s.store.HistorySize(),
		History:     events,
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Health: s.store.Health()})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.logger.Warn("invalid request body", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_format", Message: "invalid request body"})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, registry.ErrMissingFields):
		status, code = http.StatusBadRequest, "missing_fields"
	case errors.Is(err, registry.ErrInvalidFormat):
		status, code = http.StatusBadRequest, "invalid_format"
	case errors.Is(err, registry.ErrConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, auth.ErrUnauthorized):
		status, code = http.StatusUnauthorized, "unauthorized"
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	} else {
		s.logger.Info("request rejected", zap.String("code", code), zap.Error(err))
	}
	writeJSON(w, status, ErrorResponse{Error: code, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
