// Package httpapi assembles the HTTP surface: the REST session API, the
// WebSocket endpoint, the preview proxy and the token endpoint, all
// behind the admission gateway.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/portside-dev/portside/internal/auth"
	"github.com/portside-dev/portside/internal/fs"
	"github.com/portside-dev/portside/internal/preview"
	"github.com/portside-dev/portside/internal/sessions"
	"github.com/portside-dev/portside/internal/ws"
)

// Server wires the HTTP routes over the session registry.
type Server struct {
	manager *sessions.Manager
	gateway *auth.Gateway
	router  *ws.Router
	proxy   *preview.Proxy
}

func NewServer(manager *sessions.Manager, gateway *auth.Gateway, previewHost string) *Server {
	return &Server{
		manager: manager,
		gateway: gateway,
		router:  ws.NewRouter(manager, previewHost),
		proxy:   preview.NewProxy(manager),
	}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.gateway.RequireStrict)
		r.Post("/token", s.handleToken)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.gateway.Require)

		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions/{sessionID}", s.handleGetSession)
		r.Delete("/sessions/{sessionID}", s.handleDestroySession)
		r.Get("/sessions/{sessionID}/ws", s.router.HandleWebSocket)

		r.Get("/sessions/{sessionID}/file", s.handleReadFile)
		r.Put("/sessions/{sessionID}/file", s.handleWriteFile)
		r.Get("/sessions/{sessionID}/file/stat", s.handleStatFile)

		r.Handle("/preview/{sessionID}", s.proxy)
		r.Handle("/preview/{sessionID}/*", s.proxy)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// sessionStatus is the REST view of a session.
type sessionStatus struct {
	ID           string    `json:"id"`
	State        string    `json:"state"`
	Backend      string    `json:"backend,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	PreviewPort  int       `json:"preview_port,omitempty"`
	SandboxUp    bool      `json:"sandbox_up"`
}

func statusOf(s *sessions.Session) sessionStatus {
	st := sessionStatus{
		ID:           s.ID,
		State:        string(s.State()),
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity(),
		PreviewPort:  s.PreviewPort(),
	}
	if handle := s.Handle(); handle != nil {
		st.SandboxUp = true
		st.Backend = string(handle.Backend())
	}
	return st
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type sandboxHealth struct {
		SessionID string `json:"session_id"`
		State     string `json:"state"`
		CPU       string `json:"cpu,omitempty"`
		Memory    string `json:"memory,omitempty"`
		PID       int    `json:"pid,omitempty"`
	}
	sandboxes := []sandboxHealth{}
	for _, session := range s.manager.List() {
		entry := sandboxHealth{SessionID: session.ID, State: string(session.State())}
		if handle := session.Handle(); handle != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			if stats, err := s.manager.Launcher().Stats(ctx, handle); err == nil {
				entry.CPU = stats.CPU
				entry.Memory = stats.Memory
				entry.PID = stats.PID
			}
			cancel()
		}
		sandboxes = append(sandboxes, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"backend":   string(s.manager.Backend()),
		"sessions":  s.manager.Count(),
		"sandboxes": sandboxes,
	})
}

// handleToken mints a token for the given subject. The endpoint sits
// behind the strict rate tier; deployments front it with their own
// operator credential.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subject string `json:"subject"`
		Tier    string `json:"tier"`
		TTL     string `json:"ttl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Subject == "" {
		writeError(w, http.StatusBadRequest, "subject is required")
		return
	}
	if req.Tier == "" {
		req.Tier = auth.TierStandard
	}
	ttl := 24 * time.Hour
	if req.TTL != "" {
		parsed, err := time.ParseDuration(req.TTL)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid ttl")
			return
		}
		ttl = parsed
	}
	token, err := s.gateway.Sign(req.Subject, req.Tier, ttl)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ident, _ := auth.IdentityFrom(r.Context())
	var req struct {
		SessionID string `json:"session_id"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	session, _, err := s.manager.CreateOrAttach(r.Context(), req.SessionID, ident.Subject, nil)
	if err != nil {
		switch {
		case errors.Is(err, sessions.ErrCapacity):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		case errors.Is(err, sessions.ErrNotOwner):
			writeError(w, http.StatusForbidden, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, statusOf(session))
}

// sessionFor resolves the path session and enforces ownership. Elevated
// callers may reach any session.
func (s *Server) sessionFor(w http.ResponseWriter, r *http.Request) (*sessions.Session, bool) {
	ident, _ := auth.IdentityFrom(r.Context())
	session, err := s.manager.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	if session.Owner != ident.Subject && !ident.Elevated {
		writeError(w, http.StatusForbidden, "forbidden")
		return nil, false
	}
	return session, true
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessionFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, statusOf(session))
}

func (s *Server) handleDestroySession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessionFor(w, r)
	if !ok {
		return
	}
	if err := s.manager.Destroy(session.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func fsError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fs.ErrPathEscape):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, fs.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessionFor(w, r)
	if !ok {
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path query parameter is required")
		return
	}
	data, err := session.Workspace().Read(path)
	if err != nil {
		fsError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessionFor(w, r)
	if !ok {
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path query parameter is required")
		return
	}
	body := http.MaxBytesReader(w, r.Body, 32<<20)
	data, err := io.ReadAll(body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}
	if err := session.Workspace().Write(path, data); err != nil {
		fsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}

func (s *Server) handleStatFile(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessionFor(w, r)
	if !ok {
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path query parameter is required")
		return
	}
	info, err := session.Workspace().Stat(path)
	if err != nil {
		fsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}
