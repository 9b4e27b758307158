// Package server exposes the local HTTP and WebSocket gateway. It binds
// to loopback only; this is a single-user process with no auth layer.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/sageloop/sage/internal/agent/config"
	"github.com/sageloop/sage/internal/agent/runner"
	"github.com/sageloop/sage/internal/db"
	"github.com/sageloop/sage/internal/logging"
)

// Server is the local gateway over one runner
type Server struct {
	runner   *runner.Runner
	sessions *db.SessionManager
	cfg      config.ServerConfig
	http     *http.Server
}

// New creates a server
func New(r *runner.Runner, sessions *db.SessionManager, cfg config.ServerConfig) *Server {
	return &Server{runner: r, sessions: sessions, cfg: cfg}
}

// Start runs the HTTP listener until the context is cancelled
func (s *Server) Start(ctx context.Context) error {
	router := chi.NewRouter()
	router.Use(chimw.Recoverer)
	router.Use(chimw.Timeout(5 * time.Minute))

	router.Get("/healthz", s.handleHealth)
	router.Route("/api", func(r chi.Router) {
		r.Get("/sessions", s.handleListSessions)
		r.Delete("/sessions/{id}", s.handleDeleteSession)
		r.Post("/chat", s.handleChat)
	})
	router.Get("/ws", s.handleWS)

	s.http = &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
	}()

	logging.Infof("[server] listening on http://%s", s.cfg.Addr())
	if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions, err := s.sessions.ListSessions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.DeleteSession(chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type chatRequest struct {
	SessionKey string `json:"session_key"`
	Message    string `json:"message"`
}

// handleChat runs one synchronous agent turn
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, errors.New("message is required"))
		return
	}
	if req.SessionKey == "" {
		req.SessionKey = "default"
	}
	session, err := s.sessions.GetOrCreate(req.SessionKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	result, err := s.runner.ProcessMessage(r.Context(), session.ID, req.Message, nil, nil, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
