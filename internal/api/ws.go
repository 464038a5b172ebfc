package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/datify-sh/datify/internal/apperr"
	"github.com/datify-sh/datify/internal/domain"
	"github.com/datify-sh/datify/internal/engine"
)

func (s *Server) mountWebsockets(r chi.Router) {
	r.Get("/databases/{id}/logs/stream", s.handleLogsStream)
	r.Get("/databases/{id}/metrics/stream", s.handleMetricsStream)
	r.Get("/databases/{id}/terminal", s.handleTerminal)
	r.Get("/databases/{id}/psql", s.handleEngineCLI)
	r.Get("/databases/{id}/valkey-cli", s.handleEngineCLI)
	r.Get("/databases/{id}/redis-cli", s.handleEngineCLI)
}

func (s *Server) handleLogsStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tail := 0
	if raw := r.URL.Query().Get("tail"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			tail = n
		}
	}
	s.hub.HandleLogs(w, r, id, tail)
}

func (s *Server) handleMetricsStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.hub.HandleMetrics(w, r, id)
}

// shellCommand is the bare interactive shell bound to /terminal, as opposed
// to the engine-native CLIs bound to /psql, /valkey-cli and /redis-cli.
var shellCommand = []string{"sh"}

func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID := s.wsUserID(r)
	s.hub.OpenTerminal(w, r, userID, id, "terminal", shellCommand)
}

// handleEngineCLI backs /psql, /valkey-cli and /redis-cli: it resolves the
// instance's engine adapter and connects the terminal stream's PTY to that
// adapter's native interactive client (engine.Adapter.CLICommand) instead
// of a bare shell.
func (s *Server) handleEngineCLI(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	d, err := s.store.GetDatabase(r.Context(), id)
	if err != nil {
		RespondErr(w, err)
		return
	}
	if d.Status != domain.StatusRunning || d.Port == nil || d.PasswordEnc == nil {
		RespondError(w, http.StatusConflict, string(apperr.CodeConflictingState), "instance must be running to open a CLI session")
		return
	}

	adapter, err := s.engines.Lookup(d.Engine)
	if err != nil {
		RespondErr(w, err)
		return
	}
	password, err := s.vault.Decrypt(*d.PasswordEnc)
	if err != nil {
		RespondErr(w, err)
		return
	}

	// The CLI runs inside the container via exec, so it dials the engine's
	// own in-container port, not the host-mapped one in d.Port.
	target := engine.Target{Host: "127.0.0.1", Port: adapter.ContainerPort(), Username: d.Username, Password: password, Database: d.Name}
	cmd := adapter.CLICommand(target)

	userID := s.wsUserID(r)
	kind := string(d.Engine) + "-cli"
	s.hub.OpenTerminal(w, r, userID, id, kind, cmd)
}

// wsUserID resolves the session-keying user ID from the authenticated
// principal the /api/v1 auth middleware already installed.
func (s *Server) wsUserID(r *http.Request) string {
	if p, ok := PrincipalFromContext(r.Context()); ok {
		return p.UserID
	}
	return ""
}
