package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/datify-sh/datify/internal/apperr"
	"github.com/datify-sh/datify/internal/domain"
	"github.com/datify-sh/datify/internal/engine"
)

const defaultQueryStatsLimit = 20

// handleGetQueries serves GET /databases/{id}/queries, postgres-only per
// spec.md §6; the engine.Adapter.TopQueries contract reports
// CodeInvalidConfig for key-value engines.
func (s *Server) handleGetQueries(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	limit := defaultQueryStatsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	sortBy := r.URL.Query().Get("sort_by")
	if sortBy == "" {
		sortBy = "total_time"
	}

	d, err := s.store.GetDatabase(r.Context(), id)
	if err != nil {
		RespondErr(w, err)
		return
	}
	if d.Status != domain.StatusRunning || d.Port == nil || d.PasswordEnc == nil {
		RespondError(w, http.StatusConflict, string(apperr.CodeConflictingState), "instance must be running to read query statistics")
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

	target := engine.Target{Host: "127.0.0.1", Port: *d.Port, Username: d.Username, Password: password, Database: d.Name}
	stats, err := adapter.TopQueries(r.Context(), target, sortBy, limit)
	if err != nil {
		RespondErr(w, err)
		return
	}
	Respond(w, http.StatusOK, stats)
}
