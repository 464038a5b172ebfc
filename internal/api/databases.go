package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/datify-sh/datify/internal/apperr"
	"github.com/datify-sh/datify/internal/domain"
	"github.com/datify-sh/datify/internal/lifecycle"
)

func (s *Server) mountDatabases(r chi.Router) {
	r.Post("/projects/{pid}/databases", s.handleCreateDatabase)
	r.Get("/projects/{pid}/databases", s.handleListDatabases)

	r.Get("/databases/{id}", s.handleGetDatabase)
	r.Put("/databases/{id}", s.handleUpdateDatabase)
	r.Delete("/databases/{id}", s.handleDeleteDatabase)
	r.Post("/databases/{id}/start", s.handleStartDatabase)
	r.Post("/databases/{id}/stop", s.handleStopDatabase)
	r.Post("/databases/{id}/change-password", s.handleChangePassword)
	r.Post("/databases/{id}/sync-from-parent", s.handleSyncFromParent)
	r.Post("/databases/{id}/branches", s.handleCreateBranch)
}

type createDatabaseRequest struct {
	Name            string  `json:"name"`
	DatabaseType    string  `json:"database_type"`
	EngineVersion   string  `json:"engine_version"`
	PostgresVersion string  `json:"postgres_version"`
	ValkeyVersion   string  `json:"valkey_version"`
	RedisVersion    string  `json:"redis_version"`
	Password        string  `json:"password"`
	CPULimit        float64 `json:"cpu_limit"`
	MemoryLimitMB   int64   `json:"memory_limit_mb"`
	StorageLimitMB  int64   `json:"storage_limit_mb"`
	PublicExposed   bool    `json:"public_exposed"`
}

// version resolves the request's engine-specific version field, falling
// back to the generic engine_version for callers that don't key it by
// engine name.
func (req *createDatabaseRequest) version() string {
	switch domain.Engine(req.DatabaseType) {
	case domain.EnginePostgres:
		if req.PostgresVersion != "" {
			return req.PostgresVersion
		}
	case domain.EngineValkey:
		if req.ValkeyVersion != "" {
			return req.ValkeyVersion
		}
	case domain.EngineRedis:
		if req.RedisVersion != "" {
			return req.RedisVersion
		}
	}
	return req.EngineVersion
}

func (s *Server) handleCreateDatabase(w http.ResponseWriter, r *http.Request) {
	pid := chi.URLParam(r, "pid")

	var req createDatabaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, string(apperr.CodeInvalidConfig), "malformed request body")
		return
	}

	limits := domain.DefaultLimits()
	if req.CPULimit > 0 {
		limits.CPUCores = req.CPULimit
	}
	if req.MemoryLimitMB > 0 {
		limits.MemoryMB = req.MemoryLimitMB
	}
	if req.StorageLimitMB > 0 {
		limits.StorageMB = req.StorageLimitMB
	}

	d, err := s.lifecycle.Create(r.Context(), lifecycle.CreateRequest{
		ProjectID:     pid,
		Name:          req.Name,
		Engine:        domain.Engine(req.DatabaseType),
		Version:       req.version(),
		Password:      req.Password,
		Limits:        limits,
		PublicExposed: req.PublicExposed,
	})
	if err != nil {
		RespondErr(w, err)
		return
	}

	view, err := newDatabaseView(d, s.vault, s.cfg.DockerHostIP)
	if err != nil {
		RespondErr(w, err)
		return
	}
	Respond(w, http.StatusCreated, view)
}

func (s *Server) handleListDatabases(w http.ResponseWriter, r *http.Request) {
	pid := chi.URLParam(r, "pid")
	dbs, err := s.store.ListDatabasesByProject(r.Context(), pid)
	if err != nil {
		RespondErr(w, err)
		return
	}

	views := make([]*DatabaseView, 0, len(dbs))
	for _, d := range dbs {
		v, err := newDatabaseView(d, s.vault, s.cfg.DockerHostIP)
		if err != nil {
			RespondErr(w, err)
			return
		}
		views = append(views, v)
	}
	Respond(w, http.StatusOK, views)
}

func (s *Server) handleGetDatabase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := s.store.GetDatabase(r.Context(), id)
	if err != nil {
		RespondErr(w, err)
		return
	}
	view, err := newDatabaseView(d, s.vault, s.cfg.DockerHostIP)
	if err != nil {
		RespondErr(w, err)
		return
	}
	Respond(w, http.StatusOK, view)
}

type updateDatabaseRequest struct {
	CPULimit       *float64 `json:"cpu_limit"`
	MemoryLimitMB  *int64   `json:"memory_limit_mb"`
	StorageLimitMB *int64   `json:"storage_limit_mb"`
	PublicExposed  *bool    `json:"public_exposed"`
}

func (s *Server) handleUpdateDatabase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateDatabaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, string(apperr.CodeInvalidConfig), "malformed request body")
		return
	}

	d, err := s.store.GetDatabase(r.Context(), id)
	if err != nil {
		RespondErr(w, err)
		return
	}

	var patch lifecycle.UpdatePatch
	if req.CPULimit != nil || req.MemoryLimitMB != nil || req.StorageLimitMB != nil {
		limits := d.Limits
		if req.CPULimit != nil {
			limits.CPUCores = *req.CPULimit
		}
		if req.MemoryLimitMB != nil {
			limits.MemoryMB = *req.MemoryLimitMB
		}
		if req.StorageLimitMB != nil {
			limits.StorageMB = *req.StorageLimitMB
		}
		patch.Limits = &limits
	}
	patch.PublicExposed = req.PublicExposed

	if err := s.lifecycle.Update(r.Context(), id, patch); err != nil {
		RespondErr(w, err)
		return
	}

	d, err = s.store.GetDatabase(r.Context(), id)
	if err != nil {
		RespondErr(w, err)
		return
	}
	view, err := newDatabaseView(d, s.vault, s.cfg.DockerHostIP)
	if err != nil {
		RespondErr(w, err)
		return
	}
	Respond(w, http.StatusOK, view)
}

func (s *Server) handleDeleteDatabase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	force := r.URL.Query().Get("force") == "true"
	if err := s.lifecycle.Delete(r.Context(), id, force); err != nil {
		RespondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartDatabase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := s.lifecycle.Start(r.Context(), id)
	if err != nil {
		RespondErr(w, err)
		return
	}
	view, err := newDatabaseView(d, s.vault, s.cfg.DockerHostIP)
	if err != nil {
		RespondErr(w, err)
		return
	}
	Respond(w, http.StatusOK, view)
}

func (s *Server) handleStopDatabase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := s.lifecycle.Stop(r.Context(), id)
	if err != nil {
		RespondErr(w, err)
		return
	}
	view, err := newDatabaseView(d, s.vault, s.cfg.DockerHostIP)
	if err != nil {
		RespondErr(w, err)
		return
	}
	Respond(w, http.StatusOK, view)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, string(apperr.CodeInvalidConfig), "malformed request body")
		return
	}

	if err := s.lifecycle.ChangePassword(r.Context(), id, req.CurrentPassword, req.NewPassword); err != nil {
		RespondErr(w, err)
		return
	}
	Respond(w, http.StatusOK, map[string]bool{"changed": true})
}

func (s *Server) handleSyncFromParent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.branching.SyncFromParent(r.Context(), id); err != nil {
		RespondErr(w, err)
		return
	}
	Respond(w, http.StatusOK, map[string]bool{"synced": true})
}
