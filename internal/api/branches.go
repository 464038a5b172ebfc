package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/datify-sh/datify/internal/apperr"
	"github.com/datify-sh/datify/internal/branching"
)

type createBranchRequest struct {
	Name        string `json:"name"`
	IncludeData bool   `json:"include_data"`
}

func (s *Server) handleCreateBranch(w http.ResponseWriter, r *http.Request) {
	parentID := chi.URLParam(r, "id")

	var req createBranchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, string(apperr.CodeInvalidConfig), "malformed request body")
		return
	}

	child, err := s.branching.CreateBranch(r.Context(), branching.CreateBranchRequest{
		ParentID:    parentID,
		Name:        req.Name,
		IncludeData: req.IncludeData,
	})
	if err != nil {
		RespondErr(w, err)
		return
	}

	view, err := newDatabaseView(child, s.vault, s.cfg.DockerHostIP)
	if err != nil {
		RespondErr(w, err)
		return
	}
	Respond(w, http.StatusCreated, view)
}
