package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/datify-sh/datify/internal/apperr"
)

func (s *Server) mountConfig(r chi.Router) {
	r.Get("/databases/{id}/config", s.handleGetConfig)
	r.Put("/databases/{id}/config", s.handlePutConfig)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cfg, err := s.configEditor.GetConfig(r.Context(), id)
	if err != nil {
		RespondErr(w, err)
		return
	}
	Respond(w, http.StatusOK, cfg)
}

type putConfigRequest struct {
	Content string `json:"content"`
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req putConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, string(apperr.CodeInvalidConfig), "malformed request body")
		return
	}

	res, err := s.configEditor.PutConfig(r.Context(), id, req.Content)
	if err != nil {
		RespondErr(w, err)
		return
	}
	Respond(w, http.StatusOK, res)
}
