package api

import (
	"encoding/json"
	"net/http"

	"github.com/datify-sh/datify/internal/apperr"
	"github.com/datify-sh/datify/internal/log"
)

// Respond writes a JSON response with the given status code, grounded on
// wisbric-nightowl's httpserver.Respond.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("encoding response")
	}
}

// ErrorResponse is the standard JSON error envelope every handler failure
// funnels through.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// RespondError writes a JSON error response with an explicit code/message,
// for failures that never reach internal/apperr (bad request bodies,
// missing path params).
func RespondError(w http.ResponseWriter, status int, code, message string) {
	Respond(w, status, ErrorResponse{Error: code, Message: message})
}

// RespondErr maps any error returned by a component into its HTTP status
// and envelope via internal/apperr's taxonomy, defaulting to 500 for
// anything that isn't an *apperr.Error.
func RespondErr(w http.ResponseWriter, err error) {
	if ae, ok := apperr.As(err); ok {
		Respond(w, ae.HTTPStatus(), ErrorResponse{Error: string(ae.Code), Message: ae.Message, Fields: ae.Fields})
		return
	}
	Respond(w, http.StatusInternalServerError, ErrorResponse{Error: string(apperr.CodeOther), Message: err.Error()})
}
