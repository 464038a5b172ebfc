package api

import (
	"net/http"
)

// handleHealthz reports process liveness unconditionally, grounded on
// wisbric-nightowl's httpserver.handleHealthz.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// handleReadyz checks the state store is reachable before reporting ready,
// the same single-dependency-ping shape as wisbric-nightowl's handleReadyz
// (which checks DB/Redis/Zammad) narrowed to Datify's one persistent
// dependency.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []checkResult{s.checkStore(r)}

	allOK := true
	for _, c := range checks {
		if c.Status != "ok" {
			allOK = false
		}
	}

	status := http.StatusOK
	if !allOK {
		status = http.StatusServiceUnavailable
	}

	overall := "ok"
	if !allOK {
		overall = "not_ready"
	}
	Respond(w, status, map[string]any{"status": overall, "checks": checks})
}

func (s *Server) checkStore(r *http.Request) checkResult {
	if _, err := s.store.AllocatedPorts(); err != nil {
		return checkResult{Name: "store", Status: "error", Error: err.Error()}
	}
	return checkResult{Name: "store", Status: "ok"}
}
