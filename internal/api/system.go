package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/datify-sh/datify/internal/domain"
)

var systemEngines = []domain.Engine{domain.EnginePostgres, domain.EngineValkey, domain.EngineRedis}

func (s *Server) mountSystem(r chi.Router) {
	r.Get("/system", s.handleSystemInfo)
	r.Get("/system/postgres-versions", s.handleEngineVersions(domain.EnginePostgres))
	r.Get("/system/valkey-versions", s.handleEngineVersions(domain.EngineValkey))
	r.Get("/system/redis-versions", s.handleEngineVersions(domain.EngineRedis))
}

type systemInfoView struct {
	Status        string   `json:"status"`
	UptimeSeconds int64    `json:"uptime_seconds"`
	Engines       []string `json:"engines"`
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	engines := make([]string, 0, len(systemEngines))
	for _, e := range systemEngines {
		engines = append(engines, string(e))
	}
	Respond(w, http.StatusOK, systemInfoView{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Engines:       engines,
	})
}

type engineVersionsView struct {
	Default   string   `json:"default"`
	Supported []string `json:"supported"`
}

func (s *Server) handleEngineVersions(e domain.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		adapter, err := s.engines.Lookup(e)
		if err != nil {
			RespondErr(w, err)
			return
		}
		Respond(w, http.StatusOK, engineVersionsView{
			Default:   adapter.DefaultVersion(),
			Supported: adapter.SupportedVersions(),
		})
	}
}
