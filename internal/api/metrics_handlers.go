package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/datify-sh/datify/internal/apperr"
	"github.com/datify-sh/datify/internal/domain"
)

func (s *Server) mountMetrics(r chi.Router) {
	r.Get("/databases/{id}/metrics", s.handleGetMetrics)
	r.Get("/databases/{id}/metrics/history", s.handleGetMetricsHistory)
	r.Get("/databases/{id}/queries", s.handleGetQueries)
}

// handleGetMetrics returns the instance's most recent persisted snapshot.
func (s *Server) handleGetMetrics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	snaps, err := s.store.MetricsHistory(r.Context(), id, time.Now().Add(-domain.MetricsRetention))
	if err != nil {
		RespondErr(w, err)
		return
	}
	if len(snaps) == 0 {
		RespondError(w, http.StatusNotFound, string(apperr.CodeNotFound), "no metrics collected yet")
		return
	}
	Respond(w, http.StatusOK, newMetricsView(snaps[len(snaps)-1]))
}

// handleGetMetricsHistory serves a time-ranged window, ordered oldest
// first, per spec.md §4.H; range=realtime is the one value the store
// can't answer, so it bypasses the store and samples the live broadcaster
// instead.
func (s *Server) handleGetMetricsHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rangeParam := domain.MetricsRange(r.URL.Query().Get("range"))
	if rangeParam == "" {
		rangeParam = domain.Range1h
	}

	lookback, ok := rangeParam.Duration()
	if !ok {
		snap, err := s.sampleRealtime(r.Context(), id)
		if err != nil {
			RespondErr(w, err)
			return
		}
		if snap == nil {
			Respond(w, http.StatusOK, []MetricsView{})
			return
		}
		Respond(w, http.StatusOK, []MetricsView{newMetricsView(snap)})
		return
	}

	snaps, err := s.store.MetricsHistory(r.Context(), id, time.Now().Add(-lookback))
	if err != nil {
		RespondErr(w, err)
		return
	}
	views := make([]MetricsView, 0, len(snaps))
	for _, snap := range snaps {
		views = append(views, newMetricsView(snap))
	}
	Respond(w, http.StatusOK, views)
}

// sampleRealtime waits briefly for the next snapshot the scraper publishes
// to the broadcaster, rather than reading anything already persisted.
func (s *Server) sampleRealtime(ctx context.Context, databaseID string) (*domain.MetricsSnapshot, error) {
	sub, cancel := s.broadcaster.Subscribe(databaseID)
	defer cancel()

	ctx, done := context.WithTimeout(ctx, 5*time.Second)
	defer done()

	select {
	case snap, ok := <-sub.C:
		if !ok {
			return nil, nil
		}
		return snap, nil
	case <-sub.Dropped:
		return nil, apperr.New(apperr.CodeSlowConsumer, "lagged too far behind the realtime metrics stream")
	case <-ctx.Done():
		return nil, nil
	}
}
