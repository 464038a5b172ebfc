package streamhub

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/datify-sh/datify/internal/domain"
)

type connectedFrame struct {
	Type       string `json:"type"`
	DatabaseID string `json:"database_id"`
}

type metricsFrame struct {
	Type    string                  `json:"type"`
	Metrics *domain.MetricsSnapshot `json:"metrics"`
}

// HandleMetrics serves the realtime metrics stream: a connected
// acknowledgement, then every snapshot the broadcaster publishes for this
// instance, until the peer disconnects or the instance leaves running, per
// spec.md §4.H/§4.I. Unlike history reads, this bypasses the store entirely.
func (h *Hub) HandleMetrics(w http.ResponseWriter, r *http.Request, instanceID string) {
	conn, ok := h.upgrade(w, r, instanceID)
	if !ok {
		return
	}
	defer h.release(instanceID)
	defer conn.Close()

	var writeMu sync.Mutex
	ctx := r.Context()
	configurePong(conn)

	sub, cancel := h.broadcaster.Subscribe(instanceID)
	defer cancel()

	if err := writeJSON(conn, &writeMu, connectedFrame{Type: "connected", DatabaseID: instanceID}); err != nil {
		return
	}

	done := make(chan struct{})
	defer close(done)
	go pumpHeartbeat(conn, &writeMu, done)
	gone := watchReader(conn)

	statusTicker := time.NewTicker(statusPollPeriod)
	defer statusTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			return
		case <-sub.Dropped:
			_ = writeJSON(conn, &writeMu, errorFrame{Type: "error", Message: "metrics subscriber fell too far behind and was dropped"})
			closeWithReason(conn, &writeMu, websocket.CloseNormalClosure, "lagged too far")
			return
		case snap, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeJSON(conn, &writeMu, metricsFrame{Type: "metrics", Metrics: snap}); err != nil {
				logSessionClose(instanceID, "metrics", err)
				return
			}
		case <-statusTicker.C:
			if !instanceStillRunning(ctx, h.store, instanceID) {
				closeWithReason(conn, &writeMu, websocket.CloseNormalClosure, "instance is no longer running")
				return
			}
		}
	}
}
