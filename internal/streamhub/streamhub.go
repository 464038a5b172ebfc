// Package streamhub manages the three WebSocket stream kinds Datify exposes
// per instance — logs, metrics, and interactive terminals — handling
// heartbeats, write backpressure, per-instance session caps, and teardown
// when the peer disconnects or the instance leaves running, per spec.md
// §4.I.
package streamhub

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/datify-sh/datify/internal/apperr"
	"github.com/datify-sh/datify/internal/containerdriver"
	"github.com/datify-sh/datify/internal/domain"
	"github.com/datify-sh/datify/internal/log"
	"github.com/datify-sh/datify/internal/metrics"
	"github.com/datify-sh/datify/internal/store"
)

const (
	writeWait        = 10 * time.Second // §5: WS write timeout; exceeding it closes with SlowConsumer
	pongWait         = 60 * time.Second
	pingPeriod       = 25 * time.Second // must be < pongWait
	statusPollPeriod = pingPeriod       // piggybacks on the heartbeat tick to notice the instance leaving running

	closeSessionLimit = 4029 // 429-equivalent close code: too many sessions on this instance
)

// ContainerRuntime is the subset of containerdriver.Driver the hub needs:
// tailing captured logs and exec'ing an interactive process.
type ContainerRuntime interface {
	Logs(ctx context.Context, id string, since *time.Time, tail int, follow bool) (io.ReadCloser, error)
	Exec(ctx context.Context, id string, cmdArgs []string, tty bool) (*containerdriver.ExecSession, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Authentication and origin checks happen in the HTTP middleware chain
	// before the request reaches the hub; the upgrade itself accepts any
	// origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type sessionKey struct {
	userID     string
	instanceID string
	kind       string
}

// Hub tracks live sessions across all three stream kinds: the per-instance
// session count (for the admission cap) and, for terminals only, the
// (user, instance, kind) keyed registry used to replace a stale connection
// on reconnect.
type Hub struct {
	store       *store.Store
	driver      ContainerRuntime
	broadcaster *metrics.Broadcaster

	maxSessionsPerInstance int

	mu          sync.Mutex
	counts      map[string]int              // instanceID -> open session count, all kinds
	terminals   map[sessionKey]*terminalConn // terminal kinds only
}

// New builds a hub. maxSessionsPerInstance caps total concurrent sessions
// (all kinds combined) open against one instance; 0 uses a sane default.
func New(st *store.Store, driver ContainerRuntime, broadcaster *metrics.Broadcaster, maxSessionsPerInstance int) *Hub {
	if maxSessionsPerInstance <= 0 {
		maxSessionsPerInstance = 20
	}
	return &Hub{
		store:                  st,
		driver:                 driver,
		broadcaster:            broadcaster,
		maxSessionsPerInstance: maxSessionsPerInstance,
		counts:                 make(map[string]int),
		terminals:              make(map[sessionKey]*terminalConn),
	}
}

// admit reserves a session slot for instanceID, rejecting with false once
// the per-instance cap is reached.
func (h *Hub) admit(instanceID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.counts[instanceID] >= h.maxSessionsPerInstance {
		return false
	}
	h.counts[instanceID]++
	return true
}

func (h *Hub) release(instanceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counts[instanceID]--
	if h.counts[instanceID] <= 0 {
		delete(h.counts, instanceID)
	}
}

// upgrade performs the HTTP->WS handshake, rejecting over-capacity
// connections with a 429-equivalent close code before anything else runs.
func (h *Hub) upgrade(w http.ResponseWriter, r *http.Request, instanceID string) (*websocket.Conn, bool) {
	if !h.admit(instanceID) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return nil, false
		}
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(closeSessionLimit, "too many sessions for this instance")
		_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
		conn.Close()
		return nil, false
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.release(instanceID)
		return nil, false
	}
	return conn, true
}

// instanceStillRunning is polled on the heartbeat cadence by each session
// loop, for the "close when the instance leaves running" teardown rule.
func instanceStillRunning(ctx context.Context, st *store.Store, instanceID string) bool {
	d, err := st.GetDatabase(ctx, instanceID)
	if err != nil {
		return false
	}
	return d.Status == domain.StatusRunning
}

// writeJSON sends v as a text frame, enforcing the write deadline; a
// deadline exceeded or any other write failure is reported as
// CodeSlowConsumer since the only way a local, buffered WS write blocks
// this long is a peer that isn't draining its receive buffer.
func writeJSON(conn *websocket.Conn, mu *sync.Mutex, v interface{}) error {
	mu.Lock()
	defer mu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := conn.WriteJSON(v); err != nil {
		return apperr.Wrap(apperr.CodeSlowConsumer, "write stream frame", err)
	}
	return nil
}

func closeWithReason(conn *websocket.Conn, mu *sync.Mutex, code int, reason string) {
	mu.Lock()
	defer mu.Unlock()
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
	conn.Close()
}

func logSessionClose(databaseID, kind string, err error) {
	ev := log.WithDatabase(databaseID).Info()
	if err != nil {
		ev = log.WithDatabase(databaseID).Warn().Err(err)
	}
	ev.Str("stream_kind", kind).Msg("stream session closed")
}

// errorFrame is the {type:"error", message} shape shared by all three
// stream kinds.
type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// configurePong arms the peer's inbound-pong deadline and refreshes it on
// every pong received, per the 60s pong-timeout rule in spec.md §4.I/§5.
func configurePong(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// watchReader discards every inbound frame on conn (logs and metrics are
// server->client only) purely so gorilla/websocket dispatches pong control
// frames to the handler configurePong installs; the returned channel closes
// once the read loop ends, which is how a dead peer (pong timeout) or a
// client-initiated close surfaces to the session loop.
func watchReader(conn *websocket.Conn) <-chan struct{} {
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return gone
}

// pumpHeartbeat sends a ping every pingPeriod until done is closed. Logs and
// metrics streams are server->client only at the WS-control-frame level, so
// this is the sole source of outbound traffic keeping idle connections
// alive and detecting dead peers via configurePong's read deadline.
func pumpHeartbeat(conn *websocket.Conn, mu *sync.Mutex, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
