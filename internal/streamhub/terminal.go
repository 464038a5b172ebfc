package streamhub

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/datify-sh/datify/internal/containerdriver"
)

// clientFrame decodes every inbound frame shape the terminal stream
// accepts: {type:"input", data}, {type:"resize", cols, rows},
// {type:"ping"}.
type clientFrame struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols uint32 `json:"cols,omitempty"`
	Rows uint32 `json:"rows,omitempty"`
}

type outputFrame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type pongFrame struct {
	Type string `json:"type"`
}

type connectedFrameTerminal struct {
	Type string `json:"type"`
}

// terminalConn is the registry entry used to replace a stale terminal
// session when a new one reconnects on the same (user, instance, kind) key.
type terminalConn struct {
	cancel context.CancelFunc
	closed chan struct{}
}

// OpenTerminal bridges a WebSocket connection to a PTY-attached exec session
// inside the instance's container. cmdArgs/tty are resolved by the caller
// (the plain interactive shell for /terminal, or the engine's native CLI
// for /psql, /valkey-cli, /redis-cli) — this package only owns the
// bridging, heartbeat, and session-replacement behavior common to all four
// endpoints, per spec.md §4.I.
func (h *Hub) OpenTerminal(w http.ResponseWriter, r *http.Request, userID, instanceID, kind string, cmdArgs []string) {
	conn, ok := h.upgrade(w, r, instanceID)
	if !ok {
		return
	}
	defer h.release(instanceID)
	defer conn.Close()

	key := sessionKey{userID: userID, instanceID: instanceID, kind: kind}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	self := &terminalConn{cancel: cancel, closed: make(chan struct{})}
	defer close(self.closed)
	h.replaceTerminal(key, self)
	defer h.clearTerminal(key, self)

	var writeMu sync.Mutex
	configurePong(conn)

	exec, err := h.driver.Exec(ctx, instanceID, cmdArgs, true)
	if err != nil {
		_ = writeJSON(conn, &writeMu, errorFrame{Type: "error", Message: err.Error()})
		return
	}
	defer exec.Close()

	if err := writeJSON(conn, &writeMu, connectedFrameTerminal{Type: "connected"}); err != nil {
		return
	}

	done := make(chan struct{})
	defer close(done)
	go pumpHeartbeat(conn, &writeMu, done)

	outputDone := make(chan struct{})
	go func() {
		defer close(outputDone)
		pumpOutput(conn, &writeMu, exec.Stdout, instanceID)
	}()

	statusTicker := time.NewTicker(statusPollPeriod)
	defer statusTicker.Stop()

	readErrs := make(chan error, 1)
	go func() {
		readErrs <- h.readClientFrames(conn, &writeMu, exec)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-outputDone:
			return
		case err := <-readErrs:
			if err != nil {
				logSessionClose(instanceID, kind, err)
			}
			return
		case <-statusTicker.C:
			if !instanceStillRunning(ctx, h.store, instanceID) {
				closeWithReason(conn, &writeMu, websocket.CloseNormalClosure, "instance is no longer running")
				return
			}
		}
	}
}

// pumpOutput copies the exec session's combined stdout/stderr (TTY sessions
// multiplex both onto Stdout, per containerdriver.ExecSession's contract)
// into {type:"output"} frames until it hits EOF or a write fails.
func pumpOutput(conn *websocket.Conn, mu *sync.Mutex, r io.Reader, instanceID string) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if werr := writeJSON(conn, mu, outputFrame{Type: "output", Data: string(buf[:n])}); werr != nil {
				logSessionClose(instanceID, "terminal", werr)
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// readClientFrames handles the inbound side: input bytes go to the exec's
// stdin, resize updates the PTY window, ping gets an immediate pong.
func (h *Hub) readClientFrames(conn *websocket.Conn, mu *sync.Mutex, exec *containerdriver.ExecSession) error {
	for {
		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		switch frame.Type {
		case "input":
			if _, err := exec.Stdin.Write([]byte(frame.Data)); err != nil {
				return err
			}
		case "resize":
			if exec.Resize != nil {
				_ = exec.Resize(frame.Cols, frame.Rows)
			}
		case "ping":
			if err := writeJSON(conn, mu, pongFrame{Type: "pong"}); err != nil {
				return err
			}
		}
	}
}

func (h *Hub) replaceTerminal(key sessionKey, self *terminalConn) {
	h.mu.Lock()
	old, ok := h.terminals[key]
	h.terminals[key] = self
	h.mu.Unlock()
	if ok {
		old.cancel()
		<-old.closed
	}
}

func (h *Hub) clearTerminal(key sessionKey, self *terminalConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.terminals[key] == self {
		delete(h.terminals, key)
	}
}
