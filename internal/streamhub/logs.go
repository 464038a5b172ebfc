package streamhub

import (
	"bufio"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/datify-sh/datify/internal/domain"
)

// logRateLimit/logRateBurst bound how fast a chatty container can push
// appended log lines at one WS session; the line-buffered channel behind
// linesCh is small (16) on purpose, so a limiter upstream of it keeps a
// noisy container from starving the reconnect/heartbeat handling of its own
// goroutine instead of just filling that buffer instantly.
const (
	logRateLimit = 200 // lines/sec sustained
	logRateBurst = 400
)

const (
	defaultLogTail = 200
	maxLogTail     = 1000
)

// LogEntry is one line of a container's captured output, reconstructed from
// the timestamp+stream marker containerdriver's log sink prefixes onto each
// line. Lines written before that marker existed (or anything malformed)
// surface as an undated stdout entry rather than being dropped.
type LogEntry struct {
	LogType   domain.Engine `json:"log_type"`
	Stream    string        `json:"stream"`
	Message   string        `json:"message"`
	Timestamp *time.Time    `json:"timestamp,omitempty"`
}

type initialLogsFrame struct {
	Type    string     `json:"type"`
	Entries []LogEntry `json:"entries"`
}

type logFrame struct {
	Type  string   `json:"type"`
	Entry LogEntry `json:"entry"`
}

// HandleLogs serves the logs stream: an initial tail of N entries, then the
// container's appended log output until the peer disconnects or the
// instance leaves running, per spec.md §4.I.
func (h *Hub) HandleLogs(w http.ResponseWriter, r *http.Request, instanceID string, tail int) {
	if tail <= 0 {
		tail = defaultLogTail
	}
	if tail > maxLogTail {
		tail = maxLogTail
	}

	d, err := h.store.GetDatabase(r.Context(), instanceID)
	if err != nil {
		http.Error(w, "instance not found", http.StatusNotFound)
		return
	}

	conn, ok := h.upgrade(w, r, instanceID)
	if !ok {
		return
	}
	defer h.release(instanceID)
	defer conn.Close()

	var writeMu sync.Mutex
	ctx := r.Context()
	configurePong(conn)

	initial, err := h.driver.Logs(ctx, instanceID, nil, tail, false)
	if err != nil {
		_ = writeJSON(conn, &writeMu, errorFrame{Type: "error", Message: err.Error()})
		return
	}
	entries := readLogEntries(initial, d.Engine)
	initial.Close()

	if err := writeJSON(conn, &writeMu, initialLogsFrame{Type: "initial", Entries: entries}); err != nil {
		logSessionClose(instanceID, "logs", err)
		return
	}

	follow, err := h.driver.Logs(ctx, instanceID, nil, 0, true)
	if err != nil {
		_ = writeJSON(conn, &writeMu, errorFrame{Type: "error", Message: err.Error()})
		return
	}
	defer follow.Close()

	done := make(chan struct{})
	defer close(done)
	go pumpHeartbeat(conn, &writeMu, done)
	gone := watchReader(conn)

	linesCh := make(chan string, 16)
	go func() {
		defer close(linesCh)
		scanner := bufio.NewScanner(follow)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case linesCh <- scanner.Text():
			case <-done:
				return
			}
		}
	}()

	statusTicker := time.NewTicker(statusPollPeriod)
	defer statusTicker.Stop()
	limiter := rate.NewLimiter(logRateLimit, logRateBurst)

	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			return
		case line, ok := <-linesCh:
			if !ok {
				return
			}
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			entry := parseLogEntry(line, d.Engine)
			if err := writeJSON(conn, &writeMu, logFrame{Type: "log", Entry: entry}); err != nil {
				logSessionClose(instanceID, "logs", err)
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

func readLogEntries(r io.Reader, logType domain.Engine) []LogEntry {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var entries []LogEntry
	for scanner.Scan() {
		entries = append(entries, parseLogEntry(scanner.Text(), logType))
	}
	return entries
}

// parseLogEntry pulls the timestamp+stream marker written by
// containerdriver's log sink off the front of line.
func parseLogEntry(line string, logType domain.Engine) LogEntry {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) == 3 {
		if t, err := time.Parse(time.RFC3339Nano, parts[0]); err == nil && (parts[1] == "stdout" || parts[1] == "stderr") {
			ts := t
			return LogEntry{LogType: logType, Stream: parts[1], Message: parts[2], Timestamp: &ts}
		}
	}
	return LogEntry{LogType: logType, Stream: "stdout", Message: line}
}
