package streamhub

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datify-sh/datify/internal/containerdriver"
	"github.com/datify-sh/datify/internal/crypto"
	"github.com/datify-sh/datify/internal/domain"
	"github.com/datify-sh/datify/internal/metrics"
	"github.com/datify-sh/datify/internal/store"
)

type nopCloser struct{ io.Reader }

func (nopCloser) Close() error { return nil }

type fakeRuntime struct {
	logBody   string
	execErr   error
	execInput *bytes.Buffer
}

func (f *fakeRuntime) Logs(ctx context.Context, id string, since *time.Time, tail int, follow bool) (io.ReadCloser, error) {
	return nopCloser{strings.NewReader(f.logBody)}, nil
}

type fakeWriteCloser struct{ buf *bytes.Buffer }

func (w fakeWriteCloser) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w fakeWriteCloser) Close() error                { return nil }

func (f *fakeRuntime) Exec(ctx context.Context, id string, cmdArgs []string, tty bool) (*containerdriver.ExecSession, error) {
	if f.execErr != nil {
		return nil, f.execErr
	}
	f.execInput = &bytes.Buffer{}
	stdoutR, stdoutW := io.Pipe()
	go func() {
		stdoutW.Write([]byte("hello\n"))
		<-ctx.Done()
		stdoutW.Close()
	}()
	return &containerdriver.ExecSession{
		Stdin:  fakeWriteCloser{buf: f.execInput},
		Stdout: stdoutR,
		Resize: func(cols, rows uint32) error { return nil },
		Wait:   func(context.Context) (uint32, error) { return 0, nil },
		Close:  func() error { return nil },
	}, nil
}

func newTestStoreAndDB(t *testing.T, status domain.Status) (*store.Store, *domain.Database) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	vault, err := crypto.NewVault("test-master-key-0123456789abcdef")
	require.NoError(t, err)
	enc, err := vault.Encrypt("secret")
	require.NoError(t, err)

	ctx := context.Background()
	u := &domain.User{ID: uuid.NewString(), Email: "owner@example.com", PasswordHash: "hash", Role: domain.RoleUser}
	require.NoError(t, st.CreateUser(ctx, u))
	p := &domain.Project{ID: uuid.NewString(), OwnerUserID: u.ID, Name: "demo", Slug: "demo-" + uuid.NewString(), Settings: "{}"}
	require.NoError(t, st.CreateProject(ctx, p))

	port := 22001
	ctr := "ctr1"
	host := "127.0.0.1"
	d := &domain.Database{
		ID: uuid.NewString(), ProjectID: p.ID, Name: "db1", Engine: domain.EnginePostgres, EngineVersion: "16",
		Status: status, Username: "postgres", PasswordEnc: &enc, Port: &port, ContainerID: &ctr,
		Host: &host, Limits: domain.DefaultLimits(),
	}
	require.NoError(t, st.CreateDatabase(ctx, nil, d))
	return st, d
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *gws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestHandleLogsSendsInitialThenFollows(t *testing.T) {
	st, d := newTestStoreAndDB(t, domain.StatusRunning)
	driver := &fakeRuntime{logBody: "2026-01-01T00:00:00Z stdout line one\nraw legacy line\n"}
	h := New(st, driver, metrics.NewBroadcaster(), 10)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.HandleLogs(w, r, d.ID, 50)
	}))
	defer srv.Close()

	conn := dialWS(t, srv, "/")
	defer conn.Close()

	var initial initialLogsFrame
	require.NoError(t, conn.ReadJSON(&initial))
	assert.Equal(t, "initial", initial.Type)
	require.Len(t, initial.Entries, 2)
	assert.Equal(t, "stdout", initial.Entries[0].Stream)
	assert.Equal(t, "line one", initial.Entries[0].Message)
	assert.NotNil(t, initial.Entries[0].Timestamp)
	assert.Nil(t, initial.Entries[1].Timestamp) // malformed line, no marker to parse

	// The follow reader replays the same fake body as appended log frames.
	var followed logFrame
	require.NoError(t, conn.ReadJSON(&followed))
	assert.Equal(t, "log", followed.Type)
	assert.Equal(t, "line one", followed.Entry.Message)
}

func TestHandleMetricsEmitsConnectedThenSnapshots(t *testing.T) {
	st, d := newTestStoreAndDB(t, domain.StatusRunning)
	driver := &fakeRuntime{}
	broadcaster := metrics.NewBroadcaster()
	h := New(st, driver, broadcaster, 10)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.HandleMetrics(w, r, d.ID)
	}))
	defer srv.Close()

	conn := dialWS(t, srv, "/")
	defer conn.Close()

	var connected connectedFrame
	require.NoError(t, conn.ReadJSON(&connected))
	assert.Equal(t, "connected", connected.Type)
	assert.Equal(t, d.ID, connected.DatabaseID)

	// Give the handler a moment to register its broadcaster subscription.
	require.Eventually(t, func() bool { return broadcaster.SubscriberCount(d.ID) == 1 }, time.Second, 5*time.Millisecond)

	broadcaster.Publish(d.ID, &domain.MetricsSnapshot{ID: "snap1", DatabaseID: d.ID})

	var mf metricsFrame
	require.NoError(t, conn.ReadJSON(&mf))
	assert.Equal(t, "metrics", mf.Type)
	assert.Equal(t, "snap1", mf.Metrics.ID)
}

func TestHandleTerminalBridgesInputAndOutput(t *testing.T) {
	st, d := newTestStoreAndDB(t, domain.StatusRunning)
	driver := &fakeRuntime{}
	h := New(st, driver, metrics.NewBroadcaster(), 10)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.OpenTerminal(w, r, "user1", d.ID, "terminal", []string{"/bin/sh"})
	}))
	defer srv.Close()

	conn := dialWS(t, srv, "/")
	defer conn.Close()

	var connected connectedFrameTerminal
	require.NoError(t, conn.ReadJSON(&connected))
	assert.Equal(t, "connected", connected.Type)

	var out outputFrame
	require.NoError(t, conn.ReadJSON(&out))
	assert.Equal(t, "output", out.Type)
	assert.Equal(t, "hello\n", out.Data)

	require.NoError(t, conn.WriteJSON(clientFrame{Type: "input", Data: "echo hi\n"}))
	require.Eventually(t, func() bool {
		return driver.execInput != nil && driver.execInput.Len() > 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "echo hi\n", driver.execInput.String())

	require.NoError(t, conn.WriteJSON(clientFrame{Type: "ping"}))
	var pong pongFrame
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, "pong", pong.Type)
}

func TestAdmitRejectsOverCapacity(t *testing.T) {
	st, d := newTestStoreAndDB(t, domain.StatusRunning)
	h := New(st, &fakeRuntime{}, metrics.NewBroadcaster(), 1)

	assert.True(t, h.admit(d.ID))
	assert.False(t, h.admit(d.ID))
	h.release(d.ID)
	assert.True(t, h.admit(d.ID))
}

func TestReplaceTerminalClosesPriorSession(t *testing.T) {
	st, d := newTestStoreAndDB(t, domain.StatusRunning)
	h := New(st, &fakeRuntime{}, metrics.NewBroadcaster(), 10)

	key := sessionKey{userID: "u1", instanceID: d.ID, kind: "terminal"}
	canceled := make(chan struct{})
	first := &terminalConn{cancel: func() { close(canceled) }, closed: make(chan struct{})}
	h.replaceTerminal(key, first)

	go func() {
		<-canceled
		close(first.closed)
	}()

	second := &terminalConn{cancel: func() {}, closed: make(chan struct{})}
	h.replaceTerminal(key, second) // blocks until first.closed closes, proving cancel was awaited

	h.mu.Lock()
	got := h.terminals[key]
	h.mu.Unlock()
	assert.Same(t, second, got)
}
