package lifecycle

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datify-sh/datify/internal/apperr"
	"github.com/datify-sh/datify/internal/containerdriver"
	"github.com/datify-sh/datify/internal/crypto"
	"github.com/datify-sh/datify/internal/domain"
	"github.com/datify-sh/datify/internal/engine"
	"github.com/datify-sh/datify/internal/ports"
	"github.com/datify-sh/datify/internal/store"
)

// fakeRuntime stands in for containerdriver.Driver: it never touches a real
// containerd socket, it just records calls and hands back deterministic
// ids. It mirrors the real driver's create-is-idempotent contract (Stop
// only tears down the task, never the container, so a second Create on the
// same spec.ID must reuse rather than fail) so tests exercising the
// stop/start cycle catch a regression to the old create-always semantics.
type fakeRuntime struct {
	mu       sync.Mutex
	created  []containerdriver.Spec
	existing map[string]bool
	started  []string
	stopped  []string
	removed  []string
}

func (f *fakeRuntime) Create(ctx context.Context, spec containerdriver.Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.existing == nil {
		f.existing = make(map[string]bool)
	}
	if f.existing[spec.ID] {
		return "ctr-" + spec.ID, nil
	}
	f.existing[spec.ID] = true
	f.created = append(f.created, spec)
	return "ctr-" + spec.ID, nil
}

func (f *fakeRuntime) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	return nil
}

func (f *fakeRuntime) Stop(ctx context.Context, id string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.existing, id)
	f.removed = append(f.removed, id)
	return nil
}

// fakeAdapter is a minimal engine.Adapter that never dials out, so readiness
// succeeds immediately and the provisioning goroutine settles fast.
type fakeAdapter struct {
	readyErr error
}

func (a *fakeAdapter) DefaultVersion() string        { return "16" }
func (a *fakeAdapter) SupportedVersions() []string   { return []string{"16", "15"} }
func (a *fakeAdapter) ImageRef(version string) string { return "postgres:" + version }
func (a *fakeAdapter) BuildEnv(username, password, database string) map[string]string {
	return map[string]string{"POSTGRES_PASSWORD": password}
}
func (a *fakeAdapter) ContainerPort() int { return 5432 }
func (a *fakeAdapter) ReadinessProbe(ctx context.Context, t engine.Target) error {
	return a.readyErr
}
func (a *fakeAdapter) CollectMetrics(ctx context.Context, t engine.Target) (*domain.MetricsSnapshot, error) {
	return &domain.MetricsSnapshot{}, nil
}
func (a *fakeAdapter) CLICommand(t engine.Target) []string { return []string{"psql"} }
func (a *fakeAdapter) ConfigRead(ctx context.Context, t engine.Target) (engine.Config, error) {
	return engine.Config{}, nil
}
func (a *fakeAdapter) ConfigWrite(ctx context.Context, t engine.Target, content string) (bool, error) {
	return true, nil
}
func (a *fakeAdapter) SchemaReplicate(ctx context.Context, src, dst engine.Target, mode engine.ReplicateMode) error {
	return nil
}
func (a *fakeAdapter) DataSync(ctx context.Context, src, dst engine.Target) error { return nil }
func (a *fakeAdapter) ChangePassword(ctx context.Context, t engine.Target, newPassword string) error {
	return nil
}

func (a *fakeAdapter) TopQueries(ctx context.Context, t engine.Target, sortBy string, limit int) ([]engine.QueryStat, error) {
	return nil, nil
}

type fakeRegistry struct {
	adapter *fakeAdapter
}

func (r *fakeRegistry) Lookup(e domain.Engine) (engine.Adapter, error) {
	if e != domain.EnginePostgres {
		return nil, apperr.Newf(apperr.CodeInvalidConfig, "unknown engine %q", e)
	}
	return r.adapter, nil
}

// fakeScraper stands in for metrics.Scraper so tests can assert exactly
// which instances had their scrape loop started/stopped without a real
// prometheus registry or engine connections.
type fakeScraper struct {
	mu      sync.Mutex
	started []string
	stopped []string
}

func (f *fakeScraper) Start(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
}

func (f *fakeScraper) Stop(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
}

func (f *fakeScraper) hasStarted(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.started {
		if s == id {
			return true
		}
	}
	return false
}

func newTestManager(t *testing.T) (*Manager, *fakeRuntime, *store.Store) {
	mgr, rt, st, _ := newTestManagerWithScraper(t)
	return mgr, rt, st
}

func newTestManagerWithScraper(t *testing.T) (*Manager, *fakeRuntime, *store.Store, *fakeScraper) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	alloc, err := ports.New(20000, 20010, st)
	require.NoError(t, err)

	vault, err := crypto.NewVault("test-master-key-0123456789abcdef")
	require.NoError(t, err)

	rt := &fakeRuntime{}
	reg := &fakeRegistry{adapter: &fakeAdapter{}}
	scraper := &fakeScraper{}

	mgr := New(Config{DockerDataDir: "/data", DockerHostIP: "10.0.0.5"}, st, rt, reg, vault, alloc, scraper)
	return mgr, rt, st, scraper
}

func seedProject(t *testing.T, st *store.Store) *domain.Project {
	t.Helper()
	ctx := context.Background()
	u := &domain.User{ID: uuid.NewString(), Email: "owner@example.com", PasswordHash: "hash", Role: domain.RoleUser}
	require.NoError(t, st.CreateUser(ctx, u))
	p := &domain.Project{ID: uuid.NewString(), OwnerUserID: u.ID, Name: "demo", Slug: "demo-" + uuid.NewString(), Settings: "{}"}
	require.NoError(t, st.CreateProject(ctx, p))
	return p
}

func waitForStatus(t *testing.T, st *store.Store, id string, want domain.Status, timeout time.Duration) *domain.Database {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		d, err := st.GetDatabase(context.Background(), id)
		require.NoError(t, err)
		if d.Status == want {
			return d
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("database %s did not reach status %q in time", id, want)
	return nil
}

func TestCreateRejectsBadName(t *testing.T) {
	mgr, _, st := newTestManager(t)
	p := seedProject(t, st)

	_, err := mgr.Create(context.Background(), CreateRequest{ProjectID: p.ID, Name: "Bad_Name", Engine: domain.EnginePostgres})
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeBadName, appErr.Code)
}

func TestCreateRejectsUnsupportedVersion(t *testing.T) {
	mgr, _, st := newTestManager(t)
	p := seedProject(t, st)

	_, err := mgr.Create(context.Background(), CreateRequest{ProjectID: p.ID, Name: "db1", Engine: domain.EnginePostgres, Version: "9.6"})
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeUnsupportedVersion, appErr.Code)
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	mgr, _, st := newTestManager(t)
	p := seedProject(t, st)

	_, err := mgr.Create(context.Background(), CreateRequest{ProjectID: p.ID, Name: "db1", Engine: domain.EnginePostgres})
	require.NoError(t, err)
	waitForStatus(t, st, mustLatest(t, st, p.ID), domain.StatusRunning, time.Second)

	_, err = mgr.Create(context.Background(), CreateRequest{ProjectID: p.ID, Name: "db1", Engine: domain.EnginePostgres})
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeDuplicateName, appErr.Code)
}

func TestCreateProvisionsAndReachesRunning(t *testing.T) {
	mgr, rt, st, scraper := newTestManagerWithScraper(t)
	p := seedProject(t, st)

	d, err := mgr.Create(context.Background(), CreateRequest{ProjectID: p.ID, Name: "db1", Engine: domain.EnginePostgres})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, d.Status)

	got := waitForStatus(t, st, d.ID, domain.StatusRunning, time.Second)
	require.NotNil(t, got.Port)
	require.NotNil(t, got.ContainerID)
	assert.Contains(t, rt.started, *got.ContainerID)
	require.Eventually(t, func() bool { return scraper.hasStarted(d.ID) }, time.Second, 10*time.Millisecond,
		"a running instance must have its metrics scrape loop started")
}

func TestStopStopsScrapeLoop(t *testing.T) {
	mgr, _, st, scraper := newTestManagerWithScraper(t)
	p := seedProject(t, st)

	d, err := mgr.Create(context.Background(), CreateRequest{ProjectID: p.ID, Name: "db1", Engine: domain.EnginePostgres})
	require.NoError(t, err)
	waitForStatus(t, st, d.ID, domain.StatusRunning, time.Second)
	require.Eventually(t, func() bool { return scraper.hasStarted(d.ID) }, time.Second, 10*time.Millisecond)

	_, err = mgr.Stop(context.Background(), d.ID)
	require.NoError(t, err)

	scraper.mu.Lock()
	defer scraper.mu.Unlock()
	assert.Contains(t, scraper.stopped, d.ID)
}

func TestStopRequiresRunning(t *testing.T) {
	mgr, _, st := newTestManager(t)
	p := seedProject(t, st)

	d := &domain.Database{ID: uuid.NewString(), ProjectID: p.ID, Name: "db1", Engine: domain.EnginePostgres, EngineVersion: "16", Status: domain.StatusPending, Username: "postgres", Limits: domain.DefaultLimits()}
	require.NoError(t, st.CreateDatabase(context.Background(), nil, d))

	_, err := mgr.Stop(context.Background(), d.ID)
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeConflictingState, appErr.Code)
}

func TestStopIsIdempotentWhenAlreadyStopped(t *testing.T) {
	mgr, _, st := newTestManager(t)
	p := seedProject(t, st)

	d := &domain.Database{ID: uuid.NewString(), ProjectID: p.ID, Name: "db1", Engine: domain.EnginePostgres, EngineVersion: "16", Status: domain.StatusStopped, Username: "postgres", Limits: domain.DefaultLimits()}
	require.NoError(t, st.CreateDatabase(context.Background(), nil, d))

	got, err := mgr.Stop(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, got.Status)
}

func TestUpdateRejectedUnlessStopped(t *testing.T) {
	mgr, _, st := newTestManager(t)
	p := seedProject(t, st)

	d := &domain.Database{ID: uuid.NewString(), ProjectID: p.ID, Name: "db1", Engine: domain.EnginePostgres, EngineVersion: "16", Status: domain.StatusRunning, Username: "postgres", Limits: domain.DefaultLimits()}
	require.NoError(t, st.CreateDatabase(context.Background(), nil, d))

	exposed := true
	err := mgr.Update(context.Background(), d.ID, UpdatePatch{PublicExposed: &exposed})
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeConflictingState, appErr.Code)
}

func TestUpdateAppliesLimitsWhenStopped(t *testing.T) {
	mgr, _, st := newTestManager(t)
	p := seedProject(t, st)

	d := &domain.Database{ID: uuid.NewString(), ProjectID: p.ID, Name: "db1", Engine: domain.EnginePostgres, EngineVersion: "16", Status: domain.StatusStopped, Username: "postgres", Limits: domain.DefaultLimits()}
	require.NoError(t, st.CreateDatabase(context.Background(), nil, d))

	newLimits := domain.Limits{CPUCores: 2, MemoryMB: 1024, StorageMB: 2048}
	err := mgr.Update(context.Background(), d.ID, UpdatePatch{Limits: &newLimits})
	require.NoError(t, err)

	got, err := st.GetDatabase(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, newLimits, got.Limits)
}

func TestChangePasswordRejectsWrongCurrent(t *testing.T) {
	mgr, _, st := newTestManager(t)
	p := seedProject(t, st)

	vault, err := crypto.NewVault("test-master-key-0123456789abcdef")
	require.NoError(t, err)
	enc, err := vault.Encrypt("correct-horse")
	require.NoError(t, err)

	d := &domain.Database{ID: uuid.NewString(), ProjectID: p.ID, Name: "db1", Engine: domain.EnginePostgres, EngineVersion: "16", Status: domain.StatusRunning, Username: "postgres", PasswordEnc: &enc, Limits: domain.DefaultLimits()}
	port := 20005
	d.Port = &port
	require.NoError(t, st.CreateDatabase(context.Background(), nil, d))

	err = mgr.ChangePassword(context.Background(), d.ID, "wrong-password", "new-password")
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeAuthFailed, appErr.Code)
}

func TestStopThenStartReusesContainer(t *testing.T) {
	mgr, rt, st := newTestManager(t)
	p := seedProject(t, st)

	d, err := mgr.Create(context.Background(), CreateRequest{ProjectID: p.ID, Name: "db1", Engine: domain.EnginePostgres})
	require.NoError(t, err)
	waitForStatus(t, st, d.ID, domain.StatusRunning, time.Second)

	_, err = mgr.Stop(context.Background(), d.ID)
	require.NoError(t, err)

	_, err = mgr.Start(context.Background(), d.ID)
	require.NoError(t, err)
	waitForStatus(t, st, d.ID, domain.StatusRunning, time.Second)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	assert.Len(t, rt.created, 1, "container should be created once and reused across a stop/start cycle")
}

func TestConcurrentStartCoalescesToSingleProvision(t *testing.T) {
	mgr, rt, st := newTestManager(t)
	p := seedProject(t, st)

	d := &domain.Database{ID: uuid.NewString(), ProjectID: p.ID, Name: "db1", Engine: domain.EnginePostgres, EngineVersion: "16", Status: domain.StatusStopped, Username: "postgres", Limits: domain.DefaultLimits()}
	enc, err := mgr.vault.Encrypt("s3cret")
	require.NoError(t, err)
	d.PasswordEnc = &enc
	require.NoError(t, st.CreateDatabase(context.Background(), nil, d))

	const concurrency = 8
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			_, err := mgr.Start(context.Background(), d.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	waitForStatus(t, st, d.ID, domain.StatusRunning, time.Second)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	assert.Len(t, rt.created, 1, "concurrent Start calls must dispatch exactly one Create")
	assert.Len(t, rt.started, 1, "concurrent Start calls must dispatch exactly one container Start")
}

// mustLatest returns the id of the single database created so far in
// project pid, for tests that need it to poll status.
func mustLatest(t *testing.T, st *store.Store, pid string) string {
	t.Helper()
	dbs, err := st.ListDatabasesByProject(context.Background(), pid)
	require.NoError(t, err)
	require.Len(t, dbs, 1)
	return dbs[0].ID
}
