package branching

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
	"github.com/datify-sh/datify/internal/lifecycle"
	"github.com/datify-sh/datify/internal/ports"
	"github.com/datify-sh/datify/internal/store"
)

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

type fakeRuntime struct{}

func (fakeRuntime) Create(ctx context.Context, spec containerdriver.Spec) (string, error) {
	return "ctr-" + spec.ID, nil
}
func (fakeRuntime) Start(ctx context.Context, id string) error                { return nil }
func (fakeRuntime) Stop(ctx context.Context, id string, grace time.Duration) error { return nil }
func (fakeRuntime) Remove(ctx context.Context, id string, force bool) error   { return nil }

type fakeAdapter struct {
	replicateCalls int
	dataSyncCalls  int
}

func (a *fakeAdapter) DefaultVersion() string         { return "16" }
func (a *fakeAdapter) SupportedVersions() []string    { return []string{"16"} }
func (a *fakeAdapter) ImageRef(version string) string { return "postgres:" + version }
func (a *fakeAdapter) BuildEnv(username, password, database string) map[string]string {
	return map[string]string{}
}
func (a *fakeAdapter) ContainerPort() int { return 5432 }
func (a *fakeAdapter) ReadinessProbe(ctx context.Context, t engine.Target) error { return nil }
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
	a.replicateCalls++
	return nil
}
func (a *fakeAdapter) DataSync(ctx context.Context, src, dst engine.Target) error {
	a.dataSyncCalls++
	return nil
}
func (a *fakeAdapter) ChangePassword(ctx context.Context, t engine.Target, newPassword string) error {
	return nil
}

func (a *fakeAdapter) TopQueries(ctx context.Context, t engine.Target, sortBy string, limit int) ([]engine.QueryStat, error) {
	return nil, nil
}

type fakeRegistry struct {
	postgres *fakeAdapter
	valkey   *fakeAdapter
}

func (r *fakeRegistry) Lookup(e domain.Engine) (engine.Adapter, error) {
	switch e {
	case domain.EnginePostgres:
		return r.postgres, nil
	case domain.EngineValkey:
		return r.valkey, nil
	default:
		return nil, apperr.Newf(apperr.CodeInvalidConfig, "unknown engine %q", e)
	}
}

func newTestEngine(t *testing.T) (*Engine, *fakeRegistry, *store.Store) {
	eng, reg, st, _ := newTestEngineWithScraper(t)
	return eng, reg, st
}

func newTestEngineWithScraper(t *testing.T) (*Engine, *fakeRegistry, *store.Store, *fakeScraper) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	alloc, err := ports.New(21000, 21010, st)
	require.NoError(t, err)

	vault, err := crypto.NewVault("test-master-key-0123456789abcdef")
	require.NoError(t, err)

	reg := &fakeRegistry{postgres: &fakeAdapter{}, valkey: &fakeAdapter{}}
	scraper := &fakeScraper{}
	eng := New(lifecycle.Config{DockerDataDir: "/data", DockerHostIP: "10.0.0.5"}, st, fakeRuntime{}, reg, vault, alloc, scraper)
	return eng, reg, st, scraper
}

func seedRunningParent(t *testing.T, st *store.Store, vault *crypto.Vault, e domain.Engine) *domain.Database {
	t.Helper()
	ctx := context.Background()
	u := &domain.User{ID: uuid.NewString(), Email: "owner@example.com", PasswordHash: "hash", Role: domain.RoleUser}
	require.NoError(t, st.CreateUser(ctx, u))
	p := &domain.Project{ID: uuid.NewString(), OwnerUserID: u.ID, Name: "demo", Slug: "demo-" + uuid.NewString(), Settings: "{}"}
	require.NoError(t, st.CreateProject(ctx, p))

	enc, err := vault.Encrypt("parent-secret")
	require.NoError(t, err)
	port := 21009
	ctr := "ctr-parent"
	host := "127.0.0.1"

	parent := &domain.Database{
		ID: uuid.NewString(), ProjectID: p.ID, Name: "main", Engine: e, EngineVersion: "16",
		Status: domain.StatusRunning, Username: "postgres", PasswordEnc: &enc, Port: &port,
		ContainerID: &ctr, Host: &host, Limits: domain.DefaultLimits(), BranchName: "main", IsDefault: true,
	}
	require.NoError(t, st.CreateDatabase(ctx, nil, parent))
	return parent
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

func TestCreateBranchRejectsBadName(t *testing.T) {
	eng, _, st := newTestEngine(t)
	parent := seedRunningParent(t, st, mustVault(t), domain.EnginePostgres)

	_, err := eng.CreateBranch(context.Background(), CreateBranchRequest{ParentID: parent.ID, Name: "Bad Name"})
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeBadName, appErr.Code)
}

func TestCreateBranchRequiresRunningParent(t *testing.T) {
	eng, _, st := newTestEngine(t)
	parent := seedRunningParent(t, st, mustVault(t), domain.EnginePostgres)
	require.NoError(t, st.UpdateDatabaseStatus(context.Background(), parent.ID, domain.StatusStopped, ""))

	_, err := eng.CreateBranch(context.Background(), CreateBranchRequest{ParentID: parent.ID, Name: "feature-1"})
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeConflictingState, appErr.Code)
}

func TestCreateBranchRejectsSchemaOnlyForKeyValue(t *testing.T) {
	eng, _, st := newTestEngine(t)
	parent := seedRunningParent(t, st, mustVault(t), domain.EngineValkey)

	_, err := eng.CreateBranch(context.Background(), CreateBranchRequest{ParentID: parent.ID, Name: "feature-1", IncludeData: false})
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeUnsupportedBranchMode, appErr.Code)
}

func TestCreateBranchProvisionsAndReplicates(t *testing.T) {
	eng, reg, st, scraper := newTestEngineWithScraper(t)
	parent := seedRunningParent(t, st, mustVault(t), domain.EnginePostgres)

	child, err := eng.CreateBranch(context.Background(), CreateBranchRequest{ParentID: parent.ID, Name: "feature-1", IncludeData: true})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, child.Status)
	require.NotNil(t, child.ParentID)
	assert.Equal(t, parent.ID, *child.ParentID)
	require.NotNil(t, child.ForkedAt, "forked_at must be stamped at branch creation, not only on later sync")

	got := waitForStatus(t, st, child.ID, domain.StatusRunning, time.Second)
	assert.NotEqual(t, *parent.Port, *got.Port)
	assert.NotEqual(t, *parent.PasswordEnc, *got.PasswordEnc)
	assert.Equal(t, 1, reg.postgres.replicateCalls)
	require.Eventually(t, func() bool { return scraper.hasStarted(child.ID) }, time.Second, 10*time.Millisecond,
		"a running branch must have its metrics scrape loop started")
}

func TestSyncFromParentRequiresBothRunning(t *testing.T) {
	eng, _, st := newTestEngine(t)
	vault := mustVault(t)
	parent := seedRunningParent(t, st, vault, domain.EnginePostgres)

	enc, err := vault.Encrypt("child-secret")
	require.NoError(t, err)
	port := 21001
	child := &domain.Database{
		ID: uuid.NewString(), ProjectID: parent.ProjectID, Name: "feature-1", Engine: domain.EnginePostgres,
		EngineVersion: "16", Status: domain.StatusStopped, Username: "postgres", PasswordEnc: &enc, Port: &port,
		ParentID: &parent.ID, Limits: domain.DefaultLimits(),
	}
	require.NoError(t, st.CreateDatabase(context.Background(), nil, child))

	err = eng.SyncFromParent(context.Background(), child.ID)
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeConflictingState, appErr.Code)
}

func TestSyncFromParentUpdatesForkedAt(t *testing.T) {
	eng, reg, st := newTestEngine(t)
	vault := mustVault(t)
	parent := seedRunningParent(t, st, vault, domain.EnginePostgres)

	enc, err := vault.Encrypt("child-secret")
	require.NoError(t, err)
	port := 21002
	ctr := "ctr-child"
	host := "127.0.0.1"
	child := &domain.Database{
		ID: uuid.NewString(), ProjectID: parent.ProjectID, Name: "feature-1", Engine: domain.EnginePostgres,
		EngineVersion: "16", Status: domain.StatusRunning, Username: "postgres", PasswordEnc: &enc, Port: &port,
		ContainerID: &ctr, Host: &host, ParentID: &parent.ID, Limits: domain.DefaultLimits(),
	}
	require.NoError(t, st.CreateDatabase(context.Background(), nil, child))

	require.NoError(t, eng.SyncFromParent(context.Background(), child.ID))
	assert.Equal(t, 1, reg.postgres.dataSyncCalls)

	got, err := st.GetDatabase(context.Background(), child.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ForkedAt)
}

func mustVault(t *testing.T) *crypto.Vault {
	t.Helper()
	v, err := crypto.NewVault("test-master-key-0123456789abcdef")
	require.NoError(t, err)
	return v
}
