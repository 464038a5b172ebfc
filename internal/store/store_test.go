package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datify-sh/datify/internal/apperr"
	"github.com/datify-sh/datify/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedUserAndProject(t *testing.T, s *Store) *domain.Project {
	t.Helper()
	ctx := context.Background()

	u := &domain.User{ID: uuid.NewString(), Email: "owner@example.com", PasswordHash: "hash", Role: domain.RoleUser}
	require.NoError(t, s.CreateUser(ctx, u))

	p := &domain.Project{ID: uuid.NewString(), OwnerUserID: u.ID, Name: "demo", Slug: "demo", Settings: "{}"}
	require.NoError(t, s.CreateProject(ctx, p))
	return p
}

func TestCreateAndGetDatabase(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedUserAndProject(t, s)

	d := &domain.Database{
		ID: uuid.NewString(), ProjectID: p.ID, Name: "db1",
		Engine: domain.EnginePostgres, EngineVersion: "16", Status: domain.StatusPending,
		Username: "postgres", Limits: domain.DefaultLimits(), BranchName: "main", IsDefault: true,
	}
	require.NoError(t, s.CreateDatabase(ctx, nil, d))

	got, err := s.GetDatabase(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "db1", got.Name)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Nil(t, got.ContainerID)
}

func TestDatabaseNameUniquePerProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedUserAndProject(t, s)

	d1 := &domain.Database{ID: uuid.NewString(), ProjectID: p.ID, Name: "dup", Engine: domain.EnginePostgres, EngineVersion: "16", Status: domain.StatusPending, Username: "postgres", Limits: domain.DefaultLimits()}
	require.NoError(t, s.CreateDatabase(ctx, nil, d1))

	d2 := &domain.Database{ID: uuid.NewString(), ProjectID: p.ID, Name: "dup", Engine: domain.EnginePostgres, EngineVersion: "16", Status: domain.StatusPending, Username: "postgres", Limits: domain.DefaultLimits()}
	err := s.CreateDatabase(ctx, nil, d2)
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeDuplicateName, appErr.Code)
}

func TestUpdateDatabaseConnectionTransitionsToRunning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedUserAndProject(t, s)

	d := &domain.Database{ID: uuid.NewString(), ProjectID: p.ID, Name: "db1", Engine: domain.EnginePostgres, EngineVersion: "16", Status: domain.StatusStarting, Username: "postgres", Limits: domain.DefaultLimits()}
	require.NoError(t, s.CreateDatabase(ctx, nil, d))

	require.NoError(t, s.UpdateDatabaseConnection(ctx, d.ID, "ctr1", "127.0.0.1", 30000, "blob"))

	got, err := s.GetDatabase(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
	require.NotNil(t, got.Port)
	assert.Equal(t, 30000, *got.Port)
}

func TestPortUniqueAmongContainerBoundInstances(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedUserAndProject(t, s)

	d1 := &domain.Database{ID: uuid.NewString(), ProjectID: p.ID, Name: "a", Engine: domain.EnginePostgres, EngineVersion: "16", Status: domain.StatusStarting, Username: "postgres", Limits: domain.DefaultLimits()}
	require.NoError(t, s.CreateDatabase(ctx, nil, d1))
	require.NoError(t, s.UpdateDatabaseConnection(ctx, d1.ID, "ctr1", "127.0.0.1", 30000, "blob"))

	d2 := &domain.Database{ID: uuid.NewString(), ProjectID: p.ID, Name: "b", Engine: domain.EnginePostgres, EngineVersion: "16", Status: domain.StatusStarting, Username: "postgres", Limits: domain.DefaultLimits()}
	require.NoError(t, s.CreateDatabase(ctx, nil, d2))
	err := s.UpdateDatabaseConnection(ctx, d2.ID, "ctr2", "127.0.0.1", 30000, "blob")
	require.Error(t, err)
}

func TestMetricsRetentionPurgesOldRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedUserAndProject(t, s)

	d := &domain.Database{ID: uuid.NewString(), ProjectID: p.ID, Name: "db1", Engine: domain.EnginePostgres, EngineVersion: "16", Status: domain.StatusRunning, Username: "postgres", Limits: domain.DefaultLimits()}
	require.NoError(t, s.CreateDatabase(ctx, nil, d))

	old := &domain.MetricsSnapshot{ID: uuid.NewString(), DatabaseID: d.ID, Timestamp: time.Now().Add(-48 * time.Hour), DatabaseType: domain.EnginePostgres}
	require.NoError(t, s.InsertMetricsSnapshot(ctx, old))

	fresh := &domain.MetricsSnapshot{ID: uuid.NewString(), DatabaseID: d.ID, Timestamp: time.Now(), DatabaseType: domain.EnginePostgres}
	require.NoError(t, s.InsertMetricsSnapshot(ctx, fresh))

	history, err := s.MetricsHistory(ctx, d.ID, time.Now().Add(-72*time.Hour))
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, fresh.ID, history[0].ID)
}

func TestDeleteDatabaseNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.DeleteDatabase(context.Background(), uuid.NewString())
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeNotFound, appErr.Code)
}
