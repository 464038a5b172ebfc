// Package branching implements Datify's forking engine: creating a child
// instance that starts as a structural (and optionally data) copy of a
// running parent, and resynchronizing a child's data from its parent on
// demand.
package branching

import (
	"context"
	"database/sql"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/datify-sh/datify/internal/apperr"
	"github.com/datify-sh/datify/internal/containerdriver"
	"github.com/datify-sh/datify/internal/crypto"
	"github.com/datify-sh/datify/internal/domain"
	"github.com/datify-sh/datify/internal/engine"
	"github.com/datify-sh/datify/internal/lifecycle"
	"github.com/datify-sh/datify/internal/log"
	"github.com/datify-sh/datify/internal/ports"
	"github.com/datify-sh/datify/internal/store"
)

var namePattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// Engine owns branch creation and resynchronization. It sits beside
// lifecycle.Manager rather than inside it: branch creation needs the same
// provision/readiness machinery but a different allocation transaction
// (parent-aware, copying limits and engine/version rather than taking them
// from a request).
type Engine struct {
	store   *store.Store
	driver  lifecycle.ContainerRuntime
	engines lifecycle.EngineRegistry
	vault   *crypto.Vault
	ports   *ports.Allocator
	cfg     lifecycle.Config
	scraper lifecycle.ScrapeController

	syncMu     sync.Mutex
	syncInFlight map[string]bool
}

// New builds a branching engine over the same collaborators the lifecycle
// manager uses, so a branch's container is provisioned identically to any
// other instance.
func New(cfg lifecycle.Config, st *store.Store, driver lifecycle.ContainerRuntime, engines lifecycle.EngineRegistry, vault *crypto.Vault, portAllocator *ports.Allocator, scraper lifecycle.ScrapeController) *Engine {
	return &Engine{
		cfg:          cfg,
		store:        st,
		driver:       driver,
		engines:      engines,
		vault:        vault,
		ports:        portAllocator,
		scraper:      scraper,
		syncInFlight: make(map[string]bool),
	}
}

// CreateBranchRequest is the input to CreateBranch.
type CreateBranchRequest struct {
	ParentID    string
	Name        string
	IncludeData bool
}

// CreateBranch validates the parent and name, acquires a port from the
// allocator and then inserts the child row under the store's write lock
// (the port acquisition is not part of that transaction), then provisions
// and replicates asynchronously,
// returning the pending child row immediately (mirroring
// lifecycle.Manager.Create's async-provision shape).
func (e *Engine) CreateBranch(ctx context.Context, req CreateBranchRequest) (*domain.Database, error) {
	if !namePattern.MatchString(req.Name) {
		return nil, apperr.New(apperr.CodeBadName, "branch name must match ^[a-z0-9-]+$")
	}

	parent, err := e.store.GetDatabase(ctx, req.ParentID)
	if err != nil {
		return nil, err
	}
	if parent.Status != domain.StatusRunning {
		return nil, apperr.New(apperr.CodeConflictingState, "parent must be running to branch from")
	}
	if parent.Engine.IsKeyValue() && !req.IncludeData {
		return nil, apperr.New(apperr.CodeUnsupportedBranchMode, "key-value engines cannot branch without data")
	}

	if existing, err := e.store.GetDatabaseByName(ctx, parent.ProjectID, req.Name); err == nil && existing != nil {
		return nil, apperr.New(apperr.CodeDuplicateName, "database name already exists in project")
	}

	password, err := crypto.GeneratePassword(24)
	if err != nil {
		return nil, err
	}
	passwordEnc, err := e.vault.Encrypt(password)
	if err != nil {
		return nil, err
	}

	port, err := e.ports.Acquire()
	if err != nil {
		return nil, err
	}

	forkedAt := time.Now().UTC()
	child := &domain.Database{
		ID:            uuid.NewString(),
		ProjectID:     parent.ProjectID,
		Name:          req.Name,
		Engine:        parent.Engine,
		EngineVersion: parent.EngineVersion,
		Status:        domain.StatusPending,
		Username:      parent.Username,
		PasswordEnc:   &passwordEnc,
		Limits:        parent.Limits,
		PublicExposed: false,
		BranchName:    req.Name,
		IsDefault:     false,
		ParentID:      &parent.ID,
		ForkedAt:      &forkedAt,
	}

	err = e.store.WithWriteLock(func(tx *sql.Tx) error {
		return e.store.CreateDatabase(ctx, tx, child)
	})
	if err != nil {
		e.ports.Release(port)
		return nil, err
	}

	go func() {
		if err := e.provisionBranch(context.Background(), parent.ID, child.ID, port, password, req.IncludeData); err != nil {
			log.WithComponent("branching").Error().Err(err).Str("database_id", child.ID).Str("parent_id", parent.ID).Msg("branch provisioning failed")
		}
	}()

	return child, nil
}

// provisionBranch builds and starts the child's container, waits for
// readiness, then replicates the parent's schema (and data, if requested)
// into it. Any failure reclaims the container/volume and marks the child
// error, per spec.md §4.G step 5.
func (e *Engine) provisionBranch(ctx context.Context, parentID, childID string, port int, password string, includeData bool) error {
	child, err := e.store.GetDatabase(ctx, childID)
	if err != nil {
		return err
	}
	adapter, err := e.engines.Lookup(child.Engine)
	if err != nil {
		return e.fail(ctx, childID, port, err)
	}

	if err := e.store.UpdateDatabaseStatus(ctx, childID, domain.StatusStarting, ""); err != nil {
		return err
	}

	env := adapter.BuildEnv(child.Username, password, child.Name)
	spec := containerdriver.Spec{
		ID:            childID,
		Image:         adapter.ImageRef(child.EngineVersion),
		Env:           env,
		CPUCores:      child.Limits.CPUCores,
		MemoryMB:      child.Limits.MemoryMB,
		HostPort:      port,
		ContainerPort: adapter.ContainerPort(),
		Mounts: []containerdriver.Mount{
			{Source: e.cfg.DockerDataDir + "/" + childID, Destination: dataDirFor(child.Engine)},
		},
	}

	containerID, err := e.driver.Create(ctx, spec)
	if err != nil {
		return e.fail(ctx, childID, port, err)
	}
	if err := e.driver.Start(ctx, containerID); err != nil {
		return e.fail(ctx, childID, port, err)
	}

	childTarget := engine.Target{Host: "127.0.0.1", Port: port, Username: child.Username, Password: password, Database: child.Name}
	if err := lifecycle.WaitReady(ctx, adapter, childTarget, lifecycle.ReadinessBudget); err != nil {
		return e.fail(ctx, childID, port, err)
	}

	parent, err := e.store.GetDatabase(ctx, parentID)
	if err != nil {
		return e.fail(ctx, childID, port, err)
	}
	parentPassword, err := e.vault.Decrypt(*parent.PasswordEnc)
	if err != nil {
		return e.fail(ctx, childID, port, err)
	}
	parentTarget := engine.Target{Host: "127.0.0.1", Port: *parent.Port, Username: parent.Username, Password: parentPassword, Database: parent.Name}

	mode := domain.BranchSchemaOnly
	if includeData {
		mode = domain.BranchFull
	}
	if err := adapter.SchemaReplicate(ctx, parentTarget, childTarget, mode); err != nil {
		return e.fail(ctx, childID, port, err)
	}

	if err := e.store.UpdateDatabaseConnection(ctx, childID, containerID, "127.0.0.1", port, *child.PasswordEnc); err != nil {
		return err
	}
	e.scraper.Start(childID)
	return nil
}

func dataDirFor(e domain.Engine) string {
	if e == domain.EnginePostgres {
		return "/var/lib/postgresql/data"
	}
	return "/data"
}

// fail removes the child's container (whose ID is the child's ID) and its
// data directory, records the error status and reclaims the port, per
// spec.md §4.G step 5.
func (e *Engine) fail(ctx context.Context, childID string, port int, cause error) error {
	e.scraper.Stop(childID)
	_ = e.driver.Remove(ctx, childID, true)
	_ = os.RemoveAll(e.cfg.DockerDataDir + "/" + childID)
	if serr := e.store.UpdateDatabaseStatus(ctx, childID, domain.StatusError, cause.Error()); serr != nil {
		return serr
	}
	e.ports.Release(port)
	return cause
}

// SyncFromParent requires both child and parent running, and allows at
// most one sync in flight per child.
func (e *Engine) SyncFromParent(ctx context.Context, childID string) error {
	if !e.tryBeginSync(childID) {
		return apperr.New(apperr.CodeConflictingState, "a sync is already in flight for this branch")
	}
	defer e.endSync(childID)

	child, err := e.store.GetDatabase(ctx, childID)
	if err != nil {
		return err
	}
	if child.ParentID == nil {
		return apperr.New(apperr.CodeConflictingState, "instance is not a branch")
	}
	if child.Status != domain.StatusRunning {
		return apperr.New(apperr.CodeConflictingState, "branch must be running to sync")
	}

	parent, err := e.store.GetDatabase(ctx, *child.ParentID)
	if err != nil {
		return err
	}
	if parent.Status != domain.StatusRunning {
		return apperr.New(apperr.CodeConflictingState, "parent must be running to sync from")
	}

	adapter, err := e.engines.Lookup(child.Engine)
	if err != nil {
		return err
	}

	parentPassword, err := e.vault.Decrypt(*parent.PasswordEnc)
	if err != nil {
		return err
	}
	childPassword, err := e.vault.Decrypt(*child.PasswordEnc)
	if err != nil {
		return err
	}

	parentTarget := engine.Target{Host: "127.0.0.1", Port: *parent.Port, Username: parent.Username, Password: parentPassword, Database: parent.Name}
	childTarget := engine.Target{Host: "127.0.0.1", Port: *child.Port, Username: child.Username, Password: childPassword, Database: child.Name}

	if err := adapter.DataSync(ctx, parentTarget, childTarget); err != nil {
		return err
	}

	return e.store.UpdateDatabaseForkedAt(ctx, childID, time.Now())
}

func (e *Engine) tryBeginSync(childID string) bool {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	if e.syncInFlight[childID] {
		return false
	}
	e.syncInFlight[childID] = true
	return true
}

func (e *Engine) endSync(childID string) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	delete(e.syncInFlight, childID)
}
