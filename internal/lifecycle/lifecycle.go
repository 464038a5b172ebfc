// Package lifecycle owns the per-instance database state machine and
// coordinates the port allocator, container driver, engine adapters and
// state store on every transition, per spec.md §4.F.
package lifecycle

import (
	"context"
	"fmt"
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
	"github.com/datify-sh/datify/internal/log"
	"github.com/datify-sh/datify/internal/ports"
	"github.com/datify-sh/datify/internal/store"
)

var namePattern = regexp.MustCompile(`^[a-z0-9-]+$`)

const (
	stopGrace       = 30 * time.Second
	ReadinessBudget = 60 * time.Second
	scrapeFailureLimit = 4
)

// Config bundles the daemon-wide settings the lifecycle manager needs at
// provision time.
type Config struct {
	DockerDataDir string
	DockerHostIP  string
}

// ContainerRuntime is the subset of containerdriver.Driver the lifecycle
// manager depends on, narrowed to an interface so tests can substitute a
// fake runtime instead of requiring a live containerd socket.
type ContainerRuntime interface {
	Create(ctx context.Context, spec containerdriver.Spec) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, grace time.Duration) error
	Remove(ctx context.Context, id string, force bool) error
}

// EngineRegistry is the subset of engine.Registry the lifecycle manager
// depends on.
type EngineRegistry interface {
	Lookup(e domain.Engine) (engine.Adapter, error)
}

// ScrapeController is the subset of metrics.Scraper the lifecycle manager
// depends on, so every transition into or out of running can start or stop
// an instance's metrics collection loop (spec.md §4.H) without this
// package importing metrics' full surface.
type ScrapeController interface {
	Start(id string)
	Stop(id string)
}

// Manager is the single orchestrator for instance transitions: the
// container driver, engine registry and state store are dumb collaborators
// it coordinates, never decision-makers in their own right.
type Manager struct {
	cfg     Config
	store   *store.Store
	driver  ContainerRuntime
	engines EngineRegistry
	vault   *crypto.Vault
	ports   *ports.Allocator
	scraper ScrapeController

	mu        sync.Mutex
	instanceLocks map[string]*instanceLock
}

type instanceLock struct {
	mu       sync.Mutex
	refCount int
}

// New builds a lifecycle manager over its collaborators.
func New(cfg Config, st *store.Store, driver ContainerRuntime, engines EngineRegistry, vault *crypto.Vault, portAllocator *ports.Allocator, scraper ScrapeController) *Manager {
	return &Manager{
		cfg:           cfg,
		store:         st,
		driver:        driver,
		engines:       engines,
		vault:         vault,
		ports:         portAllocator,
		scraper:       scraper,
		instanceLocks: make(map[string]*instanceLock),
	}
}

// lockFor returns (creating if absent) the mutex for instance id, per
// spec.md §9's "mapping instance_id → mutex, created on first access and
// garbage-collected when no task holds it."
func (m *Manager) lockFor(id string) *instanceLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.instanceLocks[id]
	if !ok {
		l = &instanceLock{}
		m.instanceLocks[id] = l
	}
	l.refCount++
	return l
}

func (m *Manager) unlockFor(id string, l *instanceLock) {
	l.mu.Unlock()
	m.mu.Lock()
	l.refCount--
	if l.refCount == 0 {
		delete(m.instanceLocks, id)
	}
	m.mu.Unlock()
}

// withInstanceLock acquires instance id's mutex, runs fn, and releases it,
// reclaiming the map entry once no one else references it.
func (m *Manager) withInstanceLock(id string, fn func() error) error {
	l := m.lockFor(id)
	l.mu.Lock()
	err := fn()
	m.unlockFor(id, l)
	return err
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	ProjectID     string
	Name          string
	Engine        domain.Engine
	Version       string
	Password      string // generated if empty
	Limits        domain.Limits
	PublicExposed bool
}

// Create allocates id+port, encrypts the (generated if absent) password,
// persists a pending row, and kicks off provisioning asynchronously,
// returning the row immediately per spec.md §4.F.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*domain.Database, error) {
	if !namePattern.MatchString(req.Name) {
		return nil, apperr.New(apperr.CodeBadName, "name must match ^[a-z0-9-]+$")
	}

	adapter, err := m.engines.Lookup(req.Engine)
	if err != nil {
		return nil, err
	}

	version := req.Version
	if version == "" {
		version = adapter.DefaultVersion()
	}
	supported := false
	for _, v := range adapter.SupportedVersions() {
		if v == version {
			supported = true
			break
		}
	}
	if !supported {
		return nil, apperr.Newf(apperr.CodeUnsupportedVersion, "unsupported %s version %q", req.Engine, version)
	}

	if existing, err := m.store.GetDatabaseByName(ctx, req.ProjectID, req.Name); err == nil && existing != nil {
		return nil, apperr.New(apperr.CodeDuplicateName, "database name already exists in project")
	}

	limits := req.Limits
	if limits.CPUCores < 0.5 {
		limits.CPUCores = 0.5
	}
	if limits.MemoryMB < 256 {
		limits.MemoryMB = 256
	}
	if limits.StorageMB < 512 {
		limits.StorageMB = 512
	}

	password := req.Password
	if password == "" {
		password, err = crypto.GeneratePassword(24)
		if err != nil {
			return nil, err
		}
	}
	passwordEnc, err := m.vault.Encrypt(password)
	if err != nil {
		return nil, err
	}

	port, err := m.ports.Acquire()
	if err != nil {
		return nil, err
	}

	d := &domain.Database{
		ID:            uuid.NewString(),
		ProjectID:     req.ProjectID,
		Name:          req.Name,
		Engine:        req.Engine,
		EngineVersion: version,
		Status:        domain.StatusPending,
		Username:      defaultUsername(req.Engine),
		PasswordEnc:   &passwordEnc,
		Limits:        limits,
		PublicExposed: req.PublicExposed,
		BranchName:    "main",
		IsDefault:     true,
	}

	if err := m.store.CreateDatabase(ctx, nil, d); err != nil {
		m.ports.Release(port)
		return nil, err
	}

	go func() {
		if err := m.provision(context.Background(), d.ID, port, password); err != nil {
			log.WithComponent("lifecycle").Error().Err(err).Str("database_id", d.ID).Msg("provision failed")
		}
	}()

	return d, nil
}

func defaultUsername(e domain.Engine) string {
	if e == domain.EnginePostgres {
		return "postgres"
	}
	return "default"
}

// provision builds the container spec, creates and starts it, then polls
// readiness with exponential backoff up to ReadinessBudget.
func (m *Manager) provision(ctx context.Context, id string, port int, password string) error {
	return m.withInstanceLock(id, func() error {
		d, err := m.store.GetDatabase(ctx, id)
		if err != nil {
			return err
		}
		adapter, err := m.engines.Lookup(d.Engine)
		if err != nil {
			return m.fail(ctx, id, err)
		}

		if err := m.store.UpdateDatabaseStatus(ctx, id, domain.StatusStarting, ""); err != nil {
			return err
		}

		env := adapter.BuildEnv(d.Username, password, d.Name)
		spec := containerdriver.Spec{
			ID:            id,
			Image:         adapter.ImageRef(d.EngineVersion),
			Env:           env,
			CPUCores:      d.Limits.CPUCores,
			MemoryMB:      d.Limits.MemoryMB,
			HostPort:      port,
			ContainerPort: adapter.ContainerPort(),
			Mounts: []containerdriver.Mount{
				{Source: fmt.Sprintf("%s/%s", m.cfg.DockerDataDir, id), Destination: dataDirFor(d.Engine)},
			},
		}

		containerID, err := m.driver.Create(ctx, spec)
		if err != nil {
			return m.fail(ctx, id, err)
		}
		if err := m.driver.Start(ctx, containerID); err != nil {
			return m.fail(ctx, id, err)
		}

		target := engine.Target{Host: "127.0.0.1", Port: port, Username: d.Username, Password: password, Database: d.Name}
		if err := WaitReady(ctx, adapter, target, ReadinessBudget); err != nil {
			return m.fail(ctx, id, err)
		}

		host := "127.0.0.1"
		if d.PublicExposed {
			host = m.cfg.DockerHostIP
		}
		if err := m.store.UpdateDatabaseConnection(ctx, id, containerID, host, port, *d.PasswordEnc); err != nil {
			return err
		}
		m.scraper.Start(id)
		return nil
	})
}

func dataDirFor(e domain.Engine) string {
	if e == domain.EnginePostgres {
		return "/var/lib/postgresql/data"
	}
	return "/data"
}

// WaitReady retries adapter.ReadinessProbe with exponential backoff
// (starting at 500ms, capped at 5s) until budget elapses. Exported so the
// branching engine's child provisioning can reuse the same polling shape.
func WaitReady(ctx context.Context, adapter engine.Adapter, target engine.Target, budget time.Duration) error {
	deadline := time.Now().Add(budget)
	backoff := 500 * time.Millisecond
	for {
		if err := adapter.ReadinessProbe(ctx, target); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return apperr.New(apperr.CodeReadinessTimeout, "engine did not become ready in time")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 5*time.Second {
			backoff = 5 * time.Second
		}
	}
}

// fail records a terminal failure on an instance and returns the original
// error for logging; per spec.md §7, this does not propagate as a request
// failure since the caller already received a 202-equivalent response. The
// instance is never running in this state, so its scrape loop (if any was
// already running, e.g. a mid-flight Stop that failed) is torn down too.
func (m *Manager) fail(ctx context.Context, id string, cause error) error {
	reason := cause.Error()
	m.scraper.Stop(id)
	if serr := m.store.UpdateDatabaseStatus(ctx, id, domain.StatusError, reason); serr != nil {
		return serr
	}
	return cause
}

// Start requires stopped|error and re-provisions (or reuses) the
// container, coalescing concurrent callers onto a single in-flight
// operation via the instance mutex. The whole read-status-then-dispatch
// decision runs inside the instance lock so that concurrent Start calls on
// the same id cannot all observe "stopped" and each spawn their own
// provision: only the caller that wins the lock transitions the row to
// starting and dispatches; everyone after it sees starting/running and
// coalesces onto the in-flight operation instead.
func (m *Manager) Start(ctx context.Context, id string) (*domain.Database, error) {
	var result *domain.Database
	err := m.withInstanceLock(id, func() error {
		d, err := m.store.GetDatabase(ctx, id)
		if err != nil {
			return err
		}
		if d.Status == domain.StatusStarting || d.Status == domain.StatusRunning {
			// Coalesce: another start is already in flight or done.
			result = d
			return nil
		}
		if d.Status != domain.StatusStopped && d.Status != domain.StatusError {
			return apperr.Newf(apperr.CodeConflictingState, "cannot start instance in state %q", d.Status)
		}

		password, err := m.vault.Decrypt(*d.PasswordEnc)
		if err != nil {
			return err
		}

		port := d.Port
		var p int
		if port != nil {
			p = *port
		} else {
			acquired, err := m.ports.Acquire()
			if err != nil {
				return err
			}
			p = acquired
		}

		if err := m.store.UpdateDatabaseStatus(ctx, id, domain.StatusStarting, ""); err != nil {
			return err
		}
		d.Status = domain.StatusStarting

		go func() {
			if err := m.provision(context.Background(), id, p, password); err != nil {
				log.WithComponent("lifecycle").Error().Err(err).Str("database_id", id).Msg("start/provision failed")
			}
		}()

		result = d
		return nil
	})
	return result, err
}

// Stop requires running, transitions stopping → stopped, and is a no-op if
// already stopped.
func (m *Manager) Stop(ctx context.Context, id string) (*domain.Database, error) {
	var result *domain.Database
	err := m.withInstanceLock(id, func() error {
		d, err := m.store.GetDatabase(ctx, id)
		if err != nil {
			return err
		}
		if d.Status == domain.StatusStopped {
			result = d
			return nil
		}
		if d.Status != domain.StatusRunning {
			return apperr.Newf(apperr.CodeConflictingState, "cannot stop instance in state %q", d.Status)
		}

		if err := m.store.UpdateDatabaseStatus(ctx, id, domain.StatusStopping, ""); err != nil {
			return err
		}
		m.scraper.Stop(id)
		if d.ContainerID != nil {
			if err := m.driver.Stop(ctx, *d.ContainerID, stopGrace); err != nil {
				return m.fail(ctx, id, err)
			}
		}
		if err := m.store.UpdateDatabaseStatus(ctx, id, domain.StatusStopped, ""); err != nil {
			return err
		}
		d.Status = domain.StatusStopped
		result = d
		return nil
	})
	return result, err
}

// Delete requires stopped|error|pending unless force; stops if needed,
// removes container+volume, releases the port, deletes the row.
func (m *Manager) Delete(ctx context.Context, id string, force bool) error {
	return m.withInstanceLock(id, func() error {
		d, err := m.store.GetDatabase(ctx, id)
		if err != nil {
			return err
		}

		allowed := d.Status == domain.StatusStopped || d.Status == domain.StatusError || d.Status == domain.StatusPending
		if !allowed && !force {
			return apperr.Newf(apperr.CodeConflictingState, "cannot delete instance in state %q without force", d.Status)
		}

		m.scraper.Stop(id)

		if d.ContainerID != nil {
			if err := m.driver.Remove(ctx, *d.ContainerID, true); err != nil {
				if !force {
					return err
				}
			}
		}

		if err := os.RemoveAll(fmt.Sprintf("%s/%s", m.cfg.DockerDataDir, id)); err != nil && !force {
			return apperr.Wrap(apperr.CodeIOError, "remove instance volume", err)
		}

		if d.Port != nil {
			m.ports.Release(*d.Port)
		}

		return m.store.DeleteDatabase(ctx, id)
	})
}

// ChangePassword verifies current, rotates the engine-native credential,
// and re-persists the re-encrypted blob.
func (m *Manager) ChangePassword(ctx context.Context, id, current, newPassword string) error {
	return m.withInstanceLock(id, func() error {
		d, err := m.store.GetDatabase(ctx, id)
		if err != nil {
			return err
		}
		if d.Status != domain.StatusRunning {
			return apperr.New(apperr.CodeConflictingState, "instance must be running to change password")
		}

		existing, err := m.vault.Decrypt(*d.PasswordEnc)
		if err != nil {
			return err
		}
		if existing != current {
			return apperr.New(apperr.CodeAuthFailed, "current password does not match")
		}

		adapter, err := m.engines.Lookup(d.Engine)
		if err != nil {
			return err
		}
		target := engine.Target{Host: "127.0.0.1", Port: *d.Port, Username: d.Username, Password: existing, Database: d.Name}
		if err := adapter.ChangePassword(ctx, target, newPassword); err != nil {
			return err
		}

		newEnc, err := m.vault.Encrypt(newPassword)
		if err != nil {
			return err
		}
		return m.store.UpdateDatabasePassword(ctx, id, newEnc)
	})
}

// UpdatePatch is the subset of fields editable via update(), only while
// stopped.
type UpdatePatch struct {
	Limits        *domain.Limits
	PublicExposed *bool
}

// Update applies limit/exposure changes, only permitted while stopped; the
// new limits take effect on the next start: a limits change removes the
// stopped container, so that start recreates it from the new spec.
func (m *Manager) Update(ctx context.Context, id string, patch UpdatePatch) error {
	return m.withInstanceLock(id, func() error {
		d, err := m.store.GetDatabase(ctx, id)
		if err != nil {
			return err
		}
		if d.Status != domain.StatusStopped {
			return apperr.New(apperr.CodeConflictingState, "limits and exposure are only editable while stopped")
		}

		limits := d.Limits
		if patch.Limits != nil {
			limits = *patch.Limits
		}
		exposed := d.PublicExposed
		if patch.PublicExposed != nil {
			exposed = *patch.PublicExposed
		}
		if patch.Limits != nil && d.ContainerID != nil {
			if err := m.driver.Remove(ctx, *d.ContainerID, false); err != nil {
				return err
			}
		}
		return m.store.UpdateDatabaseLimits(ctx, id, limits, exposed)
	})
}
