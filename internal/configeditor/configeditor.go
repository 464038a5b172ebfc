// Package configeditor exposes get_config/put_config (spec.md §4.J) as a
// thin wrapper over an engine adapter's live ConfigRead/
// ConfigWrite, so the API layer doesn't need to know engine-specific config
// formats or reach into internal/engine directly.
package configeditor

import (
	"context"

	"github.com/datify-sh/datify/internal/apperr"
	"github.com/datify-sh/datify/internal/crypto"
	"github.com/datify-sh/datify/internal/domain"
	"github.com/datify-sh/datify/internal/engine"
	"github.com/datify-sh/datify/internal/store"
)

// EngineRegistry is the subset of engine.Registry configeditor depends on,
// narrowed the same way internal/lifecycle and internal/metrics do for
// testability.
type EngineRegistry interface {
	Lookup(e domain.Engine) (engine.Adapter, error)
}

// Config is the wire shape returned by GetConfig and accepted by PutConfig.
type Config struct {
	Format  string `json:"format"`
	Content string `json:"content"`
}

// PutResult reports whether a config write took effect immediately, per
// spec.md §4.J's "unreloadable keys -> {applied:false}" contract.
type PutResult struct {
	Applied bool `json:"applied"`
}

// Editor reads and writes a running instance's live engine configuration.
type Editor struct {
	store   *store.Store
	engines EngineRegistry
	vault   *crypto.Vault
}

// New builds an Editor over its collaborators.
func New(st *store.Store, engines EngineRegistry, vault *crypto.Vault) *Editor {
	return &Editor{store: st, engines: engines, vault: vault}
}

// target resolves instanceID to a connectable engine.Target, requiring the
// instance be running (config I/O dials the live process; there is nothing
// to read or write otherwise).
func (e *Editor) target(ctx context.Context, instanceID string) (*domain.Database, engine.Adapter, engine.Target, error) {
	d, err := e.store.GetDatabase(ctx, instanceID)
	if err != nil {
		return nil, nil, engine.Target{}, err
	}
	if d.Status != domain.StatusRunning || d.Port == nil || d.PasswordEnc == nil {
		return nil, nil, engine.Target{}, apperr.New(apperr.CodeConflictingState, "instance must be running to read or edit its config")
	}

	adapter, err := e.engines.Lookup(d.Engine)
	if err != nil {
		return nil, nil, engine.Target{}, err
	}

	password, err := e.vault.Decrypt(*d.PasswordEnc)
	if err != nil {
		return nil, nil, engine.Target{}, err
	}

	host := "127.0.0.1"
	if d.Host != nil {
		host = *d.Host
	}
	return d, adapter, engine.Target{Host: host, Port: *d.Port, Username: d.Username, Password: password, Database: d.Name}, nil
}

// GetConfig returns the instance's current live configuration.
func (e *Editor) GetConfig(ctx context.Context, instanceID string) (*Config, error) {
	_, adapter, target, err := e.target(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	cfg, err := adapter.ConfigRead(ctx, target)
	if err != nil {
		return nil, err
	}
	return &Config{Format: string(cfg.Format), Content: cfg.Content}, nil
}

// PutConfig applies content to the instance's live configuration.
// Syntactic validation and the live-reload attempt both happen inside the
// engine adapter, which knows its own config format; PutConfig's job is
// only to resolve the target and surface the adapter's applied/not-applied
// result unchanged.
func (e *Editor) PutConfig(ctx context.Context, instanceID string, content string) (*PutResult, error) {
	_, adapter, target, err := e.target(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	applied, err := adapter.ConfigWrite(ctx, target, content)
	if err != nil {
		return nil, err
	}
	return &PutResult{Applied: applied}, nil
}
