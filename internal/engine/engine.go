// Package engine provides per-database-engine behavior behind a single
// capability interface, selected at lookup time from an instance's engine
// field — a tagged variant, not subclassing, per spec.md §9.
package engine

import (
	"context"
	"time"

	"github.com/datify-sh/datify/internal/apperr"
	"github.com/datify-sh/datify/internal/domain"
)

// ConfigFormat names the shape of an engine's live config file.
type ConfigFormat string

const (
	ConfigFormatKV  ConfigFormat = "kv"
	ConfigFormatINI ConfigFormat = "ini"
)

// Config is the content returned by ConfigRead and accepted by ConfigWrite.
type Config struct {
	Format  ConfigFormat
	Content string
}

// ReplicateMode controls how much of a parent's data a branch inherits.
type ReplicateMode = domain.BranchMode

// Target identifies a running container to connect to for in-engine
// operations (metrics collection, config I/O, branching).
type Target struct {
	Host     string
	Port     int
	Username string
	Password string
	Database string
}

// QueryStat is one row of GET /databases/{id}/queries, normalized from
// pg_stat_statements.
type QueryStat struct {
	Query       string  `json:"query"`
	Calls       int64   `json:"calls"`
	TotalTimeMs float64 `json:"total_time_ms"`
	AvgTimeMs   float64 `json:"avg_time_ms"`
	Rows        int64   `json:"rows"`
}

// Adapter is the fixed capability set every engine implements, per
// spec.md §4.D.
type Adapter interface {
	// DefaultVersion and SupportedVersions drive create-time version
	// validation and the /system/*-versions endpoints.
	DefaultVersion() string
	SupportedVersions() []string

	// ImageRef resolves a version to the container image reference to pull.
	ImageRef(version string) string

	// BuildEnv assembles the container's environment, including the
	// connection password.
	BuildEnv(username, password, database string) map[string]string

	// ContainerPort is the in-container port the engine listens on.
	ContainerPort() int

	// ReadinessProbe reports whether the engine is serving requests yet.
	ReadinessProbe(ctx context.Context, t Target) error

	// CollectMetrics returns a partially-populated MetricsSnapshot (either
	// the relational or key-value field group, per engine kind).
	CollectMetrics(ctx context.Context, t Target) (*domain.MetricsSnapshot, error)

	// CLICommand returns the argv for the engine's native interactive
	// shell, used by the psql/valkey-cli/redis-cli WS endpoints.
	CLICommand(t Target) []string

	// ConfigRead/ConfigWrite read and apply the engine's live config.
	// ConfigWrite's applied=false means the caller must restart the
	// container for the change to take effect.
	ConfigRead(ctx context.Context, t Target) (Config, error)
	ConfigWrite(ctx context.Context, t Target, content string) (applied bool, err error)

	// TopQueries returns the instance's slowest/most-called statements,
	// backing GET /databases/{id}/queries. Key-value engines have no
	// statement-level accounting and report CodeInvalidConfig.
	TopQueries(ctx context.Context, t Target, sortBy string, limit int) ([]QueryStat, error)

	// SchemaReplicate copies structure (and, in full mode, data) from src
	// to dst. Key-value engines reject mode=schema_only.
	SchemaReplicate(ctx context.Context, src, dst Target, mode ReplicateMode) error

	// DataSync re-synchronizes dst's data from src, used by
	// sync_from_parent.
	DataSync(ctx context.Context, src, dst Target) error

	// ChangePassword rotates the engine-native credential.
	ChangePassword(ctx context.Context, t Target, newPassword string) error
}

// readinessTimeout bounds a single ReadinessProbe dial+check attempt; the
// lifecycle manager is responsible for the overall 60s backoff budget.
const readinessTimeout = 5 * time.Second

// Registry resolves an Adapter by engine name.
type Registry struct {
	adapters map[domain.Engine]Adapter
}

// NewRegistry builds the standard postgres/valkey/redis registry.
func NewRegistry() *Registry {
	return &Registry{adapters: map[domain.Engine]Adapter{
		domain.EnginePostgres: NewPostgresAdapter(),
		domain.EngineValkey:   NewRedisFamilyAdapter(domain.EngineValkey),
		domain.EngineRedis:    NewRedisFamilyAdapter(domain.EngineRedis),
	}}
}

// Lookup returns the adapter for engine, or an error if unknown.
func (r *Registry) Lookup(engine domain.Engine) (Adapter, error) {
	a, ok := r.adapters[engine]
	if !ok {
		return nil, apperr.Newf(apperr.CodeInvalidConfig, "unknown engine %q", engine)
	}
	return a, nil
}
