// Package domain defines the core data structures of the Datify control plane:
// users, projects, database instances and their branches, and metrics
// snapshots. These types are shared by the state store, lifecycle manager,
// branching engine, metrics pipeline and the HTTP/WS API layer.
package domain

import "time"

// Role is a user's access level.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// User owns zero or more projects.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Project groups database instances under a single owner.
type Project struct {
	ID          string
	OwnerUserID string
	Name        string
	Slug        string
	Settings    string // JSON
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Engine identifies which database engine an instance runs.
type Engine string

const (
	EnginePostgres Engine = "postgres"
	EngineValkey   Engine = "valkey"
	EngineRedis    Engine = "redis"
)

// IsKeyValue reports whether the engine is a key-value store rather than
// a relational one.
func (e Engine) IsKeyValue() bool {
	return e == EngineValkey || e == EngineRedis
}

// Status is a point in the instance lifecycle state machine (see
// internal/lifecycle).
type Status string

const (
	StatusPending  Status = "pending"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// Limits holds resource limits applied to an instance's container.
type Limits struct {
	CPUCores  float64
	MemoryMB  int64
	StorageMB int64
}

// DefaultLimits returns the minimum limits accepted by the lifecycle manager.
func DefaultLimits() Limits {
	return Limits{CPUCores: 0.5, MemoryMB: 256, StorageMB: 512}
}

// Database is a single provisioned database instance: one container, one
// volume, one set of credentials, one port.
type Database struct {
	ID            string
	ProjectID     string
	Name          string
	Engine        Engine
	EngineVersion string
	Status        Status
	ContainerID   *string
	Host          *string
	Port          *int
	Username      string
	PasswordEnc   *string // self-describing cipher blob, see internal/crypto
	Limits        Limits
	PublicExposed bool

	// Branch fields.
	BranchName string
	IsDefault  bool
	ParentID   *string
	ForkedAt   *time.Time

	StorageUsedMB int64
	ErrorReason   string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsBranch reports whether this instance was forked from a parent.
func (d *Database) IsBranch() bool {
	return d.ParentID != nil
}

// Connection is the decrypted connection view returned to authenticated
// owners; it is never persisted.
type Connection struct {
	Host             string `json:"host"`
	Port             int    `json:"port"`
	Username         string `json:"username"`
	Password         string `json:"password"`
	Database         string `json:"database"`
	ConnectionString string `json:"connection_string"`
}

// MetricsSnapshot is one scrape's worth of unified, persisted metrics for
// a single instance. The Relational and KeyValue groups are disjoint; which
// one is populated depends on DatabaseType.
type MetricsSnapshot struct {
	ID           string
	DatabaseID   string
	Timestamp    time.Time
	DatabaseType Engine

	// Relational engines (postgres).
	TotalQueries      int64
	QueriesPerSec     float64
	AvgLatencyMs      float64
	RowsRead          int64
	RowsWritten       int64
	CPUPercent        float64
	MemoryPercent     float64
	MemoryUsedBytes   int64
	ActiveConnections int
	StorageUsedBytes  int64

	// Key-value engines (valkey, redis).
	TotalKeys        int64
	KeyspaceHits     int64
	KeyspaceMisses   int64
	TotalCommands    int64
	OpsPerSec        float64
	UsedMemory       int64
	ConnectedClients int
}

// MetricsRange is a named time window for history queries.
type MetricsRange string

const (
	RangeRealtime MetricsRange = "realtime"
	Range5m       MetricsRange = "5m"
	Range15m      MetricsRange = "15m"
	Range30m      MetricsRange = "30m"
	Range1h       MetricsRange = "1h"
	Range24h      MetricsRange = "24h"
)

// Duration returns the lookback window for a range, or false for realtime
// (which bypasses the store and reads the live broadcaster instead).
func (r MetricsRange) Duration() (time.Duration, bool) {
	switch r {
	case Range5m:
		return 5 * time.Minute, true
	case Range15m:
		return 15 * time.Minute, true
	case Range30m:
		return 30 * time.Minute, true
	case Range1h:
		return time.Hour, true
	case Range24h:
		return 24 * time.Hour, true
	default:
		return 0, false
	}
}

// MetricsRetention bounds how long snapshots are readable, enforced by the
// state store's purge trigger on insert.
const MetricsRetention = 24 * time.Hour

// BranchMode controls how much of a parent's data a branch inherits.
type BranchMode string

const (
	BranchSchemaOnly BranchMode = "schema_only"
	BranchFull       BranchMode = "full"
)
