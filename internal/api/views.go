package api

import (
	"fmt"
	"time"

	"github.com/datify-sh/datify/internal/crypto"
	"github.com/datify-sh/datify/internal/domain"
)

// ConnectionView is the decrypted connection sub-object returned to
// authenticated owners of a running instance, per spec.md §6.
type ConnectionView struct {
	Host             string `json:"host"`
	Port             int    `json:"port"`
	Username         string `json:"username"`
	Password         string `json:"password"`
	Database         string `json:"database"`
	ConnectionString string `json:"connection_string"`
}

// BranchView is the branch sub-object of a DatabaseView.
type BranchView struct {
	IsDefault bool       `json:"is_default"`
	ParentID  *string    `json:"parent_id,omitempty"`
	ForkedAt  *time.Time `json:"forked_at,omitempty"`
}

// DatabaseView is the wire shape of a database instance. password_encrypted
// is never included; the decrypted Connection sub-object is the only path
// a client ever sees a usable credential, and only while running.
type DatabaseView struct {
	ID            string           `json:"id"`
	ProjectID     string           `json:"project_id"`
	Name          string           `json:"name"`
	Engine        domain.Engine    `json:"engine"`
	EngineVersion string           `json:"engine_version"`
	Status        domain.Status    `json:"status"`
	Host          *string          `json:"host,omitempty"`
	Port          *int             `json:"port,omitempty"`
	Username      string           `json:"username"`
	CPUCores      float64          `json:"cpu_limit"`
	MemoryMB      int64            `json:"memory_limit_mb"`
	StorageMB     int64            `json:"storage_limit_mb"`
	PublicExposed bool             `json:"public_exposed"`
	Branch        BranchView       `json:"branch"`
	StorageUsedMB int64            `json:"storage_used_mb"`
	ErrorReason   string           `json:"error_reason,omitempty"`
	Connection    *ConnectionView  `json:"connection,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// newDatabaseView builds the wire view for d, decrypting and attaching the
// connection sub-object when running and the caller can see it.
func newDatabaseView(d *domain.Database, vault *crypto.Vault, dockerHostIP string) (*DatabaseView, error) {
	v := &DatabaseView{
		ID:            d.ID,
		ProjectID:     d.ProjectID,
		Name:          d.Name,
		Engine:        d.Engine,
		EngineVersion: d.EngineVersion,
		Status:        d.Status,
		Host:          d.Host,
		Port:          d.Port,
		Username:      d.Username,
		CPUCores:      d.Limits.CPUCores,
		MemoryMB:      d.Limits.MemoryMB,
		StorageMB:     d.Limits.StorageMB,
		PublicExposed: d.PublicExposed,
		Branch: BranchView{
			IsDefault: d.IsDefault,
			ParentID:  d.ParentID,
			ForkedAt:  d.ForkedAt,
		},
		StorageUsedMB: d.StorageUsedMB,
		ErrorReason:   d.ErrorReason,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}

	if d.Status != domain.StatusRunning || d.Port == nil || d.PasswordEnc == nil {
		return v, nil
	}

	password, err := vault.Decrypt(*d.PasswordEnc)
	if err != nil {
		return nil, err
	}

	host := dockerHostIP
	if d.Host != nil && *d.Host != "" {
		host = *d.Host
	}
	scheme := "postgres"
	if d.Engine.IsKeyValue() {
		scheme = "redis"
	}
	v.Connection = &ConnectionView{
		Host:     host,
		Port:     *d.Port,
		Username: d.Username,
		Password: password,
		Database: d.Name,
		ConnectionString: fmt.Sprintf("%s://%s:%s@%s:%d/%s",
			scheme, d.Username, password, host, *d.Port, d.Name),
	}
	return v, nil
}

// MetricsView is the wire shape of a single metrics snapshot.
type MetricsView struct {
	DatabaseID   string        `json:"database_id"`
	Timestamp    time.Time     `json:"timestamp"`
	DatabaseType domain.Engine `json:"database_type"`

	TotalQueries      int64   `json:"total_queries,omitempty"`
	QueriesPerSec     float64 `json:"queries_per_sec,omitempty"`
	AvgLatencyMs      float64 `json:"avg_latency_ms,omitempty"`
	RowsRead          int64   `json:"rows_read,omitempty"`
	RowsWritten       int64   `json:"rows_written,omitempty"`
	CPUPercent        float64 `json:"cpu_percent,omitempty"`
	MemoryPercent     float64 `json:"memory_percent,omitempty"`
	MemoryUsedBytes   int64   `json:"memory_used_bytes,omitempty"`
	ActiveConnections int     `json:"active_connections,omitempty"`
	StorageUsedBytes  int64   `json:"storage_used_bytes,omitempty"`

	TotalKeys        int64   `json:"total_keys,omitempty"`
	KeyspaceHits     int64   `json:"keyspace_hits,omitempty"`
	KeyspaceMisses   int64   `json:"keyspace_misses,omitempty"`
	TotalCommands    int64   `json:"total_commands,omitempty"`
	OpsPerSec        float64 `json:"ops_per_sec,omitempty"`
	UsedMemory       int64   `json:"used_memory,omitempty"`
	ConnectedClients int     `json:"connected_clients,omitempty"`
}

func newMetricsView(m *domain.MetricsSnapshot) MetricsView {
	return MetricsView{
		DatabaseID:        m.DatabaseID,
		Timestamp:         m.Timestamp,
		DatabaseType:      m.DatabaseType,
		TotalQueries:      m.TotalQueries,
		QueriesPerSec:     m.QueriesPerSec,
		AvgLatencyMs:      m.AvgLatencyMs,
		RowsRead:          m.RowsRead,
		RowsWritten:       m.RowsWritten,
		CPUPercent:        m.CPUPercent,
		MemoryPercent:     m.MemoryPercent,
		MemoryUsedBytes:   m.MemoryUsedBytes,
		ActiveConnections: m.ActiveConnections,
		StorageUsedBytes:  m.StorageUsedBytes,
		TotalKeys:         m.TotalKeys,
		KeyspaceHits:      m.KeyspaceHits,
		KeyspaceMisses:    m.KeyspaceMisses,
		TotalCommands:     m.TotalCommands,
		OpsPerSec:         m.OpsPerSec,
		UsedMemory:        m.UsedMemory,
		ConnectedClients:  m.ConnectedClients,
	}
}
