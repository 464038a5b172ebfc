package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/datify-sh/datify/internal/apperr"
	"github.com/datify-sh/datify/internal/domain"
)

const timeLayout = "2006-01-02T15:04:05.000Z"

// CreateDatabase inserts a new database instance row, caller-supplied tx
// optional: pass nil to run standalone, or a tx from WithWriteLock when
// part of a larger transaction (branch creation inserts its child row this
// way).
func (s *Store) CreateDatabase(ctx context.Context, tx *sql.Tx, d *domain.Database) error {
	exec := s.execer(tx)
	_, err := exec.ExecContext(ctx, `
		INSERT INTO databases (
			id, project_id, name, engine, engine_version, status,
			container_id, host, port, username, password_encrypted,
			cpu_cores, memory_mb, storage_mb, public_exposed,
			branch_name, is_default, parent_id, forked_at,
			storage_used_mb, error_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		d.ID, d.ProjectID, d.Name, string(d.Engine), d.EngineVersion, string(d.Status),
		d.ContainerID, d.Host, d.Port, d.Username, d.PasswordEnc,
		d.Limits.CPUCores, d.Limits.MemoryMB, d.Limits.StorageMB, boolToInt(d.PublicExposed),
		d.BranchName, boolToInt(d.IsDefault), d.ParentID, timePtrToStr(d.ForkedAt),
		d.StorageUsedMB, d.ErrorReason,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.New(apperr.CodeDuplicateName, "database name already exists in project")
		}
		return apperr.Wrap(apperr.CodeStoreError, "insert database", err)
	}
	return nil
}

// UpdateDatabaseStatus is the narrow, frequent write the lifecycle manager
// issues on every state transition.
func (s *Store) UpdateDatabaseStatus(ctx context.Context, id string, status domain.Status, errorReason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE databases SET status = ?, error_reason = ? WHERE id = ?
	`, string(status), errorReason, id)
	if err != nil {
		return apperr.Wrap(apperr.CodeStoreError, "update database status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.CodeNotFound, "database not found")
	}
	return nil
}

// UpdateDatabaseConnection persists container/host/port/password once
// provisioning succeeds.
func (s *Store) UpdateDatabaseConnection(ctx context.Context, id, containerID, host string, port int, passwordEnc string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE databases
		SET container_id = ?, host = ?, port = ?, password_encrypted = ?, status = 'running'
		WHERE id = ?
	`, containerID, host, port, passwordEnc, id)
	if err != nil {
		return apperr.Wrap(apperr.CodeStoreError, "update database connection", err)
	}
	return nil
}

// UpdateDatabasePassword re-persists the encrypted password after a
// change_password operation.
func (s *Store) UpdateDatabasePassword(ctx context.Context, id, passwordEnc string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE databases SET password_encrypted = ? WHERE id = ?`, passwordEnc, id)
	if err != nil {
		return apperr.Wrap(apperr.CodeStoreError, "update database password", err)
	}
	return nil
}

// UpdateDatabaseLimits applies a resource-limit/public-exposure patch, only valid
// while the instance is stopped per spec.md §4.F.
func (s *Store) UpdateDatabaseLimits(ctx context.Context, id string, limits domain.Limits, publicExposed bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE databases SET cpu_cores = ?, memory_mb = ?, storage_mb = ?, public_exposed = ?
		WHERE id = ?
	`, limits.CPUCores, limits.MemoryMB, limits.StorageMB, boolToInt(publicExposed), id)
	if err != nil {
		return apperr.Wrap(apperr.CodeStoreError, "update database limits", err)
	}
	return nil
}

// UpdateDatabaseForkedAt records the instant a branch's data was last
// synchronized from its parent, per spec.md §4.G's sync_from_parent
// contract.
func (s *Store) UpdateDatabaseForkedAt(ctx context.Context, id string, forkedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE databases SET forked_at = ? WHERE id = ?`, forkedAt.UTC().Format(timeLayout), id)
	if err != nil {
		return apperr.Wrap(apperr.CodeStoreError, "update database forked_at", err)
	}
	return nil
}

func (s *Store) GetDatabase(ctx context.Context, id string) (*domain.Database, error) {
	row := s.db.QueryRowContext(ctx, databaseSelectQuery+` WHERE id = ?`, id)
	return scanDatabase(row)
}

// GetDatabaseByName looks up an instance by its (project, name) unique
// key, used by the duplicate-name checks of create and create-branch.
func (s *Store) GetDatabaseByName(ctx context.Context, projectID, name string) (*domain.Database, error) {
	row := s.db.QueryRowContext(ctx, databaseSelectQuery+` WHERE project_id = ? AND name = ?`, projectID, name)
	return scanDatabase(row)
}

func (s *Store) ListDatabasesByProject(ctx context.Context, projectID string) ([]*domain.Database, error) {
	rows, err := s.db.QueryContext(ctx, databaseSelectQuery+` WHERE project_id = ? ORDER BY created_at ASC`, projectID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStoreError, "list databases", err)
	}
	defer rows.Close()
	return scanDatabases(rows)
}

// ListRunningDatabases is used at daemon startup (metrics.Scraper.StartAll)
// to resume scraping every instance the store lists as running.
func (s *Store) ListRunningDatabases(ctx context.Context) ([]*domain.Database, error) {
	rows, err := s.db.QueryContext(ctx, databaseSelectQuery+` WHERE status = 'running'`)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStoreError, "list running databases", err)
	}
	defer rows.Close()
	return scanDatabases(rows)
}

// ListBranches returns all children of parentID.
func (s *Store) ListBranches(ctx context.Context, parentID string) ([]*domain.Database, error) {
	rows, err := s.db.QueryContext(ctx, databaseSelectQuery+` WHERE parent_id = ? ORDER BY created_at ASC`, parentID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStoreError, "list branches", err)
	}
	defer rows.Close()
	return scanDatabases(rows)
}

func (s *Store) DeleteDatabase(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM databases WHERE id = ?`, id)
	if err != nil {
		return apperr.Wrap(apperr.CodeStoreError, "delete database", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.CodeNotFound, "database not found")
	}
	return nil
}

const databaseSelectQuery = `
	SELECT
		id, project_id, name, engine, engine_version, status,
		container_id, host, port, username, password_encrypted,
		cpu_cores, memory_mb, storage_mb, public_exposed,
		branch_name, is_default, parent_id, forked_at,
		storage_used_mb, error_reason, created_at, updated_at
	FROM databases`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDatabaseRow(s rowScanner) (*domain.Database, error) {
	var d domain.Database
	var engine, status string
	var containerID, host, passwordEnc, parentID, forkedAt sql.NullString
	var port sql.NullInt64
	var publicExposed, isDefault int
	var createdAt, updatedAt string

	err := s.Scan(
		&d.ID, &d.ProjectID, &d.Name, &engine, &d.EngineVersion, &status,
		&containerID, &host, &port, &d.Username, &passwordEnc,
		&d.Limits.CPUCores, &d.Limits.MemoryMB, &d.Limits.StorageMB, &publicExposed,
		&d.BranchName, &isDefault, &parentID, &forkedAt,
		&d.StorageUsedMB, &d.ErrorReason, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Engine = domain.Engine(engine)
	d.Status = domain.Status(status)
	d.PublicExposed = publicExposed != 0
	d.IsDefault = isDefault != 0
	if containerID.Valid {
		d.ContainerID = &containerID.String
	}
	if host.Valid {
		d.Host = &host.String
	}
	if port.Valid {
		p := int(port.Int64)
		d.Port = &p
	}
	if passwordEnc.Valid {
		d.PasswordEnc = &passwordEnc.String
	}
	if parentID.Valid {
		d.ParentID = &parentID.String
	}
	if forkedAt.Valid {
		t, _ := time.Parse(timeLayout, forkedAt.String)
		d.ForkedAt = &t
	}
	d.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	d.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &d, nil
}

func scanDatabase(row *sql.Row) (*domain.Database, error) {
	d, err := scanDatabaseRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.CodeNotFound, "database not found")
		}
		return nil, apperr.Wrap(apperr.CodeStoreError, "scan database", err)
	}
	return d, nil
}

func scanDatabases(rows *sql.Rows) ([]*domain.Database, error) {
	var out []*domain.Database
	for rows.Next() {
		d, err := scanDatabaseRow(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeStoreError, "scan database row", err)
		}
		out = append(out, d)
	}
	return out, nil
}

// --- Metrics snapshots -------------------------------------------------

// InsertMetricsSnapshot persists one scrape result; the retention trigger
// purges anything older than 24h as part of the same insert.
func (s *Store) InsertMetricsSnapshot(ctx context.Context, m *domain.MetricsSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metrics_snapshots (
			id, database_id, timestamp, database_type,
			total_queries, queries_per_sec, avg_latency_ms, rows_read, rows_written,
			cpu_percent, memory_percent, memory_used_bytes, active_connections, storage_used_bytes,
			total_keys, keyspace_hits, keyspace_misses, total_commands, ops_per_sec,
			used_memory, connected_clients
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.ID, m.DatabaseID, m.Timestamp.UTC().Format(timeLayout), string(m.DatabaseType),
		m.TotalQueries, m.QueriesPerSec, m.AvgLatencyMs, m.RowsRead, m.RowsWritten,
		m.CPUPercent, m.MemoryPercent, m.MemoryUsedBytes, m.ActiveConnections, m.StorageUsedBytes,
		m.TotalKeys, m.KeyspaceHits, m.KeyspaceMisses, m.TotalCommands, m.OpsPerSec,
		m.UsedMemory, m.ConnectedClients,
	)
	if err != nil {
		return apperr.Wrap(apperr.CodeStoreError, "insert metrics snapshot", err)
	}
	return nil
}

// MetricsHistory returns snapshots for databaseID newer than since, ordered
// oldest first, per spec.md §4.H's history endpoint contract.
func (s *Store) MetricsHistory(ctx context.Context, databaseID string, since time.Time) ([]*domain.MetricsSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			id, database_id, timestamp, database_type,
			total_queries, queries_per_sec, avg_latency_ms, rows_read, rows_written,
			cpu_percent, memory_percent, memory_used_bytes, active_connections, storage_used_bytes,
			total_keys, keyspace_hits, keyspace_misses, total_commands, ops_per_sec,
			used_memory, connected_clients
		FROM metrics_snapshots
		WHERE database_id = ? AND timestamp >= ?
		ORDER BY timestamp ASC
	`, databaseID, since.UTC().Format(timeLayout))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStoreError, "query metrics history", err)
	}
	defer rows.Close()

	var out []*domain.MetricsSnapshot
	for rows.Next() {
		var m domain.MetricsSnapshot
		var ts, dbType string
		if err := rows.Scan(
			&m.ID, &m.DatabaseID, &ts, &dbType,
			&m.TotalQueries, &m.QueriesPerSec, &m.AvgLatencyMs, &m.RowsRead, &m.RowsWritten,
			&m.CPUPercent, &m.MemoryPercent, &m.MemoryUsedBytes, &m.ActiveConnections, &m.StorageUsedBytes,
			&m.TotalKeys, &m.KeyspaceHits, &m.KeyspaceMisses, &m.TotalCommands, &m.OpsPerSec,
			&m.UsedMemory, &m.ConnectedClients,
		); err != nil {
			return nil, apperr.Wrap(apperr.CodeStoreError, "scan metrics snapshot", err)
		}
		m.Timestamp, _ = time.Parse(timeLayout, ts)
		m.DatabaseType = domain.Engine(dbType)
		out = append(out, &m)
	}
	return out, nil
}

// --- helpers -------------------------------------------------------------

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) execer(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return s.db
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timePtrToStr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}
