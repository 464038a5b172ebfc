package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/datify-sh/datify/internal/apperr"
	"github.com/datify-sh/datify/internal/domain"
)

// postgresVersions is the ordered list of images Datify provisions, newest
// first so DefaultVersion is always the first supported entry.
var postgresVersions = []string{"16", "15", "14"}

// PostgresAdapter implements engine.Adapter for PostgreSQL, connecting to
// the provisioned container over TCP with pgx for metrics, config and
// schema/data replication.
type PostgresAdapter struct {
	imageBase string
}

// NewPostgresAdapter builds the default postgres adapter.
func NewPostgresAdapter() *PostgresAdapter {
	return &PostgresAdapter{imageBase: "docker.io/library/postgres"}
}

func (a *PostgresAdapter) DefaultVersion() string      { return postgresVersions[0] }
func (a *PostgresAdapter) SupportedVersions() []string { return postgresVersions }
func (a *PostgresAdapter) ImageRef(version string) string {
	return fmt.Sprintf("%s:%s", a.imageBase, version)
}
func (a *PostgresAdapter) ContainerPort() int { return 5432 }

func (a *PostgresAdapter) BuildEnv(username, password, database string) map[string]string {
	return map[string]string{
		"POSTGRES_USER":     username,
		"POSTGRES_PASSWORD": password,
		"POSTGRES_DB":       database,
	}
}

func (a *PostgresAdapter) dsn(t Target) string {
	db := t.Database
	if db == "" {
		db = "postgres"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		t.Username, t.Password, t.Host, t.Port, db)
}

func (a *PostgresAdapter) connect(ctx context.Context, t Target) (*pgx.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, readinessTimeout)
	defer cancel()
	conn, err := pgx.Connect(ctx, a.dsn(t))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeRuntimeUnavailable, "connect to postgres", err)
	}
	return conn, nil
}

func (a *PostgresAdapter) ReadinessProbe(ctx context.Context, t Target) error {
	conn, err := a.connect(ctx, t)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	var one int
	if err := conn.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return apperr.Wrap(apperr.CodeReadinessTimeout, "probe query", err)
	}
	return nil
}

func (a *PostgresAdapter) CollectMetrics(ctx context.Context, t Target) (*domain.MetricsSnapshot, error) {
	conn, err := a.connect(ctx, t)
	if err != nil {
		return nil, err
	}
	defer conn.Close(ctx)

	snap := &domain.MetricsSnapshot{Timestamp: time.Now(), DatabaseType: domain.EnginePostgres}

	row := conn.QueryRow(ctx, `
		SELECT
			coalesce(sum(calls), 0),
			coalesce(sum(total_exec_time), 0),
			coalesce(sum(rows), 0)
		FROM pg_stat_statements
	`)
	var totalCalls int64
	var totalExecMs float64
	var rowsTouched int64
	if err := row.Scan(&totalCalls, &totalExecMs, &rowsTouched); err == nil {
		snap.TotalQueries = totalCalls
		snap.RowsRead = rowsTouched
		if totalCalls > 0 {
			snap.AvgLatencyMs = totalExecMs / float64(totalCalls)
		}
	}

	row = conn.QueryRow(ctx, "SELECT count(*) FROM pg_stat_activity WHERE datname = current_database()")
	var active int
	if err := row.Scan(&active); err == nil {
		snap.ActiveConnections = active
	}

	row = conn.QueryRow(ctx, "SELECT pg_database_size(current_database())")
	var sizeBytes int64
	if err := row.Scan(&sizeBytes); err == nil {
		snap.StorageUsedBytes = sizeBytes
	}

	return snap, nil
}

func (a *PostgresAdapter) CLICommand(t Target) []string {
	db := t.Database
	if db == "" {
		db = "postgres"
	}
	return []string{"psql", "-U", t.Username, "-d", db}
}

func (a *PostgresAdapter) ConfigRead(ctx context.Context, t Target) (Config, error) {
	conn, err := a.connect(ctx, t)
	if err != nil {
		return Config{}, err
	}
	defer conn.Close(ctx)

	rows, err := conn.Query(ctx, "SELECT name, setting FROM pg_settings WHERE source = 'configuration file'")
	if err != nil {
		return Config{}, apperr.Wrap(apperr.CodeIOError, "read config", err)
	}
	defer rows.Close()

	content := ""
	for rows.Next() {
		var name, setting string
		if err := rows.Scan(&name, &setting); err != nil {
			return Config{}, apperr.Wrap(apperr.CodeIOError, "scan config row", err)
		}
		content += fmt.Sprintf("%s = %s\n", name, setting)
	}
	return Config{Format: ConfigFormatKV, Content: content}, nil
}

// postgresReloadable lists settings pg_ctl reload can apply without a
// restart; anything else forces applied=false.
var postgresReloadable = map[string]bool{
	"log_min_duration_statement": true,
	"max_connections":            false,
	"shared_buffers":             false,
}

func (a *PostgresAdapter) ConfigWrite(ctx context.Context, t Target, content string) (bool, error) {
	conn, err := a.connect(ctx, t)
	if err != nil {
		return false, err
	}
	defer conn.Close(ctx)

	settings := parseKV(content)
	applied := true
	for name, value := range settings {
		stmt := fmt.Sprintf("ALTER SYSTEM SET %s = %s", quoteIdentifier(name), quoteLiteral(value))
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return false, apperr.Wrap(apperr.CodeInvalidConfig, "apply setting "+name, err)
		}
		if !postgresReloadable[name] {
			applied = false
		}
	}
	if _, err := conn.Exec(ctx, "SELECT pg_reload_conf()"); err != nil {
		return false, apperr.Wrap(apperr.CodeIOError, "reload config", err)
	}
	return applied, nil
}

func (a *PostgresAdapter) SchemaReplicate(ctx context.Context, src, dst Target, mode ReplicateMode) error {
	srcConn, err := a.connect(ctx, src)
	if err != nil {
		return err
	}
	defer srcConn.Close(ctx)

	dstConn, err := a.connect(ctx, dst)
	if err != nil {
		return err
	}
	defer dstConn.Close(ctx)

	rows, err := srcConn.Query(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
	`)
	if err != nil {
		return apperr.Wrap(apperr.CodeIOError, "list source tables", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return apperr.Wrap(apperr.CodeIOError, "scan table name", err)
		}
		tables = append(tables, name)
	}

	for _, table := range tables {
		ddl, err := tableDDL(ctx, srcConn, table)
		if err != nil {
			return err
		}
		if _, err := dstConn.Exec(ctx, ddl); err != nil {
			return apperr.Wrap(apperr.CodeIOError, "apply ddl for "+table, err)
		}
	}

	if mode == domain.BranchFull {
		return a.DataSync(ctx, src, dst)
	}
	return nil
}

func (a *PostgresAdapter) DataSync(ctx context.Context, src, dst Target) error {
	srcConn, err := a.connect(ctx, src)
	if err != nil {
		return err
	}
	defer srcConn.Close(ctx)

	dstConn, err := a.connect(ctx, dst)
	if err != nil {
		return err
	}
	defer dstConn.Close(ctx)

	rows, err := srcConn.Query(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
	`)
	if err != nil {
		return apperr.Wrap(apperr.CodeIOError, "list source tables", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return apperr.Wrap(apperr.CodeIOError, "scan table name", err)
		}
		tables = append(tables, name)
	}

	for _, table := range tables {
		if _, err := dstConn.Exec(ctx, fmt.Sprintf("TRUNCATE %s CASCADE", table)); err != nil {
			return apperr.Wrap(apperr.CodeIOError, "truncate "+table, err)
		}

		srcRows, err := srcConn.Query(ctx, fmt.Sprintf("SELECT * FROM %s", table))
		if err != nil {
			return apperr.Wrap(apperr.CodeIOError, "read rows from "+table, err)
		}

		fieldDescs := srcRows.FieldDescriptions()
		cols := make([]string, len(fieldDescs))
		for i, fd := range fieldDescs {
			cols[i] = string(fd.Name)
		}

		var batch [][]any
		for srcRows.Next() {
			values, err := srcRows.Values()
			if err != nil {
				srcRows.Close()
				return apperr.Wrap(apperr.CodeIOError, "read row values from "+table, err)
			}
			batch = append(batch, values)
		}
		srcRows.Close()

		if len(batch) > 0 {
			if _, err := dstConn.CopyFrom(ctx, pgx.Identifier{table}, cols, pgx.CopyFromRows(batch)); err != nil {
				return apperr.Wrap(apperr.CodeIOError, "copy rows into "+table, err)
			}
		}
	}
	return nil
}

var queryStatsSortColumn = map[string]string{
	"total_time": "total_exec_time",
	"avg_time":   "mean_exec_time",
	"calls":      "calls",
}

func (a *PostgresAdapter) TopQueries(ctx context.Context, t Target, sortBy string, limit int) ([]QueryStat, error) {
	col, ok := queryStatsSortColumn[sortBy]
	if !ok {
		col = queryStatsSortColumn["total_time"]
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	conn, err := a.connect(ctx, t)
	if err != nil {
		return nil, err
	}
	defer conn.Close(ctx)

	rows, err := conn.Query(ctx, fmt.Sprintf(`
		SELECT query, calls, total_exec_time, mean_exec_time, rows
		FROM pg_stat_statements
		ORDER BY %s DESC
		LIMIT $1
	`, col), limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeIOError, "read pg_stat_statements", err)
	}
	defer rows.Close()

	var stats []QueryStat
	for rows.Next() {
		var s QueryStat
		if err := rows.Scan(&s.Query, &s.Calls, &s.TotalTimeMs, &s.AvgTimeMs, &s.Rows); err != nil {
			return nil, apperr.Wrap(apperr.CodeIOError, "scan pg_stat_statements row", err)
		}
		stats = append(stats, s)
	}
	return stats, nil
}

func (a *PostgresAdapter) ChangePassword(ctx context.Context, t Target, newPassword string) error {
	conn, err := a.connect(ctx, t)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	stmt := fmt.Sprintf("ALTER USER %s WITH PASSWORD %s", quoteIdentifier(t.Username), quoteLiteral(newPassword))
	if _, err := conn.Exec(ctx, stmt); err != nil {
		return apperr.Wrap(apperr.CodeIOError, "alter user password", err)
	}
	return nil
}

// quoteIdentifier quotes a SQL identifier (role name, setting name, ...) for
// safe interpolation into statements postgres doesn't accept bind parameters
// for, such as ALTER USER/ALTER SYSTEM SET.
func quoteIdentifier(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// quoteLiteral quotes a string as a SQL literal by escaping embedded single
// quotes, the same escaping postgres's own quote_literal() performs for the
// simple (non-E'') case. Used alongside quoteIdentifier wherever a value has
// to be spliced into DDL-like statements that can't be parameterized.
func quoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

func tableDDL(ctx context.Context, conn *pgx.Conn, table string) (string, error) {
	rows, err := conn.Query(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
		ORDER BY ordinal_position
	`, table)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeIOError, "read column info for "+table, err)
	}
	defer rows.Close()

	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (", table)
	first := true
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return "", apperr.Wrap(apperr.CodeIOError, "scan column info", err)
		}
		if !first {
			ddl += ", "
		}
		first = false
		ddl += fmt.Sprintf("%s %s", name, dataType)
	}
	ddl += ")"
	return ddl, nil
}

// parseKV parses a simple "key = value" per line config body, used for the
// postgres config_write path.
func parseKV(content string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		out[key] = strings.TrimSpace(val)
	}
	return out
}
