package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/datify-sh/datify/internal/apperr"
	"github.com/datify-sh/datify/internal/domain"
)

var valkeyVersions = []string{"8.0", "7.2"}
var redisVersions = []string{"7.4", "7.2", "6.2"}

// RedisFamilyAdapter implements engine.Adapter for both Valkey and Redis,
// which share a wire protocol and CLI shape closely enough to be one
// implementation parameterized on engine kind (image base, CLI name,
// supported versions).
type RedisFamilyAdapter struct {
	kind      domain.Engine
	imageBase string
	cliName   string
	versions  []string
}

// NewRedisFamilyAdapter builds the Valkey or Redis adapter.
func NewRedisFamilyAdapter(kind domain.Engine) *RedisFamilyAdapter {
	switch kind {
	case domain.EngineValkey:
		return &RedisFamilyAdapter{kind: kind, imageBase: "docker.io/valkey/valkey", cliName: "valkey-cli", versions: valkeyVersions}
	default:
		return &RedisFamilyAdapter{kind: domain.EngineRedis, imageBase: "docker.io/library/redis", cliName: "redis-cli", versions: redisVersions}
	}
}

func (a *RedisFamilyAdapter) DefaultVersion() string      { return a.versions[0] }
func (a *RedisFamilyAdapter) SupportedVersions() []string { return a.versions }
func (a *RedisFamilyAdapter) ImageRef(version string) string {
	return fmt.Sprintf("%s:%s", a.imageBase, version)
}
func (a *RedisFamilyAdapter) ContainerPort() int { return 6379 }

func (a *RedisFamilyAdapter) BuildEnv(username, password, database string) map[string]string {
	env := map[string]string{}
	if a.kind == domain.EngineValkey {
		env["VALKEY_EXTRA_FLAGS"] = "--requirepass " + password
	} else {
		env["REDIS_ARGS"] = "--requirepass " + password
	}
	return env
}

func (a *RedisFamilyAdapter) client(t Target) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", t.Host, t.Port),
		Password:     t.Password,
		DialTimeout:  readinessTimeout,
		ReadTimeout:  readinessTimeout,
		WriteTimeout: readinessTimeout,
	})
}

func (a *RedisFamilyAdapter) ReadinessProbe(ctx context.Context, t Target) error {
	c := a.client(t)
	defer c.Close()

	ctx, cancel := context.WithTimeout(ctx, readinessTimeout)
	defer cancel()

	if err := c.Ping(ctx).Err(); err != nil {
		return apperr.Wrap(apperr.CodeReadinessTimeout, "ping", err)
	}
	return nil
}

func (a *RedisFamilyAdapter) CollectMetrics(ctx context.Context, t Target) (*domain.MetricsSnapshot, error) {
	c := a.client(t)
	defer c.Close()

	info, err := c.Info(ctx).Result()
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeRuntimeUnavailable, "INFO", err)
	}

	fields := parseInfo(info)
	snap := &domain.MetricsSnapshot{Timestamp: time.Now(), DatabaseType: a.kind}
	snap.KeyspaceHits = parseInt(fields["keyspace_hits"])
	snap.KeyspaceMisses = parseInt(fields["keyspace_misses"])
	snap.TotalCommands = parseInt(fields["total_commands_processed"])
	snap.UsedMemory = parseInt(fields["used_memory"])
	snap.ConnectedClients = int(parseInt(fields["connected_clients"]))

	dbSize, err := c.DBSize(ctx).Result()
	if err == nil {
		snap.TotalKeys = dbSize
	}
	return snap, nil
}

func (a *RedisFamilyAdapter) CLICommand(t Target) []string {
	args := []string{a.cliName, "-h", "127.0.0.1", "-p", strconv.Itoa(t.Port)}
	if t.Password != "" {
		args = append(args, "-a", t.Password)
	}
	return args
}

func (a *RedisFamilyAdapter) ConfigRead(ctx context.Context, t Target) (Config, error) {
	c := a.client(t)
	defer c.Close()

	values, err := c.ConfigGet(ctx, "*").Result()
	if err != nil {
		return Config{}, apperr.Wrap(apperr.CodeIOError, "CONFIG GET", err)
	}

	var sb strings.Builder
	for k, v := range values {
		sb.WriteString(k)
		sb.WriteString(" ")
		sb.WriteString(v)
		sb.WriteString("\n")
	}
	return Config{Format: ConfigFormatKV, Content: sb.String()}, nil
}

func (a *RedisFamilyAdapter) ConfigWrite(ctx context.Context, t Target, content string) (bool, error) {
	c := a.client(t)
	defer c.Close()

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			continue
		}
		if err := c.ConfigSet(ctx, parts[0], parts[1]).Err(); err != nil {
			return false, apperr.Wrap(apperr.CodeInvalidConfig, "CONFIG SET "+parts[0], err)
		}
	}
	// CONFIG SET always applies live; there is no unreloadable-key concept
	// in redis/valkey the way there is in postgres.
	return true, nil
}

func (a *RedisFamilyAdapter) SchemaReplicate(ctx context.Context, src, dst Target, mode ReplicateMode) error {
	if mode == domain.BranchSchemaOnly {
		return apperr.New(apperr.CodeUnsupportedBranchMode, "key-value engines only support full branching")
	}
	return a.DataSync(ctx, src, dst)
}

func (a *RedisFamilyAdapter) DataSync(ctx context.Context, src, dst Target) error {
	srcClient := a.client(src)
	defer srcClient.Close()
	dstClient := a.client(dst)
	defer dstClient.Close()

	if err := dstClient.FlushDB(ctx).Err(); err != nil {
		return apperr.Wrap(apperr.CodeIOError, "FLUSHDB", err)
	}

	var cursor uint64
	for {
		keys, next, err := srcClient.Scan(ctx, cursor, "*", 100).Result()
		if err != nil {
			return apperr.Wrap(apperr.CodeIOError, "SCAN", err)
		}
		for _, key := range keys {
			dump, err := srcClient.Dump(ctx, key).Result()
			if err != nil {
				continue
			}
			ttl, err := srcClient.TTL(ctx, key).Result()
			if err != nil {
				ttl = 0
			}
			if err := dstClient.RestoreReplace(ctx, key, ttl, dump).Err(); err != nil {
				return apperr.Wrap(apperr.CodeIOError, "RESTORE "+key, err)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}

func (a *RedisFamilyAdapter) ChangePassword(ctx context.Context, t Target, newPassword string) error {
	c := a.client(t)
	defer c.Close()

	if err := c.ConfigSet(ctx, "requirepass", newPassword).Err(); err != nil {
		return apperr.Wrap(apperr.CodeIOError, "CONFIG SET requirepass", err)
	}
	return nil
}

// TopQueries has nothing to report: valkey/redis keep no per-command
// statement statistics, so GET /databases/{id}/queries is postgres-only.
func (a *RedisFamilyAdapter) TopQueries(ctx context.Context, t Target, sortBy string, limit int) ([]QueryStat, error) {
	return nil, apperr.New(apperr.CodeInvalidConfig, "query statistics are only available for postgres instances")
}

func parseInfo(raw string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(raw, "\r\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if ok {
			out[k] = v
		}
	}
	return out
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
