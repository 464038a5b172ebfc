package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datify-sh/datify/internal/domain"
)

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry()

	for _, e := range []domain.Engine{domain.EnginePostgres, domain.EngineValkey, domain.EngineRedis} {
		a, err := reg.Lookup(e)
		require.NoError(t, err)
		assert.NotEmpty(t, a.DefaultVersion())
		assert.Contains(t, a.SupportedVersions(), a.DefaultVersion())
	}
}

func TestRegistryLookupUnknownEngine(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Lookup(domain.Engine("mysql"))
	require.Error(t, err)
}

func TestPostgresBuildEnv(t *testing.T) {
	a := NewPostgresAdapter()
	env := a.BuildEnv("postgres", "s3cret", "appdb")
	assert.Equal(t, "postgres", env["POSTGRES_USER"])
	assert.Equal(t, "s3cret", env["POSTGRES_PASSWORD"])
	assert.Equal(t, "appdb", env["POSTGRES_DB"])
}

func TestPostgresCLICommand(t *testing.T) {
	a := NewPostgresAdapter()
	cmd := a.CLICommand(Target{Username: "postgres", Database: "appdb"})
	assert.Equal(t, []string{"psql", "-U", "postgres", "-d", "appdb"}, cmd)
}

func TestRedisFamilyDistinguishesValkeyAndRedis(t *testing.T) {
	valkey := NewRedisFamilyAdapter(domain.EngineValkey)
	redisAdapter := NewRedisFamilyAdapter(domain.EngineRedis)

	assert.Contains(t, valkey.ImageRef(valkey.DefaultVersion()), "valkey")
	assert.Contains(t, redisAdapter.ImageRef(redisAdapter.DefaultVersion()), "redis")
	assert.NotEqual(t, valkey.CLICommand(Target{Port: 6379})[0], redisAdapter.CLICommand(Target{Port: 6379})[0])
}

func TestRedisFamilyRejectsSchemaOnlyBranch(t *testing.T) {
	a := NewRedisFamilyAdapter(domain.EngineRedis)
	err := a.SchemaReplicate(context.Background(), Target{}, Target{}, domain.BranchSchemaOnly)
	require.Error(t, err)
}

func TestParseInfoAndParseKV(t *testing.T) {
	fields := parseInfo("# Stats\r\nkeyspace_hits:10\r\nkeyspace_misses:2\r\n")
	assert.Equal(t, "10", fields["keyspace_hits"])
	assert.Equal(t, "2", fields["keyspace_misses"])

	kv := parseKV("max_connections = 100\nshared_buffers=256MB\n")
	assert.Equal(t, "100", kv["max_connections"])
	assert.Equal(t, "256MB", kv["shared_buffers"])
}
