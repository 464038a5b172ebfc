// Package config loads Datify's daemon configuration from the environment,
// with sane defaults for local development.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the fully resolved daemon configuration.
type Config struct {
	ServerHost string
	ServerPort int

	DatabaseURL string // state store DSN, e.g. file:/var/lib/datify/state.db

	DockerDataDir string // host directory backing instance volumes
	DockerHostIP  string // host address reported in connection strings

	JWTSecret     string // HS256 key for cmd/datifyd's bearer-token authenticator; empty disables auth
	EncryptionKey string // vault master key material, see internal/crypto

	LogLevel  string
	LogJSON   bool

	PortPoolLow  int
	PortPoolHigh int

	ImagePostgres string
	ImageValkey   string
	ImageRedis    string

	MaxStreamSessionsPerInstance int // internal/streamhub admission cap, per spec.md §4.I
}

// Load reads configuration from environment variables (optionally prefixed
// DATIFY_) with defaults matching local single-host development.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DATIFY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("server_host", "0.0.0.0")
	v.SetDefault("server_port", 8080)
	v.SetDefault("database_url", "file:/var/lib/datify/state.db")
	v.SetDefault("docker_data_dir", "/var/lib/datify/volumes")
	v.SetDefault("docker_host_ip", "127.0.0.1")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("encryption_key", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", true)
	v.SetDefault("port_pool_low", 30000)
	v.SetDefault("port_pool_high", 39999)
	v.SetDefault("image_postgres", "docker.io/library/postgres")
	v.SetDefault("image_valkey", "docker.io/valkey/valkey")
	v.SetDefault("image_redis", "docker.io/library/redis")
	v.SetDefault("max_stream_sessions_per_instance", 20)

	for _, key := range []string{
		"server_host", "server_port", "database_url", "docker_data_dir",
		"docker_host_ip", "jwt_secret", "encryption_key", "log_level",
		"log_json", "port_pool_low", "port_pool_high",
		"image_postgres", "image_valkey", "image_redis",
		"max_stream_sessions_per_instance",
	} {
		if err := v.BindEnv(key, "DATIFY_"+strings.ToUpper(key), strings.ToUpper(key)); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	cfg := &Config{
		ServerHost:    v.GetString("server_host"),
		ServerPort:    v.GetInt("server_port"),
		DatabaseURL:   v.GetString("database_url"),
		DockerDataDir: v.GetString("docker_data_dir"),
		DockerHostIP:  v.GetString("docker_host_ip"),
		JWTSecret:     v.GetString("jwt_secret"),
		EncryptionKey: v.GetString("encryption_key"),
		LogLevel:      v.GetString("log_level"),
		LogJSON:       v.GetBool("log_json"),
		PortPoolLow:   v.GetInt("port_pool_low"),
		PortPoolHigh:  v.GetInt("port_pool_high"),
		ImagePostgres: v.GetString("image_postgres"),
		ImageValkey:   v.GetString("image_valkey"),
		ImageRedis:    v.GetString("image_redis"),

		MaxStreamSessionsPerInstance: v.GetInt("max_stream_sessions_per_instance"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.EncryptionKey == "" {
		return fmt.Errorf("config: DATIFY_ENCRYPTION_KEY is required")
	}
	if c.PortPoolLow <= 0 || c.PortPoolHigh <= c.PortPoolLow {
		return fmt.Errorf("config: invalid port pool range [%d, %d]", c.PortPoolLow, c.PortPoolHigh)
	}
	return nil
}

// ImageFor returns the default image reference for an engine name.
func (c *Config) ImageFor(engine string) string {
	switch engine {
	case "postgres":
		return c.ImagePostgres
	case "valkey":
		return c.ImageValkey
	case "redis":
		return c.ImageRedis
	default:
		return ""
	}
}
