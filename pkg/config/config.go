// Package config loads the file server configuration from defaults, an
// optional YAML file and FILESERVER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/psantana5/fileserver/pkg/cleanup"
	"github.com/psantana5/fileserver/pkg/server"
	"github.com/psantana5/fileserver/pkg/store"
	"github.com/psantana5/fileserver/pkg/tls"
	"github.com/psantana5/fileserver/pkg/tracing"
)

// EnvPrefix is prepended to every environment override, e.g.
// FILESERVER_SERVER_PORT
const EnvPrefix = "FILESERVER"

var ErrInvalidConfig = errors.New("invalid configuration")

type StorageConfig struct {
	Root          string `mapstructure:"root" json:"root" yaml:"root"`
	CleanupOnExit bool   `mapstructure:"cleanup_on_exit" json:"cleanup_on_exit" yaml:"cleanup_on_exit"`
}

type StatsConfig struct {
	Interval time.Duration `mapstructure:"interval" json:"interval" yaml:"interval"`
}

type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" json:"address" yaml:"address"`
	APIKey  string `mapstructure:"api_key" json:"api_key,omitempty" yaml:"api_key,omitempty"` // plain key or bcrypt hash
}

type LogConfig struct {
	Level string `mapstructure:"level" json:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" json:"json" yaml:"json"`
	File  bool   `mapstructure:"file" json:"file" yaml:"file"`
}

type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	RPS     float64 `mapstructure:"rps" json:"rps" yaml:"rps"`
	Burst   int     `mapstructure:"burst" json:"burst" yaml:"burst"`
}

// Config is the complete file server configuration
type Config struct {
	Server    server.Config   `mapstructure:"server" json:"server" yaml:"server"`
	Storage   StorageConfig   `mapstructure:"storage" json:"storage" yaml:"storage"`
	Stats     StatsConfig     `mapstructure:"stats" json:"stats" yaml:"stats"`
	Store     store.Config    `mapstructure:"store" json:"store" yaml:"store"`
	Admin     AdminConfig     `mapstructure:"admin" json:"admin" yaml:"admin"`
	TLS       tls.Config      `mapstructure:"tls" json:"tls" yaml:"tls"`
	Tracing   tracing.Config  `mapstructure:"tracing" json:"tracing" yaml:"tracing"`
	Log       LogConfig       `mapstructure:"log" json:"log" yaml:"log"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit" json:"ratelimit" yaml:"ratelimit"`
	Cleanup   cleanup.Config  `mapstructure:"cleanup" json:"cleanup" yaml:"cleanup"`
}

// DefaultRoot is where files are served from when storage.root is unset
func DefaultRoot() string {
	return filepath.Join(os.TempDir(), "fileserver")
}

// SetDefaults registers every default on v
func SetDefaults(v *viper.Viper) {
	srv := server.DefaultConfig()
	v.SetDefault("server.address", srv.Address)
	v.SetDefault("server.port", srv.Port)
	v.SetDefault("server.max_connections", srv.MaxConnections)
	v.SetDefault("server.read_timeout", srv.ReadTimeout)
	v.SetDefault("server.write_timeout", srv.WriteTimeout)
	v.SetDefault("server.chunk_size", srv.ChunkSize)

	v.SetDefault("storage.root", DefaultRoot())
	v.SetDefault("storage.cleanup_on_exit", false)

	v.SetDefault("stats.interval", time.Second)

	v.SetDefault("store.type", "memory")
	v.SetDefault("store.path", "fileserver.db")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_open_conns", 10)
	v.SetDefault("store.max_idle_conns", 5)
	v.SetDefault("store.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("admin.enabled", false)
	v.SetDefault("admin.address", "127.0.0.1:9090")
	v.SetDefault("admin.api_key", "")

	v.SetDefault("tls.enabled", false)
	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("tls.ca_file", "")
	v.SetDefault("tls.require_client_cert", false)
	v.SetDefault("tls.server_name", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "fileserver")
	v.SetDefault("tracing.environment", "development")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4318")
	v.SetDefault("tracing.insecure", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("log.file", false)

	v.SetDefault("ratelimit.enabled", false)
	v.SetDefault("ratelimit.rps", 10.0)
	v.SetDefault("ratelimit.burst", 20)

	cl := cleanup.DefaultConfig()
	v.SetDefault("cleanup.enabled", cl.Enabled)
	v.SetDefault("cleanup.interval", cl.Interval)
	v.SetDefault("cleanup.vacuum_interval", cl.VacuumInterval)
}

// New returns a viper instance with defaults and environment overrides. When
// file is empty $HOME/.fileserver/config.yaml is used if present.
func New(file string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".fileserver"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads the config file (if any) and decodes v into a validated Config
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values a server cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxConnections < 1 {
		errs = append(errs, fmt.Errorf("server.max_connections must be at least 1, got %d", c.Server.MaxConnections))
	}
	if c.Server.ReadTimeout < 0 {
		errs = append(errs, errors.New("server.read_timeout must not be negative"))
	}
	if c.Stats.Interval <= 0 {
		errs = append(errs, fmt.Errorf("stats.interval must be positive, got %s", c.Stats.Interval))
	}
	if c.Storage.Root == "" {
		errs = append(errs, errors.New("storage.root must be set"))
	}
	if !supportedStore(c.Store.Type) {
		errs = append(errs, fmt.Errorf("store.type %q not one of %v", c.Store.Type, store.SupportedTypes()))
	}
	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file are required when tls is enabled"))
	}
	if c.Tracing.Enabled && c.Tracing.OTLPEndpoint == "" {
		errs = append(errs, errors.New("tracing.otlp_endpoint is required when tracing is enabled"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst < 1) {
		errs = append(errs, errors.New("ratelimit.rps and ratelimit.burst must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func supportedStore(t string) bool {
	if t == "" {
		return true
	}
	return slices.Contains(store.SupportedTypes(), t)
}
