// Package config loads the server configuration from an HCL file with
// environment overrides.
//
//	http {
//	  addr = ":8080"
//	}
//	database {
//	  driver   = "postgres"
//	  host     = "db"
//	  database = "ocl"
//	}
//	engine {
//	  default_count = 100
//	  exclude_head  = true
//	}
//
// Every setting can be overridden by an OCLFHIR_* environment variable, for
// example OCLFHIR_DB_HOST or OCLFHIR_ENGINE_MAX_COUNT.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/cens-chile/oclfhir"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "OCLFHIR"

// Config is the complete server configuration.
type Config struct {
	HTTP     HTTPConfig
	Log      LogConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Engine   EngineConfig
	Seed     SeedConfig
}

// HTTPConfig configures the listener.
type HTTPConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// LogConfig configures logging.
type LogConfig struct {
	Level   string
	Format  string
	Service string
}

// DatabaseConfig configures the SQL repository. An empty Driver means the
// in-memory repository is used instead.
type DatabaseConfig struct {
	Driver string
	// DSN, when set, is used verbatim and the discrete fields are ignored.
	DSN      string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Migrate         bool
}

// Enabled reports whether a database is configured.
func (c *DatabaseConfig) Enabled() bool {
	return c.Driver != ""
}

// GetDSN returns the connection string for the configured driver.
func (c *DatabaseConfig) GetDSN() string {
	if c.DSN != "" {
		return c.DSN
	}
	switch c.Driver {
	case "sqlite3", "sqlite":
		return c.Database
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	if c.User != "" {
		u.User = url.UserPassword(c.User, c.Password)
	}
	if c.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {c.SSLMode}}.Encode()
	}
	return u.String()
}

// RedisConfig configures the shared resolver cache. An empty Addr disables it.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether Redis is configured.
func (c *RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// EngineConfig mirrors oclfhir.Options.
type EngineConfig struct {
	DefaultCount           int
	MaxCount               int
	ActiveOnly             bool
	IncludeDesignations    bool
	IncludeDefinition      bool
	AllowRetiredMatches    bool
	ExcludeHead            bool
	StrictCanonicalVersion bool
	MaxHierarchyDepth      int
	ResolverCacheTTL       time.Duration
	ResolverShardCount     int
	FilterCacheSize        int
	WorkerCount            int
}

// Options converts the engine settings into engine options.
func (c *EngineConfig) Options() []oclfhir.Option {
	return []oclfhir.Option{
		oclfhir.WithDefaultCount(c.DefaultCount),
		oclfhir.WithMaxCount(c.MaxCount),
		oclfhir.WithActiveOnly(c.ActiveOnly),
		oclfhir.WithIncludeDesignations(c.IncludeDesignations),
		oclfhir.WithIncludeDefinition(c.IncludeDefinition),
		oclfhir.WithRetiredMatches(c.AllowRetiredMatches),
		oclfhir.WithExcludeHead(c.ExcludeHead),
		oclfhir.WithStrictCanonicalVersion(c.StrictCanonicalVersion),
		oclfhir.WithMaxHierarchyDepth(c.MaxHierarchyDepth),
		oclfhir.WithResolverCacheTTL(c.ResolverCacheTTL),
		oclfhir.WithResolverShardCount(c.ResolverShardCount),
		oclfhir.WithFilterCacheSize(c.FilterCacheSize),
		oclfhir.WithWorkerCount(c.WorkerCount),
	}
}

// SeedConfig loads FHIR CodeSystem and ValueSet JSON into the in-memory
// repository at startup.
type SeedConfig struct {
	Dir      string
	Owner    string
	Builtins bool

	// Packages lists FHIR packages loaded under Owner: "name#version"
	// references fetched from the package registry, or local .tgz paths.
	Packages     []string
	RegistryURL  string
	PackageCache string
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	o := oclfhir.DefaultOptions()
	return &Config{
		HTTP: HTTPConfig{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		Log:  LogConfig{Level: "info", Format: "json", Service: "oclfhir"},
		Database: DatabaseConfig{
			Port:            5432,
			SSLMode:         "disable",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Engine: EngineConfig{
			DefaultCount:           o.DefaultCount,
			MaxCount:               o.MaxCount,
			ActiveOnly:             o.ActiveOnly,
			IncludeDesignations:    o.IncludeDesignations,
			IncludeDefinition:      o.IncludeDefinition,
			AllowRetiredMatches:    o.AllowRetiredMatches,
			ExcludeHead:            o.ExcludeHead,
			StrictCanonicalVersion: o.StrictCanonicalVersion,
			MaxHierarchyDepth:      o.MaxHierarchyDepth,
			ResolverCacheTTL:       o.ResolverCacheTTL,
			ResolverShardCount:     o.ResolverShardCount,
			FilterCacheSize:        o.FilterCacheSize,
			WorkerCount:            o.WorkerCount,
		},
		Seed: SeedConfig{Builtins: true},
	}
}

// Load reads path (skipped when empty) over the defaults, then applies
// environment overrides.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		if err := c.decodeFile(path); err != nil {
			return nil, err
		}
	}
	if err := c.LoadFromEnv(EnvPrefix); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks values that would fail later in a less obvious way.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "", "postgres", "postgresql", "sqlite3", "sqlite":
	default:
		return fmt.Errorf("database.driver: unsupported driver %q", c.Database.Driver)
	}
	if c.Database.Enabled() && c.Database.GetDSN() == "" {
		return fmt.Errorf("database: dsn or database is required for driver %s", c.Database.Driver)
	}
	if c.Engine.DefaultCount < 0 || c.Engine.MaxCount < 0 {
		return fmt.Errorf("engine: counts must not be negative")
	}
	if c.Engine.MaxHierarchyDepth < 0 {
		return fmt.Errorf("engine: max_hierarchy_depth must not be negative, got %d (0 means unbounded)", c.Engine.MaxHierarchyDepth)
	}
	if c.Engine.MaxCount > 0 && c.Engine.DefaultCount > c.Engine.MaxCount {
		return fmt.Errorf("engine: default_count %d exceeds max_count %d", c.Engine.DefaultCount, c.Engine.MaxCount)
	}
	return nil
}
