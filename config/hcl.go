package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// file is the on-disk shape. Every attribute is optional and a nil pointer
// leaves the default in place.
type file struct {
	HTTP     *httpBlock     `hcl:"http,block"`
	Log      *logBlock      `hcl:"log,block"`
	Database *databaseBlock `hcl:"database,block"`
	Redis    *redisBlock    `hcl:"redis,block"`
	Engine   *engineBlock   `hcl:"engine,block"`
	Seed     *seedBlock     `hcl:"seed,block"`
}

type httpBlock struct {
	Addr            *string `hcl:"addr,optional"`
	ShutdownTimeout *string `hcl:"shutdown_timeout,optional"`
}

type logBlock struct {
	Level   *string `hcl:"level,optional"`
	Format  *string `hcl:"format,optional"`
	Service *string `hcl:"service,optional"`
}

type databaseBlock struct {
	Driver          *string `hcl:"driver,optional"`
	DSN             *string `hcl:"dsn,optional"`
	Host            *string `hcl:"host,optional"`
	Port            *int    `hcl:"port,optional"`
	User            *string `hcl:"user,optional"`
	Password        *string `hcl:"password,optional"`
	Database        *string `hcl:"database,optional"`
	SSLMode         *string `hcl:"sslmode,optional"`
	MaxOpenConns    *int    `hcl:"max_open_conns,optional"`
	MaxIdleConns    *int    `hcl:"max_idle_conns,optional"`
	ConnMaxLifetime *string `hcl:"conn_max_lifetime,optional"`
	Migrate         *bool   `hcl:"migrate,optional"`
}

type redisBlock struct {
	Addr     *string `hcl:"addr,optional"`
	Password *string `hcl:"password,optional"`
	DB       *int    `hcl:"db,optional"`
}

type engineBlock struct {
	DefaultCount           *int    `hcl:"default_count,optional"`
	MaxCount               *int    `hcl:"max_count,optional"`
	ActiveOnly             *bool   `hcl:"active_only,optional"`
	IncludeDesignations    *bool   `hcl:"include_designations,optional"`
	IncludeDefinition      *bool   `hcl:"include_definition,optional"`
	AllowRetiredMatches    *bool   `hcl:"allow_retired_matches,optional"`
	ExcludeHead            *bool   `hcl:"exclude_head,optional"`
	StrictCanonicalVersion *bool   `hcl:"strict_canonical_version,optional"`
	MaxHierarchyDepth      *int    `hcl:"max_hierarchy_depth,optional"`
	ResolverCacheTTL       *string `hcl:"resolver_cache_ttl,optional"`
	ResolverShardCount     *int    `hcl:"resolver_shard_count,optional"`
	FilterCacheSize        *int    `hcl:"filter_cache_size,optional"`
	WorkerCount            *int    `hcl:"worker_count,optional"`
}

type seedBlock struct {
	Dir          *string  `hcl:"dir,optional"`
	Owner        *string  `hcl:"owner,optional"`
	Builtins     *bool    `hcl:"builtins,optional"`
	Packages     []string `hcl:"packages,optional"`
	RegistryURL  *string  `hcl:"registry_url,optional"`
	PackageCache *string  `hcl:"package_cache,optional"`
}

func (c *Config) decodeFile(path string) error {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse %s: %w", path, diags)
	}

	var parsed file
	if diags := gohcl.DecodeBody(f.Body, nil, &parsed); diags.HasErrors() {
		return fmt.Errorf("failed to decode %s: %w", path, diags)
	}
	return c.merge(&parsed)
}

func (c *Config) merge(f *file) error {
	if b := f.HTTP; b != nil {
		setString(&c.HTTP.Addr, b.Addr)
		if err := setDuration(&c.HTTP.ShutdownTimeout, b.ShutdownTimeout, "http.shutdown_timeout"); err != nil {
			return err
		}
	}
	if b := f.Log; b != nil {
		setString(&c.Log.Level, b.Level)
		setString(&c.Log.Format, b.Format)
		setString(&c.Log.Service, b.Service)
	}
	if b := f.Database; b != nil {
		d := &c.Database
		setString(&d.Driver, b.Driver)
		setString(&d.DSN, b.DSN)
		setString(&d.Host, b.Host)
		setInt(&d.Port, b.Port)
		setString(&d.User, b.User)
		setString(&d.Password, b.Password)
		setString(&d.Database, b.Database)
		setString(&d.SSLMode, b.SSLMode)
		setInt(&d.MaxOpenConns, b.MaxOpenConns)
		setInt(&d.MaxIdleConns, b.MaxIdleConns)
		setBool(&d.Migrate, b.Migrate)
		if err := setDuration(&d.ConnMaxLifetime, b.ConnMaxLifetime, "database.conn_max_lifetime"); err != nil {
			return err
		}
	}
	if b := f.Redis; b != nil {
		setString(&c.Redis.Addr, b.Addr)
		setString(&c.Redis.Password, b.Password)
		setInt(&c.Redis.DB, b.DB)
	}
	if b := f.Engine; b != nil {
		e := &c.Engine
		setInt(&e.DefaultCount, b.DefaultCount)
		setInt(&e.MaxCount, b.MaxCount)
		setBool(&e.ActiveOnly, b.ActiveOnly)
		setBool(&e.IncludeDesignations, b.IncludeDesignations)
		setBool(&e.IncludeDefinition, b.IncludeDefinition)
		setBool(&e.AllowRetiredMatches, b.AllowRetiredMatches)
		setBool(&e.ExcludeHead, b.ExcludeHead)
		setBool(&e.StrictCanonicalVersion, b.StrictCanonicalVersion)
		setInt(&e.MaxHierarchyDepth, b.MaxHierarchyDepth)
		setInt(&e.ResolverShardCount, b.ResolverShardCount)
		setInt(&e.FilterCacheSize, b.FilterCacheSize)
		setInt(&e.WorkerCount, b.WorkerCount)
		if err := setDuration(&e.ResolverCacheTTL, b.ResolverCacheTTL, "engine.resolver_cache_ttl"); err != nil {
			return err
		}
	}
	if b := f.Seed; b != nil {
		setString(&c.Seed.Dir, b.Dir)
		setString(&c.Seed.Owner, b.Owner)
		setBool(&c.Seed.Builtins, b.Builtins)
		setString(&c.Seed.RegistryURL, b.RegistryURL)
		setString(&c.Seed.PackageCache, b.PackageCache)
		if b.Packages != nil {
			c.Seed.Packages = b.Packages
		}
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *string, name string) error {
	if v == nil {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = d
	return nil
}
