package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFromEnv overrides settings from prefix_* environment variables.
// Unset variables leave the current value alone; malformed ones are errors.
func (c *Config) LoadFromEnv(prefix string) error {
	l := envLoader{prefix: prefix}

	l.str("HTTP_ADDR", &c.HTTP.Addr)
	l.duration("HTTP_SHUTDOWN_TIMEOUT", &c.HTTP.ShutdownTimeout)

	l.str("LOG_LEVEL", &c.Log.Level)
	l.str("LOG_FORMAT", &c.Log.Format)
	l.str("SERVICE_NAME", &c.Log.Service)

	d := &c.Database
	l.str("DB_DRIVER", &d.Driver)
	l.str("DB_DSN", &d.DSN)
	l.str("DB_HOST", &d.Host)
	l.integer("DB_PORT", &d.Port)
	l.str("DB_USER", &d.User)
	l.str("DB_PASSWORD", &d.Password)
	l.str("DB_NAME", &d.Database)
	l.str("DB_SSLMODE", &d.SSLMode)
	l.integer("DB_MAX_OPEN_CONNS", &d.MaxOpenConns)
	l.integer("DB_MAX_IDLE_CONNS", &d.MaxIdleConns)
	l.duration("DB_CONN_MAX_LIFETIME", &d.ConnMaxLifetime)
	l.boolean("DB_MIGRATE", &d.Migrate)

	l.str("REDIS_ADDR", &c.Redis.Addr)
	l.str("REDIS_PASSWORD", &c.Redis.Password)
	l.integer("REDIS_DB", &c.Redis.DB)

	e := &c.Engine
	l.integer("ENGINE_DEFAULT_COUNT", &e.DefaultCount)
	l.integer("ENGINE_MAX_COUNT", &e.MaxCount)
	l.boolean("ENGINE_ACTIVE_ONLY", &e.ActiveOnly)
	l.boolean("ENGINE_INCLUDE_DESIGNATIONS", &e.IncludeDesignations)
	l.boolean("ENGINE_INCLUDE_DEFINITION", &e.IncludeDefinition)
	l.boolean("ENGINE_ALLOW_RETIRED_MATCHES", &e.AllowRetiredMatches)
	l.boolean("ENGINE_EXCLUDE_HEAD", &e.ExcludeHead)
	l.boolean("ENGINE_STRICT_CANONICAL_VERSION", &e.StrictCanonicalVersion)
	l.integer("ENGINE_MAX_HIERARCHY_DEPTH", &e.MaxHierarchyDepth)
	l.duration("ENGINE_RESOLVER_CACHE_TTL", &e.ResolverCacheTTL)
	l.integer("ENGINE_RESOLVER_SHARD_COUNT", &e.ResolverShardCount)
	l.integer("ENGINE_FILTER_CACHE_SIZE", &e.FilterCacheSize)
	l.integer("ENGINE_WORKER_COUNT", &e.WorkerCount)

	l.str("SEED_DIR", &c.Seed.Dir)
	l.str("SEED_OWNER", &c.Seed.Owner)
	l.boolean("SEED_BUILTINS", &c.Seed.Builtins)
	l.list("SEED_PACKAGES", &c.Seed.Packages)
	l.str("SEED_REGISTRY_URL", &c.Seed.RegistryURL)
	l.str("SEED_PACKAGE_CACHE", &c.Seed.PackageCache)

	return l.err
}

// envLoader keeps the first parse error.
type envLoader struct {
	prefix string
	err    error
}

func (l *envLoader) lookup(key string) (string, string, bool) {
	name := key
	if l.prefix != "" {
		name = l.prefix + "_" + key
	}
	v, ok := os.LookupEnv(name)
	return name, v, ok && l.err == nil
}

func (l *envLoader) str(key string, dst *string) {
	if _, v, ok := l.lookup(key); ok {
		*dst = v
	}
}

// list splits a comma-separated value, dropping empty items.
func (l *envLoader) list(key string, dst *[]string) {
	_, v, ok := l.lookup(key)
	if !ok {
		return
	}
	var items []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	*dst = items
}

func (l *envLoader) integer(key string, dst *int) {
	name, v, ok := l.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.err = fmt.Errorf("%s: invalid integer %q", name, v)
		return
	}
	*dst = n
}

func (l *envLoader) boolean(key string, dst *bool) {
	name, v, ok := l.lookup(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.err = fmt.Errorf("%s: invalid boolean %q", name, v)
		return
	}
	*dst = b
}

func (l *envLoader) duration(key string, dst *time.Duration) {
	name, v, ok := l.lookup(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		l.err = fmt.Errorf("%s: invalid duration %q", name, v)
		return
	}
	*dst = d
}
