package oclfhir

import (
	"runtime"
	"time"
)

// Option configures the terminology engine.
type Option func(*Options)

// Options holds all configuration for the terminology engine.
type Options struct {
	// Expansion defaults, applied when a request omits the parameter.
	DefaultCount        int
	MaxCount            int
	ActiveOnly          bool
	IncludeDesignations bool
	IncludeDefinition   bool

	// AllowRetiredMatches lets Lookup and ValidateCode match retired concepts.
	AllowRetiredMatches bool

	// Version policy
	ExcludeHead            bool
	StrictCanonicalVersion bool

	// MaxHierarchyDepth bounds the is-a / descendent-of walk. 0 means unbounded.
	MaxHierarchyDepth int

	// Caching
	ResolverCacheTTL   time.Duration
	ResolverShardCount int
	FilterCacheSize    int

	// Batch validation
	WorkerCount int
}

// DefaultOptions returns the default configuration.
func DefaultOptions() *Options {
	return &Options{
		DefaultCount:        100,
		MaxCount:            1000,
		ActiveOnly:          true,
		IncludeDesignations: true,
		IncludeDefinition:   false,

		AllowRetiredMatches: false,

		ExcludeHead:            false,
		StrictCanonicalVersion: false,

		MaxHierarchyDepth: 64,

		ResolverCacheTTL:   time.Minute,
		ResolverShardCount: 64,
		FilterCacheSize:    1000,

		WorkerCount: runtime.NumCPU(),
	}
}

// Apply returns a copy of the defaults with opts applied.
func Apply(opts ...Option) *Options {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// --- Expansion Options ---

// WithDefaultCount sets the page size used when a request omits count.
func WithDefaultCount(n int) Option {
	return func(o *Options) {
		o.DefaultCount = n
	}
}

// WithMaxCount caps the page size a caller may request.
// Use 0 for no cap.
func WithMaxCount(n int) Option {
	return func(o *Options) {
		o.MaxCount = n
	}
}

// WithActiveOnly sets the default for the activeOnly parameter.
func WithActiveOnly(enable bool) Option {
	return func(o *Options) {
		o.ActiveOnly = enable
	}
}

// WithIncludeDesignations sets the default for the includeDesignations parameter.
func WithIncludeDesignations(enable bool) Option {
	return func(o *Options) {
		o.IncludeDesignations = enable
	}
}

// WithIncludeDefinition sets the default for the includeDefinition parameter.
func WithIncludeDefinition(enable bool) Option {
	return func(o *Options) {
		o.IncludeDefinition = enable
	}
}

// WithRetiredMatches lets lookups and validations succeed on retired concepts.
func WithRetiredMatches(enable bool) Option {
	return func(o *Options) {
		o.AllowRetiredMatches = enable
	}
}

// --- Version Policy Options ---

// WithExcludeHead makes "latest" resolve to the most recently released version
// instead of the mutable HEAD.
func WithExcludeHead(enable bool) Option {
	return func(o *Options) {
		o.ExcludeHead = enable
	}
}

// WithStrictCanonicalVersion makes a canonical reference carrying a version fail
// when that exact version is absent, instead of falling back to latest.
func WithStrictCanonicalVersion(enable bool) Option {
	return func(o *Options) {
		o.StrictCanonicalVersion = enable
	}
}

// WithMaxHierarchyDepth bounds hierarchy traversal for is-a and descendant-of.
func WithMaxHierarchyDepth(depth int) Option {
	return func(o *Options) {
		o.MaxHierarchyDepth = depth
	}
}

// --- Cache Options ---

// WithResolverCacheTTL sets how long an identity resolution stays cached.
// Use 0 to disable the cache.
func WithResolverCacheTTL(ttl time.Duration) Option {
	return func(o *Options) {
		o.ResolverCacheTTL = ttl
	}
}

// WithResolverShardCount sets the shard count of the resolver cache.
func WithResolverShardCount(n int) Option {
	return func(o *Options) {
		o.ResolverShardCount = n
	}
}

// WithFilterCacheSize sets the number of compiled regex and FHIRPath expressions kept.
func WithFilterCacheSize(size int) Option {
	return func(o *Options) {
		o.FilterCacheSize = size
	}
}

// --- Performance Options ---

// WithWorkerCount sets the number of workers for batch validation.
func WithWorkerCount(count int) Option {
	return func(o *Options) {
		if count <= 0 {
			count = runtime.NumCPU()
		}
		o.WorkerCount = count
	}
}
