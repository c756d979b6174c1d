// Package resolver turns artifact identities (owner, kind, mnemonic, version)
// and canonical URLs into concrete snapshots, enforcing the single-latest rule,
// the version policy and read access.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/cens-chile/oclfhir"
	"github.com/cens-chile/oclfhir/cache"
	"github.com/cens-chile/oclfhir/model"
	"github.com/cens-chile/oclfhir/repository"
)

// Resolver resolves artifact identities. It is safe for concurrent use.
type Resolver struct {
	repo    repository.SnapshotReader
	access  AccessChecker
	opts    *oclfhir.Options
	cache   *cache.TTLCache[*model.Snapshot]
	shared  KVStore
	metrics *oclfhir.Metrics
	logger  *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithAccessChecker replaces the default PublicAccess checker.
func WithAccessChecker(a AccessChecker) Option {
	return func(r *Resolver) {
		r.access = a
	}
}

// WithSharedCache adds a shared second cache tier, typically Redis.
func WithSharedCache(kv KVStore) Option {
	return func(r *Resolver) {
		r.shared = kv
	}
}

// WithMetrics records cache hits and retries.
func WithMetrics(m *oclfhir.Metrics) Option {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// WithOptions sets the engine options the resolver reads its policies from.
func WithOptions(o *oclfhir.Options) Option {
	return func(r *Resolver) {
		r.opts = o
	}
}

// New creates a Resolver.
func New(repo repository.SnapshotReader, logger *zap.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{
		repo:   repo,
		access: PublicAccess{},
		opts:   oclfhir.DefaultOptions(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = oclfhir.NewMetrics()
	}
	if r.opts.ResolverCacheTTL > 0 {
		r.cache = cache.NewTTL[*model.Snapshot](cache.TTLConfig{
			ShardCount: r.opts.ResolverShardCount,
			TTL:        r.opts.ResolverCacheTTL,
		})
	}
	return r
}

// Resolve returns the snapshot named by key. An empty key owner means the
// scope's owner. An empty version or "latest" selects the latest snapshot.
func (r *Resolver) Resolve(ctx context.Context, scope model.Scope, key model.ArtifactKey) (*model.Snapshot, error) {
	if key.Owner == (model.Owner{}) {
		key.Owner = scope.Owner
	}
	key.Owner = key.Owner.Normalize()
	if key.Mnemonic == "" {
		return nil, oclfhir.InvalidRequest("%s id is required", key.Kind)
	}

	cacheKey := r.cacheKey("id", key.Owner.String(), string(key.Kind), key.Mnemonic, key.Version)
	snap, err := r.cached(ctx, cacheKey, func() (*model.Snapshot, error) {
		var versions []*model.Snapshot
		err := r.withRetry(ctx, "versions", func() error {
			var err error
			versions, err = r.repo.Versions(ctx, key.Owner, key.Kind, key.Mnemonic)
			return err
		})
		if err != nil {
			return nil, err
		}
		idx := model.NewVersionIndex(versions)
		s, ok := idx.Select(key.Version, r.opts.ExcludeHead)
		if !ok {
			return nil, notFound(key)
		}
		return withLatest(s, idx), nil
	})
	if err != nil {
		return nil, err
	}

	if !r.access.CanRead(scope, snap) {
		r.logger.Debug("snapshot not readable by scope",
			zap.String("artifact", key.String()), zap.String("principal", scope.Principal))
		return nil, oclfhir.AccessDenied("%s", notFound(key).Message)
	}
	return snap, nil
}

// ResolveCanonical finds the snapshot of kind carrying url. The url may carry a
// "|version" suffix, which is used when version is empty. Exact version matches
// win; otherwise the latest version is used unless the strict canonical version
// policy is set. Snapshots of the scope's owner are preferred, then the global
// registry, then other owners in a stable order.
func (r *Resolver) ResolveCanonical(ctx context.Context, scope model.Scope, kind model.ArtifactKind, url, version string) (*model.Snapshot, error) {
	url, suffix := splitCanonical(url)
	if version == "" {
		version = suffix
	}
	if url == "" {
		return nil, oclfhir.InvalidRequest("%s url is required", kind)
	}

	var candidates []*model.Snapshot
	err := r.withRetry(ctx, "canonical", func() error {
		var err error
		candidates, err = r.repo.FindByCanonical(ctx, kind, url)
		return err
	})
	if err != nil {
		return nil, err
	}

	msg := canonicalMessage(kind, url, version)
	if len(candidates) == 0 {
		return nil, oclfhir.NotFound("%s", msg)
	}

	groups := groupByArtifact(candidates, scope.Owner)
	pick := func(match func(idx *model.VersionIndex) (*model.Snapshot, bool)) *model.Snapshot {
		for _, g := range groups {
			s, ok := match(g)
			if !ok {
				continue
			}
			if !r.access.CanRead(scope, s) {
				continue
			}
			return withLatest(s, g)
		}
		return nil
	}
	anyReadable := func() bool {
		for _, c := range candidates {
			if r.access.CanRead(scope, c) {
				return true
			}
		}
		return false
	}

	if version != "" && version != model.VersionLatest {
		if s := pick(func(idx *model.VersionIndex) (*model.Snapshot, bool) { return idx.Get(version) }); s != nil {
			return s, nil
		}
		if r.opts.StrictCanonicalVersion {
			if !anyReadable() {
				return nil, oclfhir.AccessDenied("%s", msg)
			}
			return nil, oclfhir.NotFound("%s", msg)
		}
		r.logger.Debug("canonical version not found, using latest",
			zap.String("url", url), zap.String("version", version))
	}

	if s := pick(func(idx *model.VersionIndex) (*model.Snapshot, bool) { return idx.Select("", r.opts.ExcludeHead) }); s != nil {
		return s, nil
	}
	if !anyReadable() {
		return nil, oclfhir.AccessDenied("%s", msg)
	}
	return nil, oclfhir.NotFound("%s", msg)
}

// Versions lists the versions of an artifact readable by scope, oldest first,
// with the latest flag normalized.
func (r *Resolver) Versions(ctx context.Context, scope model.Scope, key model.ArtifactKey) ([]*model.Snapshot, error) {
	if key.Owner == (model.Owner{}) {
		key.Owner = scope.Owner
	}
	key.Owner = key.Owner.Normalize()

	var versions []*model.Snapshot
	err := r.withRetry(ctx, "versions", func() error {
		var err error
		versions, err = r.repo.Versions(ctx, key.Owner, key.Kind, key.Mnemonic)
		return err
	})
	if err != nil {
		return nil, err
	}
	idx := model.NewVersionIndex(versions)
	var out []*model.Snapshot
	for _, s := range idx.Versions() {
		if r.access.CanRead(scope, s) {
			out = append(out, withLatest(s, idx))
		}
	}
	if len(out) == 0 {
		key.Version = ""
		if idx.Len() > 0 {
			return nil, oclfhir.AccessDenied("%s", notFound(key).Message)
		}
		return nil, notFound(key)
	}
	return out, nil
}

// Invalidate drops every cached resolution held in process.
func (r *Resolver) Invalidate() {
	if r.cache != nil {
		r.cache.Clear()
	}
}

// cached looks key up in the process cache, then the shared tier (which only
// stores snapshot ids), then calls load. Errors are never cached.
func (r *Resolver) cached(ctx context.Context, key string, load func() (*model.Snapshot, error)) (*model.Snapshot, error) {
	if r.cache != nil {
		if s, ok := r.cache.Get(key); ok {
			r.metrics.RecordCacheHit()
			return s, nil
		}
	}
	r.metrics.RecordCacheMiss()

	if r.shared != nil {
		if s, ok := r.fromShared(ctx, key); ok {
			if r.cache != nil {
				r.cache.Set(key, s)
			}
			return s, nil
		}
	}

	s, err := load()
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.Set(key, s)
	}
	if ttl := r.opts.ResolverCacheTTL; r.shared != nil && ttl > 0 {
		if err := r.shared.Set(ctx, key, strconv.FormatInt(s.ID, 10)+"|"+strconv.FormatBool(s.Latest), ttl); err != nil {
			r.logger.Warn("shared resolver cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return s, nil
}

func (r *Resolver) fromShared(ctx context.Context, key string) (*model.Snapshot, bool) {
	val, err := r.shared.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			r.logger.Warn("shared resolver cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	idPart, latestPart, _ := strings.Cut(val, "|")
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return nil, false
	}
	var s *model.Snapshot
	err = r.withRetry(ctx, "snapshot", func() error {
		var err error
		s, err = r.repo.SnapshotByID(ctx, id)
		return err
	})
	if err != nil {
		return nil, false
	}
	s.Latest = latestPart == "true"
	return s, true
}

// withRetry runs fn and retries it once, immediately, when it fails with
// RepositoryUnavailable. Context errors are returned as is.
func (r *Resolver) withRetry(ctx context.Context, what string, fn func() error) error {
	err := fn()
	if err == nil || !oclfhir.IsKind(err, oclfhir.KindRepositoryUnavailable) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	r.metrics.RecordRetry()
	r.logger.Warn("repository unavailable, retrying", zap.String("read", what), zap.Error(err))
	return fn()
}

func (r *Resolver) cacheKey(parts ...string) string {
	if r.opts.ExcludeHead {
		parts = append(parts, "released")
	}
	return strings.Join(parts, "\x00")
}

// withLatest returns a copy of s whose Latest flag agrees with the index.
func withLatest(s *model.Snapshot, idx *model.VersionIndex) *model.Snapshot {
	cp := *s
	cp.Latest = idx.IsLatest(s)
	return &cp
}

func notFound(key model.ArtifactKey) *oclfhir.Error {
	if key.WantsLatest() {
		return oclfhir.NotFound("%s not found: %s/%s", key.Kind, key.Owner.Path(), key.Mnemonic)
	}
	return oclfhir.NotFound("%s not found: %s/%s version %s", key.Kind, key.Owner.Path(), key.Mnemonic, key.Version)
}

func canonicalMessage(kind model.ArtifactKind, url, version string) string {
	if version == "" {
		return fmt.Sprintf("%s not found: %s", kind, url)
	}
	return fmt.Sprintf("%s not found: %s|%s", kind, url, version)
}

// splitCanonical removes a "|version" suffix from a canonical URL.
func splitCanonical(url string) (string, string) {
	if idx := strings.LastIndex(url, "|"); idx != -1 {
		return url[:idx], url[idx+1:]
	}
	return url, ""
}

// groupByArtifact builds one version index per (owner, mnemonic) and orders
// them: the preferred owner, the global registry, then the rest.
func groupByArtifact(snaps []*model.Snapshot, preferred model.Owner) []*model.VersionIndex {
	type groupKey struct {
		owner    model.Owner
		mnemonic string
	}
	byKey := make(map[groupKey][]*model.Snapshot)
	var keys []groupKey
	for _, s := range snaps {
		k := groupKey{owner: s.Owner.Normalize(), mnemonic: s.Mnemonic}
		if _, ok := byKey[k]; !ok {
			keys = append(keys, k)
		}
		byKey[k] = append(byKey[k], s)
	}

	preferred = preferred.Normalize()
	rank := func(o model.Owner) int {
		switch {
		case !preferred.IsGlobal() && o == preferred:
			return 0
		case o.IsGlobal():
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(keys, func(i, j int) bool {
		ri, rj := rank(keys[i].owner), rank(keys[j].owner)
		if ri != rj {
			return ri < rj
		}
		if keys[i].owner != keys[j].owner {
			return keys[i].owner.String() < keys[j].owner.String()
		}
		return keys[i].mnemonic < keys[j].mnemonic
	})

	out := make([]*model.VersionIndex, 0, len(keys))
	for _, k := range keys {
		out = append(out, model.NewVersionIndex(byKey[k]))
	}
	return out
}
