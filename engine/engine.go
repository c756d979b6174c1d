// Package engine implements the terminology operations: value set
// expansion, code lookup and code validation against a code system or a
// value set.
//
// The engine is stateless across requests. Every operation resolves its
// target through the resolver, reads concepts through the repository
// contracts and returns either a result or a typed *oclfhir.Error. Partial
// results are never returned: a cancelled context or a failing read aborts
// the whole operation.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cens-chile/oclfhir"
	"github.com/cens-chile/oclfhir/filter"
	"github.com/cens-chile/oclfhir/model"
	"github.com/cens-chile/oclfhir/repository"
	"github.com/cens-chile/oclfhir/resolver"
)

// Engine runs terminology operations. It is safe for concurrent use.
type Engine struct {
	repo     repository.Repository
	resolver *resolver.Resolver
	filters  *filter.Engine
	options  *oclfhir.Options
	metrics  *oclfhir.Metrics
	logger   *zap.Logger
}

// New creates an Engine over repo. A resolver with an in-process cache and the
// default access checker is created from the same options; replace it with
// SetResolver to add a shared cache tier or a different access policy.
func New(repo repository.Repository, logger *zap.Logger, opts ...oclfhir.Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	options := oclfhir.Apply(opts...)
	metrics := oclfhir.NewMetrics()
	return &Engine{
		repo: repo,
		resolver: resolver.New(repo, logger.Named("resolver"),
			resolver.WithOptions(options), resolver.WithMetrics(metrics)),
		filters: filter.NewEngine(logger.Named("filter"), opts...),
		options: options,
		metrics: metrics,
		logger:  logger,
	}
}

// SetResolver replaces the identity resolver.
func (e *Engine) SetResolver(r *resolver.Resolver) {
	e.resolver = r
}

// Resolver returns the identity resolver.
func (e *Engine) Resolver() *resolver.Resolver {
	return e.resolver
}

// Metrics returns the engine metrics.
func (e *Engine) Metrics() *oclfhir.Metrics {
	return e.metrics
}

// Options returns the engine configuration.
func (e *Engine) Options() *oclfhir.Options {
	return e.options
}

// Resolve resolves a target of the given kind for scope.
func (e *Engine) Resolve(ctx context.Context, scope model.Scope, kind model.ArtifactKind, t Target) (*model.Snapshot, error) {
	if t.URL != "" {
		return e.resolver.ResolveCanonical(ctx, scope, kind, t.URL, t.Version)
	}
	return e.resolver.Resolve(ctx, scope, t.key(kind))
}

// Lookup returns the descriptor of p.Code in the code system named by t.
// A missing code, or a retired one unless retired matches are allowed, fails
// with CodeNotFound.
func (e *Engine) Lookup(ctx context.Context, scope model.Scope, t Target, p Params) (res *LookupResult, err error) {
	start := time.Now()
	log := e.requestLogger(oclfhir.OpLookup, t)
	defer func() { e.finish(log, oclfhir.OpLookup, start, err) }()

	if p.Code == "" {
		return nil, oclfhir.InvalidRequest("code is required")
	}
	req, err := p.normalize(e.options)
	if err != nil {
		return nil, err
	}
	cs, err := e.Resolve(ctx, scope, model.KindCodeSystem, t)
	if err != nil {
		return nil, err
	}
	c, err := e.repo.ConceptByCode(ctx, cs.Ref(), p.Code)
	if err != nil {
		return nil, err
	}
	if c.Retired && !e.options.AllowRetiredMatches {
		return nil, oclfhir.CodeNotFound("code %q is retired in %s", p.Code, cs.Ref())
	}

	n := newNegotiator(req)
	desc := n.describe(c, cs.Ref(), cs.DefaultLocale)
	desc.Definition = c.Definition
	desc.Parents = append([]string(nil), c.Parents...)
	if len(c.Properties) > 0 {
		desc.Properties = make(map[string][]string, len(c.Properties))
		for k, v := range c.Properties {
			desc.Properties[k] = append([]string(nil), v...)
		}
	}

	name := cs.Name
	if name == "" {
		name = cs.Mnemonic
	}
	return &LookupResult{
		System:  cs.Ref(),
		URL:     cs.SystemURL(),
		Name:    name,
		Version: cs.Version,
		Concept: desc,
	}, nil
}

// ValidateCode checks p.Code, and p.Display when given, against the code
// system named by t. An unknown code is a false result, not an error.
func (e *Engine) ValidateCode(ctx context.Context, scope model.Scope, t Target, p Params) (res *ValidationResult, err error) {
	start := time.Now()
	log := e.requestLogger(oclfhir.OpValidateCode, t)
	defer func() { e.finish(log, oclfhir.OpValidateCode, start, err) }()

	if p.Code == "" {
		return nil, oclfhir.InvalidRequest("code is required")
	}
	req, err := p.normalize(e.options)
	if err != nil {
		return nil, err
	}
	cs, err := e.Resolve(ctx, scope, model.KindCodeSystem, t)
	if err != nil {
		return nil, err
	}

	res = &ValidationResult{Code: p.Code, System: cs.SystemURL(), Version: cs.Version}
	c, err := e.repo.ConceptByCode(ctx, cs.Ref(), p.Code)
	switch {
	case oclfhir.IsKind(err, oclfhir.KindCodeNotFound):
		res.Message = fmt.Sprintf("Unknown code %q in code system %s version %s", p.Code, res.System, res.Version)
		return res, nil
	case err != nil:
		return nil, err
	}
	e.checkConcept(res, c, cs.DefaultLocale, req, e.options.AllowRetiredMatches)
	return res, nil
}

// ValidateCodeInValueSet checks membership of p.Code, optionally constrained
// to p.SystemURL and p.SystemVersion, in the value set named by t. It tests
// membership rule by rule and never materializes the expansion.
func (e *Engine) ValidateCodeInValueSet(ctx context.Context, scope model.Scope, t Target, p Params) (res *ValidationResult, err error) {
	start := time.Now()
	log := e.requestLogger(oclfhir.OpValidateCodeInValueSet, t)
	defer func() { e.finish(log, oclfhir.OpValidateCodeInValueSet, start, err) }()

	if p.Code == "" {
		return nil, oclfhir.InvalidRequest("code is required")
	}
	req, err := p.normalize(e.options)
	if err != nil {
		return nil, err
	}
	if t.Version == "" && t.URL == "" {
		t.Version = p.ValueSetVersion
	}
	vs, err := e.Resolve(ctx, scope, model.KindValueSet, t)
	if err != nil {
		return nil, err
	}

	m := &membership{walk: newWalk(e, scope, req, log)}
	hit, err := m.find(ctx, vs, probe{code: p.Code, system: p.SystemURL, version: p.SystemVersion})
	if err != nil {
		return nil, err
	}

	res = &ValidationResult{Code: p.Code, System: p.SystemURL, Version: p.SystemVersion}
	if hit == nil {
		res.Message = fmt.Sprintf("The code %q was not found in value set %s", p.Code, vs.Ref())
		if p.SystemURL != "" {
			res.Message = fmt.Sprintf("The code %q from system %s was not found in value set %s", p.Code, p.SystemURL, vs.Ref())
		}
		return res, nil
	}
	res.System = hit.system.SystemURL()
	res.Version = hit.system.Version
	// A retired code is a member exactly when expansion would list it.
	e.checkConcept(res, hit.concept, hit.defaultLocale, req, !req.activeOnly)
	return res, nil
}

// checkConcept fills res for a found concept: retired concepts fail unless
// retiredOK, and a supplied display must equal the primary display or one of
// the designations.
func (e *Engine) checkConcept(res *ValidationResult, c *model.Concept, defaultLocale string, req *request, retiredOK bool) {
	n := newNegotiator(req)
	expected, _ := n.display(c, defaultLocale)
	res.Display = expected

	if c.Retired && !retiredOK {
		res.Message = fmt.Sprintf("The code %q is retired", c.Code)
		return
	}
	if req.Display != "" && !c.MatchesDisplay(req.Display) {
		res.Message = fmt.Sprintf("The display %q is not a valid display for the code %q; expected %q", req.Display, c.Code, expected)
		return
	}
	res.Result = true
}

func (e *Engine) requestLogger(op string, t Target) *zap.Logger {
	target := t.URL
	if target == "" {
		target = t.Owner.Path() + "/" + t.Mnemonic
	}
	return e.logger.With(
		zap.String("request_id", uuid.NewString()),
		zap.String("operation", op),
		zap.String("target", target),
		zap.String("version", t.Version),
	)
}

func (e *Engine) finish(log *zap.Logger, op string, start time.Time, err error) {
	elapsed := time.Since(start)
	e.metrics.RecordOperation(op, elapsed, err)
	if err != nil {
		log.Debug("operation failed", zap.Duration("duration", elapsed), zap.String("kind", string(oclfhir.KindOf(err))), zap.Error(err))
		return
	}
	log.Debug("operation done", zap.Duration("duration", elapsed))
}
