// Package filter compiles value set compose filters into predicates over
// concepts.
//
// A compiled Program is the conjunction of its filters. Hierarchy operators
// (is-a, descendent-of) walk parent links upward through a Hierarchy, so the
// same program works against any repository.
package filter

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/gofhir/fhirpath"
	"go.uber.org/zap"

	"github.com/cens-chile/oclfhir"
	"github.com/cens-chile/oclfhir/cache"
	"github.com/cens-chile/oclfhir/model"
)

// Hierarchy resolves the direct parents of a code within one snapshot.
type Hierarchy interface {
	Parents(ctx context.Context, code string) ([]string, error)
}

// HierarchyFunc adapts a function to Hierarchy.
type HierarchyFunc func(ctx context.Context, code string) ([]string, error)

// Parents implements Hierarchy.
func (f HierarchyFunc) Parents(ctx context.Context, code string) ([]string, error) {
	return f(ctx, code)
}

// Engine compiles filters. Compiled regular expressions and FHIRPath
// expressions are shared across programs through a bounded LRU.
type Engine struct {
	regexes  *cache.Cache[string, *regexp.Regexp]
	paths    *cache.Cache[string, *fhirpath.Expression]
	maxDepth int
	logger   *zap.Logger
}

// NewEngine creates a filter engine.
func NewEngine(logger *zap.Logger, opts ...oclfhir.Option) *Engine {
	o := oclfhir.Apply(opts...)
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		regexes:  cache.New[string, *regexp.Regexp](o.FilterCacheSize),
		paths:    cache.New[string, *fhirpath.Expression](o.FilterCacheSize),
		maxDepth: o.MaxHierarchyDepth,
		logger:   logger,
	}
}

// Program is a compiled conjunction of filters.
type Program struct {
	filters []model.Filter
	preds   []predicate
}

type predicate func(ctx context.Context, c *model.Concept, h Hierarchy) (bool, error)

// Filters returns the source filters.
func (p *Program) Filters() []model.Filter {
	return p.filters
}

// Empty reports whether the program has no filters and therefore matches every concept.
func (p *Program) Empty() bool {
	return len(p.preds) == 0
}

// Match reports whether c satisfies every filter.
func (p *Program) Match(ctx context.Context, c *model.Concept, h Hierarchy) (bool, error) {
	for _, pred := range p.preds {
		ok, err := pred(ctx, c, h)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// Compile validates and compiles filters. locale selects which designation
// display filters are evaluated against, in addition to the primary display.
// Unknown operators, bad regular expressions, unparseable FHIRPath and
// operators that do not apply to the property yield an InvalidFilter error.
func (e *Engine) Compile(filters []model.Filter, locale string) (*Program, error) {
	p := &Program{filters: filters}
	for _, f := range filters {
		pred, err := e.compileOne(f, locale)
		if err != nil {
			return nil, err
		}
		p.preds = append(p.preds, pred)
	}
	return p, nil
}

func (e *Engine) compileOne(f model.Filter, locale string) (predicate, error) {
	op, ok := model.ParseFilterOp(string(f.Op))
	if !ok {
		return nil, oclfhir.InvalidFilter("unsupported filter operator %q on property %q", f.Op, f.Property)
	}
	f.Op = op

	switch {
	case f.Property == "concept" || f.Property == "code":
		return e.codePredicate(f)
	case f.Property == "display":
		return e.textPredicate(f, func(c *model.Concept) []string { return displays(c, locale) }, true)
	case f.Property == model.PropertyParent:
		return e.textPredicate(f, func(c *model.Concept) []string { return c.Parents }, false)
	case f.Property == model.PropertyInactive:
		return e.textPredicate(f, func(c *model.Concept) []string { return []string{strconv.FormatBool(c.Retired)} }, false)
	case f.Property == model.PropertyStatus:
		return e.textPredicate(f, statusOf, false)
	case isPathExpression(f.Property):
		expr, err := e.compilePath(f.Property)
		if err != nil {
			return nil, err
		}
		return e.textPredicate(f, func(c *model.Concept) []string { return e.evalPath(expr, c) }, false)
	default:
		name := f.Property
		return e.textPredicate(f, func(c *model.Concept) []string { return c.Property(name) }, false)
	}
}

// codePredicate handles the concept/code property, the only one supporting hierarchy operators.
func (e *Engine) codePredicate(f model.Filter) (predicate, error) {
	switch f.Op {
	case model.OpIsA:
		return func(ctx context.Context, c *model.Concept, h Hierarchy) (bool, error) {
			if c.Code == f.Value {
				return true, nil
			}
			return e.descendsFrom(ctx, c, f.Value, h)
		}, nil
	case model.OpDescendentOf:
		return func(ctx context.Context, c *model.Concept, h Hierarchy) (bool, error) {
			if c.Code == f.Value {
				return false, nil
			}
			return e.descendsFrom(ctx, c, f.Value, h)
		}, nil
	}
	return e.textPredicate(f, func(c *model.Concept) []string { return []string{c.Code} }, false)
}

// textPredicate handles the non-hierarchical operators over a list of values
// extracted from a concept. The predicate holds when any value satisfies the
// operator, except not-in which requires that none does.
func (e *Engine) textPredicate(f model.Filter, values func(*model.Concept) []string, foldCase bool) (predicate, error) {
	eq := func(a, b string) bool { return a == b }
	if foldCase {
		eq = strings.EqualFold
	}

	switch f.Op {
	case model.OpEquals:
		return anyValue(values, func(v string) bool { return eq(v, f.Value) }), nil

	case model.OpRegex:
		re, err := e.compileRegex(f.Value, foldCase)
		if err != nil {
			return nil, err
		}
		return anyValue(values, re.MatchString), nil

	case model.OpIn, model.OpNotIn:
		set := splitSet(f.Value)
		in := func(v string) bool {
			for _, s := range set {
				if eq(v, s) {
					return true
				}
			}
			return false
		}
		match := anyValue(values, in)
		if f.Op == model.OpIn {
			return match, nil
		}
		return func(ctx context.Context, c *model.Concept, h Hierarchy) (bool, error) {
			ok, err := match(ctx, c, h)
			return !ok, err
		}, nil

	case model.OpExists:
		want, err := strconv.ParseBool(f.Value)
		if err != nil {
			return nil, oclfhir.InvalidFilter("exists filter on %q needs true or false, got %q", f.Property, f.Value)
		}
		return func(_ context.Context, c *model.Concept, _ Hierarchy) (bool, error) {
			has := false
			for _, v := range values(c) {
				if v != "" {
					has = true
					break
				}
			}
			return has == want, nil
		}, nil
	}
	return nil, oclfhir.InvalidFilter("operator %q is not supported on property %q", f.Op, f.Property)
}

// descendsFrom walks parent links upward from c looking for ancestor. The walk
// is depth-first with a visited set, so cycles terminate, and it stops at the
// configured depth.
func (e *Engine) descendsFrom(ctx context.Context, c *model.Concept, ancestor string, h Hierarchy) (bool, error) {
	if h == nil {
		return false, fmt.Errorf("hierarchy filter on %s needs a hierarchy", c.Code)
	}
	type frame struct {
		code  string
		depth int
	}
	visited := map[string]bool{c.Code: true}
	stack := make([]frame, 0, len(c.Parents))
	for i := len(c.Parents) - 1; i >= 0; i-- {
		stack = append(stack, frame{code: c.Parents[i], depth: 1})
	}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[top.code] {
			continue
		}
		visited[top.code] = true
		if top.code == ancestor {
			return true, nil
		}
		if e.maxDepth > 0 && top.depth >= e.maxDepth {
			e.logger.Debug("hierarchy walk reached depth bound",
				zap.String("code", c.Code), zap.String("ancestor", ancestor), zap.Int("depth", top.depth))
			continue
		}
		parents, err := h.Parents(ctx, top.code)
		if err != nil {
			if oclfhir.IsKind(err, oclfhir.KindCodeNotFound) {
				// dangling parent reference
				continue
			}
			return false, err
		}
		for i := len(parents) - 1; i >= 0; i-- {
			if !visited[parents[i]] {
				stack = append(stack, frame{code: parents[i], depth: top.depth + 1})
			}
		}
	}
	return false, nil
}

// compileRegex compiles a FHIR filter regex, which must match the whole value.
func (e *Engine) compileRegex(pattern string, foldCase bool) (*regexp.Regexp, error) {
	src := "^(?:" + pattern + ")$"
	if foldCase {
		src = "(?i)" + src
	}
	return e.regexes.GetOrLoad(src, func() (*regexp.Regexp, error) {
		re, err := regexp.Compile(src)
		if err != nil {
			return nil, oclfhir.InvalidFilter("invalid regex %q: %v", pattern, err)
		}
		return re, nil
	})
}

// CompileText compiles a free-text search used by the expand filter
// parameter: /pattern/ is a case-insensitive regex searched anywhere in the
// value, anything else a case-insensitive substring.
func (e *Engine) CompileText(text string) (func(string) bool, error) {
	if len(text) > 1 && strings.HasPrefix(text, "/") && strings.HasSuffix(text, "/") {
		src := "(?i)" + text[1:len(text)-1]
		re, err := e.regexes.GetOrLoad(src, func() (*regexp.Regexp, error) {
			re, err := regexp.Compile(src)
			if err != nil {
				return nil, oclfhir.InvalidFilter("invalid filter regex %q: %v", text, err)
			}
			return re, nil
		})
		if err != nil {
			return nil, err
		}
		return re.MatchString, nil
	}
	needle := strings.ToLower(text)
	return func(v string) bool { return strings.Contains(strings.ToLower(v), needle) }, nil
}

func anyValue(values func(*model.Concept) []string, test func(string) bool) predicate {
	return func(_ context.Context, c *model.Concept, _ Hierarchy) (bool, error) {
		for _, v := range values(c) {
			if test(v) {
				return true, nil
			}
		}
		return false, nil
	}
}

func splitSet(value string) []string {
	parts := strings.Split(value, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// displays returns the primary display plus the displays in locale.
func displays(c *model.Concept, locale string) []string {
	out := []string{c.Display}
	if locale == "" {
		return out
	}
	for _, d := range c.Designations {
		if strings.EqualFold(d.Locale, locale) {
			out = append(out, d.Value)
		}
	}
	return out
}

func statusOf(c *model.Concept) []string {
	if s := c.Property(model.PropertyStatus); len(s) > 0 {
		return s
	}
	if c.Retired {
		return []string{"retired"}
	}
	return []string{"active"}
}
