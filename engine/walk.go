package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cens-chile/oclfhir"
	"github.com/cens-chile/oclfhir/filter"
	"github.com/cens-chile/oclfhir/model"
)

// walk is the per-request state shared by expansion and membership tests:
// the value set stack used to detect circular composition and memoized reads.
type walk struct {
	engine   *Engine
	scope    model.Scope
	req      *request
	log      *zap.Logger
	stack    map[int64]bool
	systems  map[int64]*model.Snapshot
	parents  map[model.ConceptKey][]string
	warnings []oclfhir.Issue
}

func newWalk(e *Engine, scope model.Scope, req *request, log *zap.Logger) *walk {
	return &walk{
		engine:  e,
		scope:   scope,
		req:     req,
		log:     log,
		stack:   make(map[int64]bool),
		systems: make(map[int64]*model.Snapshot),
		parents: make(map[model.ConceptKey][]string),
	}
}

// enter pushes vs on the composition stack. The returned func pops it.
func (w *walk) enter(vs *model.Snapshot) (func(), error) {
	if w.stack[vs.ID] {
		return nil, oclfhir.InvalidRequest("circular value set composition at %s", vs.Ref())
	}
	w.stack[vs.ID] = true
	return func() { delete(w.stack, vs.ID) }, nil
}

func (w *walk) codeSystem(ctx context.Context, rule model.ComposeRule) (*model.Snapshot, error) {
	return w.engine.resolver.ResolveCanonical(ctx, w.scope, model.KindCodeSystem, rule.System, rule.Version)
}

func (w *walk) valueSet(ctx context.Context, url string) (*model.Snapshot, error) {
	return w.engine.resolver.ResolveCanonical(ctx, w.scope, model.KindValueSet, url, "")
}

// snapshot returns the snapshot with id, read once per request.
func (w *walk) snapshot(ctx context.Context, id int64) (*model.Snapshot, error) {
	if s, ok := w.systems[id]; ok {
		return s, nil
	}
	s, err := w.engine.repo.SnapshotByID(ctx, id)
	if err != nil {
		return nil, err
	}
	w.systems[id] = s
	return s, nil
}

// hierarchy reads parent links of ref through the repository, memoized per request.
func (w *walk) hierarchy(ref model.SnapshotRef) filter.Hierarchy {
	return filter.HierarchyFunc(func(ctx context.Context, code string) ([]string, error) {
		key := model.ConceptKey{SnapshotID: ref.ID, Code: code}
		if p, ok := w.parents[key]; ok {
			return p, nil
		}
		c, err := w.engine.repo.ConceptByCode(ctx, ref, code)
		if err != nil {
			return nil, err
		}
		w.parents[key] = c.Parents
		return c.Parents, nil
	})
}

// program compiles the filters of a rule for the request's display language.
func (w *walk) program(rule model.ComposeRule) (*filter.Program, error) {
	return w.engine.filters.Compile(rule.Filters, w.req.DisplayLanguage)
}

// skip reports whether a failed rule may be skipped, recording a warning when it is.
func (w *walk) skip(rule model.ComposeRule, path string, err error) bool {
	if !rule.Optional {
		return false
	}
	if !oclfhir.IsKind(err, oclfhir.KindArtifactNotFound) && !oclfhir.IsKind(err, oclfhir.KindAccessDenied) {
		return false
	}
	msg := err.Error()
	var typed *oclfhir.Error
	if errors.As(err, &typed) {
		msg = typed.Public().Error()
	}
	w.warn(oclfhir.IssueTypeNotFound, fmt.Sprintf("optional %s rule skipped: %s", rule.Kind, msg), path)
	return true
}

func (w *walk) warn(code oclfhir.IssueType, diagnostics string, path string) {
	w.log.Warn(diagnostics, zap.String("expression", path))
	w.warnings = append(w.warnings, oclfhir.Warn(code, diagnostics, path))
}

func rulePath(kind model.RuleKind, i int) string {
	return fmt.Sprintf("compose.%s[%d]", kind, i)
}
