package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/cens-chile/oclfhir"
	"github.com/cens-chile/oclfhir/model"
	"github.com/cens-chile/oclfhir/repository"
)

// conceptPage is the window size used when reading every concept of a system.
const conceptPage = 1000

// entryKey identifies a working set member. Keying on the system version as
// well as the URL keeps equal codes of different systems apart.
type entryKey struct {
	system  string
	version string
	code    string
}

type entry struct {
	concept       *model.Concept
	system        model.SnapshotRef
	defaultLocale string
}

type workingSet map[entryKey]entry

func (ws workingSet) add(e entry) {
	ws[entryKey{system: e.system.SystemURL(), version: e.system.Version, code: e.concept.Code}] = e
}

func (ws workingSet) union(other workingSet) {
	for k, e := range other {
		ws[k] = e
	}
}

// remove drops every member of other. With anyVersion a member is dropped
// when its system URL and code match regardless of the system version.
func (ws workingSet) remove(other workingSet, anyVersion bool) {
	if !anyVersion {
		for k := range other {
			delete(ws, k)
		}
		return
	}
	drop := make(map[[2]string]bool, len(other))
	for k := range other {
		drop[[2]string{k.system, k.code}] = true
	}
	for k := range ws {
		if drop[[2]string{k.system, k.code}] {
			delete(ws, k)
		}
	}
}

// intersect keeps the members whose system URL and code also appear in other.
func (ws workingSet) intersect(other workingSet) workingSet {
	keep := make(map[[2]string]bool, len(other))
	for k := range other {
		keep[[2]string{k.system, k.code}] = true
	}
	out := make(workingSet)
	for k, e := range ws {
		if keep[[2]string{k.system, k.code}] {
			out[k] = e
		}
	}
	return out
}

// Expand expands the value set named by t and returns the requested page.
//
// Includes are unioned in declaration order, then excludes are removed. The
// result keeps one entry per (system, version, code), drops retired concepts
// when activeOnly holds, negotiates displays, applies the text filter and is
// sorted by code, system URL and system version before paging. Total counts
// the entries before paging.
func (e *Engine) Expand(ctx context.Context, scope model.Scope, t Target, p Params) (res *ExpansionResult, err error) {
	start := time.Now()
	log := e.requestLogger(oclfhir.OpExpand, t)
	defer func() { e.finish(log, oclfhir.OpExpand, start, err) }()

	req, err := p.normalize(e.options)
	if err != nil {
		return nil, err
	}
	var textMatch func(string) bool
	if p.Filter != "" {
		if textMatch, err = e.filters.CompileText(p.Filter); err != nil {
			return nil, err
		}
	}
	if t.Version == "" && t.URL == "" {
		t.Version = p.ValueSetVersion
	}
	vs, err := e.Resolve(ctx, scope, model.KindValueSet, t)
	if err != nil {
		return nil, err
	}

	x := &expansion{walk: newWalk(e, scope, req, log)}
	ws, err := x.expand(ctx, vs)
	if err != nil {
		return nil, err
	}

	n := newNegotiator(req)
	items := make([]ConceptDescriptor, 0, len(ws))
	for _, en := range ws {
		if req.activeOnly && en.concept.Retired {
			continue
		}
		d := n.describe(en.concept, en.system, en.defaultLocale)
		if textMatch != nil && !textMatch(d.Display) {
			continue
		}
		items = append(items, d)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sortDescriptors(items)

	total := len(items)
	from, to := repository.PageWindow{Offset: req.offset, Limit: req.count}.Apply(total)
	if req.count == 0 {
		to = from
	}
	page := make([]ConceptDescriptor, to-from)
	copy(page, items[from:to])

	e.metrics.RecordExpansion(total)
	return &ExpansionResult{
		Identifier:          uuid.NewString(),
		Timestamp:           time.Now().UTC(),
		ValueSet:            vs.Ref(),
		URL:                 vs.CanonicalURL,
		Total:               total,
		Offset:              req.offset,
		Count:               req.count,
		Contains:            page,
		DisplayLanguage:     p.DisplayLanguage,
		ActiveOnly:          req.activeOnly,
		IncludeDesignations: req.includeDesignations,
		IncludeDefinition:   req.includeDefinition,
		Filter:              p.Filter,
		Warnings:            x.warnings,
	}, nil
}

func sortDescriptors(items []ConceptDescriptor) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		if a.System != b.System {
			return a.System < b.System
		}
		return a.SystemVersion < b.SystemVersion
	})
}

type expansion struct {
	*walk
}

// expand computes the working set of vs.
func (x *expansion) expand(ctx context.Context, vs *model.Snapshot) (workingSet, error) {
	leave, err := x.enter(vs)
	if err != nil {
		return nil, err
	}
	defer leave()

	if len(vs.Compose) == 0 {
		return x.members(ctx, vs)
	}

	includes, excludes := model.Split(vs.Compose)
	ws := make(workingSet)
	for i, rule := range includes {
		set, err := x.rule(ctx, rule, rulePath(model.RuleInclude, i))
		if err != nil {
			if x.skip(rule, rulePath(model.RuleInclude, i), err) {
				continue
			}
			return nil, err
		}
		ws.union(set)
	}
	for i, rule := range excludes {
		set, err := x.rule(ctx, rule, rulePath(model.RuleExclude, i))
		if err != nil {
			if x.skip(rule, rulePath(model.RuleExclude, i), err) {
				continue
			}
			return nil, err
		}
		ws.remove(set, rule.Version == "")
	}
	return ws, nil
}

// rule computes the members selected by one compose rule. A rule naming a
// system and value sets selects their intersection.
func (x *expansion) rule(ctx context.Context, rule model.ComposeRule, path string) (workingSet, error) {
	var ws workingSet
	if rule.System != "" {
		cs, err := x.codeSystem(ctx, rule)
		if err != nil {
			return nil, err
		}
		if ws, err = x.system(ctx, cs, rule, path); err != nil {
			return nil, err
		}
	}
	for _, url := range rule.ValueSets {
		vs, err := x.valueSet(ctx, url)
		if err != nil {
			return nil, err
		}
		sub, err := x.expand(ctx, vs)
		if err != nil {
			return nil, err
		}
		if ws == nil {
			ws = sub
		} else {
			ws = ws.intersect(sub)
		}
	}
	if ws == nil {
		ws = make(workingSet)
	}
	return ws, nil
}

// system selects concepts of a code system snapshot: the explicit codes of
// the rule, or every concept passing its filters.
func (x *expansion) system(ctx context.Context, cs *model.Snapshot, rule model.ComposeRule, path string) (workingSet, error) {
	ref := cs.Ref()
	ws := make(workingSet)
	add := func(c *model.Concept) {
		ws.add(entry{concept: c, system: ref, defaultLocale: cs.DefaultLocale})
	}

	if len(rule.Codes) > 0 {
		for _, code := range rule.Codes {
			c, err := x.engine.repo.ConceptByCode(ctx, ref, code.Code)
			if oclfhir.IsKind(err, oclfhir.KindCodeNotFound) {
				x.warn(oclfhir.IssueTypeCodeInvalid, fmt.Sprintf("code %q not found in %s", code.Code, cs.SystemURL()), path)
				continue
			}
			if err != nil {
				return nil, err
			}
			add(c)
		}
		return ws, nil
	}

	prog, err := x.program(rule)
	if err != nil {
		return nil, err
	}
	if prog.Empty() {
		concepts, err := x.all(ctx, ref)
		if err != nil {
			return nil, err
		}
		for _, c := range concepts {
			add(c)
		}
		return ws, nil
	}

	candidates, err := x.engine.repo.FilterCandidates(ctx, ref, rule.Filters)
	if err != nil {
		return nil, err
	}
	h := x.hierarchy(ref)
	for _, c := range candidates {
		ok, err := prog.Match(ctx, c, h)
		if err != nil {
			return nil, err
		}
		if ok {
			add(c)
		}
	}
	return ws, nil
}

// all reads every concept of ref page by page.
func (x *expansion) all(ctx context.Context, ref model.SnapshotRef) ([]*model.Concept, error) {
	var out []*model.Concept
	for offset := 0; ; offset += conceptPage {
		page, err := x.engine.repo.ConceptsOf(ctx, ref, repository.PageWindow{Offset: offset, Limit: conceptPage})
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < conceptPage {
			return out, nil
		}
	}
}

// members reads the stored associations of a value set without compose rules.
func (x *expansion) members(ctx context.Context, vs *model.Snapshot) (workingSet, error) {
	members, err := x.engine.repo.MembersOf(ctx, vs.Ref())
	if err != nil {
		return nil, err
	}
	ws := make(workingSet, len(members))
	for _, m := range members {
		sys, err := x.snapshot(ctx, m.System.ID)
		if err != nil {
			return nil, err
		}
		ws.add(entry{concept: m.Concept, system: m.System, defaultLocale: sys.DefaultLocale})
	}
	return ws, nil
}
