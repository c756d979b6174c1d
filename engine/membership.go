package engine

import (
	"context"

	"github.com/cens-chile/oclfhir"
	"github.com/cens-chile/oclfhir/model"
)

// probe is the code a membership test looks for. Empty system or version
// match any.
type probe struct {
	code    string
	system  string
	version string
}

// hit is the concept a membership test found.
type hit struct {
	concept       *model.Concept
	system        model.SnapshotRef
	defaultLocale string
}

// membership answers "is this code in the value set" one rule at a time,
// stopping at the first include that selects the code and no exclude removes.
type membership struct {
	*walk
}

// find returns the concept matching pr in vs, or nil when vs does not contain it.
func (m *membership) find(ctx context.Context, vs *model.Snapshot, pr probe) (*hit, error) {
	leave, err := m.enter(vs)
	if err != nil {
		return nil, err
	}
	defer leave()

	if len(vs.Compose) == 0 {
		return m.member(ctx, vs, pr)
	}

	includes, excludes := model.Split(vs.Compose)
	for i, rule := range includes {
		h, err := m.rule(ctx, rule, pr)
		if err != nil {
			if m.skip(rule, rulePath(model.RuleInclude, i), err) {
				continue
			}
			return nil, err
		}
		if h == nil {
			continue
		}
		excluded, err := m.excluded(ctx, excludes, h)
		if err != nil {
			return nil, err
		}
		if !excluded {
			return h, nil
		}
	}
	return nil, nil
}

// excluded reports whether any exclude rule selects h. An unversioned exclude
// removes the code from every version of its system.
func (m *membership) excluded(ctx context.Context, excludes []model.ComposeRule, h *hit) (bool, error) {
	for i, rule := range excludes {
		pr := probe{code: h.concept.Code, system: h.system.SystemURL()}
		if rule.Version != "" {
			pr.version = h.system.Version
		}
		ex, err := m.rule(ctx, rule, pr)
		if err != nil {
			if m.skip(rule, rulePath(model.RuleExclude, i), err) {
				continue
			}
			return false, err
		}
		if ex != nil {
			return true, nil
		}
	}
	return false, nil
}

func (m *membership) rule(ctx context.Context, rule model.ComposeRule, pr probe) (*hit, error) {
	var found *hit
	if rule.System != "" {
		cs, err := m.codeSystem(ctx, rule)
		if err != nil {
			return nil, err
		}
		if pr.system != "" && cs.SystemURL() != pr.system {
			return nil, nil
		}
		if pr.version != "" && cs.Version != pr.version {
			return nil, nil
		}
		if found, err = m.inSystem(ctx, cs, rule, pr.code); err != nil || found == nil {
			return nil, err
		}
	}
	for _, url := range rule.ValueSets {
		vs, err := m.valueSet(ctx, url)
		if err != nil {
			return nil, err
		}
		sub := pr
		if found != nil {
			sub.system = found.system.SystemURL()
		}
		h, err := m.find(ctx, vs, sub)
		if err != nil || h == nil {
			return nil, err
		}
		if found == nil {
			found = h
		}
	}
	return found, nil
}

func (m *membership) inSystem(ctx context.Context, cs *model.Snapshot, rule model.ComposeRule, code string) (*hit, error) {
	ref := cs.Ref()
	if len(rule.Codes) > 0 {
		listed := false
		for _, c := range rule.Codes {
			if c.Code == code {
				listed = true
				break
			}
		}
		if !listed {
			return nil, nil
		}
	}

	c, err := m.engine.repo.ConceptByCode(ctx, ref, code)
	if oclfhir.IsKind(err, oclfhir.KindCodeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if len(rule.Codes) == 0 {
		prog, err := m.program(rule)
		if err != nil {
			return nil, err
		}
		ok, err := prog.Match(ctx, c, m.hierarchy(ref))
		if err != nil || !ok {
			return nil, err
		}
	}
	return &hit{concept: c, system: ref, defaultLocale: cs.DefaultLocale}, nil
}

func (m *membership) member(ctx context.Context, vs *model.Snapshot, pr probe) (*hit, error) {
	members, err := m.engine.repo.MembersOf(ctx, vs.Ref())
	if err != nil {
		return nil, err
	}
	for _, mem := range members {
		if mem.Concept.Code != pr.code {
			continue
		}
		if pr.system != "" && mem.System.SystemURL() != pr.system {
			continue
		}
		if pr.version != "" && mem.System.Version != pr.version {
			continue
		}
		sys, err := m.snapshot(ctx, mem.System.ID)
		if err != nil {
			return nil, err
		}
		return &hit{concept: mem.Concept, system: mem.System, defaultLocale: sys.DefaultLocale}, nil
	}
	return nil, nil
}
