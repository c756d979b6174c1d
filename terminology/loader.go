package terminology

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/gofhir/fhir/r4"

	"github.com/cens-chile/oclfhir/model"
	"github.com/cens-chile/oclfhir/stream"
)

// LoadStats contains statistics about terminology loading.
type LoadStats struct {
	CodeSystemsLoaded int64
	ValueSetsLoaded   int64
	ConceptsLoaded    int64
	Errors            int64
}

// LoadR4CodeSystem stores an R4 CodeSystem as a released, latest snapshot of owner.
func (r *InMemoryRepository) LoadR4CodeSystem(owner model.Owner, cs *r4.CodeSystem) (*model.Snapshot, error) {
	if cs == nil || cs.Url == nil {
		return nil, fmt.Errorf("codesystem is nil or has no URL")
	}

	snap := &model.Snapshot{
		Owner:         owner,
		Kind:          model.KindCodeSystem,
		Mnemonic:      mnemonicOf(cs.Id, cs.Name, *cs.Url),
		Version:       derefString(cs.Version),
		CanonicalURL:  *cs.Url,
		Name:          derefString(cs.Name),
		DefaultLocale: derefString(cs.Language),
		Active:        true,
		Released:      cs.Version != nil,
		Latest:        true,
	}
	if cs.Status != nil && string(*cs.Status) == "retired" {
		snap.Retired = true
		snap.Active = false
	}
	stored, err := r.AddSnapshot(snap)
	if err != nil {
		return nil, err
	}
	r.demoteLatest(stored)

	var concepts []*model.Concept
	extractCodeSystemConcepts(cs.Concept, "", snap.DefaultLocale, &concepts)
	if err := r.AddConcepts(stored.ID, concepts...); err != nil {
		return nil, err
	}
	return stored, nil
}

// LoadR4ValueSet stores an R4 ValueSet as a released, latest snapshot of owner.
// The compose element becomes the snapshot's rules; a ValueSet carrying only an
// expansion is turned into one include rule per system with explicit codes.
func (r *InMemoryRepository) LoadR4ValueSet(owner model.Owner, vs *r4.ValueSet) (*model.Snapshot, error) {
	if vs == nil || vs.Url == nil {
		return nil, fmt.Errorf("valueset is nil or has no URL")
	}

	snap := &model.Snapshot{
		Owner:         owner,
		Kind:          model.KindValueSet,
		Mnemonic:      mnemonicOf(vs.Id, vs.Name, *vs.Url),
		Version:       derefString(vs.Version),
		CanonicalURL:  *vs.Url,
		Name:          derefString(vs.Name),
		DefaultLocale: derefString(vs.Language),
		Active:        true,
		Released:      vs.Version != nil,
		Latest:        true,
	}

	switch {
	case vs.Compose != nil:
		for i := range vs.Compose.Include {
			snap.Compose = append(snap.Compose, composeRule(model.RuleInclude, &vs.Compose.Include[i]))
		}
		for i := range vs.Compose.Exclude {
			snap.Compose = append(snap.Compose, composeRule(model.RuleExclude, &vs.Compose.Exclude[i]))
		}
	case vs.Expansion != nil:
		snap.Compose = expansionRules(vs.Expansion.Contains)
	}
	stored, err := r.AddSnapshot(snap)
	if err != nil {
		return nil, err
	}
	r.demoteLatest(stored)
	return stored, nil
}

// demoteLatest clears the latest flag of the other versions of the same artifact.
func (r *InMemoryRepository) demoteLatest(s *model.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.byArtifact[artifactKey{owner: s.Owner, kind: s.Kind, mnemonic: s.Mnemonic}] {
		if id != s.ID {
			r.snapshots[id].Latest = false
		}
	}
}

func composeRule(kind model.RuleKind, inc *r4.ValueSetComposeInclude) model.ComposeRule {
	rule := model.ComposeRule{
		Kind:      kind,
		System:    derefString(inc.System),
		Version:   derefString(inc.Version),
		ValueSets: append([]string(nil), inc.ValueSet...),
	}
	for i := range inc.Concept {
		c := &inc.Concept[i]
		if c.Code == nil {
			continue
		}
		rule.Codes = append(rule.Codes, model.ComposeCode{Code: *c.Code, Display: derefString(c.Display)})
	}
	for _, f := range inc.Filter {
		if f.Property == nil || f.Op == nil || f.Value == nil {
			continue
		}
		op, ok := model.ParseFilterOp(string(*f.Op))
		if !ok {
			// kept verbatim so the filter engine can report it
			op = model.FilterOp(string(*f.Op))
		}
		rule.Filters = append(rule.Filters, model.Filter{Property: *f.Property, Op: op, Value: *f.Value})
	}
	return rule
}

func expansionRules(contains []r4.ValueSetExpansionContains) []model.ComposeRule {
	var rules []model.ComposeRule
	bySystem := make(map[string]int)
	var walk func(items []r4.ValueSetExpansionContains)
	walk = func(items []r4.ValueSetExpansionContains) {
		for i := range items {
			c := &items[i]
			if c.System != nil && c.Code != nil {
				idx, ok := bySystem[*c.System]
				if !ok {
					idx = len(rules)
					bySystem[*c.System] = idx
					rules = append(rules, model.ComposeRule{Kind: model.RuleInclude, System: *c.System})
				}
				rules[idx].Codes = append(rules[idx].Codes, model.ComposeCode{Code: *c.Code, Display: derefString(c.Display)})
			}
			walk(c.Contains)
		}
	}
	walk(contains)
	return rules
}

func extractCodeSystemConcepts(concepts []r4.CodeSystemConcept, parent, locale string, out *[]*model.Concept) {
	for i := range concepts {
		rc := &concepts[i]
		if rc.Code == nil {
			continue
		}

		c := &model.Concept{
			Code:          *rc.Code,
			Display:       derefString(rc.Display),
			DisplayLocale: locale,
			Definition:    derefString(rc.Definition),
		}
		if parent != "" {
			c.Parents = append(c.Parents, parent)
		}

		for _, prop := range rc.Property {
			if prop.Code == nil {
				continue
			}
			name := *prop.Code
			switch {
			case (name == "subsumedBy" || name == model.PropertyParent) && prop.ValueCode != nil:
				if !c.HasParent(*prop.ValueCode) {
					c.Parents = append(c.Parents, *prop.ValueCode)
				}
				continue
			case name == model.PropertyInactive && prop.ValueBoolean != nil:
				c.Retired = *prop.ValueBoolean
			case name == model.PropertyStatus && prop.ValueCode != nil:
				c.Retired = c.Retired || *prop.ValueCode == "retired" || *prop.ValueCode == "inactive"
			}
			if v := propertyValue(prop); v != "" {
				if c.Properties == nil {
					c.Properties = make(map[string][]string)
				}
				c.Properties[name] = append(c.Properties[name], v)
			}
		}

		for _, d := range rc.Designation {
			if d.Value == nil {
				continue
			}
			des := model.Designation{Locale: derefString(d.Language), Value: *d.Value}
			if d.Use != nil {
				des.Use = derefString(d.Use.Code)
			}
			c.Designations = append(c.Designations, des)
		}

		*out = append(*out, c)

		if len(rc.Concept) > 0 {
			extractCodeSystemConcepts(rc.Concept, c.Code, locale, out)
		}
	}
}

func propertyValue(p r4.CodeSystemConceptProperty) string {
	switch {
	case p.ValueCode != nil:
		return *p.ValueCode
	case p.ValueString != nil:
		return *p.ValueString
	case p.ValueBoolean != nil:
		if *p.ValueBoolean {
			return "true"
		}
		return "false"
	}
	return ""
}

// LoadFromJSON loads CodeSystems or ValueSets from JSON data.
// Auto-detects Bundle vs single resource format.
func (r *InMemoryRepository) LoadFromJSON(owner model.Owner, data []byte) (*LoadStats, error) {
	stats := &LoadStats{}

	var probe struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	switch probe.ResourceType {
	case "Bundle":
		return r.LoadBundle(context.Background(), owner, bytes.NewReader(data))

	case "CodeSystem":
		if err := r.loadCodeSystemJSON(owner, data, stats); err != nil {
			stats.Errors++
			return stats, err
		}
		stats.CodeSystemsLoaded++

	case "ValueSet":
		var vs r4.ValueSet
		if err := json.Unmarshal(data, &vs); err != nil {
			return nil, fmt.Errorf("failed to parse ValueSet: %w", err)
		}
		if _, err := r.LoadR4ValueSet(owner, &vs); err != nil {
			stats.Errors++
			return stats, err
		}
		stats.ValueSetsLoaded++

	default:
		return nil, fmt.Errorf("unsupported resourceType: %s", probe.ResourceType)
	}

	return stats, nil
}

// LoadFromDirectory loads CodeSystem-*.json and ValueSet-*.json files from a
// directory. CodeSystems are loaded before ValueSets.
func (r *InMemoryRepository) LoadFromDirectory(owner model.Owner, dirPath string) (*LoadStats, error) {
	stats := &LoadStats{}

	info, err := os.Stat(dirPath)
	if err != nil {
		return nil, fmt.Errorf("failed to access directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", dirPath)
	}

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	var codeSystems, valueSets, bundles []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(dirPath, name)
		switch {
		case strings.HasPrefix(name, "CodeSystem-"):
			codeSystems = append(codeSystems, path)
		case strings.HasPrefix(name, "ValueSet-"):
			valueSets = append(valueSets, path)
		case strings.HasPrefix(name, "Bundle-"):
			bundles = append(bundles, path)
		}
	}

	for _, path := range codeSystems {
		data, err := os.ReadFile(path)
		if err != nil {
			atomic.AddInt64(&stats.Errors, 1)
			continue
		}
		if err := r.loadCodeSystemJSON(owner, data, stats); err != nil {
			atomic.AddInt64(&stats.Errors, 1)
			continue
		}
		atomic.AddInt64(&stats.CodeSystemsLoaded, 1)
	}

	for _, path := range valueSets {
		data, err := os.ReadFile(path)
		if err != nil {
			atomic.AddInt64(&stats.Errors, 1)
			continue
		}
		var vs r4.ValueSet
		if err := json.Unmarshal(data, &vs); err != nil {
			atomic.AddInt64(&stats.Errors, 1)
			continue
		}
		if _, err := r.LoadR4ValueSet(owner, &vs); err != nil {
			atomic.AddInt64(&stats.Errors, 1)
			continue
		}
		atomic.AddInt64(&stats.ValueSetsLoaded, 1)
	}

	for _, path := range bundles {
		f, err := os.Open(path)
		if err != nil {
			atomic.AddInt64(&stats.Errors, 1)
			continue
		}
		bs, err := r.LoadBundle(context.Background(), owner, f)
		f.Close()
		if err != nil {
			atomic.AddInt64(&stats.Errors, 1)
			continue
		}
		atomic.AddInt64(&stats.CodeSystemsLoaded, bs.CodeSystemsLoaded)
		atomic.AddInt64(&stats.ValueSetsLoaded, bs.ValueSetsLoaded)
		atomic.AddInt64(&stats.ConceptsLoaded, bs.ConceptsLoaded)
		atomic.AddInt64(&stats.Errors, bs.Errors)
	}

	return stats, nil
}

func (r *InMemoryRepository) loadCodeSystemJSON(owner model.Owner, data []byte, stats *LoadStats) error {
	var cs r4.CodeSystem
	if err := json.Unmarshal(data, &cs); err != nil {
		return fmt.Errorf("failed to parse CodeSystem: %w", err)
	}
	snap, err := r.LoadR4CodeSystem(owner, &cs)
	if err != nil {
		return err
	}
	r.mu.RLock()
	n := len(r.concepts[snap.ID].order)
	r.mu.RUnlock()
	atomic.AddInt64(&stats.ConceptsLoaded, int64(n))
	return nil
}

// LoadBundle streams a Bundle from in and loads its CodeSystem and ValueSet
// entries. Value sets are loaded after every code system in the bundle.
// Entries that fail to load are counted in Errors; a malformed bundle is an
// error.
func (r *InMemoryRepository) LoadBundle(ctx context.Context, owner model.Owner, in io.Reader) (*LoadStats, error) {
	stats := &LoadStats{}
	var valueSets []json.RawMessage

	s := stream.Drain(stream.NewReader("CodeSystem", "ValueSet").Entries(ctx, in), func(e *stream.Entry) error {
		if e.ResourceType == "ValueSet" {
			valueSets = append(valueSets, e.Resource)
			return nil
		}
		if err := r.loadCodeSystemJSON(owner, e.Resource, stats); err != nil {
			return err
		}
		stats.CodeSystemsLoaded++
		return nil
	})
	stats.Errors += int64(len(s.Errors))
	var err error
	if len(s.Errors) > 0 && s.Entries == 0 {
		err = s.Errors[0]
	}

	for _, raw := range valueSets {
		var vs r4.ValueSet
		if err := json.Unmarshal(raw, &vs); err != nil {
			stats.Errors++
			continue
		}
		if _, err := r.LoadR4ValueSet(owner, &vs); err != nil {
			stats.Errors++
			continue
		}
		stats.ValueSetsLoaded++
	}
	return stats, err
}

// mnemonicOf picks the resource id, then the name, then the last URL segment.
func mnemonicOf(id, name *string, url string) string {
	if s := derefString(id); s != "" {
		return s
	}
	if s := derefString(name); s != "" {
		return s
	}
	url = strings.TrimRight(url, "/")
	if i := strings.LastIndex(url, "/"); i >= 0 {
		return url[i+1:]
	}
	return url
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
