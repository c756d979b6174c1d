package terminology

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cens-chile/oclfhir"
	"github.com/cens-chile/oclfhir/model"
	"github.com/cens-chile/oclfhir/repository"
)

// InMemoryRepository implements repository.Repository using in-memory storage.
// Concepts live in a per-snapshot arena keyed by code; value set membership is
// stored as associations to arena keys.
type InMemoryRepository struct {
	mu          sync.RWMutex
	nextID      int64
	snapshots   map[int64]*model.Snapshot
	byArtifact  map[artifactKey][]int64
	byCanonical map[canonicalKey][]int64
	concepts    map[int64]*conceptTable
	members     map[int64][]model.ConceptKey
}

type artifactKey struct {
	owner    model.Owner
	kind     model.ArtifactKind
	mnemonic string
}

type canonicalKey struct {
	kind model.ArtifactKind
	url  string
}

// conceptTable holds the concepts of one code system snapshot.
type conceptTable struct {
	order    []string // insertion order, the primary-key order
	byCode   map[string]*model.Concept
	children map[string][]string // code -> child codes (reverse of Parents)
}

func newConceptTable() *conceptTable {
	return &conceptTable{
		byCode:   make(map[string]*model.Concept),
		children: make(map[string][]string),
	}
}

// NewInMemoryRepository creates an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		snapshots:   make(map[int64]*model.Snapshot),
		byArtifact:  make(map[artifactKey][]int64),
		byCanonical: make(map[canonicalKey][]int64),
		concepts:    make(map[int64]*conceptTable),
		members:     make(map[int64][]model.ConceptKey),
	}
}

// NewWithBuiltins creates a repository preloaded with common HL7 code systems.
func NewWithBuiltins() *InMemoryRepository {
	r := NewInMemoryRepository()
	r.loadBuiltins()
	return r
}

// AddSnapshot stores a snapshot. A zero ID or Created is assigned from an
// internal sequence. The stored copy is returned.
func (r *InMemoryRepository) AddSnapshot(s *model.Snapshot) (*model.Snapshot, error) {
	if s == nil || s.Mnemonic == "" {
		return nil, fmt.Errorf("snapshot is nil or has no mnemonic")
	}
	if !s.Kind.Valid() {
		return nil, fmt.Errorf("snapshot %s has unknown kind %q", s.Mnemonic, s.Kind)
	}
	for i, rule := range s.Compose {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("snapshot %s compose[%d]: %w", s.Mnemonic, i, err)
		}
	}

	cp := *s
	cp.Owner = cp.Owner.Normalize()
	if cp.Version == "" {
		cp.Version = model.VersionHEAD
	}
	if cp.PublicAccess == "" {
		cp.PublicAccess = model.AccessView
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	if cp.ID == 0 {
		cp.ID = r.nextID
	} else if cp.ID > r.nextID {
		r.nextID = cp.ID
	}
	if _, exists := r.snapshots[cp.ID]; exists {
		return nil, fmt.Errorf("snapshot id %d already stored", cp.ID)
	}
	if cp.Created == 0 {
		cp.Created = r.nextID
	}

	ak := artifactKey{owner: cp.Owner, kind: cp.Kind, mnemonic: cp.Mnemonic}
	for _, id := range r.byArtifact[ak] {
		if r.snapshots[id].Version == cp.Version {
			return nil, fmt.Errorf("%s already has version %s", ak.mnemonic, cp.Version)
		}
	}

	r.snapshots[cp.ID] = &cp
	r.byArtifact[ak] = append(r.byArtifact[ak], cp.ID)
	if cp.CanonicalURL != "" {
		ck := canonicalKey{kind: cp.Kind, url: cp.CanonicalURL}
		r.byCanonical[ck] = append(r.byCanonical[ck], cp.ID)
	}
	if cp.Kind == model.KindCodeSystem {
		r.concepts[cp.ID] = newConceptTable()
	}
	out := cp
	return &out, nil
}

// AddConcepts appends concepts to a code system snapshot. Re-adding a code
// replaces the stored concept but keeps its original position.
func (r *InMemoryRepository) AddConcepts(snapshotID int64, concepts ...*model.Concept) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	table, ok := r.concepts[snapshotID]
	if !ok {
		return fmt.Errorf("code system snapshot not found: %d", snapshotID)
	}
	for _, c := range concepts {
		if c == nil || c.Code == "" {
			return fmt.Errorf("concept is nil or has no code")
		}
		cp := *c
		cp.SnapshotID = snapshotID
		if old, exists := table.byCode[cp.Code]; exists {
			for _, p := range old.Parents {
				table.children[p] = removeString(table.children[p], cp.Code)
			}
		} else {
			table.order = append(table.order, cp.Code)
		}
		table.byCode[cp.Code] = &cp
		for _, p := range cp.Parents {
			table.children[p] = append(table.children[p], cp.Code)
		}
	}
	return nil
}

// AddMembers associates concepts with a value set snapshot.
func (r *InMemoryRepository) AddMembers(valueSetID int64, keys ...model.ConceptKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	vs, ok := r.snapshots[valueSetID]
	if !ok || vs.Kind != model.KindValueSet {
		return fmt.Errorf("value set snapshot not found: %d", valueSetID)
	}
	for _, k := range keys {
		if _, ok := r.concepts[k.SnapshotID]; !ok {
			return fmt.Errorf("code system snapshot not found: %d", k.SnapshotID)
		}
	}
	r.members[valueSetID] = append(r.members[valueSetID], keys...)
	return nil
}

// Versions implements repository.SnapshotReader.
func (r *InMemoryRepository) Versions(ctx context.Context, owner model.Owner, kind model.ArtifactKind, mnemonic string) ([]*model.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byArtifact[artifactKey{owner: owner.Normalize(), kind: kind, mnemonic: mnemonic}]
	return r.collect(ids), nil
}

// FindByCanonical implements repository.SnapshotReader.
func (r *InMemoryRepository) FindByCanonical(ctx context.Context, kind model.ArtifactKind, url string) ([]*model.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.collect(r.byCanonical[canonicalKey{kind: kind, url: url}]), nil
}

// SnapshotByID implements repository.SnapshotReader.
func (r *InMemoryRepository) SnapshotByID(ctx context.Context, id int64) (*model.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.snapshots[id]
	if !ok {
		return nil, oclfhir.NotFound("snapshot not found: %d", id)
	}
	cp := *s
	return &cp, nil
}

// ConceptsOf implements repository.ConceptReader.
func (r *InMemoryRepository) ConceptsOf(ctx context.Context, ref model.SnapshotRef, window repository.PageWindow) ([]*model.Concept, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	table, err := r.table(ref)
	if err != nil {
		return nil, err
	}
	start, end := window.Apply(len(table.order))
	out := make([]*model.Concept, 0, end-start)
	for _, code := range table.order[start:end] {
		out = append(out, table.byCode[code])
	}
	return out, nil
}

// ConceptByCode implements repository.ConceptReader.
func (r *InMemoryRepository) ConceptByCode(ctx context.Context, ref model.SnapshotRef, code string) (*model.Concept, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	table, err := r.table(ref)
	if err != nil {
		return nil, err
	}
	c, ok := table.byCode[code]
	if !ok {
		return nil, oclfhir.CodeNotFound("code %q not found in %s", code, ref)
	}
	return c, nil
}

// FilterCandidates implements repository.ConceptReader. It narrows on the
// first "code =" or "concept is-a/descendent-of" filter using the hierarchy
// index and returns every concept otherwise.
func (r *InMemoryRepository) FilterCandidates(ctx context.Context, ref model.SnapshotRef, filters []model.Filter) ([]*model.Concept, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	table, err := r.table(ref)
	if err != nil {
		return nil, err
	}

	for _, f := range filters {
		switch {
		case (f.Property == "code" || f.Property == "concept") && f.Op == model.OpEquals:
			if c, ok := table.byCode[f.Value]; ok {
				return []*model.Concept{c}, nil
			}
			return nil, nil
		case f.Property == "concept" && (f.Op == model.OpIsA || f.Op == model.OpDescendentOf):
			codes := table.collectDescendants(f.Value, f.Op == model.OpIsA)
			out := make([]*model.Concept, 0, len(codes))
			for _, code := range codes {
				if c, ok := table.byCode[code]; ok {
					out = append(out, c)
				}
			}
			return out, nil
		}
	}

	out := make([]*model.Concept, 0, len(table.order))
	for _, code := range table.order {
		out = append(out, table.byCode[code])
	}
	return out, nil
}

// MembersOf implements repository.MemberReader.
func (r *InMemoryRepository) MembersOf(ctx context.Context, valueSet model.SnapshotRef) ([]repository.Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.snapshots[valueSet.ID]; !ok {
		return nil, oclfhir.NotFound("value set not found: %s", valueSet)
	}
	keys := r.members[valueSet.ID]
	out := make([]repository.Member, 0, len(keys))
	for _, k := range keys {
		table := r.concepts[k.SnapshotID]
		c, ok := table.byCode[k.Code]
		if !ok {
			// dangling association
			continue
		}
		out = append(out, repository.Member{Concept: c, System: r.snapshots[k.SnapshotID].Ref()})
	}
	return out, nil
}

// CountSnapshots returns the number of stored snapshots of a kind.
func (r *InMemoryRepository) CountSnapshots(kind model.ArtifactKind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.snapshots {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

// Snapshots returns every stored snapshot ordered by id.
func (r *InMemoryRepository) Snapshots() []*model.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.snapshots))
	for id := range r.snapshots {
		ids = append(ids, id)
	}
	return r.collect(ids)
}

func (r *InMemoryRepository) table(ref model.SnapshotRef) (*conceptTable, error) {
	table, ok := r.concepts[ref.ID]
	if !ok {
		return nil, oclfhir.NotFound("code system not found: %s", ref)
	}
	return table, nil
}

func (r *InMemoryRepository) collect(ids []int64) []*model.Snapshot {
	out := make([]*model.Snapshot, 0, len(ids))
	for _, id := range ids {
		cp := *r.snapshots[id]
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// collectDescendants collects all descendants of a code.
// If includeSelf is true, includes the starting code itself.
func (t *conceptTable) collectDescendants(startCode string, includeSelf bool) []string {
	var result []string
	visited := make(map[string]bool)

	var collect func(code string)
	collect = func(code string) {
		if visited[code] {
			return
		}
		visited[code] = true
		if includeSelf || code != startCode {
			result = append(result, code)
		}
		for _, child := range t.children[code] {
			collect(child)
		}
	}

	collect(startCode)
	return result
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// Verify interface compliance
var _ repository.Repository = (*InMemoryRepository)(nil)
