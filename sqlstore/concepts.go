package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/cens-chile/oclfhir"
	"github.com/cens-chile/oclfhir/model"
	"github.com/cens-chile/oclfhir/repository"
)

const conceptColumns = `c.id, c.snapshot_id, c.code, c.display, c.display_locale, c.definition,
	c.retired, c.properties, c.extras`

// conceptRows holds scanned concepts in query order, indexed by row id.
type conceptRows struct {
	ids      []int64
	concepts []*model.Concept
	byID     map[int64]*model.Concept
}

func (r *conceptRows) add(id int64, c *model.Concept) {
	if r.byID == nil {
		r.byID = make(map[int64]*model.Concept)
	}
	r.ids = append(r.ids, id)
	r.concepts = append(r.concepts, c)
	r.byID[id] = c
}

func scanConcept(row scanner) (int64, *model.Concept, error) {
	var (
		id         int64
		c          model.Concept
		properties string
		extras     string
	)
	err := row.Scan(&id, &c.SnapshotID, &c.Code, &c.Display, &c.DisplayLocale, &c.Definition,
		&c.Retired, &properties, &extras)
	if err != nil {
		return 0, nil, err
	}
	if properties != "" {
		if err := json.Unmarshal([]byte(properties), &c.Properties); err != nil {
			return 0, nil, err
		}
	}
	if extras != "" {
		c.Extras = json.RawMessage(extras)
	}
	return id, &c, nil
}

// concepts runs a concept query and attaches names and parents.
func (s *Store) concepts(ctx context.Context, what string, query string, args ...any) (*conceptRows, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, s.unavailable(err, "%s", what)
	}
	out := &conceptRows{}
	for rows.Next() {
		id, c, err := scanConcept(rows)
		if err != nil {
			rows.Close()
			return nil, s.unavailable(err, "scan %s", what)
		}
		out.add(id, c)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, s.unavailable(err, "%s", what)
	}
	if err := s.attach(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// attach loads designations and parent links for the scanned concepts.
func (s *Store) attach(ctx context.Context, cr *conceptRows) error {
	for _, ids := range chunks(cr.ids) {
		args := make([]any, len(ids))
		for i, id := range ids {
			args[i] = id
		}

		rows, err := s.query(ctx, `SELECT concept_id, locale, name, name_type, locale_preferred
			FROM concept_names WHERE concept_id IN (`+placeholders(len(ids))+`) ORDER BY id`, args...)
		if err != nil {
			return s.unavailable(err, "load concept names")
		}
		for rows.Next() {
			var id int64
			var d model.Designation
			if err := rows.Scan(&id, &d.Locale, &d.Value, &d.Use, &d.Preferred); err != nil {
				rows.Close()
				return s.unavailable(err, "scan concept names")
			}
			if c, ok := cr.byID[id]; ok {
				c.Designations = append(c.Designations, d)
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return s.unavailable(err, "load concept names")
		}

		rows, err = s.query(ctx, `SELECT concept_id, parent_code
			FROM concept_parents WHERE concept_id IN (`+placeholders(len(ids))+`) ORDER BY id`, args...)
		if err != nil {
			return s.unavailable(err, "load concept parents")
		}
		for rows.Next() {
			var id int64
			var parent string
			if err := rows.Scan(&id, &parent); err != nil {
				rows.Close()
				return s.unavailable(err, "scan concept parents")
			}
			if c, ok := cr.byID[id]; ok {
				c.Parents = append(c.Parents, parent)
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return s.unavailable(err, "load concept parents")
		}
	}
	return nil
}

// requireSnapshot fails with ArtifactNotFound when ref is not a stored snapshot.
func (s *Store) requireSnapshot(ctx context.Context, ref model.SnapshotRef) error {
	var id int64
	err := s.queryRow(ctx, `SELECT id FROM snapshots WHERE id = ?`, ref.ID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return oclfhir.NotFound("snapshot not found: %s", ref)
	}
	if err != nil {
		return s.unavailable(err, "load snapshot %s", ref)
	}
	return nil
}

// ConceptsOf implements repository.ConceptReader.
func (s *Store) ConceptsOf(ctx context.Context, ref model.SnapshotRef, window repository.PageWindow) ([]*model.Concept, error) {
	if err := s.requireSnapshot(ctx, ref); err != nil {
		return nil, err
	}
	limit, args := s.paging(window.Limit, max(window.Offset, 0), []any{ref.ID})
	cr, err := s.concepts(ctx, "load concepts of "+ref.String(),
		`SELECT `+conceptColumns+` FROM concepts c WHERE c.snapshot_id = ? ORDER BY c.id`+limit, args...)
	if err != nil {
		return nil, err
	}
	return cr.concepts, nil
}

// ConceptByCode implements repository.ConceptReader.
func (s *Store) ConceptByCode(ctx context.Context, ref model.SnapshotRef, code string) (*model.Concept, error) {
	cr, err := s.concepts(ctx, "load concept "+code,
		`SELECT `+conceptColumns+` FROM concepts c WHERE c.snapshot_id = ? AND c.code = ?`, ref.ID, code)
	if err != nil {
		return nil, err
	}
	if len(cr.concepts) == 0 {
		if err := s.requireSnapshot(ctx, ref); err != nil {
			return nil, err
		}
		return nil, oclfhir.CodeNotFound("code %q not found in %s", code, ref)
	}
	return cr.concepts[0], nil
}

// FilterCandidates implements repository.ConceptReader. Code equality and
// set filters, the inactive flag and the first hierarchy filter are pushed
// into SQL; hierarchy filters use a recursive query, bounded by the hierarchy depth, over
// concept_parents. Other filters are left to the caller.
func (s *Store) FilterCandidates(ctx context.Context, ref model.SnapshotRef, filters []model.Filter) ([]*model.Concept, error) {
	if err := s.requireSnapshot(ctx, ref); err != nil {
		return nil, err
	}

	var (
		with   string
		where  = []string{"c.snapshot_id = ?"}
		args   []any
		wargs  []any
		walked bool
	)
	args = append(args, ref.ID)

	for _, f := range filters {
		op, ok := model.ParseFilterOp(string(f.Op))
		if !ok {
			continue
		}
		isCode := f.Property == "code" || f.Property == "concept"
		switch {
		case isCode && op == model.OpEquals:
			where = append(where, "c.code = ?")
			args = append(args, f.Value)
		case isCode && op == model.OpIn:
			set := splitSet(f.Value)
			if len(set) == 0 {
				return nil, nil
			}
			where = append(where, "c.code IN ("+placeholders(len(set))+")")
			for _, v := range set {
				args = append(args, v)
			}
		case f.Property == model.PropertyInactive && op == model.OpEquals && (f.Value == "true" || f.Value == "false"):
			where = append(where, "c.retired = ?")
			args = append(args, f.Value == "true")
		case f.Property == "concept" && (op == model.OpIsA || op == model.OpDescendentOf) && !walked:
			walked = true
			with, wargs = s.descendants(f.Value, ref.ID)
			where = append(where, "c.code IN (SELECT code FROM sub)")
		}
	}

	query := with + `SELECT ` + conceptColumns + ` FROM concepts c WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY c.id`
	cr, err := s.concepts(ctx, "filter concepts of "+ref.String(), query, append(wargs, args...)...)
	if err != nil {
		return nil, err
	}
	return cr.concepts, nil
}

// descendants returns the recursive CTE selecting code and everything below
// it as sub. A non-positive maxDepth leaves the walk unbounded; UNION drops
// revisited codes, so cycles still terminate.
func (s *Store) descendants(code string, snapshotID int64) (string, []any) {
	if s.maxDepth <= 0 {
		return `WITH RECURSIVE sub (code) AS (
				SELECT CAST(? AS TEXT)
				UNION
				SELECT p.code FROM concept_parents p JOIN sub ON p.parent_code = sub.code
				WHERE p.snapshot_id = ?
			) `, []any{code, snapshotID}
	}
	return `WITH RECURSIVE sub (code, depth) AS (
				SELECT CAST(? AS TEXT), 0
				UNION
				SELECT p.code, sub.depth + 1 FROM concept_parents p JOIN sub ON p.parent_code = sub.code
				WHERE p.snapshot_id = ? AND sub.depth < ?
			) `, []any{code, snapshotID, s.maxDepth}
}

// MembersOf implements repository.MemberReader.
func (s *Store) MembersOf(ctx context.Context, valueSet model.SnapshotRef) ([]repository.Member, error) {
	if err := s.requireSnapshot(ctx, valueSet); err != nil {
		return nil, err
	}
	cr, err := s.concepts(ctx, "load members of "+valueSet.String(),
		`SELECT `+conceptColumns+` FROM collection_references r
		JOIN concepts c ON c.id = r.concept_id
		WHERE r.value_set_id = ? ORDER BY r.id`, valueSet.ID)
	if err != nil {
		return nil, err
	}

	systems := make(map[int64]model.SnapshotRef)
	out := make([]repository.Member, 0, len(cr.concepts))
	for _, c := range cr.concepts {
		ref, ok := systems[c.SnapshotID]
		if !ok {
			snap, err := s.SnapshotByID(ctx, c.SnapshotID)
			if err != nil {
				return nil, err
			}
			ref = snap.Ref()
			systems[c.SnapshotID] = ref
		}
		out = append(out, repository.Member{Concept: c, System: ref})
	}
	return out, nil
}

func splitSet(value string) []string {
	var out []string
	for _, p := range strings.Split(value, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var _ repository.Repository = (*Store)(nil)
