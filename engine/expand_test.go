package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/cens-chile/oclfhir"
	"github.com/cens-chile/oclfhir/model"
)

func expand(t *testing.T, f *fixture, vs string, p Params) *ExpansionResult {
	t.Helper()
	res, err := f.engine.Expand(context.Background(), model.Scope{Owner: who}, ByMnemonic(who, vs, ""), p)
	if err != nil {
		t.Fatalf("Expand(%s) error = %v", vs, err)
	}
	return res
}

func TestExpand_Scenario(t *testing.T) {
	f := newFixture(t)
	res := expand(t, f, "VS1", Params{ActiveOnly: Bool(true)})
	if diff := cmp.Diff([]string{"X2"}, codes(res)); diff != "" {
		t.Errorf("Expand(VS1) mismatch (-want +got):\n%s", diff)
	}
	if res.Total != 1 {
		t.Errorf("Total = %d; want 1", res.Total)
	}
	if res.Identifier == "" || res.URL != "http://example.org/fhir/ValueSet/VS1" {
		t.Errorf("Expand(VS1) identifier %q url %q", res.Identifier, res.URL)
	}
}

func TestExpand_SingleInclude(t *testing.T) {
	f := newFixture(t)

	res := expand(t, f, "ALL-SYS1", Params{})
	if diff := cmp.Diff([]string{"X1", "X2"}, codes(res)); diff != "" {
		t.Errorf("activeOnly expansion mismatch (-want +got):\n%s", diff)
	}

	res = expand(t, f, "ALL-SYS1", Params{ActiveOnly: Bool(false)})
	if diff := cmp.Diff([]string{"X1", "X2", "X3"}, codes(res)); diff != "" {
		t.Errorf("full expansion mismatch (-want +got):\n%s", diff)
	}
	for _, c := range res.Contains {
		if c.System != sys1URL || c.SystemVersion != "1" {
			t.Errorf("%s system = %s|%s", c.Code, c.System, c.SystemVersion)
		}
	}
}

func TestExpand_Idempotent(t *testing.T) {
	f := newFixture(t)
	p := Params{Offset: Int(1), Count: Int(3)}
	a := expand(t, f, "UNION", p)
	b := expand(t, f, "UNION", p)
	ignore := cmpopts.IgnoreFields(ExpansionResult{}, "Identifier", "Timestamp")
	if diff := cmp.Diff(a, b, ignore); diff != "" {
		t.Errorf("repeated expansion differs (-first +second):\n%s", diff)
	}
}

func TestExpand_PaginationLaw(t *testing.T) {
	f := newFixture(t)
	full := expand(t, f, "UNION", Params{Count: Int(1000)})
	if full.Total != len(full.Contains) {
		t.Fatalf("unpaged Total = %d, len = %d", full.Total, len(full.Contains))
	}

	for _, n := range []int{1, 2, 3, 4, 7} {
		var pages []ConceptDescriptor
		for offset := 0; offset < full.Total; offset += n {
			page := expand(t, f, "UNION", Params{Offset: Int(offset), Count: Int(n)})
			if page.Total != full.Total {
				t.Fatalf("page at %d: Total = %d; want %d", offset, page.Total, full.Total)
			}
			if len(page.Contains) > n {
				t.Fatalf("page at %d has %d items; count is %d", offset, len(page.Contains), n)
			}
			pages = append(pages, page.Contains...)
		}
		if diff := cmp.Diff(full.Contains, pages); diff != "" {
			t.Errorf("pages of %d do not reconstruct the expansion (-want +got):\n%s", n, diff)
		}
	}
}

func TestExpand_Order(t *testing.T) {
	f := newFixture(t)
	res := expand(t, f, "UNION", Params{})
	want := []string{"A", "A00", "A01", "A1", "B", "X1", "X2", "root"}
	if diff := cmp.Diff(want, codes(res)); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestExpand_Paging(t *testing.T) {
	f := newFixture(t, oclfhir.WithMaxCount(2))

	res := expand(t, f, "UNION", Params{Count: Int(50)})
	if res.Count != 2 || len(res.Contains) != 2 {
		t.Errorf("count capped to %d with %d items; want 2", res.Count, len(res.Contains))
	}

	res = expand(t, f, "UNION", Params{Count: Int(0)})
	if len(res.Contains) != 0 || res.Total != 8 {
		t.Errorf("count=0 returned %d items, total %d; want 0, 8", len(res.Contains), res.Total)
	}

	res = expand(t, f, "UNION", Params{Offset: Int(100)})
	if len(res.Contains) != 0 || res.Total != 8 {
		t.Errorf("offset past end returned %d items, total %d", len(res.Contains), res.Total)
	}

	for _, p := range []Params{{Offset: Int(-1)}, {Count: Int(-5)}} {
		_, err := f.engine.Expand(context.Background(), model.Scope{}, ByMnemonic(who, "UNION", ""), p)
		if !errors.Is(err, oclfhir.ErrInvalidRequest) {
			t.Errorf("Expand(%+v) error = %v; want InvalidRequest", p, err)
		}
	}
}

func TestExpand_ExcludesStrictlyRemove(t *testing.T) {
	f := newFixture(t)
	f.valueSet(t, "NO-ALPHA",
		model.ComposeRule{Kind: model.RuleInclude, System: treeURL},
		model.ComposeRule{Kind: model.RuleInclude, System: treeURL, Codes: []model.ComposeCode{{Code: "A1"}}},
		model.ComposeRule{Kind: model.RuleExclude, System: treeURL, Filters: []model.Filter{{Property: "concept", Op: model.OpIsA, Value: "A"}}},
	)
	res := expand(t, f, "NO-ALPHA", Params{})
	if diff := cmp.Diff([]string{"B", "root"}, codes(res)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestExpand_ExcludeValueSet(t *testing.T) {
	f := newFixture(t)
	f.valueSet(t, "TREE-MINUS-ALPHA",
		model.ComposeRule{Kind: model.RuleInclude, System: treeURL},
		model.ComposeRule{Kind: model.RuleExclude, ValueSets: []string{"http://example.org/fhir/ValueSet/ALPHA"}},
	)
	res := expand(t, f, "TREE-MINUS-ALPHA", Params{})
	if diff := cmp.Diff([]string{"B", "root"}, codes(res)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestExpand_CrossSystemCodesStayApart(t *testing.T) {
	f := newFixture(t)
	other := "http://example.org/fhir/CodeSystem/other"
	f.codeSystem(t, &model.Snapshot{Mnemonic: "OTHER", Version: "1", CanonicalURL: other, Released: true, Latest: true},
		&model.Concept{Code: "X1", Display: "Other one"},
	)
	f.valueSet(t, "BOTH",
		model.ComposeRule{Kind: model.RuleInclude, System: sys1URL},
		model.ComposeRule{Kind: model.RuleInclude, System: other},
		model.ComposeRule{Kind: model.RuleExclude, System: other, Codes: []model.ComposeCode{{Code: "X1"}}},
	)
	res := expand(t, f, "BOTH", Params{})
	if len(res.Contains) != 2 || res.Contains[0].System != sys1URL {
		t.Errorf("Expand(BOTH) = %+v; want X1 of sys1 and X2", res.Contains)
	}
}

func TestExpand_NestedValueSets(t *testing.T) {
	f := newFixture(t)
	f.valueSet(t, "NESTED", model.ComposeRule{Kind: model.RuleInclude, ValueSets: []string{
		"http://example.org/fhir/ValueSet/ALPHA",
	}})
	f.valueSet(t, "INTERSECT", model.ComposeRule{Kind: model.RuleInclude, System: treeURL,
		Filters:   []model.Filter{{Property: "concept", Op: model.OpDescendentOf, Value: "root"}},
		ValueSets: []string{"http://example.org/fhir/ValueSet/ALPHA"},
	})

	res := expand(t, f, "NESTED", Params{})
	if diff := cmp.Diff([]string{"A", "A1"}, codes(res)); diff != "" {
		t.Errorf("nested mismatch (-want +got):\n%s", diff)
	}
	res = expand(t, f, "INTERSECT", Params{})
	if diff := cmp.Diff([]string{"A", "A1"}, codes(res)); diff != "" {
		t.Errorf("intersection mismatch (-want +got):\n%s", diff)
	}
}

func TestExpand_Circular(t *testing.T) {
	f := newFixture(t)
	f.valueSet(t, "LOOP-A", model.ComposeRule{Kind: model.RuleInclude, ValueSets: []string{"http://example.org/fhir/ValueSet/LOOP-B"}})
	f.valueSet(t, "LOOP-B", model.ComposeRule{Kind: model.RuleInclude, ValueSets: []string{"http://example.org/fhir/ValueSet/LOOP-A"}})

	_, err := f.engine.Expand(context.Background(), model.Scope{}, ByMnemonic(who, "LOOP-A", ""), Params{})
	if !errors.Is(err, oclfhir.ErrInvalidRequest) {
		t.Errorf("Expand(LOOP-A) error = %v; want InvalidRequest", err)
	}
	_, err = f.engine.ValidateCodeInValueSet(context.Background(), model.Scope{}, ByMnemonic(who, "LOOP-A", ""), Params{Code: "X"})
	if !errors.Is(err, oclfhir.ErrInvalidRequest) {
		t.Errorf("ValidateCodeInValueSet(LOOP-A) error = %v; want InvalidRequest", err)
	}
}

func TestExpand_UnresolvableInclude(t *testing.T) {
	f := newFixture(t)
	f.valueSet(t, "BROKEN",
		model.ComposeRule{Kind: model.RuleInclude, System: sys1URL},
		model.ComposeRule{Kind: model.RuleInclude, System: "http://nowhere.example/cs"},
	)
	f.valueSet(t, "TOLERANT",
		model.ComposeRule{Kind: model.RuleInclude, System: sys1URL},
		model.ComposeRule{Kind: model.RuleInclude, System: "http://nowhere.example/cs", Optional: true},
		model.ComposeRule{Kind: model.RuleInclude, System: sys1URL, Codes: []model.ComposeCode{{Code: "X9"}}},
	)

	_, err := f.engine.Expand(context.Background(), model.Scope{}, ByMnemonic(who, "BROKEN", ""), Params{})
	if !errors.Is(err, oclfhir.ErrArtifactNotFound) {
		t.Errorf("Expand(BROKEN) error = %v; want ArtifactNotFound", err)
	}

	res := expand(t, f, "TOLERANT", Params{})
	if diff := cmp.Diff([]string{"X1", "X2"}, codes(res)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if len(res.Warnings) != 2 {
		t.Fatalf("Warnings = %v; want 2", res.Warnings)
	}
	if res.Warnings[0].Code != oclfhir.IssueTypeNotFound || res.Warnings[1].Code != oclfhir.IssueTypeCodeInvalid {
		t.Errorf("Warnings = %v", res.Warnings)
	}
	if got := res.Warnings[0].Expression; len(got) != 1 || got[0] != "compose.include[1]" {
		t.Errorf("Warnings[0].Expression = %v", got)
	}
}

func TestExpand_InvalidFilter(t *testing.T) {
	f := newFixture(t)
	f.valueSet(t, "BADFILTER", model.ComposeRule{Kind: model.RuleInclude, System: treeURL,
		Filters: []model.Filter{{Property: "concept", Op: "generalizes", Value: "A"}}})

	_, err := f.engine.Expand(context.Background(), model.Scope{}, ByMnemonic(who, "BADFILTER", ""), Params{})
	if !errors.Is(err, oclfhir.ErrInvalidFilter) {
		t.Errorf("Expand(BADFILTER) error = %v; want InvalidFilter", err)
	}
	_, err = f.engine.Expand(context.Background(), model.Scope{}, ByMnemonic(who, "UNION", ""), Params{Filter: "/((/"})
	if !errors.Is(err, oclfhir.ErrInvalidFilter) {
		t.Errorf("Expand(bad text filter) error = %v; want InvalidFilter", err)
	}
}

func TestExpand_TextFilter(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		filter string
		want   []string
	}{
		{"alpha", []string{"A", "A1"}},
		{"ONE", []string{"A1", "X1"}},
		{"/^ex t.*/", []string{"X2"}},
		{"nothing matches", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			res := expand(t, f, "UNION", Params{Filter: tt.filter})
			if diff := cmp.Diff(tt.want, codes(res)); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
			if res.Total != len(tt.want) {
				t.Errorf("Total = %d; want %d", res.Total, len(tt.want))
			}
		})
	}
}

func TestExpand_LocaleAndDesignations(t *testing.T) {
	f := newFixture(t)

	res := expand(t, f, "LOCALES", Params{DisplayLanguage: "fr"})
	if res.Contains[0].Code != "F" || res.Contains[0].Display != "Foo" {
		t.Errorf("fr display = %q; want Foo", res.Contains[0].Display)
	}
	if res.Contains[1].Display != "Gee" {
		t.Errorf("fallback display = %q; want Gee", res.Contains[1].Display)
	}

	res = expand(t, f, "LOCALES", Params{DisplayLanguage: "es"})
	if got := res.Contains[0].Designations; len(got) != 1 || got[0].Value != "Fuu" {
		t.Errorf("es designations = %+v; want only Fuu", got)
	}

	res = expand(t, f, "LOCALES", Params{})
	if got := res.Contains[0].Designations; len(got) != 2 {
		t.Errorf("designations = %+v; want all", got)
	}

	res = expand(t, f, "LOCALES", Params{IncludeDesignations: Bool(false)})
	if got := res.Contains[0].Designations; got != nil {
		t.Errorf("designations = %+v; want none", got)
	}

	res = expand(t, f, "UNION", Params{IncludeDefinition: Bool(true), Filter: "cholera"})
	if res.Contains[0].Definition == "" {
		t.Error("definition missing with includeDefinition")
	}
	res = expand(t, f, "UNION", Params{Filter: "cholera"})
	if res.Contains[0].Definition != "" {
		t.Error("definition returned by default")
	}
}

func TestExpand_Associations(t *testing.T) {
	f := newFixture(t)
	vs := f.valueSet(t, "COLLECTION")
	sys1 := f.systems["SYS1|1"]
	icd := f.systems["ICD-10|2016"]
	if err := f.repo.AddMembers(vs.ID,
		model.ConceptKey{SnapshotID: sys1.ID, Code: "X2"},
		model.ConceptKey{SnapshotID: icd.ID, Code: "A00"},
		model.ConceptKey{SnapshotID: sys1.ID, Code: "X3"},
	); err != nil {
		t.Fatal(err)
	}

	res := expand(t, f, "COLLECTION", Params{})
	if diff := cmp.Diff([]string{"A00", "X2"}, codes(res)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	v, err := f.engine.ValidateCodeInValueSet(context.Background(), model.Scope{}, ByMnemonic(who, "COLLECTION", ""), Params{Code: "A00", SystemURL: icdURL})
	if err != nil || !v.Result {
		t.Errorf("ValidateCodeInValueSet(A00) = %+v, %v; want true", v, err)
	}
}

func TestExpand_Cancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := f.engine.Expand(ctx, model.Scope{}, ByMnemonic(who, "UNION", ""), Params{})
	if !errors.Is(err, context.Canceled) || res != nil {
		t.Errorf("Expand(cancelled) = %v, %v; want nil, context.Canceled", res, err)
	}
}

func TestExpand_AccessDenied(t *testing.T) {
	f := newFixture(t)
	_, err := f.repo.AddSnapshot(&model.Snapshot{Owner: model.Org("PRIV"), Kind: model.KindValueSet, Mnemonic: "HIDDEN",
		Version: "1", Latest: true, PublicAccess: model.AccessNone,
		Compose: []model.ComposeRule{{Kind: model.RuleInclude, System: sys1URL}}})
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.engine.Expand(context.Background(), model.Scope{Principal: "eve"}, ByMnemonic(model.Org("PRIV"), "HIDDEN", ""), Params{})
	var typed *oclfhir.Error
	if !errors.As(err, &typed) || typed.Public().Kind != oclfhir.KindArtifactNotFound {
		t.Errorf("Expand(hidden) error = %v; want AccessDenied shown as not found", err)
	}

	res, err := f.engine.Expand(context.Background(), model.Scope{Principal: "bob", Memberships: []string{"PRIV"}}, ByMnemonic(model.Org("PRIV"), "HIDDEN", ""), Params{})
	if err != nil || res.Total != 2 {
		t.Errorf("Expand(member) = %v, %v", res, err)
	}
}

func TestExpand_Metrics(t *testing.T) {
	f := newFixture(t)
	expand(t, f, "VS1", Params{})
	_, _ = f.engine.Expand(context.Background(), model.Scope{}, ByMnemonic(who, "MISSING", ""), Params{})

	stats, ok := f.engine.Metrics().OperationStats(oclfhir.OpExpand)
	if !ok || stats.Invocations != 2 || stats.Failures != 1 {
		t.Errorf("OperationStats(expand) = %+v, %v", stats, ok)
	}
	if f.engine.Metrics().Failures(oclfhir.KindArtifactNotFound) != 1 {
		t.Error("not-found failure not recorded")
	}
}
