package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/cens-chile/oclfhir"
	"github.com/cens-chile/oclfhir/model"
	"github.com/cens-chile/oclfhir/repository"
	"github.com/cens-chile/oclfhir/terminology"
)

const (
	icdURL  = "http://hl7.org/fhir/sid/icd-10"
	sys1URL = "http://example.org/fhir/CodeSystem/sys1"
	locURL  = "http://example.org/fhir/CodeSystem/loc"
	treeURL = "http://example.org/fhir/CodeSystem/tree"
)

var who = model.Org("WHO")

type fixture struct {
	repo    *terminology.InMemoryRepository
	engine  *Engine
	systems map[string]*model.Snapshot
}

func (f *fixture) codeSystem(t *testing.T, s *model.Snapshot, concepts ...*model.Concept) *model.Snapshot {
	t.Helper()
	s.Kind = model.KindCodeSystem
	if s.Owner == (model.Owner{}) {
		s.Owner = who
	}
	stored, err := f.repo.AddSnapshot(s)
	if err != nil {
		t.Fatalf("AddSnapshot(%s) error = %v", s.Mnemonic, err)
	}
	if err := f.repo.AddConcepts(stored.ID, concepts...); err != nil {
		t.Fatalf("AddConcepts(%s) error = %v", s.Mnemonic, err)
	}
	f.systems[s.Mnemonic+"|"+s.Version] = stored
	return stored
}

func (f *fixture) valueSet(t *testing.T, mnemonic string, rules ...model.ComposeRule) *model.Snapshot {
	t.Helper()
	stored, err := f.repo.AddSnapshot(&model.Snapshot{
		Owner:        who,
		Kind:         model.KindValueSet,
		Mnemonic:     mnemonic,
		Version:      "1",
		CanonicalURL: "http://example.org/fhir/ValueSet/" + mnemonic,
		Released:     true,
		Latest:       true,
		Compose:      rules,
	})
	if err != nil {
		t.Fatalf("AddSnapshot(%s) error = %v", mnemonic, err)
	}
	return stored
}

func newFixture(t *testing.T, opts ...oclfhir.Option) *fixture {
	t.Helper()
	f := &fixture{repo: terminology.NewInMemoryRepository(), systems: make(map[string]*model.Snapshot)}

	f.codeSystem(t, &model.Snapshot{Mnemonic: "ICD-10", Version: "2010", CanonicalURL: icdURL, Released: true},
		&model.Concept{Code: "A00", Display: "Cholera (2010)"},
	)
	f.codeSystem(t, &model.Snapshot{Mnemonic: "ICD-10", Version: "2016", CanonicalURL: icdURL, Released: true, Latest: true, Name: "ICD-10"},
		&model.Concept{Code: "A00", Display: "Cholera", Definition: "Acute diarrhoeal infection"},
		&model.Concept{Code: "A01", Display: "Typhoid and paratyphoid fevers"},
		&model.Concept{Code: "A02", Display: "Other salmonella infections", Retired: true},
	)
	f.codeSystem(t, &model.Snapshot{Mnemonic: "SYS1", Version: "1", CanonicalURL: sys1URL, Released: true, Latest: true},
		&model.Concept{Code: "X1", Display: "Ex one"},
		&model.Concept{Code: "X2", Display: "Ex two"},
		&model.Concept{Code: "X3", Display: "Ex three", Retired: true},
	)
	f.codeSystem(t, &model.Snapshot{Mnemonic: "LOC", Version: "1", CanonicalURL: locURL, DefaultLocale: "en", Released: true, Latest: true},
		&model.Concept{Code: "F", Display: "Primary", Designations: []model.Designation{
			{Locale: "en", Value: "Foo"},
			{Locale: "es", Value: "Fuu"},
		}},
		&model.Concept{Code: "G", Display: "Gee"},
	)
	f.codeSystem(t, &model.Snapshot{Mnemonic: "TREE", Version: "1", CanonicalURL: treeURL, Released: true, Latest: true},
		&model.Concept{Code: "root", Display: "Root"},
		&model.Concept{Code: "A", Display: "Alpha", Parents: []string{"root"}},
		&model.Concept{Code: "A1", Display: "Alpha one", Parents: []string{"A"}},
		&model.Concept{Code: "B", Display: "Beta", Parents: []string{"root"}},
	)

	f.valueSet(t, "VS1",
		model.ComposeRule{Kind: model.RuleInclude, System: sys1URL, Filters: []model.Filter{{Property: "status", Op: model.OpEquals, Value: "active"}}},
		model.ComposeRule{Kind: model.RuleExclude, System: sys1URL, Codes: []model.ComposeCode{{Code: "X1"}}},
	)
	f.valueSet(t, "ALL-SYS1", model.ComposeRule{Kind: model.RuleInclude, System: sys1URL})
	f.valueSet(t, "LOCALES", model.ComposeRule{Kind: model.RuleInclude, System: locURL})
	f.valueSet(t, "UNION",
		model.ComposeRule{Kind: model.RuleInclude, System: sys1URL},
		model.ComposeRule{Kind: model.RuleInclude, System: icdURL},
		model.ComposeRule{Kind: model.RuleInclude, System: treeURL},
	)
	f.valueSet(t, "ALPHA", model.ComposeRule{Kind: model.RuleInclude, System: treeURL, Filters: []model.Filter{{Property: "concept", Op: model.OpIsA, Value: "A"}}})

	f.engine = New(f.repo, nil, opts...)
	return f
}

func codes(res *ExpansionResult) []string {
	out := make([]string, 0, len(res.Contains))
	for _, c := range res.Contains {
		out = append(out, c.Code)
	}
	return out
}

func TestLookup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scope := model.Scope{Owner: who}

	res, err := f.engine.Lookup(ctx, scope, ByMnemonic(who, "ICD-10", "2016"), Params{Code: "A00"})
	if err != nil {
		t.Fatalf("Lookup(A00) error = %v", err)
	}
	if res.Concept.Display != "Cholera" {
		t.Errorf("Display = %q; want %q", res.Concept.Display, "Cholera")
	}
	if res.Version != "2016" || res.Name != "ICD-10" || res.URL != icdURL {
		t.Errorf("Lookup() = %s %s %s; want ICD-10 2016 %s", res.Name, res.Version, res.URL, icdURL)
	}
	if res.Concept.Definition == "" {
		t.Error("Lookup() did not return the definition")
	}

	_, err = f.engine.Lookup(ctx, scope, ByMnemonic(who, "ICD-10", "2016"), Params{Code: "Z99"})
	if !errors.Is(err, oclfhir.ErrCodeNotFound) {
		t.Errorf("Lookup(Z99) error = %v; want CodeNotFound", err)
	}

	_, err = f.engine.Lookup(ctx, scope, ByMnemonic(who, "ICD-10", "2016"), Params{Code: "A02"})
	if !errors.Is(err, oclfhir.ErrCodeNotFound) {
		t.Errorf("Lookup(retired A02) error = %v; want CodeNotFound", err)
	}

	res, err = f.engine.Lookup(ctx, scope, ByURL(icdURL+"|2010", ""), Params{Code: "A00"})
	if err != nil {
		t.Fatalf("Lookup(by url) error = %v", err)
	}
	if res.Concept.Display != "Cholera (2010)" {
		t.Errorf("Lookup(by url|2010) display = %q", res.Concept.Display)
	}

	_, err = f.engine.Lookup(ctx, scope, ByMnemonic(who, "ICD-10", "1999"), Params{Code: "A00"})
	if !errors.Is(err, oclfhir.ErrArtifactNotFound) {
		t.Errorf("Lookup(unknown version) error = %v; want ArtifactNotFound", err)
	}

	_, err = f.engine.Lookup(ctx, scope, ByMnemonic(who, "ICD-10", "2016"), Params{})
	if !errors.Is(err, oclfhir.ErrInvalidRequest) {
		t.Errorf("Lookup(no code) error = %v; want InvalidRequest", err)
	}
}

func TestLookup_AllowRetired(t *testing.T) {
	f := newFixture(t, oclfhir.WithRetiredMatches(true))
	res, err := f.engine.Lookup(context.Background(), model.Scope{}, ByURL(icdURL, ""), Params{Code: "A02"})
	if err != nil {
		t.Fatalf("Lookup(A02) error = %v", err)
	}
	if !res.Concept.Retired {
		t.Error("Lookup(A02).Retired = false")
	}
}

func TestLookup_Locale(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		lang string
		want string
	}{
		{"fr", "Foo"},
		{"es", "Fuu"},
		{"es-CL", "Fuu"},
		{"en", "Foo"},
		{"", "Foo"},
	}
	for _, tt := range tests {
		t.Run(tt.lang, func(t *testing.T) {
			res, err := f.engine.Lookup(context.Background(), model.Scope{}, ByURL(locURL, ""), Params{Code: "F", DisplayLanguage: tt.lang})
			if err != nil {
				t.Fatalf("Lookup() error = %v", err)
			}
			if res.Concept.Display != tt.want {
				t.Errorf("Display = %q; want %q", res.Concept.Display, tt.want)
			}
		})
	}

	res, err := f.engine.Lookup(context.Background(), model.Scope{}, ByURL(locURL, ""), Params{Code: "G", DisplayLanguage: "fr"})
	if err != nil {
		t.Fatalf("Lookup(G) error = %v", err)
	}
	if res.Concept.Display != "Gee" {
		t.Errorf("Display = %q; want primary display %q", res.Concept.Display, "Gee")
	}

	_, err = f.engine.Lookup(context.Background(), model.Scope{}, ByURL(locURL, ""), Params{Code: "F", DisplayLanguage: "not a tag!"})
	if !errors.Is(err, oclfhir.ErrInvalidRequest) {
		t.Errorf("Lookup(bad language) error = %v; want InvalidRequest", err)
	}
}

func TestValidateCode(t *testing.T) {
	f := newFixture(t)
	target := ByMnemonic(who, "ICD-10", "2016")

	tests := []struct {
		name    string
		code    string
		display string
		want    bool
	}{
		{"code only", "A00", "", true},
		{"matching display", "A00", "Cholera", true},
		{"display mismatch", "A00", "Typhoid", false},
		{"display is case-sensitive", "A00", "cholera", false},
		{"unknown code", "Z99", "", false},
		{"retired code", "A02", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.engine.ValidateCode(context.Background(), model.Scope{}, target, Params{Code: tt.code, Display: tt.display})
			if err != nil {
				t.Fatalf("ValidateCode() error = %v", err)
			}
			if res.Result != tt.want {
				t.Errorf("Result = %v (%s); want %v", res.Result, res.Message, tt.want)
			}
			if !res.Result && res.Message == "" {
				t.Error("false result without message")
			}
		})
	}

	res, err := f.engine.ValidateCode(context.Background(), model.Scope{}, target, Params{Code: "A00", Display: "Typhoid"})
	if err != nil {
		t.Fatal(err)
	}
	if want := `expected "Cholera"`; !strings.Contains(res.Message, want) {
		t.Errorf("Message = %q; want it to name the expected display", res.Message)
	}

	// designation displays are valid too
	res, err = f.engine.ValidateCode(context.Background(), model.Scope{}, ByURL(locURL, ""), Params{Code: "F", Display: "Fuu"})
	if err != nil || !res.Result {
		t.Errorf("ValidateCode(F, Fuu) = %+v, %v; want true", res, err)
	}
}

func TestValidateCode_EveryConcept(t *testing.T) {
	f := newFixture(t, oclfhir.WithRetiredMatches(true))
	cs := f.systems["ICD-10|2016"]
	concepts, err := f.repo.ConceptsOf(context.Background(), cs.Ref(), repository.All)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range concepts {
		res, err := f.engine.ValidateCode(context.Background(), model.Scope{}, ByURL(icdURL, "2016"), Params{Code: c.Code})
		if err != nil || !res.Result {
			t.Errorf("ValidateCode(%s) = %+v, %v; want true", c.Code, res, err)
		}
	}
}

func TestValidateCodeInValueSet(t *testing.T) {
	f := newFixture(t)
	vs1 := ByMnemonic(who, "VS1", "")

	tests := []struct {
		name   string
		target Target
		params Params
		want   bool
	}{
		{"included", vs1, Params{Code: "X2"}, true},
		{"excluded", vs1, Params{Code: "X1"}, false},
		{"filtered out", vs1, Params{Code: "X3"}, false},
		{"absent", vs1, Params{Code: "X9"}, false},
		{"right system", vs1, Params{Code: "X2", SystemURL: sys1URL}, true},
		{"wrong system", vs1, Params{Code: "X2", SystemURL: icdURL}, false},
		{"wrong system version", vs1, Params{Code: "X2", SystemURL: sys1URL, SystemVersion: "9"}, false},
		{"display mismatch", vs1, Params{Code: "X2", Display: "Ex one"}, false},
		{"by url", ByURL("http://example.org/fhir/ValueSet/VS1", ""), Params{Code: "X2"}, true},
		{"hierarchy", ByMnemonic(who, "ALPHA", ""), Params{Code: "A1"}, true},
		{"outside hierarchy", ByMnemonic(who, "ALPHA", ""), Params{Code: "B"}, false},
		{"union", ByMnemonic(who, "UNION", ""), Params{Code: "A00", SystemURL: icdURL}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.engine.ValidateCodeInValueSet(context.Background(), model.Scope{Owner: who}, tt.target, tt.params)
			if err != nil {
				t.Fatalf("ValidateCodeInValueSet() error = %v", err)
			}
			if res.Result != tt.want {
				t.Errorf("Result = %v (%s); want %v", res.Result, res.Message, tt.want)
			}
		})
	}
}

func TestValidateCodeInValueSet_AgreesWithExpand(t *testing.T) {
	engines := map[string]*fixture{
		"default":       newFixture(t),
		"allow retired": newFixture(t, oclfhir.WithRetiredMatches(true)),
	}
	ctx := context.Background()
	for name, f := range engines {
		for _, activeOnly := range []bool{true, false} {
			t.Run(fmt.Sprintf("%s/activeOnly=%v", name, activeOnly), func(t *testing.T) {
				for _, vs := range []string{"VS1", "ALL-SYS1", "UNION", "ALPHA", "LOCALES"} {
					exp, err := f.engine.Expand(ctx, model.Scope{}, ByMnemonic(who, vs, ""), Params{Count: Int(1000), ActiveOnly: Bool(activeOnly)})
					if err != nil {
						t.Fatalf("Expand(%s) error = %v", vs, err)
					}
					in := make(map[string]bool)
					for _, c := range exp.Contains {
						in[c.System+"#"+c.Code] = true
					}
					for _, c := range []string{"X1", "X2", "X3", "A00", "A01", "A02", "A", "A1", "B", "root", "F", "G"} {
						for _, sys := range []string{sys1URL, icdURL, treeURL, locURL} {
							res, err := f.engine.ValidateCodeInValueSet(ctx, model.Scope{}, ByMnemonic(who, vs, ""),
								Params{Code: c, SystemURL: sys, ActiveOnly: Bool(activeOnly)})
							if err != nil {
								t.Fatalf("ValidateCodeInValueSet(%s, %s) error = %v", vs, c, err)
							}
							if res.Result != in[sys+"#"+c] {
								t.Errorf("%s: ValidateCodeInValueSet(%s#%s) = %v (%s); expansion says %v",
									vs, sys, c, res.Result, res.Message, in[sys+"#"+c])
							}
						}
					}
				}
			})
		}
	}
}

func TestValidateCodeInValueSet_RetiredFollowsActiveOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := ByMnemonic(who, "ALL-SYS1", "")

	res, err := f.engine.ValidateCodeInValueSet(ctx, model.Scope{}, target, Params{Code: "X3", ActiveOnly: Bool(false)})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Result {
		t.Errorf("X3 with activeOnly=false: Result = false (%s); want true", res.Message)
	}

	res, err = f.engine.ValidateCodeInValueSet(ctx, model.Scope{}, target, Params{Code: "X3"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Result {
		t.Error("X3 with default activeOnly: Result = true; want false")
	}
}

func ExampleEngine_Lookup() {
	repo := terminology.NewInMemoryRepository()
	cs, _ := repo.AddSnapshot(&model.Snapshot{
		Owner: model.Org("WHO"), Kind: model.KindCodeSystem, Mnemonic: "ICD-10",
		Version: "2016", CanonicalURL: icdURL, Released: true, Latest: true,
	})
	_ = repo.AddConcepts(cs.ID, &model.Concept{Code: "A00", Display: "Cholera"})

	e := New(repo, nil)
	res, err := e.Lookup(context.Background(), model.Scope{}, ByMnemonic(model.Org("WHO"), "ICD-10", "2016"), Params{Code: "A00"})
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(res.Concept.Code, res.Concept.Display)
	// Output: A00 Cholera
}
