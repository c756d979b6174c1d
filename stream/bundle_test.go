package stream

import (
	"context"
	"errors"
	"strings"
	"testing"
)

const terminologyBundle = `{
	"resourceType": "Bundle",
	"id": "terminology",
	"type": "collection",
	"meta": {"tag": [{"code": "x"}]},
	"entry": [
		{
			"fullUrl": "http://example.org/fhir/CodeSystem/colors",
			"resource": {"resourceType": "CodeSystem", "id": "colors", "concept": [{"code": "red"}]}
		},
		{
			"fullUrl": "urn:uuid:patient-1",
			"resource": {"resourceType": "Patient", "id": "1"}
		},
		{"request": {"method": "DELETE"}},
		{
			"resource": {"resourceType": "ValueSet", "id": "warm"}
		}
	]
}`

func collect(t *testing.T, ch <-chan *Entry) []*Entry {
	t.Helper()
	var out []*Entry
	for e := range ch {
		out = append(out, e)
	}
	return out
}

func TestEntries(t *testing.T) {
	got := collect(t, NewReader().Entries(context.Background(), strings.NewReader(terminologyBundle)))
	if len(got) != 3 {
		t.Fatalf("got %d entries; want 3", len(got))
	}
	if got[0].Index != 0 || got[0].ResourceType != "CodeSystem" || got[0].ResourceID != "colors" {
		t.Errorf("entry 0 = %+v", got[0])
	}
	if got[0].FullURL != "http://example.org/fhir/CodeSystem/colors" {
		t.Errorf("FullURL = %q", got[0].FullURL)
	}
	if !strings.Contains(string(got[0].Resource), `"code": "red"`) {
		t.Errorf("Resource = %s", got[0].Resource)
	}
	// The entry without a resource is skipped but still counted.
	if got[2].Index != 3 || got[2].ResourceType != "ValueSet" {
		t.Errorf("entry 2 = %+v", got[2])
	}
}

func TestEntries_Types(t *testing.T) {
	got := collect(t, NewReader("CodeSystem", "ValueSet").WithBufferSize(1).
		Entries(context.Background(), strings.NewReader(terminologyBundle)))
	if len(got) != 2 {
		t.Fatalf("got %d entries; want 2", len(got))
	}
	for _, e := range got {
		if e.ResourceType == "Patient" {
			t.Error("Patient entry was not filtered")
		}
	}
}

func TestEntries_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		index int
	}{
		{"not json", `nope`, -1},
		{"array", `[]`, -1},
		{"not a bundle", `{"resourceType": "CodeSystem", "entry": []}`, -1},
		{"entry not array", `{"entry": {}}`, -1},
		{"broken entry", `{"entry": [{"resource": }]}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := collect(t, NewReader().Entries(context.Background(), strings.NewReader(tt.input)))
			if len(got) != 1 || got[0].Error == nil {
				t.Fatalf("got %+v; want one error entry", got)
			}
			if got[0].Index != tt.index {
				t.Errorf("Index = %d; want %d", got[0].Index, tt.index)
			}
		})
	}
}

func TestEntries_EmptyBundle(t *testing.T) {
	got := collect(t, NewReader().Entries(context.Background(), strings.NewReader(`{"resourceType": "Bundle", "type": "collection"}`)))
	if len(got) != 0 {
		t.Errorf("got %d entries; want 0", len(got))
	}
}

func TestEntries_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got := collect(t, NewReader().Entries(ctx, strings.NewReader(terminologyBundle)))
	for _, e := range got {
		if e.Error == nil {
			continue
		}
		if !errors.Is(e.Error, context.Canceled) {
			t.Errorf("error = %v; want context.Canceled", e.Error)
		}
	}
}

func TestDrain(t *testing.T) {
	input := `{"resourceType": "Bundle", "entry": [
		{"resource": {"resourceType": "CodeSystem", "id": "a"}},
		{"resource": {"resourceType": "CodeSystem", "id": "b"}},
		{"resource": "oops"}
	]}`

	var ids []string
	stats := Drain(NewReader().Entries(context.Background(), strings.NewReader(input)), func(e *Entry) error {
		if e.ResourceID == "b" {
			return errors.New("rejected")
		}
		ids = append(ids, e.ResourceID)
		return nil
	})

	if stats.Entries != 2 {
		t.Errorf("Entries = %d; want 2", stats.Entries)
	}
	if len(stats.Errors) != 2 {
		t.Fatalf("Errors = %v; want 2", stats.Errors)
	}
	if !strings.Contains(stats.Errors[0].Error(), "CodeSystem/b") {
		t.Errorf("Errors[0] = %v", stats.Errors[0])
	}
	if len(ids) != 1 || ids[0] != "a" {
		t.Errorf("ids = %v; want [a]", ids)
	}
}
