package model

import (
	"encoding/json"
	"strings"
)

// Well-known property names.
const (
	PropertyParent   = "parent"
	PropertyChild    = "child"
	PropertyInactive = "inactive"
	PropertyStatus   = "status"
)

// Designation is an alternate display of a concept, usually in another locale.
type Designation struct {
	Locale    string `json:"locale,omitempty"`
	Value     string `json:"value"`
	Use       string `json:"use,omitempty"`
	Preferred bool   `json:"preferred,omitempty"`
}

// Concept is a code within a code system snapshot. Concepts are identified by
// (SnapshotID, Code).
type Concept struct {
	SnapshotID    int64
	Code          string
	Display       string
	DisplayLocale string
	Definition    string
	Designations  []Designation
	Retired       bool
	Properties    map[string][]string
	// Parents lists the codes of the concept's direct parents in the same snapshot.
	Parents []string
	// Extras is the free-form JSON document attached to the concept.
	Extras json.RawMessage
}

// Key returns the arena key of the concept.
func (c *Concept) Key() ConceptKey {
	return ConceptKey{SnapshotID: c.SnapshotID, Code: c.Code}
}

// Property returns the values of a property bag entry.
func (c *Concept) Property(name string) []string {
	if c.Properties == nil {
		return nil
	}
	return c.Properties[name]
}

// HasParent reports whether code is a direct parent.
func (c *Concept) HasParent(code string) bool {
	for _, p := range c.Parents {
		if p == code {
			return true
		}
	}
	return false
}

// DisplayIn returns the best display for an exact locale match: the primary
// display when its locale matches, else a preferred designation, else any
// designation in that locale.
func (c *Concept) DisplayIn(locale string) (string, bool) {
	if locale == "" {
		return "", false
	}
	if c.DisplayLocale != "" && strings.EqualFold(c.DisplayLocale, locale) {
		return c.Display, true
	}
	var fallback string
	for _, d := range c.Designations {
		if !strings.EqualFold(d.Locale, locale) {
			continue
		}
		if d.Preferred {
			return d.Value, true
		}
		if fallback == "" {
			fallback = d.Value
		}
	}
	return fallback, fallback != ""
}

// Locales lists the locales the concept has a display for.
func (c *Concept) Locales() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(l string) {
		if l == "" || seen[strings.ToLower(l)] {
			return
		}
		seen[strings.ToLower(l)] = true
		out = append(out, l)
	}
	add(c.DisplayLocale)
	for _, d := range c.Designations {
		add(d.Locale)
	}
	return out
}

// MatchesDisplay reports whether display equals the primary display or any designation.
func (c *Concept) MatchesDisplay(display string) bool {
	if c.Display == display {
		return true
	}
	for _, d := range c.Designations {
		if d.Value == display {
			return true
		}
	}
	return false
}

// ConceptKey addresses a concept in the arena.
type ConceptKey struct {
	SnapshotID int64
	Code       string
}

// Association links a value set snapshot to a concept of some code system snapshot.
type Association struct {
	ValueSetID int64
	Concept    ConceptKey
}
