package model

import "fmt"

// RuleKind is the polarity of a compose rule.
type RuleKind string

const (
	RuleInclude RuleKind = "include"
	RuleExclude RuleKind = "exclude"
)

// FilterOp is a compose filter operator.
type FilterOp string

const (
	OpEquals       FilterOp = "="
	OpIsA          FilterOp = "is-a"
	OpDescendentOf FilterOp = "descendent-of"
	OpRegex        FilterOp = "regex"
	OpIn           FilterOp = "in"
	OpNotIn        FilterOp = "not-in"
	OpExists       FilterOp = "exists"
)

// ParseFilterOp maps the FHIR filter-operator code to a FilterOp. The
// "descendant-of" spelling is accepted as an alias.
func ParseFilterOp(s string) (FilterOp, bool) {
	switch s {
	case "=", "equals":
		return OpEquals, true
	case "is-a":
		return OpIsA, true
	case "descendent-of", "descendant-of":
		return OpDescendentOf, true
	case "regex":
		return OpRegex, true
	case "in":
		return OpIn, true
	case "not-in":
		return OpNotIn, true
	case "exists":
		return OpExists, true
	}
	return "", false
}

// Filter is a single property/op/value predicate.
type Filter struct {
	Property string   `json:"property"`
	Op       FilterOp `json:"op"`
	Value    string   `json:"value"`
}

func (f Filter) String() string {
	return fmt.Sprintf("%s %s %q", f.Property, f.Op, f.Value)
}

// ComposeCode is an explicitly enumerated code.
type ComposeCode struct {
	Code    string `json:"code"`
	Display string `json:"display,omitempty"`
}

// ComposeRule is one include or exclude of a value set definition. It targets a
// code system by canonical URL (and optional version), one or more value sets
// by canonical URL, or both. When both are given the rule selects the
// intersection.
type ComposeRule struct {
	Kind      RuleKind      `json:"kind"`
	System    string        `json:"system,omitempty"`
	Version   string        `json:"version,omitempty"`
	ValueSets []string      `json:"valueSet,omitempty"`
	Codes     []ComposeCode `json:"concept,omitempty"`
	Filters   []Filter      `json:"filter,omitempty"`
	// Optional rules are skipped with a warning when their target cannot be resolved.
	Optional bool `json:"optional,omitempty"`
}

// IsExclude reports whether the rule removes concepts.
func (r ComposeRule) IsExclude() bool {
	return r.Kind == RuleExclude
}

// Validate checks the rule is well formed.
func (r ComposeRule) Validate() error {
	if r.Kind != RuleInclude && r.Kind != RuleExclude {
		return fmt.Errorf("unknown rule kind %q", r.Kind)
	}
	if r.System == "" && len(r.ValueSets) == 0 {
		return fmt.Errorf("%s rule has neither system nor valueSet", r.Kind)
	}
	if len(r.Codes) > 0 && len(r.Filters) > 0 {
		return fmt.Errorf("%s rule of %s has both concept and filter", r.Kind, r.System)
	}
	if r.System == "" && (len(r.Codes) > 0 || len(r.Filters) > 0) {
		return fmt.Errorf("%s rule has concept or filter without system", r.Kind)
	}
	return nil
}

// Split returns the includes and excludes of a rule list, keeping declaration order.
func Split(rules []ComposeRule) (includes, excludes []ComposeRule) {
	for _, r := range rules {
		if r.IsExclude() {
			excludes = append(excludes, r)
		} else {
			includes = append(includes, r)
		}
	}
	return includes, excludes
}
