package engine

import (
	"time"

	"github.com/cens-chile/oclfhir"
	"github.com/cens-chile/oclfhir/model"
)

// ConceptDescriptor is a concept as returned by lookup and expansion, with
// its display already negotiated for the requested language.
type ConceptDescriptor struct {
	System        string
	SystemVersion string
	Code          string
	Display       string
	// Locale is the language of Display, empty when it is the primary display
	// of unknown language.
	Locale       string
	Definition   string
	Retired      bool
	Designations []model.Designation
	Properties   map[string][]string
	Parents      []string
}

// ExpansionResult is one page of a value set expansion.
type ExpansionResult struct {
	Identifier string
	Timestamp  time.Time
	ValueSet   model.SnapshotRef
	URL        string

	// Total is the size of the expansion before paging.
	Total    int
	Offset   int
	Count    int
	Contains []ConceptDescriptor

	// Echo of the effective parameters.
	DisplayLanguage     string
	ActiveOnly          bool
	IncludeDesignations bool
	IncludeDefinition   bool
	Filter              string

	// Warnings lists skipped optional rules and missing explicit codes.
	Warnings []oclfhir.Issue
}

// LookupResult describes a single code.
type LookupResult struct {
	System  model.SnapshotRef
	URL     string
	Name    string
	Version string
	Concept ConceptDescriptor
}

// ValidationResult is the outcome of a validate-code operation.
type ValidationResult struct {
	Result  bool
	Message string

	Code    string
	System  string
	Version string
	// Display is the display the code would be shown with, when the code was found.
	Display string
}
