package model

import (
	"fmt"
	"time"
)

// ArtifactKind is the FHIR resource type an artifact is exposed as.
type ArtifactKind string

const (
	KindCodeSystem ArtifactKind = "CodeSystem"
	KindValueSet   ArtifactKind = "ValueSet"
	KindConceptMap ArtifactKind = "ConceptMap"
)

// Valid reports whether k is a known artifact kind.
func (k ArtifactKind) Valid() bool {
	switch k {
	case KindCodeSystem, KindValueSet, KindConceptMap:
		return true
	}
	return false
}

// Reserved version identifiers.
const (
	// VersionHEAD is the mutable working version of a source or collection.
	VersionHEAD = "HEAD"
	// VersionLatest requests whichever version is currently marked latest.
	VersionLatest = "latest"
)

// AccessLevel is the public access setting of a snapshot.
type AccessLevel string

const (
	AccessView AccessLevel = "View"
	AccessEdit AccessLevel = "Edit"
	AccessNone AccessLevel = "None"
)

// Public reports whether anyone may read a snapshot with this level.
// An empty level is treated as View.
func (a AccessLevel) Public() bool {
	return a != AccessNone
}

// ArtifactKey identifies an artifact version by owner, kind and mnemonic.
// An empty Version or VersionLatest selects the latest snapshot.
type ArtifactKey struct {
	Owner    Owner
	Kind     ArtifactKind
	Mnemonic string
	Version  string
}

// WantsLatest reports whether the key asks for the latest version.
func (k ArtifactKey) WantsLatest() bool {
	return k.Version == "" || k.Version == VersionLatest
}

func (k ArtifactKey) String() string {
	v := k.Version
	if v == "" {
		v = VersionLatest
	}
	return fmt.Sprintf("%s/%ss/%s/%s", k.Owner.Path(), k.Kind, k.Mnemonic, v)
}

// Snapshot is one version of a code system or value set.
type Snapshot struct {
	ID               int64
	Owner            Owner
	Kind             ArtifactKind
	Mnemonic         string
	Version          string
	CanonicalURL     string
	Name             string
	Description      string
	DefaultLocale    string
	SupportedLocales []string

	Active   bool
	Retired  bool
	Released bool
	// Latest is the stored is-latest flag. Readers go through VersionIndex,
	// which guarantees a single latest per artifact.
	Latest bool

	PublicAccess      AccessLevel
	LastConceptUpdate time.Time
	// Created orders versions of the same artifact; larger is newer.
	Created int64

	// Compose holds the value set definition; empty for code systems and for
	// value sets whose membership is stored as associations.
	Compose []ComposeRule
}

// Key returns the artifact key of the snapshot.
func (s *Snapshot) Key() ArtifactKey {
	return ArtifactKey{Owner: s.Owner, Kind: s.Kind, Mnemonic: s.Mnemonic, Version: s.Version}
}

// Ref returns a lightweight reference to the snapshot.
func (s *Snapshot) Ref() SnapshotRef {
	return SnapshotRef{
		ID:           s.ID,
		Owner:        s.Owner,
		Kind:         s.Kind,
		Mnemonic:     s.Mnemonic,
		Version:      s.Version,
		CanonicalURL: s.CanonicalURL,
	}
}

// SystemURL returns the URL concepts of this snapshot are reported under:
// the canonical URL when set, otherwise the owner-relative path.
func (s *Snapshot) SystemURL() string {
	return s.Ref().SystemURL()
}

// IsHead reports whether the snapshot is the mutable HEAD version.
func (s *Snapshot) IsHead() bool {
	return s.Version == VersionHEAD
}

// SnapshotRef is a resolved, immutable pointer to a snapshot.
type SnapshotRef struct {
	ID           int64
	Owner        Owner
	Kind         ArtifactKind
	Mnemonic     string
	Version      string
	CanonicalURL string
}

func (r SnapshotRef) String() string {
	return fmt.Sprintf("%s/%ss/%s/%s", r.Owner.Path(), r.Kind, r.Mnemonic, r.Version)
}

// SystemURL returns the canonical URL, or the owner-relative source path when
// the snapshot has none.
func (r SnapshotRef) SystemURL() string {
	if r.CanonicalURL != "" {
		return r.CanonicalURL
	}
	return r.Owner.Path() + "/sources/" + r.Mnemonic + "/"
}
