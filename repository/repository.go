// Package repository defines the read-only storage contracts the resolver and
// engine depend on. Implementations live in the terminology (in-memory) and
// sqlstore (database/sql) packages.
//
// Every method takes a context and must return promptly once it is cancelled.
// Failures are *oclfhir.Error values of kind ArtifactNotFound, CodeNotFound or
// RepositoryUnavailable.
package repository

import (
	"context"

	"github.com/cens-chile/oclfhir/model"
)

// PageWindow selects a slice of an ordered result. A Limit of 0 means no limit.
type PageWindow struct {
	Offset int
	Limit  int
}

// All is the window covering every row.
var All = PageWindow{}

// Apply returns the [Offset, Offset+Limit) window of n items as slice bounds.
func (w PageWindow) Apply(n int) (start, end int) {
	start = w.Offset
	if start < 0 {
		start = 0
	}
	if start > n {
		start = n
	}
	end = n
	if w.Limit > 0 && start+w.Limit < n {
		end = start + w.Limit
	}
	return start, end
}

// Member is a concept reachable from a value set association, together with the
// code system snapshot it belongs to.
type Member struct {
	Concept *model.Concept
	System  model.SnapshotRef
}

// SnapshotReader reads snapshot metadata.
type SnapshotReader interface {
	// Versions returns every version of an artifact, in any order. An unknown
	// artifact yields an empty slice and no error.
	Versions(ctx context.Context, owner model.Owner, kind model.ArtifactKind, mnemonic string) ([]*model.Snapshot, error)

	// FindByCanonical returns every snapshot of the kind carrying the canonical
	// URL, across all owners and versions.
	FindByCanonical(ctx context.Context, kind model.ArtifactKind, url string) ([]*model.Snapshot, error)

	// SnapshotByID returns a snapshot by its storage id.
	SnapshotByID(ctx context.Context, id int64) (*model.Snapshot, error)
}

// ConceptReader reads concepts of a code system snapshot.
type ConceptReader interface {
	// ConceptsOf returns the concepts of a snapshot in stable primary-key order.
	ConceptsOf(ctx context.Context, ref model.SnapshotRef, window PageWindow) ([]*model.Concept, error)

	// ConceptByCode returns a single concept or a CodeNotFound error.
	ConceptByCode(ctx context.Context, ref model.SnapshotRef, code string) (*model.Concept, error)

	// FilterCandidates returns a superset of the concepts matching filters.
	// Implementations may push simple filters down and ignore the rest; callers
	// re-check every filter.
	FilterCandidates(ctx context.Context, ref model.SnapshotRef, filters []model.Filter) ([]*model.Concept, error)
}

// MemberReader reads value set associations.
type MemberReader interface {
	// MembersOf returns the associated concepts of a value set snapshot.
	MembersOf(ctx context.Context, valueSet model.SnapshotRef) ([]Member, error)
}

// Repository is the full read contract.
type Repository interface {
	SnapshotReader
	ConceptReader
	MemberReader
}
