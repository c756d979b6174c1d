package resolver

import "github.com/cens-chile/oclfhir/model"

// AccessChecker decides whether a scope may read a snapshot.
type AccessChecker interface {
	CanRead(scope model.Scope, s *model.Snapshot) bool
}

// AccessFunc adapts a function to AccessChecker.
type AccessFunc func(scope model.Scope, s *model.Snapshot) bool

// CanRead implements AccessChecker.
func (f AccessFunc) CanRead(scope model.Scope, s *model.Snapshot) bool {
	return f(scope, s)
}

// PublicAccess is the default AccessChecker. Global snapshots and snapshots
// whose public access is View or Edit are readable by anyone; otherwise the
// principal must be the owning user or a member of the owning organization.
type PublicAccess struct{}

// CanRead implements AccessChecker.
func (PublicAccess) CanRead(scope model.Scope, s *model.Snapshot) bool {
	if s.Owner.IsGlobal() || s.PublicAccess.Public() {
		return true
	}
	return scope.Owns(s.Owner)
}
