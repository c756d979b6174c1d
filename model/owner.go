// Package model defines the terminology data model shared by the repository,
// resolver and engine packages: owners, versioned snapshots, concepts and
// value set composition rules.
package model

import (
	"fmt"
	"strings"
)

// OwnerKind tags an Owner.
type OwnerKind string

const (
	OwnerGlobal OwnerKind = "global"
	OwnerOrg    OwnerKind = "org"
	OwnerUser   OwnerKind = "user"
)

// Owner is the namespace an artifact lives in. The zero value is the global registry.
type Owner struct {
	Kind OwnerKind
	ID   string
}

// Global returns the global registry owner.
func Global() Owner { return Owner{Kind: OwnerGlobal} }

// Org returns an organization owner.
func Org(id string) Owner { return Owner{Kind: OwnerOrg, ID: id} }

// User returns a user owner.
func User(id string) Owner { return Owner{Kind: OwnerUser, ID: id} }

// IsGlobal reports whether o is the global registry.
func (o Owner) IsGlobal() bool {
	return o.Kind == "" || o.Kind == OwnerGlobal
}

// Normalize maps the zero Owner to Global.
func (o Owner) Normalize() Owner {
	if o.IsGlobal() {
		return Global()
	}
	return o
}

// Path renders the owner as a URL path prefix: "/orgs/WHO", "/users/jdoe" or "".
func (o Owner) Path() string {
	switch o.Kind {
	case OwnerOrg:
		return "/orgs/" + o.ID
	case OwnerUser:
		return "/users/" + o.ID
	default:
		return ""
	}
}

func (o Owner) String() string {
	if o.IsGlobal() {
		return "global"
	}
	return string(o.Kind) + ":" + o.ID
}

// ParseOwner parses the String form back into an Owner.
func ParseOwner(s string) (Owner, error) {
	if s == "" || s == "global" {
		return Global(), nil
	}
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return Owner{}, fmt.Errorf("invalid owner %q", s)
	}
	switch OwnerKind(kind) {
	case OwnerOrg, OwnerUser:
		return Owner{Kind: OwnerKind(kind), ID: id}, nil
	}
	return Owner{}, fmt.Errorf("invalid owner kind %q", kind)
}

// Scope is the caller context of a request: the owner named in the route and
// the authenticated principal used for access checks.
type Scope struct {
	Owner Owner
	// Principal is the authenticated username; empty for anonymous callers.
	Principal string
	// Memberships lists the organizations the principal belongs to.
	Memberships []string
}

// MemberOf reports whether the principal belongs to org.
func (s Scope) MemberOf(org string) bool {
	for _, m := range s.Memberships {
		if m == org {
			return true
		}
	}
	return false
}

// Owns reports whether the principal owns or belongs to the owner o.
func (s Scope) Owns(o Owner) bool {
	switch o.Kind {
	case OwnerUser:
		return s.Principal != "" && s.Principal == o.ID
	case OwnerOrg:
		return s.MemberOf(o.ID)
	}
	return false
}
