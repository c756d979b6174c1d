package model

import "sort"

// VersionIndex is the ordered version list of one artifact with a single
// latest marker. It is the only place that decides which version is latest:
// stored is-latest flags are hints, and when several versions carry the flag
// the newest of them wins.
type VersionIndex struct {
	versions []*Snapshot // oldest first
	latest   int         // index into versions, -1 when empty
}

// NewVersionIndex builds an index over the snapshots of a single artifact.
func NewVersionIndex(snaps []*Snapshot) *VersionIndex {
	versions := make([]*Snapshot, len(snaps))
	copy(versions, snaps)
	sort.SliceStable(versions, func(i, j int) bool {
		if versions[i].Created != versions[j].Created {
			return versions[i].Created < versions[j].Created
		}
		return versions[i].ID < versions[j].ID
	})

	idx := &VersionIndex{versions: versions, latest: -1}
	for i, s := range versions {
		if s.Latest {
			idx.latest = i
		}
	}
	if idx.latest >= 0 || len(versions) == 0 {
		return idx
	}

	// Nothing flagged: newest released version, else HEAD, else newest.
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].Released && !versions[i].IsHead() {
			idx.latest = i
			return idx
		}
	}
	for i, s := range versions {
		if s.IsHead() {
			idx.latest = i
			return idx
		}
	}
	idx.latest = len(versions) - 1
	return idx
}

// Len returns the number of versions.
func (v *VersionIndex) Len() int {
	return len(v.versions)
}

// Versions returns the snapshots oldest first.
func (v *VersionIndex) Versions() []*Snapshot {
	out := make([]*Snapshot, len(v.versions))
	copy(out, v.versions)
	return out
}

// Latest returns the latest snapshot, or nil when the index is empty.
func (v *VersionIndex) Latest() *Snapshot {
	if v.latest < 0 {
		return nil
	}
	return v.versions[v.latest]
}

// IsLatest reports whether s is the latest snapshot.
func (v *VersionIndex) IsLatest(s *Snapshot) bool {
	l := v.Latest()
	return l != nil && s != nil && l.ID == s.ID
}

// LatestReleased returns the newest released non-HEAD snapshot, or nil.
func (v *VersionIndex) LatestReleased() *Snapshot {
	for i := len(v.versions) - 1; i >= 0; i-- {
		if v.versions[i].Released && !v.versions[i].IsHead() {
			return v.versions[i]
		}
	}
	return nil
}

// Get returns the snapshot with an exact version label.
func (v *VersionIndex) Get(version string) (*Snapshot, bool) {
	for _, s := range v.versions {
		if s.Version == version {
			return s, true
		}
	}
	return nil, false
}

// Select applies the version request rules: an empty version or the latest
// token selects the latest snapshot (or, with excludeHead, the newest released
// one when latest is HEAD); anything else must match exactly.
func (v *VersionIndex) Select(version string, excludeHead bool) (*Snapshot, bool) {
	if version == "" || version == VersionLatest {
		s := v.Latest()
		if excludeHead && s != nil && s.IsHead() {
			if r := v.LatestReleased(); r != nil {
				return r, true
			}
		}
		return s, s != nil
	}
	return v.Get(version)
}
