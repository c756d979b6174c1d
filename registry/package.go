package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PackageRef names a package version. An empty Version means latest.
type PackageRef struct {
	Name    string
	Version string
}

// ParseRef parses "name#version", "name@version" or a bare name.
func ParseRef(s string) (PackageRef, error) {
	s = strings.TrimSpace(s)
	name, version := s, ""
	if i := strings.IndexAny(s, "#@"); i >= 0 {
		name, version = s[:i], s[i+1:]
		if version == "" {
			return PackageRef{}, fmt.Errorf("package %q: empty version", s)
		}
	}
	if name == "" || strings.ContainsAny(name, " /\\") {
		return PackageRef{}, fmt.Errorf("invalid package name %q", s)
	}
	return PackageRef{Name: name, Version: version}, nil
}

// String returns the reference as "name#version".
func (p PackageRef) String() string {
	if p.Version == "" || p.Version == VersionLatest {
		return p.Name
	}
	return p.Name + "#" + p.Version
}

// Manifest is the package.json of a FHIR package.
type Manifest struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Description  string            `json:"description"`
	FHIRVersions []string          `json:"fhirVersions"`
	Dependencies map[string]string `json:"dependencies"`
	Canonical    string            `json:"canonical"`
	Title        string            `json:"title"`
}

// ReadManifest reads package.json from a directory returned by Fetch.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read package.json: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse package.json: %w", err)
	}
	return &m, nil
}
