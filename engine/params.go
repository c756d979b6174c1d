package engine

import (
	"golang.org/x/text/language"

	"github.com/cens-chile/oclfhir"
	"github.com/cens-chile/oclfhir/model"
)

// Target names the artifact an operation runs against, either by owner and
// mnemonic or by canonical URL. URL takes precedence when both are set.
type Target struct {
	Owner    model.Owner
	Mnemonic string
	URL      string
	Version  string
}

// ByMnemonic targets an artifact by owner and mnemonic.
func ByMnemonic(owner model.Owner, mnemonic, version string) Target {
	return Target{Owner: owner, Mnemonic: mnemonic, Version: version}
}

// ByURL targets an artifact by canonical URL. A "|version" suffix on url is honored.
func ByURL(url, version string) Target {
	return Target{URL: url, Version: version}
}

func (t Target) key(kind model.ArtifactKind) model.ArtifactKey {
	return model.ArtifactKey{Owner: t.Owner, Kind: kind, Mnemonic: t.Mnemonic, Version: t.Version}
}

// Params is the normalized request parameter set delivered by the binding
// layer. Nil pointers mean the parameter was absent and the configured
// default applies.
type Params struct {
	Code            string
	SystemURL       string
	SystemVersion   string
	Display         string
	DisplayLanguage string
	ValueSetVersion string

	Offset              *int
	Count               *int
	IncludeDesignations *bool
	IncludeDefinition   *bool
	ActiveOnly          *bool

	// Filter narrows an expansion by display text. /pattern/ is a regex.
	Filter string
}

// Int returns a pointer to n, for filling optional Params fields.
func Int(n int) *int { return &n }

// Bool returns a pointer to b, for filling optional Params fields.
func Bool(b bool) *bool { return &b }

// request is Params with defaults applied and values validated.
type request struct {
	Params
	offset              int
	count               int
	includeDesignations bool
	includeDefinition   bool
	activeOnly          bool
	lang                language.Tag
	hasLang             bool
}

func (p Params) normalize(o *oclfhir.Options) (*request, error) {
	r := &request{
		Params:              p,
		count:               o.DefaultCount,
		includeDesignations: o.IncludeDesignations,
		includeDefinition:   o.IncludeDefinition,
		activeOnly:          o.ActiveOnly,
	}
	if p.Offset != nil {
		if *p.Offset < 0 {
			return nil, oclfhir.InvalidRequest("offset must not be negative, got %d", *p.Offset)
		}
		r.offset = *p.Offset
	}
	if p.Count != nil {
		if *p.Count < 0 {
			return nil, oclfhir.InvalidRequest("count must not be negative, got %d", *p.Count)
		}
		r.count = *p.Count
	}
	if o.MaxCount > 0 && r.count > o.MaxCount {
		r.count = o.MaxCount
	}
	if p.IncludeDesignations != nil {
		r.includeDesignations = *p.IncludeDesignations
	}
	if p.IncludeDefinition != nil {
		r.includeDefinition = *p.IncludeDefinition
	}
	if p.ActiveOnly != nil {
		r.activeOnly = *p.ActiveOnly
	}
	if p.DisplayLanguage != "" {
		tag, err := language.Parse(p.DisplayLanguage)
		if err != nil {
			return nil, oclfhir.InvalidRequest("invalid displayLanguage %q", p.DisplayLanguage)
		}
		r.lang, r.hasLang = tag, true
	}
	return r, nil
}
