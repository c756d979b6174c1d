package engine

import (
	"strings"

	"golang.org/x/text/language"

	"github.com/cens-chile/oclfhir/model"
)

// negotiator picks concept displays by language. It memoizes one matcher per
// distinct locale set, so it must not be shared across goroutines.
type negotiator struct {
	req      *request
	matchers map[string]*localeMatcher
	defaults map[string]language.Tag
}

type localeMatcher struct {
	matcher language.Matcher
	locales []string
}

func newNegotiator(req *request) *negotiator {
	return &negotiator{
		req:      req,
		matchers: make(map[string]*localeMatcher),
		defaults: make(map[string]language.Tag),
	}
}

// display returns the display of c and its locale: the requested language,
// then the default locale of the owning system, then the primary display.
func (n *negotiator) display(c *model.Concept, defaultLocale string) (string, string) {
	if n.req.hasLang {
		if d, l, ok := n.displayFor(c, n.req.lang); ok {
			return d, l
		}
	}
	if defaultLocale != "" {
		tag, ok := n.defaults[defaultLocale]
		if !ok {
			var err error
			if tag, err = language.Parse(defaultLocale); err != nil {
				tag = language.Und
			}
			n.defaults[defaultLocale] = tag
		}
		if tag != language.Und {
			if d, l, ok := n.displayFor(c, tag); ok {
				return d, l
			}
		}
	}
	return c.Display, c.DisplayLocale
}

func (n *negotiator) displayFor(c *model.Concept, want language.Tag) (string, string, bool) {
	m := n.matcherFor(c.Locales())
	if m == nil {
		return "", "", false
	}
	_, idx, conf := m.matcher.Match(want)
	if conf < language.High {
		return "", "", false
	}
	locale := m.locales[idx]
	d, ok := c.DisplayIn(locale)
	return d, locale, ok
}

func (n *negotiator) matcherFor(locales []string) *localeMatcher {
	if len(locales) == 0 {
		return nil
	}
	key := strings.Join(locales, ",")
	if m, ok := n.matchers[key]; ok {
		return m
	}
	m := &localeMatcher{}
	var tags []language.Tag
	for _, l := range locales {
		tag, err := language.Parse(l)
		if err != nil {
			continue
		}
		tags = append(tags, tag)
		m.locales = append(m.locales, l)
	}
	if len(tags) == 0 {
		n.matchers[key] = nil
		return nil
	}
	m.matcher = language.NewMatcher(tags)
	n.matchers[key] = m
	return m
}

// designations returns the designations to attach to a descriptor. With a
// requested language only those in the negotiated locale are kept; when the
// display fell back to the primary display, or no language was requested,
// all are returned.
func (n *negotiator) designations(c *model.Concept, locale string) []model.Designation {
	if !n.req.includeDesignations || len(c.Designations) == 0 {
		return nil
	}
	if !n.req.hasLang || locale == "" {
		out := make([]model.Designation, len(c.Designations))
		copy(out, c.Designations)
		return out
	}
	var out []model.Designation
	for _, d := range c.Designations {
		if strings.EqualFold(d.Locale, locale) {
			out = append(out, d)
		}
	}
	return out
}

// describe projects c into a descriptor.
func (n *negotiator) describe(c *model.Concept, system model.SnapshotRef, defaultLocale string) ConceptDescriptor {
	display, locale := n.display(c, defaultLocale)
	d := ConceptDescriptor{
		System:        system.SystemURL(),
		SystemVersion: system.Version,
		Code:          c.Code,
		Display:       display,
		Locale:        locale,
		Retired:       c.Retired,
		Designations:  n.designations(c, locale),
	}
	if n.req.includeDefinition {
		d.Definition = c.Definition
	}
	return d
}
