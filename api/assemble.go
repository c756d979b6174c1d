package api

import (
	"sort"
	"time"

	"github.com/cens-chile/oclfhir/engine"
	"github.com/cens-chile/oclfhir/model"
)

// conceptDefinitionExtension carries a concept definition on an expansion entry.
const conceptDefinitionExtension = "http://hl7.org/fhir/StructureDefinition/valueset-concept-definition"

func param(name, kind string, value any) map[string]any {
	return map[string]any{"name": name, kind: value}
}

func parameters(params []any) map[string]any {
	return map[string]any{"resourceType": "Parameters", "parameter": params}
}

func lookupParameters(res *engine.LookupResult) map[string]any {
	c := res.Concept
	out := []any{
		param("name", "valueString", res.Name),
		param("version", "valueString", res.Version),
		param("display", "valueString", c.Display),
	}
	if c.Definition != "" {
		out = append(out, param("definition", "valueString", c.Definition))
	}
	for _, d := range c.Designations {
		out = append(out, map[string]any{"name": "designation", "part": designationParts(d)})
	}
	for _, parent := range c.Parents {
		out = append(out, property("parent", "valueCode", parent))
	}
	names := make([]string, 0, len(c.Properties))
	for name := range c.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range c.Properties[name] {
			out = append(out, property(name, "valueString", v))
		}
	}
	if c.Retired {
		out = append(out, property(model.PropertyInactive, "valueBoolean", true))
	}
	return parameters(out)
}

func designationParts(d model.Designation) []any {
	var parts []any
	if d.Locale != "" {
		parts = append(parts, param("language", "valueCode", d.Locale))
	}
	if d.Use != "" {
		parts = append(parts, param("use", "valueCoding", map[string]any{"code": d.Use}))
	}
	return append(parts, param("value", "valueString", d.Value))
}

func property(code, kind string, value any) map[string]any {
	return map[string]any{"name": "property", "part": []any{
		param("code", "valueCode", code),
		param("value", kind, value),
	}}
}

func validationParameters(res *engine.ValidationResult) map[string]any {
	out := []any{param("result", "valueBoolean", res.Result)}
	if res.Message != "" {
		out = append(out, param("message", "valueString", res.Message))
	}
	if res.Display != "" {
		out = append(out, param("display", "valueString", res.Display))
	}
	out = append(out, param("code", "valueCode", res.Code))
	if res.System != "" {
		out = append(out, param("system", "valueUri", res.System))
	}
	if res.Version != "" {
		out = append(out, param("version", "valueString", res.Version))
	}
	return parameters(out)
}

func expandedValueSet(res *engine.ExpansionResult) map[string]any {
	vs := map[string]any{
		"resourceType": "ValueSet",
		"id":           res.ValueSet.Mnemonic,
		"status":       "active",
	}
	if res.URL != "" {
		vs["url"] = res.URL
	}
	if res.ValueSet.Version != "" {
		vs["version"] = res.ValueSet.Version
	}

	echoed := []any{
		param(paramOffset, "valueInteger", res.Offset),
		param(paramCount, "valueInteger", res.Count),
		param(paramActiveOnly, "valueBoolean", res.ActiveOnly),
		param(paramIncludeDesignations, "valueBoolean", res.IncludeDesignations),
		param(paramIncludeDefinition, "valueBoolean", res.IncludeDefinition),
	}
	if res.DisplayLanguage != "" {
		echoed = append(echoed, param(paramDisplayLanguage, "valueCode", res.DisplayLanguage))
	}
	if res.Filter != "" {
		echoed = append(echoed, param(paramFilter, "valueString", res.Filter))
	}
	for _, w := range res.Warnings {
		echoed = append(echoed, param("warning", "valueString", w.String()))
	}

	expansion := map[string]any{
		"identifier": "urn:uuid:" + res.Identifier,
		"timestamp":  res.Timestamp.UTC().Format(time.RFC3339),
		"total":      res.Total,
		"offset":     res.Offset,
		"parameter":  echoed,
	}
	if len(res.Contains) > 0 {
		contains := make([]any, 0, len(res.Contains))
		for _, c := range res.Contains {
			contains = append(contains, containsEntry(c))
		}
		expansion["contains"] = contains
	}
	vs["expansion"] = expansion
	return vs
}

func containsEntry(c engine.ConceptDescriptor) map[string]any {
	entry := map[string]any{
		"system": c.System,
		"code":   c.Code,
	}
	if c.SystemVersion != "" {
		entry["version"] = c.SystemVersion
	}
	if c.Display != "" {
		entry["display"] = c.Display
	}
	if c.Retired {
		entry["inactive"] = true
	}
	if len(c.Designations) > 0 {
		designations := make([]any, 0, len(c.Designations))
		for _, d := range c.Designations {
			item := map[string]any{"value": d.Value}
			if d.Locale != "" {
				item["language"] = d.Locale
			}
			if d.Use != "" {
				item["use"] = map[string]any{"code": d.Use}
			}
			designations = append(designations, item)
		}
		entry["designation"] = designations
	}
	if c.Definition != "" {
		entry["extension"] = []any{map[string]any{"url": conceptDefinitionExtension, "valueString": c.Definition}}
	}
	return entry
}

// resource renders snapshot metadata as a CodeSystem or ValueSet without
// concepts.
func resource(snap *model.Snapshot) map[string]any {
	out := map[string]any{
		"resourceType": string(snap.Kind),
		"id":           snap.Mnemonic,
		"version":      snap.Version,
		"status":       status(snap),
	}
	if snap.Kind == model.KindCodeSystem {
		out["url"] = snap.SystemURL()
		out["content"] = "not-present"
	} else if snap.CanonicalURL != "" {
		out["url"] = snap.CanonicalURL
	}
	if snap.Name != "" {
		out["name"] = snap.Name
	}
	if snap.Description != "" {
		out["description"] = snap.Description
	}
	if snap.DefaultLocale != "" {
		out["language"] = snap.DefaultLocale
	}
	if !snap.Owner.IsGlobal() {
		out["publisher"] = snap.Owner.ID
	}
	if len(snap.Compose) > 0 {
		out["compose"] = compose(snap.Compose)
	}
	return out
}

func status(snap *model.Snapshot) string {
	switch {
	case snap.Retired:
		return "retired"
	case snap.Released:
		return "active"
	}
	return "draft"
}

func compose(rules []model.ComposeRule) map[string]any {
	includes, excludes := model.Split(rules)
	out := map[string]any{}
	if len(includes) > 0 {
		out["include"] = composeRules(includes)
	}
	if len(excludes) > 0 {
		out["exclude"] = composeRules(excludes)
	}
	return out
}

func composeRules(rules []model.ComposeRule) []any {
	out := make([]any, 0, len(rules))
	for _, r := range rules {
		item := map[string]any{}
		if r.System != "" {
			item["system"] = r.System
		}
		if r.Version != "" {
			item["version"] = r.Version
		}
		if len(r.ValueSets) > 0 {
			item["valueSet"] = r.ValueSets
		}
		if len(r.Codes) > 0 {
			codes := make([]any, 0, len(r.Codes))
			for _, c := range r.Codes {
				code := map[string]any{"code": c.Code}
				if c.Display != "" {
					code["display"] = c.Display
				}
				codes = append(codes, code)
			}
			item["concept"] = codes
		}
		if len(r.Filters) > 0 {
			filters := make([]any, 0, len(r.Filters))
			for _, f := range r.Filters {
				filters = append(filters, map[string]any{"property": f.Property, "op": string(f.Op), "value": f.Value})
			}
			item["filter"] = filters
		}
		out = append(out, item)
	}
	return out
}
