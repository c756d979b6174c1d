package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/cens-chile/oclfhir"
	"github.com/cens-chile/oclfhir/engine"
)

// Operation parameter names.
const (
	paramURL                 = "url"
	paramSystem              = "system"
	paramVersion             = "version"
	paramCode                = "code"
	paramDisplay             = "display"
	paramDisplayLanguage     = "displayLanguage"
	paramSystemVersion       = "systemVersion"
	paramValueSetVersion     = "valueSetVersion"
	paramOffset              = "offset"
	paramCount               = "count"
	paramFilter              = "filter"
	paramActiveOnly          = "activeOnly"
	paramIncludeDesignations = "includeDesignations"
	paramIncludeDefinition   = "includeDefinition"
)

// values merges query parameters with a Parameters resource posted in the
// body. Body values are appended after query values.
func values(c echo.Context) (url.Values, error) {
	v := url.Values{}
	for k, vs := range c.QueryParams() {
		v[k] = append([]string(nil), vs...)
	}
	req := c.Request()
	if req.Method != http.MethodPost || req.Body == nil || req.ContentLength == 0 {
		return v, nil
	}

	var body struct {
		ResourceType string           `json:"resourceType"`
		Parameter    []map[string]any `json:"parameter"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return nil, oclfhir.InvalidRequest("body is not a Parameters resource: %v", err)
	}
	if body.ResourceType != "" && body.ResourceType != "Parameters" {
		return nil, oclfhir.InvalidRequest("expected a Parameters resource, got %s", body.ResourceType)
	}
	for _, p := range body.Parameter {
		name, _ := p["name"].(string)
		if name == "" {
			continue
		}
		for k, raw := range p {
			if !strings.HasPrefix(k, "value") {
				continue
			}
			switch val := raw.(type) {
			case string:
				v.Add(name, val)
			case bool:
				v.Add(name, strconv.FormatBool(val))
			case float64:
				v.Add(name, strconv.FormatFloat(val, 'f', -1, 64))
			case map[string]any:
				// valueCoding
				for _, field := range []string{paramSystem, paramCode, paramVersion, paramDisplay} {
					if s, ok := val[field].(string); ok && s != "" {
						key := field
						if field == paramVersion {
							key = paramSystemVersion
						}
						v.Add(key, s)
					}
				}
			}
		}
	}
	return v, nil
}

// params reads the engine parameters shared by every operation.
func params(v url.Values) (engine.Params, error) {
	p := engine.Params{
		Code:            v.Get(paramCode),
		SystemURL:       v.Get(paramSystem),
		SystemVersion:   v.Get(paramSystemVersion),
		Display:         v.Get(paramDisplay),
		DisplayLanguage: v.Get(paramDisplayLanguage),
		ValueSetVersion: v.Get(paramValueSetVersion),
		Filter:          v.Get(paramFilter),
	}
	var err error
	if p.Offset, err = intParam(v, paramOffset); err != nil {
		return p, err
	}
	if p.Count, err = intParam(v, paramCount); err != nil {
		return p, err
	}
	if p.ActiveOnly, err = boolParam(v, paramActiveOnly); err != nil {
		return p, err
	}
	if p.IncludeDesignations, err = boolParam(v, paramIncludeDesignations); err != nil {
		return p, err
	}
	if p.IncludeDefinition, err = boolParam(v, paramIncludeDefinition); err != nil {
		return p, err
	}
	return p, nil
}

func intParam(v url.Values, name string) (*int, error) {
	s := v.Get(name)
	if s == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil, oclfhir.InvalidRequest("%s must be an integer, got %q", name, s)
	}
	return &n, nil
}

func boolParam(v url.Values, name string) (*bool, error) {
	s := v.Get(name)
	if s == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return nil, oclfhir.InvalidRequest("%s must be true or false, got %q", name, s)
	}
	return &b, nil
}

// canonical reads a canonical target from the first non-empty of names.
func canonical(v url.Values, version string, names ...string) (engine.Target, error) {
	for _, name := range names {
		if u := v.Get(name); u != "" {
			return engine.ByURL(u, v.Get(version)), nil
		}
	}
	return engine.Target{}, oclfhir.InvalidRequest("%s is required", names[0])
}

// input reads values, engine parameters and the canonical target.
func input(c echo.Context, version string, names ...string) (engine.Target, engine.Params, error) {
	v, err := values(c)
	if err != nil {
		return engine.Target{}, engine.Params{}, err
	}
	p, err := params(v)
	if err != nil {
		return engine.Target{}, p, err
	}
	t, err := canonical(v, version, names...)
	return t, p, err
}
