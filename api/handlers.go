package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/cens-chile/oclfhir"
	"github.com/cens-chile/oclfhir/engine"
	"github.com/cens-chile/oclfhir/model"
	"github.com/cens-chile/oclfhir/worker"
)

// lookup handles CodeSystem/$lookup.
func (s *Server) lookup(c echo.Context) error {
	t, p, err := input(c, paramVersion, paramSystem, paramURL)
	if err != nil {
		return err
	}
	res, err := s.engine.Lookup(c.Request().Context(), scope(c), t, p)
	if err != nil {
		return err
	}
	return write(c, http.StatusOK, lookupParameters(res))
}

// validateCode handles CodeSystem/$validate-code.
func (s *Server) validateCode(c echo.Context) error {
	t, p, err := input(c, paramVersion, paramURL, paramSystem)
	if err != nil {
		return err
	}
	res, err := s.engine.ValidateCode(c.Request().Context(), scope(c), t, p)
	if err != nil {
		return err
	}
	return write(c, http.StatusOK, validationParameters(res))
}

// validateInValueSet handles ValueSet/$validate-code.
func (s *Server) validateInValueSet(c echo.Context) error {
	t, p, err := input(c, paramValueSetVersion, paramURL)
	if err != nil {
		return err
	}
	res, err := s.engine.ValidateCodeInValueSet(c.Request().Context(), scope(c), t, p)
	if err != nil {
		return err
	}
	return write(c, http.StatusOK, validationParameters(res))
}

// expand handles ValueSet/$expand with a canonical url.
func (s *Server) expand(c echo.Context) error {
	t, p, err := input(c, paramValueSetVersion, paramURL)
	if err != nil {
		return err
	}
	return s.doExpand(c, t, p)
}

// expandByID handles ValueSet/:id[/version/:version]/$expand.
func (s *Server) expandByID(c echo.Context) error {
	v, err := values(c)
	if err != nil {
		return err
	}
	p, err := params(v)
	if err != nil {
		return err
	}
	version := c.Param("version")
	if version == "" {
		version = v.Get(paramValueSetVersion)
	}
	return s.doExpand(c, engine.ByMnemonic(owner(c), c.Param("id"), version), p)
}

func (s *Server) doExpand(c echo.Context, t engine.Target, p engine.Params) error {
	res, err := s.engine.Expand(c.Request().Context(), scope(c), t, p)
	if err != nil {
		return err
	}
	return write(c, http.StatusOK, expandedValueSet(res))
}

// read returns the metadata of one version; without a version, the latest.
func (s *Server) read(kind model.ArtifactKind) echo.HandlerFunc {
	return func(c echo.Context) error {
		t := engine.ByMnemonic(owner(c), c.Param("id"), c.Param("version"))
		snap, err := s.engine.Resolve(c.Request().Context(), scope(c), kind, t)
		if err != nil {
			return err
		}
		return write(c, http.StatusOK, resource(snap))
	}
}

// versions lists every readable version of an artifact.
func (s *Server) versions(kind model.ArtifactKind) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := model.ArtifactKey{Owner: owner(c), Kind: kind, Mnemonic: c.Param("id")}
		snaps, err := s.engine.Resolver().Versions(c.Request().Context(), scope(c), key)
		if err != nil {
			return err
		}
		entries := make([]any, 0, len(snaps))
		for _, snap := range snaps {
			entries = append(entries, map[string]any{"resource": resource(snap)})
		}
		return write(c, http.StatusOK, map[string]any{
			"resourceType": "Bundle",
			"type":         "searchset",
			"total":        len(snaps),
			"entry":        entries,
		})
	}
}

// batchValidate validates every code parameter against one code system or
// value set and answers with a batch-response Bundle in request order.
func (s *Server) batchValidate(kind model.ArtifactKind) echo.HandlerFunc {
	return func(c echo.Context) error {
		v, err := values(c)
		if err != nil {
			return err
		}
		p, err := params(v)
		if err != nil {
			return err
		}
		version := paramVersion
		if kind == model.KindValueSet {
			version = paramValueSetVersion
		}
		t, err := canonical(v, version, paramURL)
		if err != nil {
			return err
		}
		codes := v[paramCode]
		if len(codes) == 0 {
			return oclfhir.InvalidRequest("at least one code is required")
		}

		sc := scope(c)
		jobs := make([]worker.Job, len(codes))
		for i, code := range codes {
			jp := p
			jp.Code = code
			jobs[i] = worker.Job{ID: strconv.Itoa(i), Kind: kind, Scope: sc, Target: t, Params: jp}
		}

		batch := s.batch.ValidateBatch(c.Request().Context(), jobs)
		if err := c.Request().Context().Err(); err != nil {
			return err
		}
		entries := make([]any, 0, len(batch.Results))
		for _, r := range batch.Results {
			if r.Error != nil {
				status, issue := outcomeOf(r.Error)
				entries = append(entries, map[string]any{
					"resource": oclfhir.NewOutcome(issue),
					"response": map[string]any{"status": strconv.Itoa(status)},
				})
				continue
			}
			entries = append(entries, map[string]any{
				"resource": validationParameters(r.Result),
				"response": map[string]any{"status": "200"},
			})
		}
		return write(c, http.StatusOK, map[string]any{
			"resourceType": "Bundle",
			"type":         "batch-response",
			"entry":        entries,
		})
	}
}
