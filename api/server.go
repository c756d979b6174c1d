// Package api exposes the terminology engine over HTTP as FHIR operations.
//
// The same routes are mounted three times: at the root for global content,
// under /orgs/:org and under /users/:user. The route owner becomes the scope
// owner, so canonical URLs prefer that owner's artifacts.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/cens-chile/oclfhir"
	"github.com/cens-chile/oclfhir/engine"
	"github.com/cens-chile/oclfhir/model"
	"github.com/cens-chile/oclfhir/worker"
)

// Headers carrying the caller identity, set by the authenticating proxy.
const (
	HeaderPrincipal   = "X-OCL-User"
	HeaderMemberships = "X-OCL-Orgs"
)

const fhirJSON = "application/fhir+json; charset=UTF-8"

// Server serves the terminology operations.
type Server struct {
	engine *engine.Engine
	batch  *worker.BatchValidator
	logger *zap.Logger
	echo   *echo.Echo
}

// New builds a Server with its routes registered.
func New(eng *engine.Engine, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		engine: eng,
		batch:  worker.NewBatchValidator(eng, eng.Options().WorkerCount),
		logger: logger,
		echo:   e,
	}
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(s.accessLog)

	e.GET("/metrics", s.metrics)
	s.register(e.Group(""))
	s.register(e.Group("/orgs/:org"))
	s.register(e.Group("/users/:user"))
	return s
}

func (s *Server) register(g *echo.Group) {
	g.GET("/CodeSystem/$lookup", s.lookup)
	g.POST("/CodeSystem/$lookup", s.lookup)
	g.GET("/CodeSystem/$validate-code", s.validateCode)
	g.POST("/CodeSystem/$validate-code", s.validateCode)
	g.POST("/CodeSystem/$batch-validate-code", s.batchValidate(model.KindCodeSystem))
	g.GET("/CodeSystem/:id", s.read(model.KindCodeSystem))
	g.GET("/CodeSystem/:id/version", s.versions(model.KindCodeSystem))
	g.GET("/CodeSystem/:id/version/:version", s.read(model.KindCodeSystem))

	g.GET("/ValueSet/$validate-code", s.validateInValueSet)
	g.POST("/ValueSet/$validate-code", s.validateInValueSet)
	g.POST("/ValueSet/$batch-validate-code", s.batchValidate(model.KindValueSet))
	g.GET("/ValueSet/$expand", s.expand)
	g.POST("/ValueSet/$expand", s.expand)
	g.GET("/ValueSet/:id", s.read(model.KindValueSet))
	g.GET("/ValueSet/:id/$expand", s.expandByID)
	g.GET("/ValueSet/:id/version", s.versions(model.KindValueSet))
	g.GET("/ValueSet/:id/version/:version", s.read(model.KindValueSet))
	g.GET("/ValueSet/:id/version/:version/$expand", s.expandByID)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("listening", zap.String("addr", addr))
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// scope builds the caller scope from the route owner and identity headers.
func scope(c echo.Context) model.Scope {
	sc := model.Scope{Owner: owner(c), Principal: c.Request().Header.Get(HeaderPrincipal)}
	for _, org := range strings.Split(c.Request().Header.Get(HeaderMemberships), ",") {
		if org = strings.TrimSpace(org); org != "" {
			sc.Memberships = append(sc.Memberships, org)
		}
	}
	return sc
}

func owner(c echo.Context) model.Owner {
	if org := c.Param("org"); org != "" {
		return model.Org(org)
	}
	if user := c.Param("user"); user != "" {
		return model.User(user)
	}
	return model.Global()
}

func write(c echo.Context, status int, body any) error {
	c.Response().Header().Set(echo.HeaderContentType, fhirJSON)
	c.Response().WriteHeader(status)
	return json.NewEncoder(c.Response()).Encode(body)
}

// handleError renders every failure as an OperationOutcome.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, issue := outcomeOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", c.Request().Method),
			zap.String("path", c.Request().URL.Path),
			zap.Error(err))
	}
	if werr := write(c, status, oclfhir.NewOutcome(issue)); werr != nil {
		s.logger.Debug("write error response", zap.Error(werr))
	}
}

func outcomeOf(err error) (int, oclfhir.Issue) {
	var typed *oclfhir.Error
	if errors.As(err, &typed) {
		issue := typed.Outcome()
		switch typed.Public().Kind {
		case oclfhir.KindArtifactNotFound, oclfhir.KindCodeNotFound:
			return http.StatusNotFound, issue
		case oclfhir.KindInvalidRequest, oclfhir.KindInvalidFilter:
			return http.StatusBadRequest, issue
		case oclfhir.KindRepositoryUnavailable:
			return http.StatusServiceUnavailable, issue
		}
		return http.StatusInternalServerError, issue
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		code := oclfhir.IssueTypeProcessing
		switch he.Code {
		case http.StatusNotFound:
			code = oclfhir.IssueTypeNotFound
		case http.StatusMethodNotAllowed:
			code = oclfhir.IssueTypeNotSupported
		case http.StatusBadRequest:
			code = oclfhir.IssueTypeInvalid
		}
		msg, _ := he.Message.(string)
		if msg == "" {
			msg = http.StatusText(he.Code)
		}
		return he.Code, oclfhir.Issue{Severity: oclfhir.SeverityError, Code: code, Diagnostics: msg}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, oclfhir.Issue{Severity: oclfhir.SeverityError, Code: oclfhir.IssueTypeTransient, Diagnostics: "request timed out"}
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, oclfhir.Issue{Severity: oclfhir.SeverityError, Code: oclfhir.IssueTypeTransient, Diagnostics: "request cancelled"}
	}
	return http.StatusInternalServerError, oclfhir.Issue{Severity: oclfhir.SeverityError, Code: oclfhir.IssueTypeProcessing, Diagnostics: "internal error"}
}

func (s *Server) accessLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		s.logger.Debug("request",
			zap.String("method", c.Request().Method),
			zap.String("path", c.Path()),
			zap.String("owner", owner(c).String()),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)))
		return nil
	}
}

func (s *Server) metrics(c echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.Metrics().Snapshot())
}
