// Package httpapi is the echo adapter binding C7 request parsing and the
// C8/C9 middleware pipeline to HTTP: it translates an *http.Request into
// request.Parse's five inputs, dispatches the resulting *request.Request
// through a pipeline.Router, and renders the pipeline.Response (or a
// ferrors.FHIRError) back out as FHIR JSON.
//
// Grounded on the teacher's cmd/ehr-server/main.go echo wiring (global
// middleware order, route-group layout) and SMARTHandler's handler-per-verb
// registration style, generalized from per-domain REST handlers to this
// module's single typed-Request dispatcher.
package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/fhirforge/fhirforge/internal/config"
	"github.com/fhirforge/fhirforge/internal/platform/authserver"
	"github.com/fhirforge/fhirforge/internal/platform/ferrors"
	"github.com/fhirforge/fhirforge/internal/platform/middleware"
	"github.com/fhirforge/fhirforge/internal/platform/pipeline"
	"github.com/fhirforge/fhirforge/internal/platform/storage"
)

// New builds the fully-wired echo.Echo: global middleware, the FHIR
// resource/bundle endpoints backed by router, and the OAuth2 token
// endpoints backed by authSrv.
func New(cfg *config.Config, logger zerolog.Logger, deps *pipeline.Deps, router *pipeline.Router, processor BundleProcessor, authSrv *authserver.Server, store storage.Store) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = fhirErrorHandler(logger)

	e.Use(middleware.RequestID())
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("2M", "64M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	h := &FHIRHandler{Router: router, Processor: processor, Deps: deps}

	fhirGroup := e.Group("/fhir")
	fhirGroup.Use(WithStore(store))
	fhirGroup.Use(AuthMiddleware(cfg, authSrv))
	registerFHIRRoutes(fhirGroup, h)

	authGroup := e.Group("")
	th := &TokenHandler{Server: authSrv}
	th.RegisterRoutes(authGroup)

	return e
}

// fhirErrorHandler renders any error that escapes the handler chain (path
// not found, method not allowed, a framework-level echo.HTTPError) as an
// OperationOutcome rather than echo's default plain-text body, keeping the
// error surface uniform for every client regardless of where the error
// originated (spec §7).
func fhirErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status := http.StatusInternalServerError
		outcome := ferrors.As(err).ToOutcome()
		if he, ok := err.(*echo.HTTPError); ok {
			status = he.Code
			outcome = ferrors.Invalidf("HTTPError", "%v", he.Message).ToOutcome()
		} else {
			status = ferrors.As(err).HTTPStatus()
		}
		if writeErr := c.JSON(status, outcome); writeErr != nil {
			logger.Error().Err(writeErr).Msg("failed to write error response")
		}
	}
}
