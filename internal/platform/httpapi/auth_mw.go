package httpapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/fhirforge/fhirforge/internal/config"
	"github.com/fhirforge/fhirforge/internal/platform/authserver"
	"github.com/fhirforge/fhirforge/internal/platform/ferrors"
	"github.com/fhirforge/fhirforge/internal/platform/storage"
)

// callerIdentity is what AuthMiddleware resolves from either a bearer
// token or (in development mode) a trusted default, and stashes on the
// echo context for FHIRHandler to read.
type callerIdentity struct {
	Tenant  string
	Project string
	Author  storage.Author
}

const identityContextKey = "fhirforge_identity"

// AuthMiddleware resolves a callerIdentity for every /fhir request.
// Grounded on the teacher's choice between auth.DevAuthMiddleware and
// auth.JWTMiddleware by cfg.IsDev(), generalized to this server's own
// tenant/project/role claim set (minted by internal/platform/authserver)
// instead of the teacher's SMART launch-context claims.
func AuthMiddleware(cfg *config.Config, authSrv *authserver.Server) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			mode := cfg.ResolvedAuthMode()
			if mode == "development" {
				c.Set(identityContextKey, &callerIdentity{
					Tenant:  defaultTenant(c, cfg),
					Project: "default",
					Author:  storage.Author{ID: "dev", Kind: storage.AuthorSystem},
				})
				return next(c)
			}

			header := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			token := strings.TrimPrefix(header, "Bearer ")

			claims, err := authSrv.VerifyAccessToken(token)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired access token")
			}

			tenant, _ := claims["tenant"].(string)
			project, _ := claims["project"].(string)
			userID, _ := claims["user_id"].(string)
			role, _ := claims["user_role"].(string)
			if tenant == "" || userID == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "access token is missing required claims")
			}

			kind := storage.AuthorUser
			if role == "service" {
				kind = storage.AuthorClientApp
			}
			c.Set(identityContextKey, &callerIdentity{
				Tenant:  tenant,
				Project: project,
				Author:  storage.Author{ID: userID, Kind: kind},
			})
			return next(c)
		}
	}
}

func defaultTenant(c echo.Context, cfg *config.Config) string {
	if t := c.Request().Header.Get("X-Tenant-ID"); t != "" {
		return t
	}
	return cfg.DefaultTenant
}

func identityFrom(c echo.Context) (*callerIdentity, error) {
	id, ok := c.Get(identityContextKey).(*callerIdentity)
	if !ok || id == nil {
		return nil, ferrors.Forbiddenf("MissingIdentity", "request identity was not resolved by AuthMiddleware")
	}
	return id, nil
}
