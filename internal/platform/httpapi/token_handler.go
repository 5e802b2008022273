package httpapi

import (
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"github.com/fhirforge/fhirforge/internal/platform/authserver"
)

// OAuthError is the RFC 6749 error body shape, grounded on the teacher's
// SMARTHandler.OAuthError.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

// TokenHandler exposes authserver.Server's three grants and the
// authorization_code front door over HTTP, mirroring the teacher's
// SMARTHandler route set minus launch-context/EHR-launch endpoints this
// module's standalone authorization server doesn't support.
type TokenHandler struct {
	Server *authserver.Server
}

// RegisterRoutes mounts the OAuth2 endpoints at the paths SPEC_FULL.md's
// SMART discovery document advertises.
func (h *TokenHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/auth/authorize", h.handleAuthorize)
	g.POST("/auth/token", h.handleToken)
}

func (h *TokenHandler) handleAuthorize(c echo.Context) error {
	req := authserver.AuthorizeRequest{
		Tenant:              c.QueryParam("tenant"),
		ClientID:            c.QueryParam("client_id"),
		RedirectURI:         c.QueryParam("redirect_uri"),
		Scope:               c.QueryParam("scope"),
		State:               c.QueryParam("state"),
		CodeChallenge:       c.QueryParam("code_challenge"),
		CodeChallengeMethod: c.QueryParam("code_challenge_method"),
		Username:            c.QueryParam("username"),
		Password:            c.QueryParam("password"),
	}
	if req.Tenant == "" {
		req.Tenant = c.Request().Header.Get("X-Tenant-ID")
	}

	if req.ClientID == "" || req.RedirectURI == "" || req.Scope == "" || req.State == "" {
		return h.redirectWithError(c, req.RedirectURI, "invalid_request", "missing required parameters", req.State)
	}

	code, state, err := h.Server.Authorize(c.Request().Context(), req)
	if err != nil {
		return h.redirectWithError(c, req.RedirectURI, "access_denied", err.Error(), state)
	}

	redirectURL, parseErr := url.Parse(req.RedirectURI)
	if parseErr != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "invalid redirect URI")
	}
	q := redirectURL.Query()
	q.Set("code", code)
	q.Set("state", state)
	redirectURL.RawQuery = q.Encode()

	return c.Redirect(http.StatusFound, redirectURL.String())
}

func (h *TokenHandler) redirectWithError(c echo.Context, redirectURI, errCode, errDesc, state string) error {
	if redirectURI == "" {
		return c.JSON(http.StatusBadRequest, &OAuthError{Code: errCode, Description: errDesc})
	}
	redirectURL, parseErr := url.Parse(redirectURI)
	if parseErr != nil {
		return c.JSON(http.StatusBadRequest, &OAuthError{Code: errCode, Description: errDesc})
	}
	q := redirectURL.Query()
	q.Set("error", errCode)
	q.Set("error_description", errDesc)
	if state != "" {
		q.Set("state", state)
	}
	redirectURL.RawQuery = q.Encode()
	return c.Redirect(http.StatusFound, redirectURL.String())
}

func (h *TokenHandler) handleToken(c echo.Context) error {
	tenant := c.FormValue("tenant")
	if tenant == "" {
		tenant = c.Request().Header.Get("X-Tenant-ID")
	}
	clientID, clientSecret := h.extractClientCredentials(c)
	ctx := c.Request().Context()

	switch c.FormValue("grant_type") {
	case "authorization_code":
		resp, err := h.Server.ExchangeAuthorizationCode(ctx, tenant, clientID, clientSecret,
			c.FormValue("code"), c.FormValue("redirect_uri"), c.FormValue("code_verifier"), c.Request().UserAgent())
		if err != nil {
			return c.JSON(http.StatusBadRequest, &OAuthError{Code: "invalid_grant", Description: err.Error()})
		}
		return c.JSON(http.StatusOK, resp)

	case "client_credentials":
		resp, err := h.Server.ClientCredentials(ctx, tenant, clientID, clientSecret, c.FormValue("scope"))
		if err != nil {
			return c.JSON(http.StatusBadRequest, &OAuthError{Code: "invalid_client", Description: err.Error()})
		}
		return c.JSON(http.StatusOK, resp)

	case "refresh_token":
		refreshToken := c.FormValue("refresh_token")
		if refreshToken == "" {
			return c.JSON(http.StatusBadRequest, &OAuthError{Code: "invalid_request", Description: "refresh_token is required"})
		}
		resp, err := h.Server.RefreshToken(ctx, tenant, clientID, refreshToken, c.Request().UserAgent())
		if err != nil {
			return c.JSON(http.StatusBadRequest, &OAuthError{Code: "invalid_grant", Description: err.Error()})
		}
		return c.JSON(http.StatusOK, resp)

	default:
		return c.JSON(http.StatusBadRequest, &OAuthError{
			Code:        "unsupported_grant_type",
			Description: "grant_type must be 'authorization_code', 'client_credentials', or 'refresh_token'",
		})
	}
}

// extractClientCredentials prefers HTTP Basic auth, falling back to form
// values, same precedence as the teacher's SMARTHandler.
func (h *TokenHandler) extractClientCredentials(c echo.Context) (string, string) {
	if clientID, clientSecret, ok := c.Request().BasicAuth(); ok && clientID != "" {
		return clientID, clientSecret
	}
	return c.FormValue("client_id"), c.FormValue("client_secret")
}
