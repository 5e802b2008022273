// Package authserver implements the OAuth2 token endpoint of spec §4's
// collaborator interface (§6/§9): authorization_code+PKCE, client_credentials,
// and refresh_token grants, minting bearer JWTs via golang-jwt/v5.
//
// Grounded on the teacher's internal/platform/auth/smart_launch.go
// (SMARTServer: authorize/exchange/refresh flow, PKCE verification, in-memory
// store shape) and backend_services.go (client_credentials grant, JWT claim
// layout), adapted from SMART-on-FHIR's launch-context extensions to this
// server's plain tenant/project/role/membership claim set and from the
// teacher's hand-rolled HMAC framing to golang-jwt/v5 minting/verification.
package authserver

import (
	"context"
	"time"
)

// User is a registered resource-owner account a code or password grant can
// authenticate as.
type User struct {
	ID               string
	Tenant           string
	Project          string
	Username         string
	PasswordHash     string
	Role             string
	MembershipID     string
	PolicyVersionIDs []string
	Scopes           []string
}

// Client is a registered OAuth2 client. A empty ClientSecretHash marks a
// public client (PKCE required, no secret to verify).
type Client struct {
	ClientID         string
	Tenant           string
	ClientSecretHash string
	RedirectURIs     []string
	Scopes           []string
	// GrantTypes is the allow-list of grant_type values this client may
	// use, grounded on the original authorization server's per-client
	// ClientapplicationGrantType check (validate_client_grant_type):
	// registering for authorization_code does not also permit
	// client_credentials. Empty means "authorization_code" only, the
	// most common and most restrictive default.
	GrantTypes []string
}

// AllowsGrantType reports whether grantType is in c.GrantTypes, defaulting
// to authorization_code-only when the client declares no allow-list.
func (c *Client) AllowsGrantType(grantType string) bool {
	grants := c.GrantTypes
	if len(grants) == 0 {
		grants = []string{"authorization_code"}
	}
	for _, g := range grants {
		if g == grantType {
			return true
		}
	}
	return false
}

// AuthorizationCode is a short-lived, one-time-use code minted by the
// authorize step and consumed by the authorization_code grant.
type AuthorizationCode struct {
	Code                string
	Tenant              string
	ClientID            string
	UserID              string
	RedirectURI         string
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod string
	ExpiresAt           time.Time
	Consumed            bool
}

// RefreshToken is an opaque, rotatable token issued alongside an access
// token for the offline_access scope.
type RefreshToken struct {
	Token       string
	Tenant      string
	ClientID    string
	UserID      string
	UserAgent   string
	Scopes      []string
	ExpiresAt   time.Time
	RotatedFrom string
	Revoked     bool
}

// Store is the persistence boundary for the authorization server, backed by
// memstore (tests, single-node dev) or pgstore (the oauth_user/oauth_client/
// authorization_code/refresh_token tables of migration 0002).
type Store interface {
	GetUserByUsername(ctx context.Context, tenant, username string) (*User, error)
	GetUser(ctx context.Context, tenant, userID string) (*User, error)
	GetClient(ctx context.Context, clientID string) (*Client, error)

	PutAuthorizationCode(ctx context.Context, code *AuthorizationCode) error
	// ConsumeAuthorizationCode atomically fetches and marks a code consumed;
	// it fails if the code is missing, already consumed, or expired.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	PutRefreshToken(ctx context.Context, token *RefreshToken) error
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)
	// DeleteRefreshTokensForAgent removes every refresh token, revoked or
	// not, for (tenant, clientID, userID, userAgent) — spec §9's flagged
	// single-active-session-per-agent rotation behavior.
	DeleteRefreshTokensForAgent(ctx context.Context, tenant, clientID, userID, userAgent string) error
	RevokeRefreshToken(ctx context.Context, token string) error
}
