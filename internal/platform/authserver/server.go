package authserver

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/fhirforge/fhirforge/internal/platform/ferrors"
)

// Default token lifetimes per spec §6/§9.
const (
	DefaultAccessTokenTTL  = 2 * time.Hour
	DefaultRefreshTokenTTL = 12 * time.Hour
	DefaultAuthCodeTTL     = 5 * time.Minute
)

// Server is the OAuth2 token-endpoint implementation. Grounded on the
// teacher's SMARTServer authorize/exchange/refresh flow and
// BackendServiceManager's client_credentials grant, generalized from
// SMART-on-FHIR launch-context claims to this server's plain
// tenant/project/role/membership claim set, and minting/verifying bearer
// tokens with golang-jwt/v5 throughout rather than the teacher's hand-rolled
// HMAC framing.
type Server struct {
	store      Store
	signingKey []byte
	issuer     string
	audience   string

	accessTTL  time.Duration
	refreshTTL time.Duration
	codeTTL    time.Duration
}

// NewServer builds a Server. signingKey is the HMAC secret used for
// jwt.SigningMethodHS256; issuer/audience populate the iss/aud claims.
func NewServer(store Store, signingKey []byte, issuer, audience string) *Server {
	return &Server{
		store:      store,
		signingKey: signingKey,
		issuer:     issuer,
		audience:   audience,
		accessTTL:  DefaultAccessTokenTTL,
		refreshTTL: DefaultRefreshTokenTTL,
		codeTTL:    DefaultAuthCodeTTL,
	}
}

// WithTTLs overrides the default token lifetimes, returning the same Server
// for chaining during construction.
func (s *Server) WithTTLs(access, refresh, code time.Duration) *Server {
	s.accessTTL, s.refreshTTL, s.codeTTL = access, refresh, code
	return s
}

// AuthorizeRequest is the parsed authorization endpoint request
// (GET /auth/authorize).
type AuthorizeRequest struct {
	Tenant              string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Username            string
	Password            string
}

// Authorize validates the client, redirect URI, and requested scopes,
// authenticates the resource owner by username/password, and mints a
// one-time authorization code. PKCE is mandatory for public clients
// (empty ClientSecretHash) and optional, but honored, for confidential
// ones.
func (s *Server) Authorize(ctx context.Context, req AuthorizeRequest) (code string, state string, err error) {
	client, err := s.store.GetClient(ctx, req.ClientID)
	if err != nil {
		return "", "", err
	}
	if client.Tenant != req.Tenant {
		return "", "", ferrors.Invalidf("invalid_client", "client %q is not registered for tenant %q", req.ClientID, req.Tenant)
	}
	if !client.AllowsGrantType("authorization_code") {
		return "", "", ferrors.Invalidf("unauthorized_client", "client %q is not registered for the authorization_code grant", req.ClientID)
	}
	if !isValidRedirectURI(client.RedirectURIs, req.RedirectURI) {
		return "", "", ferrors.Invalidf("invalid_request", "redirect_uri is not registered for this client")
	}
	if client.ClientSecretHash == "" && req.CodeChallenge == "" {
		return "", "", ferrors.Invalidf("invalid_request", "PKCE code_challenge is required for public clients")
	}
	if req.CodeChallenge != "" && req.CodeChallengeMethod != "S256" {
		return "", "", ferrors.Invalidf("invalid_request", "only the S256 code_challenge_method is supported")
	}

	scopes, err := negotiateScopes(req.Scope, strings.Join(client.Scopes, " "))
	if err != nil {
		return "", "", ferrors.Invalidf("invalid_scope", "%v", err)
	}

	user, err := s.store.GetUserByUsername(ctx, req.Tenant, req.Username)
	if err != nil {
		return "", "", ferrors.Invalidf("invalid_grant", "unknown username or password")
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		return "", "", ferrors.Invalidf("invalid_grant", "unknown username or password")
	}

	raw, err := generateRandomHex(32)
	if err != nil {
		return "", "", ferrors.Wrap(ferrors.KindException, "CodeGenerationFailed", "failed to generate authorization code", err)
	}
	ac := &AuthorizationCode{
		Code:                raw,
		Tenant:              req.Tenant,
		ClientID:            req.ClientID,
		UserID:              user.ID,
		RedirectURI:         req.RedirectURI,
		Scopes:              scopes,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		ExpiresAt:           time.Now().Add(s.codeTTL),
	}
	if err := s.store.PutAuthorizationCode(ctx, ac); err != nil {
		return "", "", err
	}
	return raw, req.State, nil
}

// TokenResponse is the JSON body returned from the token endpoint.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// ExchangeAuthorizationCode implements the authorization_code grant: it
// consumes the one-time code, verifies PKCE or the client secret, and mints
// an access token plus (if offline_access was granted) a refresh token.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, tenant, clientID, clientSecret, code, redirectURI, codeVerifier, userAgent string) (*TokenResponse, error) {
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrantType("authorization_code") {
		return nil, ferrors.Invalidf("unauthorized_client", "client %q is not registered for the authorization_code grant", clientID)
	}

	ac, err := s.store.ConsumeAuthorizationCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if ac.ClientID != clientID || ac.Tenant != tenant {
		return nil, ferrors.Invalidf("invalid_grant", "authorization code was not issued to this client")
	}
	if ac.RedirectURI != redirectURI {
		return nil, ferrors.Invalidf("invalid_grant", "redirect_uri does not match the authorization request")
	}

	if client.ClientSecretHash == "" {
		// Public client: PKCE is mandatory.
		if ac.CodeChallenge == "" || !verifyPKCE(codeVerifier, ac.CodeChallenge) {
			return nil, ferrors.Invalidf("invalid_grant", "PKCE verification failed")
		}
	} else {
		if bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)) != nil {
			return nil, ferrors.Invalidf("invalid_client", "client authentication failed")
		}
		if ac.CodeChallenge != "" && !verifyPKCE(codeVerifier, ac.CodeChallenge) {
			return nil, ferrors.Invalidf("invalid_grant", "PKCE verification failed")
		}
	}

	user, err := s.store.GetUser(ctx, tenant, ac.UserID)
	if err != nil {
		return nil, err
	}

	access, err := s.signAccessToken(user, tenant, ac.Scopes)
	if err != nil {
		return nil, err
	}

	resp := &TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.accessTTL.Seconds()),
		Scope:       strings.Join(ac.Scopes, " "),
	}

	if containsScope(resp.Scope, "offline_access") {
		refresh, err := s.issueRefreshToken(ctx, tenant, clientID, user.ID, userAgent, ac.Scopes)
		if err != nil {
			return nil, err
		}
		resp.RefreshToken = refresh
	}
	return resp, nil
}

// ClientCredentials implements the client_credentials grant for
// machine-to-machine backend services, grounded on the teacher's
// BackendServiceManager.IssueAccessToken but authenticating via a plain
// client secret rather than a JWT-bearer client assertion.
func (s *Server) ClientCredentials(ctx context.Context, tenant, clientID, clientSecret, scope string) (*TokenResponse, error) {
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client.Tenant != tenant {
		return nil, ferrors.Invalidf("invalid_client", "client %q is not registered for tenant %q", clientID, tenant)
	}
	if !client.AllowsGrantType("client_credentials") {
		return nil, ferrors.Invalidf("unauthorized_client", "client %q is not registered for the client_credentials grant", clientID)
	}
	if client.ClientSecretHash == "" {
		return nil, ferrors.Invalidf("invalid_client", "client_credentials requires a confidential client")
	}
	if bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)) != nil {
		return nil, ferrors.Invalidf("invalid_client", "client authentication failed")
	}

	scopes, err := negotiateScopes(scope, strings.Join(client.Scopes, " "))
	if err != nil {
		return nil, ferrors.Invalidf("invalid_scope", "%v", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":                       s.issuer,
		"aud":                       s.audience,
		"sub":                       clientID,
		"iat":                       now.Unix(),
		"exp":                       now.Add(s.accessTTL).Unix(),
		"scope":                     strings.Join(scopes, " "),
		"tenant":                    tenant,
		"user_role":                 "service",
		"user_id":                   clientID,
		"resource_type":             "Client",
		"access_policy_version_ids": []string{},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindException, "TokenSigningFailed", "failed to sign access token", err)
	}
	return &TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.accessTTL.Seconds()),
		Scope:       strings.Join(scopes, " "),
	}, nil
}

// RefreshToken implements the refresh_token grant. Unlike the teacher's
// RefreshAccessToken (which reuses the presented token unchanged), every
// successful refresh here deletes any other outstanding refresh token for
// the same (tenant, client, user, user_agent) before minting a new one,
// per spec §9's flagged single-active-session-per-agent rotation
// requirement.
func (s *Server) RefreshToken(ctx context.Context, tenant, clientID, refreshToken, userAgent string) (*TokenResponse, error) {
	rt, err := s.store.GetRefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if rt.Revoked {
		return nil, ferrors.Invalidf("invalid_grant", "refresh token has been revoked")
	}
	if rt.Tenant != tenant || rt.ClientID != clientID {
		return nil, ferrors.Invalidf("invalid_grant", "refresh token was not issued to this client")
	}
	if time.Now().After(rt.ExpiresAt) {
		return nil, ferrors.Invalidf("invalid_grant", "refresh token has expired")
	}
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrantType("refresh_token") {
		return nil, ferrors.Invalidf("unauthorized_client", "client %q is not registered for the refresh_token grant", clientID)
	}

	user, err := s.store.GetUser(ctx, tenant, rt.UserID)
	if err != nil {
		return nil, err
	}

	access, err := s.signAccessToken(user, tenant, rt.Scopes)
	if err != nil {
		return nil, err
	}

	if err := s.store.DeleteRefreshTokensForAgent(ctx, tenant, clientID, rt.UserID, userAgent); err != nil {
		return nil, err
	}
	newRefresh, err := s.issueRefreshToken(ctx, tenant, clientID, rt.UserID, userAgent, rt.Scopes)
	if err != nil {
		return nil, err
	}

	return &TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessTTL.Seconds()),
		Scope:        strings.Join(rt.Scopes, " "),
		RefreshToken: newRefresh,
	}, nil
}

// VerifyAccessToken parses and verifies a bearer token minted by this
// server, returning its claims.
func (s *Server) VerifyAccessToken(tokenStr string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.signingKey, nil
	}, jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, ferrors.Invalidf("invalid_token", "access token failed verification: %v", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ferrors.Invalidf("invalid_token", "access token claims were malformed")
	}
	return claims, nil
}

func (s *Server) signAccessToken(user *User, tenant string, scopes []string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":                       s.issuer,
		"aud":                       s.audience,
		"sub":                       user.ID,
		"iat":                       now.Unix(),
		"exp":                       now.Add(s.accessTTL).Unix(),
		"scope":                     strings.Join(scopes, " "),
		"tenant":                    tenant,
		"project":                   user.Project,
		"user_role":                 user.Role,
		"user_id":                   user.ID,
		"membership":                user.MembershipID,
		"resource_type":             "Patient",
		"access_policy_version_ids": user.PolicyVersionIDs,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", ferrors.Wrap(ferrors.KindException, "TokenSigningFailed", "failed to sign access token", err)
	}
	return signed, nil
}

func (s *Server) issueRefreshToken(ctx context.Context, tenant, clientID, userID, userAgent string, scopes []string) (string, error) {
	raw, err := generateRandomHex(32)
	if err != nil {
		return "", ferrors.Wrap(ferrors.KindException, "TokenGenerationFailed", "failed to generate refresh token", err)
	}
	rt := &RefreshToken{
		Token:     raw,
		Tenant:    tenant,
		ClientID:  clientID,
		UserID:    userID,
		UserAgent: userAgent,
		Scopes:    scopes,
		ExpiresAt: time.Now().Add(s.refreshTTL),
	}
	if err := s.store.PutRefreshToken(ctx, rt); err != nil {
		return "", err
	}
	return raw, nil
}

// ---------------------------------------------------------------------------
// PKCE, scope, and random-value helpers
// ---------------------------------------------------------------------------

func verifyPKCE(verifier, challenge string) bool {
	hash := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

func negotiateScopes(requested, allowed string) ([]string, error) {
	requestedScopes := strings.Fields(requested)
	if len(requestedScopes) == 0 {
		return nil, fmt.Errorf("no scopes requested")
	}
	allowedScopes := make(map[string]bool)
	for _, sc := range strings.Fields(allowed) {
		allowedScopes[sc] = true
	}
	var granted []string
	for _, sc := range requestedScopes {
		if allowedScopes[sc] {
			granted = append(granted, sc)
		}
	}
	if len(granted) == 0 {
		return nil, fmt.Errorf("none of the requested scopes are permitted for this client")
	}
	return granted, nil
}

func containsScope(scopeStr, target string) bool {
	for _, sc := range strings.Fields(scopeStr) {
		if sc == target {
			return true
		}
	}
	return false
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func isValidRedirectURI(registered []string, uri string) bool {
	for _, r := range registered {
		if r == uri {
			return true
		}
	}
	return false
}
