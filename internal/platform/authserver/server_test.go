package authserver

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func newTestServer(t *testing.T) (*Server, *MemStore) {
	t.Helper()
	store := NewMemStore()

	secretHash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash client secret: %v", err)
	}
	store.PutClient(&Client{
		ClientID:         "confidential-client",
		Tenant:           "tenant-a",
		ClientSecretHash: string(secretHash),
		RedirectURIs:     []string{"https://app.example.org/callback"},
		Scopes:           []string{"patient/*.read", "offline_access"},
		GrantTypes:       []string{"authorization_code", "client_credentials"},
	})
	store.PutClient(&Client{
		ClientID:     "public-client",
		Tenant:       "tenant-a",
		RedirectURIs: []string{"https://spa.example.org/callback"},
		Scopes:       []string{"patient/*.read", "offline_access"},
		GrantTypes:   []string{"authorization_code", "refresh_token"},
	})

	passwordHash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash user password: %v", err)
	}
	store.PutUser(&User{
		ID:               "user-1",
		Tenant:           "tenant-a",
		Project:          "project-a",
		Username:         "alice",
		PasswordHash:     string(passwordHash),
		Role:             "practitioner",
		MembershipID:     "membership-1",
		PolicyVersionIDs: []string{"policy-v3"},
	})

	srv := NewServer(store, []byte("test-signing-key"), "https://fhirforge.example.org", "https://fhirforge.example.org/fhir")
	return srv, store
}

func TestAuthorizationCodeWithPKCEHappyPath(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	verifier := "a-sufficiently-long-random-code-verifier-string"
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	code, state, err := srv.Authorize(ctx, AuthorizeRequest{
		Tenant:              "tenant-a",
		ClientID:            "public-client",
		RedirectURI:         "https://spa.example.org/callback",
		Scope:               "patient/*.read offline_access",
		State:               "xyz",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		Username:            "alice",
		Password:            "hunter2",
	})
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if state != "xyz" {
		t.Fatalf("expected state to be echoed back, got %q", state)
	}

	resp, err := srv.ExchangeAuthorizationCode(ctx, "tenant-a", "public-client", "", code,
		"https://spa.example.org/callback", verifier, "test-agent/1.0")
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode failed: %v", err)
	}
	if resp.AccessToken == "" {
		t.Fatalf("expected an access token")
	}
	if resp.RefreshToken == "" {
		t.Fatalf("expected a refresh token for offline_access")
	}

	claims, err := srv.VerifyAccessToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken failed: %v", err)
	}
	if claims["tenant"] != "tenant-a" {
		t.Fatalf("expected tenant claim tenant-a, got %v", claims["tenant"])
	}
	if claims["user_role"] != "practitioner" {
		t.Fatalf("expected user_role claim practitioner, got %v", claims["user_role"])
	}
	if claims["membership"] != "membership-1" {
		t.Fatalf("expected membership claim membership-1, got %v", claims["membership"])
	}
}

func TestAuthorizationCodeWrongVerifierRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	verifier := "the-correct-verifier-value-1234567890"
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	code, _, err := srv.Authorize(ctx, AuthorizeRequest{
		Tenant:              "tenant-a",
		ClientID:            "public-client",
		RedirectURI:         "https://spa.example.org/callback",
		Scope:               "patient/*.read",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		Username:            "alice",
		Password:            "hunter2",
	})
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}

	_, err = srv.ExchangeAuthorizationCode(ctx, "tenant-a", "public-client", "", code,
		"https://spa.example.org/callback", "the-wrong-verifier", "test-agent/1.0")
	if err == nil {
		t.Fatalf("expected PKCE verification to fail with the wrong verifier")
	}
}

func TestClientCredentialsGrantIssuesScopedToken(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	resp, err := srv.ClientCredentials(ctx, "tenant-a", "confidential-client", "s3cret", "patient/*.read")
	if err != nil {
		t.Fatalf("ClientCredentials failed: %v", err)
	}
	claims, err := srv.VerifyAccessToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken failed: %v", err)
	}
	if claims["user_role"] != "service" {
		t.Fatalf("expected user_role service, got %v", claims["user_role"])
	}
	if claims["scope"] != "patient/*.read" {
		t.Fatalf("expected negotiated scope patient/*.read, got %v", claims["scope"])
	}
}

func TestClientCredentialsRejectsUnscopedClient(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	if _, err := srv.ClientCredentials(ctx, "tenant-a", "confidential-client", "s3cret", "system/*.write"); err == nil {
		t.Fatalf("expected scope negotiation to fail for an ungranted scope")
	}
}

func TestRefreshTokenRotationEnforcesSingleSessionPerAgent(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	verifier := "refresh-rotation-verifier-value-abcdefg"
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	code, _, err := srv.Authorize(ctx, AuthorizeRequest{
		Tenant:              "tenant-a",
		ClientID:            "public-client",
		RedirectURI:         "https://spa.example.org/callback",
		Scope:               "patient/*.read offline_access",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		Username:            "alice",
		Password:            "hunter2",
	})
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	first, err := srv.ExchangeAuthorizationCode(ctx, "tenant-a", "public-client", "", code,
		"https://spa.example.org/callback", verifier, "test-agent/1.0")
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode failed: %v", err)
	}

	second, err := srv.RefreshToken(ctx, "tenant-a", "public-client", first.RefreshToken, "test-agent/1.0")
	if err != nil {
		t.Fatalf("RefreshToken failed: %v", err)
	}
	if second.RefreshToken == "" || second.RefreshToken == first.RefreshToken {
		t.Fatalf("expected a brand new refresh token distinct from the original")
	}

	// The first refresh token was rotated out: it must no longer resolve.
	if _, err := store.GetRefreshToken(ctx, first.RefreshToken); err == nil {
		t.Fatalf("expected the original refresh token to be deleted by rotation")
	}

	// Issuing a third token for the same agent deletes the second, per the
	// single-active-session-per-agent rule.
	third, err := srv.RefreshToken(ctx, "tenant-a", "public-client", second.RefreshToken, "test-agent/1.0")
	if err != nil {
		t.Fatalf("second RefreshToken failed: %v", err)
	}
	if _, err := store.GetRefreshToken(ctx, second.RefreshToken); err == nil {
		t.Fatalf("expected the second refresh token to be deleted once a third was issued")
	}
	if third.RefreshToken == "" {
		t.Fatalf("expected a third refresh token to be issued")
	}
}

func TestExpiredAuthorizationCodeRejected(t *testing.T) {
	srv, store := newTestServer(t)
	srv.WithTTLs(DefaultAccessTokenTTL, DefaultRefreshTokenTTL, DefaultAuthCodeTTL)
	ctx := context.Background()

	ac := &AuthorizationCode{
		Code:        "expired-code",
		Tenant:      "tenant-a",
		ClientID:    "public-client",
		UserID:      "user-1",
		RedirectURI: "https://spa.example.org/callback",
		Scopes:      []string{"patient/*.read"},
		ExpiresAt:   time.Now().Add(-time.Minute),
	}
	if err := store.PutAuthorizationCode(ctx, ac); err != nil {
		t.Fatalf("seed authorization code: %v", err)
	}

	_, err := srv.ExchangeAuthorizationCode(ctx, "tenant-a", "public-client", "", "expired-code",
		"https://spa.example.org/callback", "", "test-agent/1.0")
	if err == nil {
		t.Fatalf("expected an expired authorization code to be rejected")
	}
}
