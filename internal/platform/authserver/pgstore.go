package authserver

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fhirforge/fhirforge/internal/platform/ferrors"
)

// PGStore is the Postgres-backed Store, following storage/pgstore's
// pool-wrapping convention against the oauth_user/oauth_client/
// authorization_code/refresh_token tables of migration 0002.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wraps an already-connected, already-migrated pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func joinScopes(scopes []string) string { return strings.Join(scopes, " ") }
func splitScopes(scopes string) []string {
	if scopes == "" {
		return nil
	}
	return strings.Fields(scopes)
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	var scopes, policyIDs string
	if err := row.Scan(&u.ID, &u.Tenant, &u.Project, &u.Username, &u.PasswordHash,
		&u.Role, &u.MembershipID, &policyIDs, &scopes); err != nil {
		return nil, err
	}
	u.Scopes = splitScopes(scopes)
	u.PolicyVersionIDs = splitScopes(policyIDs)
	return &u, nil
}

const userColumns = `id, tenant, project, username, password_hash, role, membership_id, policy_version_ids, scopes`

func (s *PGStore) GetUserByUsername(ctx context.Context, tenant, username string) (*User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM oauth_user WHERE tenant=$1 AND username=$2`, tenant, username)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ferrors.NotFoundf("UnknownUser", "no user %q in tenant %q", username, tenant)
		}
		return nil, err
	}
	return u, nil
}

func (s *PGStore) GetUser(ctx context.Context, tenant, userID string) (*User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM oauth_user WHERE tenant=$1 AND id=$2`, tenant, userID)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ferrors.NotFoundf("UnknownUser", "no user %q in tenant %q", userID, tenant)
		}
		return nil, err
	}
	return u, nil
}

func (s *PGStore) GetClient(ctx context.Context, clientID string) (*Client, error) {
	row := s.pool.QueryRow(ctx, `SELECT client_id, tenant, client_secret_hash, redirect_uris, scopes, grant_types
		FROM oauth_client WHERE client_id=$1`, clientID)
	var c Client
	var redirects, scopes, grantTypes string
	if err := row.Scan(&c.ClientID, &c.Tenant, &c.ClientSecretHash, &redirects, &scopes, &grantTypes); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ferrors.NotFoundf("UnknownClient", "no client %q", clientID)
		}
		return nil, err
	}
	c.RedirectURIs = splitScopes(redirects)
	c.Scopes = splitScopes(scopes)
	c.GrantTypes = splitScopes(grantTypes)
	return &c, nil
}

func (s *PGStore) PutAuthorizationCode(ctx context.Context, code *AuthorizationCode) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO authorization_code
			(code, tenant, client_id, user_id, redirect_uri, scopes, code_challenge, code_challenge_method, expires_at, consumed)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		code.Code, code.Tenant, code.ClientID, code.UserID, code.RedirectURI, joinScopes(code.Scopes),
		code.CodeChallenge, code.CodeChallengeMethod, code.ExpiresAt, code.Consumed)
	return err
}

// ConsumeAuthorizationCode locks the row, validates it, and marks it
// consumed inside one round trip transaction so concurrent exchange
// attempts for the same code can't both succeed.
func (s *PGStore) ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var ac AuthorizationCode
	var scopes string
	row := tx.QueryRow(ctx, `
		SELECT code, tenant, client_id, user_id, redirect_uri, scopes, code_challenge, code_challenge_method, expires_at, consumed
		FROM authorization_code WHERE code=$1 FOR UPDATE`, code)
	if err := row.Scan(&ac.Code, &ac.Tenant, &ac.ClientID, &ac.UserID, &ac.RedirectURI, &scopes,
		&ac.CodeChallenge, &ac.CodeChallengeMethod, &ac.ExpiresAt, &ac.Consumed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ferrors.Invalidf("invalid_grant", "unknown or already consumed authorization code")
		}
		return nil, err
	}
	ac.Scopes = splitScopes(scopes)
	if ac.Consumed {
		return nil, ferrors.Invalidf("invalid_grant", "authorization code already used")
	}
	if time.Now().After(ac.ExpiresAt) {
		return nil, ferrors.Invalidf("invalid_grant", "authorization code has expired")
	}
	if _, err := tx.Exec(ctx, `UPDATE authorization_code SET consumed=true WHERE code=$1`, code); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	ac.Consumed = true
	return &ac, nil
}

func (s *PGStore) PutRefreshToken(ctx context.Context, token *RefreshToken) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO refresh_token (token, tenant, client_id, user_id, user_agent, scopes, expires_at, rotated_from, revoked)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		token.Token, token.Tenant, token.ClientID, token.UserID, token.UserAgent,
		joinScopes(token.Scopes), token.ExpiresAt, nullable(token.RotatedFrom), token.Revoked)
	return err
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (s *PGStore) GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT token, tenant, client_id, user_id, user_agent, scopes, expires_at, COALESCE(rotated_from, ''), revoked
		FROM refresh_token WHERE token=$1`, token)
	var rt RefreshToken
	var scopes string
	if err := row.Scan(&rt.Token, &rt.Tenant, &rt.ClientID, &rt.UserID, &rt.UserAgent,
		&scopes, &rt.ExpiresAt, &rt.RotatedFrom, &rt.Revoked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ferrors.Invalidf("invalid_grant", "unknown refresh token")
		}
		return nil, err
	}
	rt.Scopes = splitScopes(scopes)
	return &rt, nil
}

func (s *PGStore) DeleteRefreshTokensForAgent(ctx context.Context, tenant, clientID, userID, userAgent string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM refresh_token WHERE tenant=$1 AND client_id=$2 AND user_id=$3 AND user_agent=$4`,
		tenant, clientID, userID, userAgent)
	return err
}

// PutUser upserts a resource-owner account, used by the fhirforge CLI's
// `tenant create` command to bootstrap an initial administrator for a new
// tenant — this server has no per-tenant schema to provision (spec §3's
// tenant/project partitioning is a column, not a Postgres namespace), so
// "creating a tenant" reduces to seeding its first account.
func (s *PGStore) PutUser(ctx context.Context, u *User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO oauth_user (id, tenant, project, username, password_hash, role, membership_id, policy_version_ids, scopes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (tenant, username) DO UPDATE SET
			password_hash=EXCLUDED.password_hash, role=EXCLUDED.role,
			membership_id=EXCLUDED.membership_id, policy_version_ids=EXCLUDED.policy_version_ids,
			scopes=EXCLUDED.scopes`,
		u.ID, u.Tenant, u.Project, u.Username, u.PasswordHash, u.Role, u.MembershipID,
		joinScopes(u.PolicyVersionIDs), joinScopes(u.Scopes))
	return err
}

// PutClient upserts an OAuth2 client registration.
func (s *PGStore) PutClient(ctx context.Context, c *Client) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO oauth_client (client_id, tenant, client_secret_hash, redirect_uris, scopes, grant_types)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (client_id) DO UPDATE SET
			client_secret_hash=EXCLUDED.client_secret_hash, redirect_uris=EXCLUDED.redirect_uris,
			scopes=EXCLUDED.scopes, grant_types=EXCLUDED.grant_types`,
		c.ClientID, c.Tenant, c.ClientSecretHash, joinScopes(c.RedirectURIs), joinScopes(c.Scopes), joinScopes(c.GrantTypes))
	return err
}

func (s *PGStore) RevokeRefreshToken(ctx context.Context, token string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE refresh_token SET revoked=true WHERE token=$1`, token)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ferrors.Invalidf("invalid_grant", "unknown refresh token")
	}
	return nil
}
