package authserver

import (
	"context"
	"sync"
	"time"

	"github.com/fhirforge/fhirforge/internal/platform/ferrors"
)

// MemStore is an in-process Store, grounded on the teacher's SMARTServer
// (mutex-guarded maps for clients/codes/refresh tokens). Used by tests;
// the serve command always uses PGStore.
type MemStore struct {
	mu            sync.RWMutex
	usersByID     map[string]*User
	usersByName   map[string]*User // keyed by tenant+"/"+username
	clients       map[string]*Client
	codes         map[string]*AuthorizationCode
	refreshTokens map[string]*RefreshToken
}

// NewMemStore builds an empty MemStore; seed it via PutUser/PutClient before
// use.
func NewMemStore() *MemStore {
	return &MemStore{
		usersByID:     make(map[string]*User),
		usersByName:   make(map[string]*User),
		clients:       make(map[string]*Client),
		codes:         make(map[string]*AuthorizationCode),
		refreshTokens: make(map[string]*RefreshToken),
	}
}

// PutUser registers a user, used by seed/test setup.
func (s *MemStore) PutUser(u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usersByID[u.ID] = u
	s.usersByName[u.Tenant+"/"+u.Username] = u
}

// PutClient registers a client, used by seed/test setup.
func (s *MemStore) PutClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.ClientID] = c
}

func (s *MemStore) GetUserByUsername(_ context.Context, tenant, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.usersByName[tenant+"/"+username]
	if !ok {
		return nil, ferrors.NotFoundf("UnknownUser", "no user %q in tenant %q", username, tenant)
	}
	return u, nil
}

func (s *MemStore) GetUser(_ context.Context, tenant, userID string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.usersByID[userID]
	if !ok || u.Tenant != tenant {
		return nil, ferrors.NotFoundf("UnknownUser", "no user %q in tenant %q", userID, tenant)
	}
	return u, nil
}

func (s *MemStore) GetClient(_ context.Context, clientID string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[clientID]
	if !ok {
		return nil, ferrors.NotFoundf("UnknownClient", "no client %q", clientID)
	}
	return c, nil
}

func (s *MemStore) PutAuthorizationCode(_ context.Context, code *AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code.Code] = code
	return nil
}

func (s *MemStore) ConsumeAuthorizationCode(_ context.Context, code string) (*AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ac, ok := s.codes[code]
	if !ok {
		return nil, ferrors.Invalidf("invalid_grant", "unknown or already consumed authorization code")
	}
	if ac.Consumed {
		return nil, ferrors.Invalidf("invalid_grant", "authorization code already used")
	}
	if time.Now().After(ac.ExpiresAt) {
		return nil, ferrors.Invalidf("invalid_grant", "authorization code has expired")
	}
	ac.Consumed = true
	return ac, nil
}

func (s *MemStore) PutRefreshToken(_ context.Context, token *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens[token.Token] = token
	return nil
}

func (s *MemStore) GetRefreshToken(_ context.Context, token string) (*RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.refreshTokens[token]
	if !ok {
		return nil, ferrors.Invalidf("invalid_grant", "unknown refresh token")
	}
	return rt, nil
}

func (s *MemStore) DeleteRefreshTokensForAgent(_ context.Context, tenant, clientID, userID, userAgent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, rt := range s.refreshTokens {
		if rt.Tenant == tenant && rt.ClientID == clientID && rt.UserID == userID && rt.UserAgent == userAgent {
			delete(s.refreshTokens, k)
		}
	}
	return nil
}

func (s *MemStore) RevokeRefreshToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.refreshTokens[token]
	if !ok {
		return ferrors.Invalidf("invalid_grant", "unknown refresh token")
	}
	rt.Revoked = true
	return nil
}
