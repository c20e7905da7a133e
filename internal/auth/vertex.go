package auth

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"
)

// CloudPlatformScope is the OAuth scope requested for Vertex AI.
const CloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// refreshWindow is how long before expiry a cached token is replaced.
const refreshWindow = 5 * time.Minute

// ServiceAccount is a parsed Google service-account key file.
type ServiceAccount struct {
	JSON        []byte
	ClientEmail string
	ProjectID   string
}

// LoadServiceAccount reads a service-account key file.
func LoadServiceAccount(path string) (*ServiceAccount, error) {
	if path == "" {
		return nil, ErrNoCredentials
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read service account %s: %w", path, err)
	}
	return ParseServiceAccount(data)
}

// ParseServiceAccount validates a service-account key.
func ParseServiceAccount(data []byte) (*ServiceAccount, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("service account key is not valid JSON")
	}
	email := gjson.GetBytes(data, "client_email").String()
	if email == "" || gjson.GetBytes(data, "private_key").String() == "" {
		return nil, fmt.Errorf("service account key is missing client_email or private_key")
	}
	return &ServiceAccount{
		JSON:        data,
		ClientEmail: email,
		ProjectID:   gjson.GetBytes(data, "project_id").String(),
	}, nil
}

// TokenCache hands out Vertex bearer tokens derived from service-account JWT
// assertions. Tokens are cached per service account until shortly before
// they expire; concurrent refreshes for one account share a single exchange.
type TokenCache struct {
	mu     sync.Mutex
	tokens map[string]*oauth2.Token
	group  singleflight.Group
	now    func() time.Time
}

// NewTokenCache creates an empty cache.
func NewTokenCache() *TokenCache {
	return &TokenCache{tokens: map[string]*oauth2.Token{}, now: time.Now}
}

// Token returns a valid access token for sa.
func (c *TokenCache) Token(ctx context.Context, sa *ServiceAccount) (string, error) {
	if sa == nil {
		return "", ErrNoCredentials
	}
	key := sa.ClientEmail
	if tok := c.cached(key); tok != nil {
		return tok.AccessToken, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if tok := c.cached(key); tok != nil {
			return tok, nil
		}
		conf, err := google.JWTConfigFromJSON(sa.JSON, CloudPlatformScope)
		if err != nil {
			return nil, fmt.Errorf("parse service account: %w", err)
		}
		tok, err := conf.TokenSource(ctx).Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
		}
		if tok.Expiry.IsZero() {
			tok.Expiry = accessTokenExpiry(tok.AccessToken)
		}
		c.mu.Lock()
		c.tokens[key] = tok
		c.mu.Unlock()
		slog.Debug("auth.vertex.token_refreshed", "account", key, "expires", tok.Expiry)
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(*oauth2.Token).AccessToken, nil
}

func (c *TokenCache) cached(key string) *oauth2.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, ok := c.tokens[key]
	if !ok || tok.AccessToken == "" {
		return nil
	}
	if !tok.Expiry.IsZero() && c.now().Add(refreshWindow).After(tok.Expiry) {
		return nil
	}
	return tok
}

// Invalidate drops the cached token for an account, e.g. after a 401.
func (c *TokenCache) Invalidate(sa *ServiceAccount) {
	if sa == nil {
		return
	}
	c.mu.Lock()
	delete(c.tokens, sa.ClientEmail)
	c.mu.Unlock()
}
