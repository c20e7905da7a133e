package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServiceAccount(t *testing.T, tokenURL string) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	data, err := json.Marshal(map[string]string{
		"type":           "service_account",
		"project_id":     "proj-1",
		"private_key_id": "kid",
		"private_key":    string(pemKey),
		"client_email":   "svc@proj-1.iam.gserviceaccount.com",
		"token_uri":      tokenURL,
	})
	require.NoError(t, err)
	return data
}

func tokenServer(t *testing.T, hits *atomic.Int32, expiresIn int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "urn:ietf:params:oauth:grant-type:jwt-bearer", r.Form.Get("grant_type"))
		assert.NotEmpty(t, r.Form.Get("assertion"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "ya29.token",
			"token_type":   "Bearer",
			"expires_in":   expiresIn,
		})
	}))
}

func TestTokenCacheReusesUnexpiredToken(t *testing.T) {
	var hits atomic.Int32
	srv := tokenServer(t, &hits, 3600)
	defer srv.Close()

	sa, err := ParseServiceAccount(testServiceAccount(t, srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "proj-1", sa.ProjectID)

	cache := NewTokenCache()
	for range 3 {
		tok, err := cache.Token(context.Background(), sa)
		require.NoError(t, err)
		assert.Equal(t, "ya29.token", tok)
	}
	assert.Equal(t, int32(1), hits.Load())

	cache.Invalidate(sa)
	_, err = cache.Token(context.Background(), sa)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestTokenCacheRefreshesNearExpiry(t *testing.T) {
	var hits atomic.Int32
	srv := tokenServer(t, &hits, 3600)
	defer srv.Close()

	sa, err := ParseServiceAccount(testServiceAccount(t, srv.URL))
	require.NoError(t, err)

	cache := NewTokenCache()
	_, err = cache.Token(context.Background(), sa)
	require.NoError(t, err)

	cache.now = func() time.Time { return time.Now().Add(58 * time.Minute) }
	_, err = cache.Token(context.Background(), sa)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestTokenCacheConcurrentRefreshIsShared(t *testing.T) {
	var hits atomic.Int32
	srv := tokenServer(t, &hits, 3600)
	defer srv.Close()

	sa, err := ParseServiceAccount(testServiceAccount(t, srv.URL))
	require.NoError(t, err)

	cache := NewTokenCache()
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := cache.Token(context.Background(), sa)
			assert.NoError(t, err)
			assert.Equal(t, "ya29.token", tok)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, hits.Load(), int32(8))
	assert.GreaterOrEqual(t, hits.Load(), int32(1))

	before := hits.Load()
	_, err = cache.Token(context.Background(), sa)
	require.NoError(t, err)
	assert.Equal(t, before, hits.Load())
}

func TestTokenCacheExchangeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	sa, err := ParseServiceAccount(testServiceAccount(t, srv.URL))
	require.NoError(t, err)
	_, err = NewTokenCache().Token(context.Background(), sa)
	assert.ErrorIs(t, err, ErrRefreshFailed)
}

func TestLoadServiceAccount(t *testing.T) {
	_, err := LoadServiceAccount("")
	assert.ErrorIs(t, err, ErrNoCredentials)

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"type":"service_account"}`), 0o600))
	_, err = LoadServiceAccount(bad)
	assert.Error(t, err)

	good := filepath.Join(dir, "sa.json")
	require.NoError(t, os.WriteFile(good, testServiceAccount(t, "http://127.0.0.1/token"), 0o600))
	sa, err := LoadServiceAccount(good)
	require.NoError(t, err)
	assert.Equal(t, "svc@proj-1.iam.gserviceaccount.com", sa.ClientEmail)
}
