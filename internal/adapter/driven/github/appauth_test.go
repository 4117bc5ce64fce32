package github

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/archguard/internal/domain/model"
	"github.com/ericfisherdev/archguard/internal/domain/port/driven"
)

// writeTestPrivateKey generates an RSA key and writes it to a temp PEM file,
// returning the path and the public key for JWT verification.
func writeTestPrivateKey(t *testing.T) (string, *rsa.PublicKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}

	path := filepath.Join(t.TempDir(), "app.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))

	return path, &key.PublicKey
}

func TestAppAuth_Token(t *testing.T) {
	keyPath, pubKey := writeTestPrivateKey(t)

	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/app/installations/1001/access_tokens", r.URL.Path)

		// The exchange must be authenticated with the App JWT, not an
		// installation token.
		authHeader := r.Header.Get("Authorization")
		rawJWT := strings.TrimPrefix(authHeader, "Bearer ")
		require.NotEqual(t, authHeader, rawJWT, "Authorization header must be a bearer token")

		parsed, err := jwt.Parse(rawJWT, func(token *jwt.Token) (any, error) {
			return pubKey, nil
		}, jwt.WithValidMethods([]string{"RS256"}))
		require.NoError(t, err)
		issuer, err := parsed.Claims.GetIssuer()
		require.NoError(t, err)
		assert.Equal(t, "Iv1.test123", issuer)

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"token": "ghs_installation_token", "expires_at": "` +
			time.Now().Add(time.Hour).UTC().Format(time.RFC3339) + `"}`))
	}))
	t.Cleanup(server.Close)

	auth, err := NewAppAuth("Iv1.test123", keyPath, server.URL)
	require.NoError(t, err)

	token, err := auth.Token(context.Background(), 1001)
	require.NoError(t, err)
	assert.Equal(t, "ghs_installation_token", token)

	// Second call within the expiry window must hit the cache.
	token, err = auth.Token(context.Background(), 1001)
	require.NoError(t, err)
	assert.Equal(t, "ghs_installation_token", token)
	assert.Equal(t, 1, requests)
}

func TestAppAuth_TokenRefreshAfterExpiry(t *testing.T) {
	keyPath, _ := writeTestPrivateKey(t)

	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusCreated)
		// Already inside the expiry slack, so the next call must re-fetch.
		_, _ = w.Write([]byte(`{"token": "ghs_short_lived", "expires_at": "` +
			time.Now().Add(30 * time.Second).UTC().Format(time.RFC3339) + `"}`))
	}))
	t.Cleanup(server.Close)

	auth, err := NewAppAuth("Iv1.test123", keyPath, server.URL)
	require.NoError(t, err)

	_, err = auth.Token(context.Background(), 1001)
	require.NoError(t, err)
	_, err = auth.Token(context.Background(), 1001)
	require.NoError(t, err)

	assert.Equal(t, 2, requests)
}

func TestAppAuth_TokenFetchDoesNotBlockOtherInstallations(t *testing.T) {
	keyPath, _ := writeTestPrivateKey(t)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/installations/1/") {
			started <- struct{}{}
			<-release
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"token": "ghs_tok", "expires_at": "` +
			time.Now().Add(time.Hour).UTC().Format(time.RFC3339) + `"}`))
	}))
	t.Cleanup(server.Close)

	auth, err := NewAppAuth("Iv1.test123", keyPath, server.URL)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := auth.Token(context.Background(), 1)
		done <- err
	}()
	<-started

	// While installation 1's exchange is parked on the server, installation
	// 2 must still get its token.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	token, err := auth.Token(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "ghs_tok", token)

	close(release)
	require.NoError(t, <-done)
}

func TestAppAuth_TokenExchangeFailure(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantRetryable bool
	}{
		{"installation not found", http.StatusNotFound, false},
		{"bad app credentials", http.StatusUnauthorized, false},
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusServiceUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keyPath, _ := writeTestPrivateKey(t)

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			t.Cleanup(server.Close)

			auth, err := NewAppAuth("Iv1.test123", keyPath, server.URL)
			require.NoError(t, err)

			_, err = auth.Token(context.Background(), 1001)
			require.Error(t, err)

			var apiErr *driven.APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.wantRetryable, apiErr.Retryable)
			assert.Equal(t, tt.status, apiErr.StatusCode)
		})
	}
}

func TestGateway_TokenExchangeNotFoundIsPermanent(t *testing.T) {
	// The exchange failure happens inside the transport, so the Checks API
	// call fails with no response. That must still classify as permanent, not
	// as a transient transport error.
	keyPath, _ := writeTestPrivateKey(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(server.Close)

	auth, err := NewAppAuth("Iv1.test123", keyPath, server.URL)
	require.NoError(t, err)
	gateway := NewGateway(auth, server.URL)

	_, err = gateway.CreateCheckRun(context.Background(), model.CheckExecutionArgs{
		RepoOwner:      "octocat",
		RepoName:       "widgets",
		CommitSHA:      "a94a8fe5ccb19ba61c4c0873d391e987982fbbd3",
		CheckName:      "ArchGuard",
		InstallationID: 99,
	})
	require.Error(t, err)

	var apiErr *driven.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.False(t, apiErr.Retryable)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestNewAppAuth_InvalidKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0o600))

	_, err := NewAppAuth("Iv1.test123", path, "https://api.github.com")
	assert.Error(t, err)
}
