package github

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ericfisherdev/archguard/internal/domain/port/driven"
)

// tokenExpirySlack is how long before the advertised expiry a cached
// installation token is considered stale. GitHub tokens live for an hour;
// refreshing a minute early avoids racing the expiry on slow calls.
const tokenExpirySlack = time.Minute

// AppAuth exchanges a GitHub App's private key for installation access tokens
// and caches them per installation until shortly before expiry.
type AppAuth struct {
	clientID   string
	key        *rsa.PrivateKey
	baseURL    string
	httpClient *http.Client

	// mu guards the map only; each entry carries its own lock so a slow
	// token exchange for one installation never blocks the others.
	mu     sync.Mutex
	tokens map[int64]*installationToken
}

type installationToken struct {
	mu        sync.Mutex
	value     string
	expiresAt time.Time
}

type accessTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewAppAuth reads and parses the App's PEM private key and returns an
// authenticator against the given API base URL (no trailing slash).
func NewAppAuth(clientID, privateKeyPath, baseURL string) (*AppAuth, error) {
	pem, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key file %q: %w", privateKeyPath, err)
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parse private key from PEM: %w", err)
	}

	return &AppAuth{
		clientID:   clientID,
		key:        key,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		tokens:     map[int64]*installationToken{},
	}, nil
}

// appJWT signs a short-lived RS256 JWT identifying the App itself.
func (a *AppAuth) appJWT() (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		// Backdate iat to tolerate clock skew between us and GitHub.
		"iat": jwt.NewNumericDate(now.Add(-30 * time.Second)),
		// The JWT is used for a single token exchange, so keep it short-lived.
		"exp": jwt.NewNumericDate(now.Add(5 * time.Minute)),
		"iss": a.clientID,
	})
	return token.SignedString(a.key)
}

// Token returns an installation access token scoped to installationID,
// reusing the cached token while it remains valid.
func (a *AppAuth) Token(ctx context.Context, installationID int64) (string, error) {
	a.mu.Lock()
	entry, ok := a.tokens[installationID]
	if !ok {
		entry = &installationToken{}
		a.tokens[installationID] = entry
	}
	a.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.value != "" && time.Now().Before(entry.expiresAt.Add(-tokenExpirySlack)) {
		return entry.value, nil
	}

	appJWT, err := a.appJWT()
	if err != nil {
		return "", fmt.Errorf("sign app JWT: %w", err)
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", a.baseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", fmt.Errorf("create access token request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("Authorization", "Bearer "+appJWT)

	res, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request installation access token: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusCreated {
		// Classify here so a 404 (installation not found) or 401 surfaces as
		// permanent instead of being retried through the whole backoff budget.
		retryable := res.StatusCode >= http.StatusInternalServerError || res.StatusCode == http.StatusTooManyRequests
		return "", &driven.APIError{
			Retryable:  retryable,
			StatusCode: res.StatusCode,
			Err:        fmt.Errorf("installation access token request for installation %d failed with status %d", installationID, res.StatusCode),
		}
	}

	var tokenRes accessTokenResponse
	if err := json.NewDecoder(res.Body).Decode(&tokenRes); err != nil {
		return "", fmt.Errorf("decode installation access token response: %w", err)
	}

	entry.value = tokenRes.Token
	entry.expiresAt = tokenRes.ExpiresAt

	return tokenRes.Token, nil
}

// installationTransport injects the installation access token into outgoing
// API requests, refreshing it through AppAuth as needed.
type installationTransport struct {
	auth           *AppAuth
	installationID int64
	base           http.RoundTripper
}

func (t *installationTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.auth.Token(req.Context(), t.installationID)
	if err != nil {
		return nil, fmt.Errorf("installation %d token: %w", t.installationID, err)
	}

	// Per RoundTripper contract the request must not be mutated in place.
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+token)
	return t.base.RoundTrip(clone)
}
