// Package auth fetches and caches DingTalk access tokens per client.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const defaultBaseURL = "https://api.dingtalk.com"

// expirySlack is subtracted from the reported token lifetime so a token is
// refreshed before the platform rejects it.
const expirySlack = 5 * time.Minute

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// TokenSource fetches access tokens, caching them until shortly before
// expiry. Safe for concurrent use across accounts.
type TokenSource struct {
	baseURL string
	httpc   *http.Client

	mu     sync.Mutex
	tokens map[string]cachedToken

	now func() time.Time
}

// Option configures a TokenSource.
type Option func(*TokenSource)

// WithBaseURL overrides the open API base, used by tests.
func WithBaseURL(base string) Option {
	return func(ts *TokenSource) { ts.baseURL = base }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(ts *TokenSource) { ts.httpc = c }
}

// NewTokenSource creates a TokenSource.
func NewTokenSource(opts ...Option) *TokenSource {
	ts := &TokenSource{
		baseURL: defaultBaseURL,
		httpc:   &http.Client{Timeout: 15 * time.Second},
		tokens:  make(map[string]cachedToken),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(ts)
	}
	return ts
}

// AccessToken returns a valid token for the client credentials, fetching a
// fresh one when the cache is empty or near expiry.
func (ts *TokenSource) AccessToken(ctx context.Context, clientID, clientSecret string) (string, error) {
	ts.mu.Lock()
	if tok, ok := ts.tokens[clientID]; ok && ts.now().Before(tok.expiresAt) {
		ts.mu.Unlock()
		return tok.value, nil
	}
	ts.mu.Unlock()

	body, err := json.Marshal(map[string]string{
		"appKey":    clientID,
		"appSecret": clientSecret,
	})
	if err != nil {
		return "", fmt.Errorf("auth: marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		ts.baseURL+"/v1.0/oauth2/accessToken", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("auth: token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth: fetch token: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth: fetch token: status %d: %s", resp.StatusCode, raw)
	}

	var out struct {
		AccessToken string `json:"accessToken"`
		ExpireIn    int64  `json:"expireIn"` // seconds
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("auth: decode token response: %w", err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("auth: empty access token in response")
	}

	ttl := time.Duration(out.ExpireIn) * time.Second
	if ttl <= expirySlack {
		ttl = expirySlack + time.Minute
	}
	ts.mu.Lock()
	ts.tokens[clientID] = cachedToken{
		value:     out.AccessToken,
		expiresAt: ts.now().Add(ttl - expirySlack),
	}
	ts.mu.Unlock()

	return out.AccessToken, nil
}

// Invalidate drops the cached token for a client, forcing a refetch.
func (ts *TokenSource) Invalidate(clientID string) {
	ts.mu.Lock()
	delete(ts.tokens, clientID)
	ts.mu.Unlock()
}
