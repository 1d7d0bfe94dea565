// Package token obtains short-lived, connection-scoped websocket credentials
// from the backend. Tokens live for minutes and are bound to one connection
// attempt, so there is deliberately no caching: every call fetches fresh.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"telemed-chat-client/internal/auth"
)

var (
	// ErrTokenRequestFailed covers any non-2xx response from the token
	// endpoint. Terminal for the current connection attempt.
	ErrTokenRequestFailed = errors.New("websocket token request failed")

	// ErrTokenMissing means the response decoded but carried no token field.
	ErrTokenMissing = errors.New("websocket token missing from response")

	// ErrAccessTokenExpired means the session credential is already dead,
	// so dialing would only burn a connection attempt.
	ErrAccessTokenExpired = errors.New("access token expired, re-login required")
)

type Provider interface {
	FetchConnectionToken(ctx context.Context, consultationId int64) (string, error)
}

type wsTokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

// HTTPProvider fetches tokens from GET {base}/api/ws-token with Bearer auth.
type HTTPProvider struct {
	baseURL string
	creds   *auth.Credentials
	client  *http.Client
}

func NewHTTPProvider(baseURL string, creds *auth.Credentials) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		creds:   creds,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *HTTPProvider) FetchConnectionToken(ctx context.Context, consultationId int64) (string, error) {
	if p.creds.Expired() {
		return "", ErrAccessTokenExpired
	}

	url := fmt.Sprintf("%s/api/ws-token?consultation_id=%d", p.baseURL, consultationId)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.creds.AccessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenRequestFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain so the connection can be reused.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: status %d", ErrTokenRequestFailed, resp.StatusCode)
	}

	var body wsTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenMissing, err)
	}
	if body.Token == "" {
		return "", ErrTokenMissing
	}

	return body.Token, nil
}
