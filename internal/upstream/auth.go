package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// TokenSource supplies bearer tokens for feed requests. Token returns the
// current token; Refresh obtains a new one after an ErrTokenExpired and
// makes it the current token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// StaticTokenSource wraps a fixed token (useful for tests and for
// deployments where the identity layer injects a long-lived service
// token via the environment). Refresh re-reads from the optional
// refresh function when provided, otherwise returns the same token.
type StaticTokenSource struct {
	mu      sync.RWMutex
	token   string
	refresh func(ctx context.Context) (string, error)
}

// NewStaticTokenSource builds a token source around a fixed token.
// refresh may be nil.
func NewStaticTokenSource(token string, refresh func(ctx context.Context) (string, error)) *StaticTokenSource {
	return &StaticTokenSource{token: token, refresh: refresh}
}

// Token returns the current token.
func (s *StaticTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, nil
}

// Refresh swaps in a new token from the refresh function when available.
func (s *StaticTokenSource) Refresh(ctx context.Context) (string, error) {
	if s.refresh == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.token, nil
	}
	tok, err := s.refresh(ctx)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.token = tok
	s.mu.Unlock()
	return tok, nil
}

// HTTPRefresh returns a refresh function that exchanges the expired token
// at the identity layer's refresh endpoint. The endpoint responds with
// {"token": "..."}.
func HTTPRefresh(url, initialToken string) func(ctx context.Context) (string, error) {
	client := &http.Client{Timeout: 15 * time.Second}
	current := initialToken

	return func(ctx context.Context) (string, error) {
		body := strings.NewReader(fmt.Sprintf(`{"token":%q}`, current))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
		if err != nil {
			return "", fmt.Errorf("building refresh request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("%w: token refresh: %v", ErrUnavailable, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return "", fmt.Errorf("token refresh returned %d: %s", resp.StatusCode, data)
		}

		var out struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("decoding refresh response: %w", err)
		}
		if out.Token == "" {
			return "", fmt.Errorf("token refresh returned empty token")
		}
		current = out.Token
		return out.Token, nil
	}
}
