// Package session resolves session tokens to user identities via the
// external session validator service.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrInvalidToken is returned when the validator rejects a session token.
var ErrInvalidToken = errors.New("invalid session token")

// Validator resolves a session token to a user ID.
type Validator interface {
	Validate(ctx context.Context, token string) (userID string, err error)
}

// HTTPValidator calls an external session validator over HTTP.
// The endpoint is expected to answer GET <base>/validate?token=... with
// {"user_id": "..."} on success and a non-200 status otherwise.
type HTTPValidator struct {
	baseURL string
	client  *http.Client
}

// NewHTTPValidator creates a validator against the given base URL.
func NewHTTPValidator(baseURL string, timeout time.Duration) *HTTPValidator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPValidator{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (v *HTTPValidator) Validate(ctx context.Context, token string) (string, error) {
	endpoint := v.baseURL + "/validate?token=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build validate request: %w", err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("session validator unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", ErrInvalidToken
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("session validator status %d", resp.StatusCode)
	}

	var body struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode validator response: %w", err)
	}
	if body.UserID == "" {
		return "", ErrInvalidToken
	}
	return body.UserID, nil
}

// Static is a fixed token→user mapping. Used in tests and dev mode.
type Static map[string]string

func (s Static) Validate(_ context.Context, token string) (string, error) {
	userID, ok := s[token]
	if !ok {
		return "", ErrInvalidToken
	}
	return userID, nil
}
