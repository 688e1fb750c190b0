// Package identity resolves Pi bearer credentials into user identities.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pi-faucet/internal/observability"
)

// DefaultTimeout bounds a single /me round trip.
const DefaultTimeout = 10 * time.Second

var (
	// ErrUnauthorized is returned when the provider rejects the credential.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrCredentialRequired is returned for an empty bearer credential.
	ErrCredentialRequired = errors.New("credential required")
)

// User is the identity behind a bearer credential.
type User struct {
	UID           string `json:"uid"`
	Username      string `json:"username"`
	WalletAddress string `json:"wallet_address,omitempty"`
}

// Provider resolves a bearer credential.
type Provider interface {
	Me(ctx context.Context, bearer string) (*User, error)
}

// Client implements Provider against the Pi platform API.
type Client struct {
	baseURL string
	client  *http.Client
}

// Compile-time interface check.
var _ Provider = (*Client)(nil)

// ClientOption configures Client.
type ClientOption func(*Client)

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.client.Timeout = d
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

// NewClient creates a client for the API rooted at baseURL (PI_API_URL).
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Me returns the user owning bearer.
func (c *Client) Me(ctx context.Context, bearer string) (*User, error) {
	if strings.TrimSpace(bearer) == "" {
		return nil, ErrCredentialRequired
	}

	start := time.Now()
	defer func() {
		observability.RecordIdentityLatency(time.Since(start).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/me", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var user User
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if user.UID == "" {
		return nil, fmt.Errorf("%w: response missing uid", ErrUnauthorized)
	}
	return &user, nil
}
