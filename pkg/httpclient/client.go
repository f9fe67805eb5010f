package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bytedance/sonic"
)

// Client talks to a running node over HTTP
type Client struct {
	config     Config
	httpClient *http.Client
	token      string
	baseURL    *url.URL
}

// NewClient creates a new client
func NewClient(config Config) (*Client, error) {
	config.SetDefaults()

	if config.ServerURL == "" {
		return nil, fmt.Errorf("ServerURL is required")
	}

	baseURL, err := url.Parse(config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ServerURL: %w", err)
	}
	if baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("invalid ServerURL %q: scheme and host are required", config.ServerURL)
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		baseURL:    baseURL,
	}, nil
}

// Authenticate obtains a token from the node's login handler and stores it
func (c *Client) Authenticate(ctx context.Context) (*AuthResponse, error) {
	if c.config.ClientID == "" {
		return nil, fmt.Errorf("ClientID is required to authenticate")
	}

	form := url.Values{"client_id": {c.config.ClientID}}
	if c.config.Secret != "" {
		form.Set("secret", c.config.Secret)
	}

	resp, err := c.do(ctx, http.MethodPost, c.config.LoginPath+"/login", strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("authentication failed: %w", &APIError{StatusCode: resp.StatusCode, Body: string(resp.Body)})
	}

	var auth AuthResponse
	if err := sonic.Unmarshal(resp.Body, &auth); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}

	c.token = auth.Token
	return &auth, nil
}

// GetHealth returns the node's health document. An unhealthy node answers
// 503 with the same document, which is not an error here.
func (c *Client) GetHealth(ctx context.Context) (*HealthResponse, error) {
	resp, err := c.do(ctx, http.MethodGet, c.config.HealthPath, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get health status: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}

	var health HealthResponse
	if err := sonic.Unmarshal(resp.Body, &health); err != nil {
		return nil, fmt.Errorf("failed to parse health: %w", err)
	}
	return &health, nil
}

// Get fetches path, sending the stored token if there is one
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, nil, "")
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*Response, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path %q: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(ref).String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// IsAuthenticated returns whether the client has a token
func (c *Client) IsAuthenticated() bool {
	return c.token != ""
}

// GetToken returns the current authentication token
func (c *Client) GetToken() string {
	return c.token
}

// SetToken sets the authentication token (useful for testing or token reuse)
func (c *Client) SetToken(token string) {
	c.token = token
}
