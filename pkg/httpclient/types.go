package httpclient

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rmacdonaldsmith/meshweb/pkg/webnode"
)

// Config holds client configuration
type Config struct {
	// ServerURL is the base URL of a node (e.g., "http://localhost:8080")
	ServerURL string

	// ClientID and Secret are sent to the login handler by Authenticate
	ClientID string
	Secret   string

	// LoginPath is the scope the node binds its login handler under
	LoginPath string

	// HealthPath is the scope the node binds its health handler under
	HealthPath string

	// Timeout for HTTP requests
	Timeout time.Duration
}

// SetDefaults sets reasonable default values for the config
func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.LoginPath == "" {
		c.LoginPath = "/auth"
	}
	if c.HealthPath == "" {
		c.HealthPath = "/health"
	}
}

// AuthResponse represents the response from authentication
type AuthResponse struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"clientId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// HealthResponse is the node health document
type HealthResponse = webnode.HealthStatus

// Response is a raw response from Get
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// APIError is returned for responses with an unexpected status
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Body)
}
