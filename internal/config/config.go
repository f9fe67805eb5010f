// Package config loads and validates the node configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rmacdonaldsmith/meshweb/pkg/routetable"
)

var (
	// ErrEmptyNodeID is returned when node ID is empty
	ErrEmptyNodeID = errors.New("node ID cannot be empty")
	// ErrInvalidListenAddress is returned when listen address is invalid
	ErrInvalidListenAddress = errors.New("listen address cannot be empty")
	// ErrInvalidChannel is returned when the gateway channel is unusable
	ErrInvalidChannel = errors.New("gateway channel must be non-empty and must not start with '/' or contain ':'")
	// ErrMissingSecret is returned when auth is enabled without a secret
	ErrMissingSecret = errors.New("auth secret cannot be empty when auth is enabled")
)

// Config represents configuration for a node
type Config struct {
	// NodeID identifies this node in logs and health output
	NodeID string `yaml:"node_id"`

	// Listen is the HTTP listen address (e.g., ":8080")
	Listen string `yaml:"listen"`

	// Channel is the bus channel prefix of the inbound gateway
	Channel string `yaml:"channel"`

	Static StaticConfig `yaml:"static"`

	// MaxBodySize limits decoded request bodies in bytes
	MaxBodySize int64 `yaml:"max_body_size"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// HealthPath is the scope the health channel is bound under
	HealthPath string `yaml:"health_path"`

	Metrics   MetricsConfig   `yaml:"metrics"`
	AccessLog AccessLogConfig `yaml:"access_log"`
	Auth      AuthConfig      `yaml:"auth"`
	Mounts    []MountConfig   `yaml:"mounts"`
	Log       LogConfig       `yaml:"log"`
}

// StaticConfig configures static file serving
type StaticConfig struct {
	// Root is the document root; empty disables static serving
	Root        string        `yaml:"root"`
	Defaults    []string      `yaml:"defaults"`
	CacheMaxAge time.Duration `yaml:"cache_max_age"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// AccessLogConfig configures the access log stream
type AccessLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Topic   string `yaml:"topic"`
	Buffer  int64  `yaml:"buffer"`
}

// AuthConfig configures token issuing and the request guard
type AuthConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Secret   string        `yaml:"secret"`
	Issuer   string        `yaml:"issuer"`
	TokenTTL time.Duration `yaml:"token_ttl"`

	// LoginPath is the scope the login handler is bound under
	LoginPath string `yaml:"login_path"`

	Protected []ProtectedPath   `yaml:"protected"`
	Clients   map[string]string `yaml:"clients"`
	Admins    []string          `yaml:"admins"`
}

// ProtectedPath is a path prefix requiring a token
type ProtectedPath struct {
	Prefix string `yaml:"prefix"`
	Admin  bool   `yaml:"admin"`
}

// MountConfig forwards a path to an upstream HTTP server
type MountConfig struct {
	Path    string        `yaml:"path"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// LogConfig configures the process logger
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with safe defaults
func Default() *Config {
	c := &Config{
		Metrics:   MetricsConfig{Enabled: true},
		AccessLog: AccessLogConfig{Enabled: true},
	}
	c.SetDefaults()
	return c
}

// Load reads a YAML configuration file over the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	c := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	c.SetDefaults()
	return c, nil
}

// SetDefaults fills unset fields
func (c *Config) SetDefaults() {
	if c.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			c.NodeID = host
		} else {
			c.NodeID = "meshweb"
		}
	}
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Channel == "" {
		c.Channel = "web"
	}
	if len(c.Static.Defaults) == 0 {
		c.Static.Defaults = []string{"index.html"}
	}
	if c.Static.CacheMaxAge == 0 {
		c.Static.CacheMaxAge = 30 * 24 * time.Hour
	}
	if c.MaxBodySize == 0 {
		c.MaxBodySize = 10 << 20
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 120 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.HealthPath == "" {
		c.HealthPath = "/health"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.AccessLog.Topic == "" {
		c.AccessLog.Topic = "meshweb.access"
	}
	if c.AccessLog.Buffer == 0 {
		c.AccessLog.Buffer = 256
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}
	if c.Auth.LoginPath == "" {
		c.Auth.LoginPath = "/auth"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate validates the configuration and returns every problem found
func (c *Config) Validate() error {
	var errs []error

	if c.NodeID == "" {
		errs = append(errs, ErrEmptyNodeID)
	}
	if c.Listen == "" {
		errs = append(errs, ErrInvalidListenAddress)
	}
	if c.Channel == "" || strings.HasPrefix(c.Channel, "/") || strings.ContainsRune(c.Channel, ':') {
		errs = append(errs, ErrInvalidChannel)
	}
	if c.MaxBodySize < 0 {
		errs = append(errs, errors.New("max_body_size cannot be negative"))
	}

	scopes := map[string]string{"health_path": c.HealthPath}
	if c.Metrics.Enabled {
		scopes["metrics.path"] = c.Metrics.Path
	}
	if c.Auth.Enabled {
		scopes["auth.login_path"] = c.Auth.LoginPath
		if c.Auth.Secret == "" {
			errs = append(errs, ErrMissingSecret)
		}
		for i, p := range c.Auth.Protected {
			if !strings.HasPrefix(p.Prefix, "/") {
				errs = append(errs, fmt.Errorf("auth.protected[%d]: prefix %q must begin with '/'", i, p.Prefix))
			}
		}
	}
	for name, scope := range scopes {
		if err := routetable.ValidateScope(scope); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	seen := make(map[string]bool)
	for i, m := range c.Mounts {
		if err := routetable.ValidateScope(m.Path); err != nil {
			errs = append(errs, fmt.Errorf("mounts[%d].path: %w", i, err))
		}
		if seen[m.Path] {
			errs = append(errs, fmt.Errorf("mounts[%d]: duplicate path %s", i, m.Path))
		}
		seen[m.Path] = true

		u, err := url.Parse(m.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("mounts[%d].url: %q is not an absolute URL", i, m.URL))
		}
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}

	return errors.Join(errs...)
}

// WithNodeID sets the node ID
func (c *Config) WithNodeID(id string) *Config {
	c.NodeID = id
	return c
}

// WithListen sets the listen address
func (c *Config) WithListen(addr string) *Config {
	c.Listen = addr
	return c
}

// WithDocRoot sets the static document root
func (c *Config) WithDocRoot(root string) *Config {
	c.Static.Root = root
	return c
}

// WithAuth enables the guard and login handler with secret
func (c *Config) WithAuth(secret string, protected ...ProtectedPath) *Config {
	c.Auth.Enabled = true
	c.Auth.Secret = secret
	c.Auth.Protected = append(c.Auth.Protected, protected...)
	return c
}

// WithMount adds an upstream mount
func (c *Config) WithMount(path, upstream string) *Config {
	c.Mounts = append(c.Mounts, MountConfig{Path: path, URL: upstream})
	return c
}

// NewLogger builds the process logger described by the log section
func (c *Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", s, err)
	}
	return level, nil
}
