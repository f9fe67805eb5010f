package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestConfig_Default tests the defaults applied to an empty configuration
func TestConfig_Default(t *testing.T) {
	config := Default()

	if config.NodeID == "" {
		t.Error("Expected a default node ID")
	}
	if config.Listen != ":8080" {
		t.Errorf("Expected Listen ':8080', got '%s'", config.Listen)
	}
	if config.Channel != "web" {
		t.Errorf("Expected Channel 'web', got '%s'", config.Channel)
	}
	if len(config.Static.Defaults) != 1 || config.Static.Defaults[0] != "index.html" {
		t.Errorf("Expected index.html default, got %v", config.Static.Defaults)
	}
	if config.Static.CacheMaxAge != 30*24*time.Hour {
		t.Errorf("Expected 30 day cache age, got %v", config.Static.CacheMaxAge)
	}
	if config.MaxBodySize != 10<<20 {
		t.Errorf("Expected 10MiB body limit, got %d", config.MaxBodySize)
	}
	if !config.Metrics.Enabled || config.Metrics.Path != "/metrics" {
		t.Errorf("Expected metrics enabled on /metrics, got %+v", config.Metrics)
	}
	if !config.AccessLog.Enabled {
		t.Error("Expected access log enabled by default")
	}
	if config.Auth.Enabled {
		t.Error("Expected auth disabled by default")
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got %v", err)
	}
}

func TestParse(t *testing.T) {
	data := []byte(`
node_id: edge-1
listen: 127.0.0.1:9000
static:
  root: /srv/www
  cache_max_age: 1h
read_timeout: 5s
metrics:
  enabled: false
auth:
  enabled: true
  secret: s3cret
  protected:
    - prefix: /api
    - prefix: /api/admin
      admin: true
  clients:
    ops: pw
  admins: [ops]
mounts:
  - path: /legacy
    url: http://localhost:9090
    timeout: 2s
log:
  level: debug
  format: json
`)

	config, err := Parse(data)
	if err != nil {
		t.Fatalf("Expected no error parsing config, got %v", err)
	}

	if config.NodeID != "edge-1" || config.Listen != "127.0.0.1:9000" {
		t.Errorf("Unexpected node settings: %s %s", config.NodeID, config.Listen)
	}
	if config.Static.Root != "/srv/www" || config.Static.CacheMaxAge != time.Hour {
		t.Errorf("Unexpected static settings: %+v", config.Static)
	}
	if config.ReadTimeout != 5*time.Second {
		t.Errorf("Expected 5s read timeout, got %v", config.ReadTimeout)
	}
	if config.WriteTimeout != 30*time.Second {
		t.Errorf("Expected default write timeout to survive, got %v", config.WriteTimeout)
	}
	if config.Metrics.Enabled {
		t.Error("Expected metrics disabled")
	}
	if !config.AccessLog.Enabled {
		t.Error("Expected access log default to survive a partial file")
	}
	if len(config.Auth.Protected) != 2 || !config.Auth.Protected[1].Admin {
		t.Errorf("Unexpected protected paths: %+v", config.Auth.Protected)
	}
	if len(config.Mounts) != 1 || config.Mounts[0].Timeout != 2*time.Second {
		t.Errorf("Unexpected mounts: %+v", config.Mounts)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Expected parsed config to validate, got %v", err)
	}
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	if _, err := Parse([]byte("listen: :80\nlisten_addr: :81\n")); err == nil {
		t.Error("Expected error for unknown key")
	}
}

func TestParse_Empty(t *testing.T) {
	config, err := Parse(nil)
	if err != nil {
		t.Fatalf("Expected empty input to yield defaults, got %v", err)
	}
	if config.Listen != ":8080" {
		t.Errorf("Expected default listen, got %s", config.Listen)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meshweb.yaml")
	if err := os.WriteFile(path, []byte("channel: gw\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	config, err := Load(path)
	if err != nil {
		t.Fatalf("Expected no error loading config, got %v", err)
	}
	if config.Channel != "gw" {
		t.Errorf("Expected channel gw, got %s", config.Channel)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

// TestConfig_Validate tests configuration validation
func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantError bool
		errorType error
	}{
		{
			name:   "valid config",
			mutate: func(*Config) {},
		},
		{
			name:      "empty node ID",
			mutate:    func(c *Config) { c.NodeID = "" },
			wantError: true,
			errorType: ErrEmptyNodeID,
		},
		{
			name:      "empty listen address",
			mutate:    func(c *Config) { c.Listen = "" },
			wantError: true,
			errorType: ErrInvalidListenAddress,
		},
		{
			name:      "routable gateway channel",
			mutate:    func(c *Config) { c.Channel = "/web" },
			wantError: true,
			errorType: ErrInvalidChannel,
		},
		{
			name:      "channel with event separator",
			mutate:    func(c *Config) { c.Channel = "web:x" },
			wantError: true,
			errorType: ErrInvalidChannel,
		},
		{
			name:      "auth without secret",
			mutate:    func(c *Config) { c.Auth.Enabled = true },
			wantError: true,
			errorType: ErrMissingSecret,
		},
		{
			name:      "relative health path",
			mutate:    func(c *Config) { c.HealthPath = "health" },
			wantError: true,
		},
		{
			name:      "mount without scheme",
			mutate:    func(c *Config) { c.WithMount("/legacy", "localhost:9090") },
			wantError: true,
		},
		{
			name: "duplicate mount",
			mutate: func(c *Config) {
				c.WithMount("/legacy", "http://a").WithMount("/legacy", "http://b")
			},
			wantError: true,
		},
		{
			name:      "bad log level",
			mutate:    func(c *Config) { c.Log.Level = "loud" },
			wantError: true,
		},
		{
			name:      "bad log format",
			mutate:    func(c *Config) { c.Log.Format = "xml" },
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Default()
			tt.mutate(config)

			err := config.Validate()
			if tt.wantError {
				if err == nil {
					t.Errorf("Expected error for %s, got nil", tt.name)
				}
				if tt.errorType != nil && !errors.Is(err, tt.errorType) {
					t.Errorf("Expected error %v, got %v", tt.errorType, err)
				}
			} else if err != nil {
				t.Errorf("Expected no error for %s, got %v", tt.name, err)
			}
		})
	}
}

func TestConfig_ValidateReportsEveryProblem(t *testing.T) {
	config := Default()
	config.NodeID = ""
	config.Listen = ""

	err := config.Validate()
	if !errors.Is(err, ErrEmptyNodeID) || !errors.Is(err, ErrInvalidListenAddress) {
		t.Errorf("Expected both errors joined, got %v", err)
	}
}

// TestConfig_WithMethods tests the fluent configuration methods
func TestConfig_WithMethods(t *testing.T) {
	config := Default().
		WithNodeID("node-2").
		WithListen(":9999").
		WithDocRoot("/var/www").
		WithAuth("key", ProtectedPath{Prefix: "/api"}).
		WithMount("/up", "http://upstream:80")

	if config.NodeID != "node-2" || config.Listen != ":9999" {
		t.Errorf("Unexpected node settings: %s %s", config.NodeID, config.Listen)
	}
	if config.Static.Root != "/var/www" {
		t.Errorf("Expected doc root, got %s", config.Static.Root)
	}
	if !config.Auth.Enabled || config.Auth.Secret != "key" || len(config.Auth.Protected) != 1 {
		t.Errorf("Unexpected auth settings: %+v", config.Auth)
	}
	if len(config.Mounts) != 1 || config.Mounts[0].Path != "/up" {
		t.Errorf("Unexpected mounts: %+v", config.Mounts)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}
}

func TestConfig_NewLogger(t *testing.T) {
	config := Default()
	config.Log.Format = "json"
	config.Log.Level = "warn"

	var buf bytes.Buffer
	logger, err := config.NewLogger(&buf)
	if err != nil {
		t.Fatal(err)
	}

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("Expected info to be filtered at warn level")
	}
	if !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("Expected JSON output, got %q", out)
	}

	config.Log.Level = "nope"
	if _, err := config.NewLogger(&buf); err == nil {
		t.Error("Expected error for invalid level")
	}
}
