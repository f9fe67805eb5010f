package webnode

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"github.com/rmacdonaldsmith/meshweb/internal/config"
	"github.com/rmacdonaldsmith/meshweb/internal/httpapi"
	"github.com/rmacdonaldsmith/meshweb/pkg/web"
	"github.com/rmacdonaldsmith/meshweb/pkg/webnode"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig() *config.Config {
	cfg := config.Default().WithNodeID("test-node").WithListen("127.0.0.1:0")
	cfg.AccessLog.Enabled = false
	return cfg
}

func startNode(t *testing.T, cfg *config.Config, logger *slog.Logger) *Node {
	t.Helper()

	node, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("Expected no error creating node, got %v", err)
	}
	if err := node.Start(context.Background()); err != nil {
		t.Fatalf("Expected no error starting node, got %v", err)
	}
	t.Cleanup(func() { _ = node.Close() })
	return node
}

func get(t *testing.T, node *Node, path, authorization string) (*http.Response, string) {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, "http://"+node.Addr()+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, string(body)
}

func reply(s string) web.Handler {
	return func(context.Context, *web.Event) (any, error) { return s, nil }
}

// TestNode_StartStopClose tests the lifecycle methods
func TestNode_StartStopClose(t *testing.T) {
	node, err := New(testConfig(), nil)
	if err != nil {
		t.Fatalf("Expected no error creating node, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := node.Start(ctx); err != nil {
		t.Fatalf("Expected no error starting node, got %v", err)
	}
	if node.Addr() == "" {
		t.Error("Expected a listen address after Start()")
	}

	// Test idempotent Start
	if err := node.Start(ctx); err != nil {
		t.Errorf("Expected no error from idempotent Start(), got %v", err)
	}

	if err := node.Stop(ctx); err != nil {
		t.Fatalf("Expected no error stopping node, got %v", err)
	}
	if node.Addr() != "" {
		t.Error("Expected no listen address after Stop()")
	}
	if node.GetRouteTable().Len() != 0 {
		t.Errorf("Expected node routes removed by Stop(), got %d", node.GetRouteTable().Len())
	}

	// Test idempotent Stop
	if err := node.Stop(ctx); err != nil {
		t.Errorf("Expected no error from idempotent Stop(), got %v", err)
	}

	// A stopped node can be started again
	if err := node.Start(ctx); err != nil {
		t.Fatalf("Expected restart to succeed, got %v", err)
	}

	if err := node.Close(); err != nil {
		t.Fatalf("Expected no error closing node, got %v", err)
	}
	if err := node.Close(); err != nil {
		t.Errorf("Expected no error from idempotent Close(), got %v", err)
	}

	err = node.Start(ctx)
	if err == nil || !strings.Contains(err.Error(), "closed") {
		t.Errorf("Expected error starting closed node, got %v", err)
	}
	if _, err := node.Bind(ctx, "/x:index", "x", reply("x")); err == nil {
		t.Error("Expected error binding on closed node")
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	if _, err := New(nil, nil); err == nil {
		t.Error("Expected error for nil config")
	}

	cfg := testConfig()
	cfg.Channel = "/bad"
	if _, err := New(cfg, nil); err == nil {
		t.Error("Expected error for invalid config")
	}
}

func TestNode_ServesBoundHandlers(t *testing.T) {
	node := startNode(t, testConfig(), nil)
	ctx := context.Background()

	if _, err := node.Bind(ctx, "/hello:index", "hello", reply("Hello World!")); err != nil {
		t.Fatal(err)
	}
	id, err := node.Bind(ctx, "/hello:world", "world", reply("world"))
	if err != nil {
		t.Fatal(err)
	}

	resp, body := get(t, node, "/hello", "")
	if resp.StatusCode != http.StatusOK || body != "Hello World!" {
		t.Errorf("Expected Hello World!, got %d %q", resp.StatusCode, body)
	}

	_, body = get(t, node, "/hello/world", "")
	if body != "world" {
		t.Errorf("Expected literal segment to select event, got %q", body)
	}

	if err := node.Unbind(ctx, id); err != nil {
		t.Fatal(err)
	}
	resp, _ = get(t, node, "/nothing/here", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unrouted path, got %d", resp.StatusCode)
	}
}

func TestNode_Health(t *testing.T) {
	node := startNode(t, testConfig(), nil)

	resp, body := get(t, node, "/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON, got %q", ct)
	}

	var health webnode.HealthStatus
	if err := sonic.Unmarshal([]byte(body), &health); err != nil {
		t.Fatalf("Invalid health JSON %q: %v", body, err)
	}
	if !health.Healthy || health.NodeID != "test-node" {
		t.Errorf("Unexpected health %+v", health)
	}
	if health.Routes == 0 {
		t.Error("Expected health and metrics routes to be counted")
	}
	if len(health.Mounts) != 1 || health.Mounts[0] != "/metrics" {
		t.Errorf("Expected metrics mount, got %v", health.Mounts)
	}
}

func TestNode_GetHealthWhenStopped(t *testing.T) {
	node, err := New(testConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer node.Close()

	health, err := node.GetHealth(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if health.Healthy || health.Started {
		t.Errorf("Expected stopped node to be unhealthy, got %+v", health)
	}
	if health.Message != "node is stopped" {
		t.Errorf("Unexpected message %q", health.Message)
	}
}

func TestNode_Metrics(t *testing.T) {
	node := startNode(t, testConfig(), nil)
	if _, err := node.Bind(context.Background(), "/hello:index", "hello", reply("hi")); err != nil {
		t.Fatal(err)
	}

	get(t, node, "/hello", "")
	get(t, node, "/missing/page", "")

	resp, body := get(t, node, "/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 from metrics, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, `meshweb_requests_total{channel="/hello:index",code="200"} 1`) {
		t.Errorf("Expected request counter for /hello:index, got:\n%s", body)
	}
	if !strings.Contains(body, `code="404"`) {
		t.Error("Expected a 404 sample")
	}
	if !strings.Contains(body, "meshweb_routes") {
		t.Error("Expected the routes gauge")
	}
}

func TestNode_MetricsDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Enabled = false
	node := startNode(t, cfg, nil)

	resp, _ := get(t, node, "/metrics", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 without metrics, got %d", resp.StatusCode)
	}
}

func TestNode_AuthGuard(t *testing.T) {
	cfg := testConfig().WithAuth("node-secret", config.ProtectedPath{Prefix: "/private"})
	node := startNode(t, cfg, nil)
	if _, err := node.Bind(context.Background(), "/private:index", "private", reply("secret stuff")); err != nil {
		t.Fatal(err)
	}

	resp, _ := get(t, node, "/private", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Expected 401 without token, got %d", resp.StatusCode)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Error("Expected WWW-Authenticate challenge")
	}

	loginResp, err := http.PostForm("http://"+node.Addr()+"/auth/login", url.Values{"client_id": {"tester"}})
	if err != nil {
		t.Fatal(err)
	}
	defer loginResp.Body.Close()
	data, _ := io.ReadAll(loginResp.Body)
	if loginResp.StatusCode != http.StatusOK {
		t.Fatalf("Expected login to succeed, got %d %s", loginResp.StatusCode, data)
	}

	var auth httpapi.AuthResponse
	if err := sonic.Unmarshal(data, &auth); err != nil {
		t.Fatalf("Invalid login JSON: %v", err)
	}

	resp, body := get(t, node, "/private", "Bearer "+auth.Token)
	if resp.StatusCode != http.StatusOK || body != "secret stuff" {
		t.Errorf("Expected access with token, got %d %q", resp.StatusCode, body)
	}
}

func TestNode_AuthGuardCoversEquivalentPaths(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "admin"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "admin", "secret.txt"), []byte("TOPSECRET"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig().WithDocRoot(root).WithAuth("node-secret", config.ProtectedPath{Prefix: "/admin"})
	node := startNode(t, cfg, nil)
	if _, err := node.Bind(context.Background(), "/admin:index", "admin", reply("ADMIN-ROUTE")); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{
		"/admin",
		"//admin",
		"/admin/secret.txt",
		"//admin//secret.txt",
		"/x/../admin/secret.txt",
		"/admin%2Fsecret.txt",
	} {
		resp, body := get(t, node, path, "")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("GET %s: expected 401 without token, got %d %q", path, resp.StatusCode, body)
		}
	}
}

func TestNode_RemoteMount(t *testing.T) {
	var seenPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenPath = r.URL.Path
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "from upstream")
	}))
	defer upstream.Close()

	node := startNode(t, testConfig().WithMount("/legacy", upstream.URL), nil)

	resp, body := get(t, node, "/legacy/a/b", "")
	if resp.StatusCode != http.StatusOK || body != "from upstream" {
		t.Fatalf("Expected upstream body, got %d %q", resp.StatusCode, body)
	}
	if seenPath != "/a/b" {
		t.Errorf("Expected upstream to see /a/b, got %q", seenPath)
	}

	health, _ := node.GetHealth(context.Background())
	if len(health.Mounts) != 2 {
		t.Errorf("Expected legacy and metrics mounts, got %v", health.Mounts)
	}
}

func TestNode_MountRequiresRunningNode(t *testing.T) {
	node, err := New(testConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer node.Close()

	if err := node.Mount(context.Background(), "/app", nil); err == nil {
		t.Error("Expected error mounting on stopped node")
	}
}

func TestNode_AccessLog(t *testing.T) {
	var out syncBuffer
	logger := slog.New(slog.NewTextHandler(&out, nil))

	cfg := testConfig()
	cfg.AccessLog.Enabled = true
	node := startNode(t, cfg, logger)
	if _, err := node.Bind(context.Background(), "/hello:index", "hello", reply("hi")); err != nil {
		t.Fatal(err)
	}

	get(t, node, "/hello?x=1", "")

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), "msg=access") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	logged := out.String()
	if !strings.Contains(logged, "msg=access") {
		t.Fatalf("Expected an access record, got:\n%s", logged)
	}
	if !strings.Contains(logged, "channel=/hello:index") || !strings.Contains(logged, "code=200") {
		t.Errorf("Expected channel and code in access record, got:\n%s", logged)
	}
}
