package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/rmacdonaldsmith/meshweb/pkg/web"
)

// HandlerApp runs a net/http handler in-process as an App. The handler sees
// the mount-relative PATH_INFO as its URL path.
func HandlerApp(h http.Handler) App {
	return AppFunc(func(ctx context.Context, env web.Environ, start StartResponse) ([][]byte, error) {
		req, err := NewHTTPRequest(ctx, env, nil)
		if err != nil {
			return nil, err
		}
		req.URL.Path = env.String(KeyPathInfo)
		if req.URL.Path == "" {
			req.URL.Path = "/"
		}
		req.RequestURI = req.URL.RequestURI()

		w := &bufferedWriter{header: make(http.Header)}
		h.ServeHTTP(w, req)

		start(w.status(), w.items())
		return [][]byte{w.body.Bytes()}, nil
	})
}

// bufferedWriter collects a handler's response in memory.
type bufferedWriter struct {
	header http.Header
	code   int
	body   bytes.Buffer
}

func (w *bufferedWriter) Header() http.Header { return w.header }

func (w *bufferedWriter) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
}

func (w *bufferedWriter) Write(p []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	return w.body.Write(p)
}

func (w *bufferedWriter) status() string {
	code := w.code
	if code == 0 {
		code = http.StatusOK
	}
	return fmt.Sprintf("%d %s", code, http.StatusText(code))
}

func (w *bufferedWriter) items() []web.Header {
	if w.header.Get("Content-Type") == "" && w.body.Len() > 0 {
		w.header.Set("Content-Type", http.DetectContentType(w.body.Bytes()))
	}
	return headerItems(w.header)
}

// RemoteConfig configures a RemoteApp.
type RemoteConfig struct {
	// BaseURL is the upstream the mount forwards to (e.g. "http://localhost:9000/api")
	BaseURL string

	// Timeout bounds each forwarded request
	Timeout time.Duration

	// Client overrides the HTTP client; Timeout is ignored when set
	Client *http.Client
}

// SetDefaults sets reasonable default values for the config
func (c *RemoteConfig) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

// hopHeaders are connection-level headers not forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// RemoteApp forwards each call to an upstream HTTP server. The upstream sees
// BaseURL joined with SCRIPT_NAME-relative PATH_INFO.
func RemoteApp(config RemoteConfig) (App, error) {
	config.SetDefaults()

	if config.BaseURL == "" {
		return nil, fmt.Errorf("BaseURL is required")
	}
	base, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid BaseURL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid BaseURL %q: scheme and host are required", config.BaseURL)
	}

	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}

	return AppFunc(func(ctx context.Context, env web.Environ, start StartResponse) ([][]byte, error) {
		// The upstream is addressed relative to the mount, not the inbound script name
		forward := make(web.Environ, len(env))
		for k, v := range env {
			forward[k] = v
		}
		forward[KeyScriptName] = ""

		req, err := NewHTTPRequest(ctx, forward, base)
		if err != nil {
			return nil, err
		}
		for _, h := range hopHeaders {
			req.Header.Del(h)
		}
		if ip := env.String(KeyRemoteAddr); ip != "" {
			req.Header.Add("X-Forwarded-For", ip)
		}
		if host := env.String(HeaderKey("Host")); host != "" {
			req.Header.Set("X-Forwarded-Host", host)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("upstream request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read upstream response: %w", err)
		}

		for _, h := range hopHeaders {
			resp.Header.Del(h)
		}
		resp.Header.Del("Content-Length")

		start(fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode)), headerItems(resp.Header))
		return [][]byte{body}, nil
	}), nil
}

func headerItems(h http.Header) []web.Header {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	items := make([]web.Header, 0, len(names))
	for _, name := range names {
		for _, v := range h[name] {
			items = append(items, web.Header{Name: name, Value: v})
		}
	}
	return items
}
