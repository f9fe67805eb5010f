// Package gateway adapts between the environment-map calling convention and
// the request pipeline.
//
// An App is called with an Environ and a StartResponse callback and returns
// the response body as byte chunks. Application is the inbound side: it turns
// one call into a request dispatched on the event bus. Mount is the outbound
// side: it exposes an App as the target of a routable channel.
package gateway

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/rmacdonaldsmith/meshweb/pkg/web"
)

// Well-known environment keys.
const (
	KeyRequestMethod  = "REQUEST_METHOD"
	KeyScriptName     = "SCRIPT_NAME"
	KeyPathInfo       = "PATH_INFO"
	KeyQueryString    = "QUERY_STRING"
	KeyContentType    = "CONTENT_TYPE"
	KeyContentLength  = "CONTENT_LENGTH"
	KeyServerName     = "SERVER_NAME"
	KeyServerPort     = "SERVER_PORT"
	KeyServerProtocol = "SERVER_PROTOCOL"
	KeyRemoteAddr     = "REMOTE_ADDR"
	KeyRemotePort     = "REMOTE_PORT"

	KeyInput        = "gateway.input"
	KeyErrors       = "gateway.errors"
	KeyURLScheme    = "gateway.url_scheme"
	KeyVersion      = "gateway.version"
	KeyMultithread  = "gateway.multithread"
	KeyMultiprocess = "gateway.multiprocess"
	KeyRunOnce      = "gateway.run_once"

	// HeaderPrefix prefixes request headers re-encoded into the environment
	HeaderPrefix = "HTTP_"
)

// Version is the calling convention version placed in KeyVersion.
var Version = [2]int{1, 0}

// StartResponse records the status line and headers of an App's response.
type StartResponse func(status string, headers []web.Header)

// App is a handler in the environment-map calling convention.
type App interface {
	Call(ctx context.Context, env web.Environ, start StartResponse) ([][]byte, error)
}

// AppFunc adapts a function to App.
type AppFunc func(ctx context.Context, env web.Environ, start StartResponse) ([][]byte, error)

// Call implements App.
func (f AppFunc) Call(ctx context.Context, env web.Environ, start StartResponse) ([][]byte, error) {
	return f(ctx, env, start)
}

// knownHeaders maps environment keys that do not carry HeaderPrefix, or whose
// name cannot be recovered from it, to header names.
var knownHeaders = map[string]string{
	"HTTP_CGI_AUTHORIZATION": "Authorization",
	KeyContentLength:         "Content-Length",
	KeyContentType:           "Content-Type",
	"REMOTE_HOST":            "Remote-Host",
	KeyRemoteAddr:            "Remote-Addr",
}

// TranslateHeaders recovers request headers from env. Keys are visited in
// sorted order so the result is deterministic.
func TranslateHeaders(env web.Environ) *web.Headers {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	headers := web.NewHeaders()
	for _, key := range keys {
		value, ok := env[key].(string)
		if !ok {
			continue
		}
		if name, ok := knownHeaders[key]; ok {
			headers.Add(name, value)
			continue
		}
		if strings.HasPrefix(key, HeaderPrefix) {
			name := strings.ReplaceAll(key[len(HeaderPrefix):], "_", "-")
			headers.Add(name, value)
		}
	}
	return headers
}

// HeaderKey encodes a header name as its environment key.
func HeaderKey(name string) string {
	return HeaderPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// ParseProtocol parses "HTTP/major.minor". Anything unparseable is HTTP/1.1.
func ParseProtocol(s string) web.Protocol {
	if major, minor, ok := http.ParseHTTPVersion(s); ok {
		return web.Protocol{Major: major, Minor: minor}
	}
	return web.Protocol{Major: 1, Minor: 1}
}

// NewRequest builds the Request and Response for one call from env.
func NewRequest(env web.Environ) (*web.Request, *web.Response) {
	path := env.String(KeyPathInfo)
	if path == "" {
		path = "/"
	}

	req := web.NewRequest(env.String(KeyRequestMethod), path, env.String(KeyQueryString))
	req.Headers = TranslateHeaders(env)
	req.Protocol = ParseProtocol(env.String(KeyServerProtocol))
	req.ScriptName = env.String(KeyScriptName)
	req.Host = env.String(KeyServerName)
	req.ServerPort, _ = strconv.Atoi(env.String(KeyServerPort))
	req.Remote = web.Host{IP: env.String(KeyRemoteAddr)}
	req.Remote.Port, _ = strconv.Atoi(env.String(KeyRemotePort))
	req.Environ = env

	if scheme := env.String(KeyURLScheme); scheme != "" {
		req.Scheme = scheme
	}
	if body, ok := env[KeyInput].(io.Reader); ok {
		req.Body = body
	}

	req.ID = req.Headers.Get("X-Request-Id")
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	resp := web.NewResponse(req)
	resp.Gzip = AcceptsGzip(req.Headers.Get("Accept-Encoding"))
	return req, resp
}

// AcceptsGzip reports whether an Accept-Encoding header value allows gzip. A
// zero quality value refuses it.
func AcceptsGzip(header string) bool {
	for _, part := range strings.Split(header, ",") {
		coding, params, _ := strings.Cut(part, ";")
		coding = strings.TrimSpace(coding)
		if !strings.EqualFold(coding, "gzip") && coding != "*" {
			continue
		}
		q := strings.TrimSpace(params)
		if name, value, ok := strings.Cut(q, "="); ok && strings.EqualFold(strings.TrimSpace(name), "q") {
			if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil && f == 0 {
				return false
			}
		}
		return true
	}
	return false
}

// FromHTTPRequest builds an environment from a net/http request. PATH_INFO is
// percent-decoded per segment; an encoded slash inside a segment stays "%2F"
// so it is not mistaken for a separator.
func FromHTTPRequest(r *http.Request) web.Environ {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	host, port := r.Host, ""
	if h, p, err := net.SplitHostPort(r.Host); err == nil {
		host, port = h, p
	}
	if port == "" {
		port = "80"
		if scheme == "https" {
			port = "443"
		}
	}

	remoteIP, remotePort := r.RemoteAddr, ""
	if h, p, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		remoteIP, remotePort = h, p
	}

	var body io.Reader = http.NoBody
	if r.Body != nil {
		body = r.Body
	}

	env := web.Environ{
		KeyRequestMethod:  r.Method,
		KeyScriptName:     "",
		KeyPathInfo:       decodePath(r.URL.EscapedPath()),
		KeyQueryString:    r.URL.RawQuery,
		KeyServerName:     host,
		KeyServerPort:     port,
		KeyServerProtocol: r.Proto,
		KeyRemoteAddr:     remoteIP,
		KeyRemotePort:     remotePort,
		KeyInput:          body,
		KeyErrors:         io.Discard,
		KeyURLScheme:      scheme,
		KeyVersion:        Version,
		KeyMultithread:    true,
		KeyMultiprocess:   false,
		KeyRunOnce:        false,
	}

	if ct := r.Header.Get("Content-Type"); ct != "" {
		env[KeyContentType] = ct
	}
	if r.ContentLength >= 0 {
		env[KeyContentLength] = strconv.FormatInt(r.ContentLength, 10)
	}

	for name, values := range r.Header {
		switch http.CanonicalHeaderKey(name) {
		case "Content-Type", "Content-Length":
			continue
		}
		env[HeaderKey(name)] = strings.Join(values, ", ")
	}
	if r.Host != "" {
		env[HeaderKey("Host")] = r.Host
	}

	return env
}

func decodePath(escaped string) string {
	segments := strings.Split(escaped, "/")
	for i, seg := range segments {
		decoded, err := url.PathUnescape(seg)
		if err != nil {
			continue
		}
		segments[i] = strings.ReplaceAll(decoded, "/", "%2F")
	}
	path := strings.Join(segments, "/")
	if path == "" {
		return "/"
	}
	return path
}

// NewHTTPRequest builds a net/http request from env. The URL is base joined
// with SCRIPT_NAME and PATH_INFO; base may be nil for an in-process request.
func NewHTTPRequest(ctx context.Context, env web.Environ, base *url.URL) (*http.Request, error) {
	u := &url.URL{Path: "/"}
	if base != nil {
		copied := *base
		u = &copied
	}
	u.Path = joinPath(u.Path, env.String(KeyScriptName), env.String(KeyPathInfo))
	u.RawPath = ""
	u.RawQuery = env.String(KeyQueryString)

	var body io.Reader
	if r, ok := env[KeyInput].(io.Reader); ok && r != nil {
		body = r
	}

	method := env.String(KeyRequestMethod)
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	for key, value := range env {
		s, ok := value.(string)
		if !ok || !strings.HasPrefix(key, HeaderPrefix) {
			continue
		}
		name := http.CanonicalHeaderKey(strings.ReplaceAll(key[len(HeaderPrefix):], "_", "-"))
		if name == "Host" {
			continue
		}
		req.Header.Set(name, s)
	}
	if ct := env.String(KeyContentType); ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	if cl, err := strconv.ParseInt(env.String(KeyContentLength), 10, 64); err == nil {
		req.ContentLength = cl
	}

	if base == nil {
		req.Host = env.String(KeyServerName)
		if port := env.String(KeyServerPort); port != "" && port != "80" {
			req.Host = net.JoinHostPort(req.Host, port)
		}
	}
	if addr := env.String(KeyRemoteAddr); addr != "" {
		req.RemoteAddr = net.JoinHostPort(addr, env.String(KeyRemotePort))
	}
	if major, minor, ok := http.ParseHTTPVersion(env.String(KeyServerProtocol)); ok {
		req.Proto, req.ProtoMajor, req.ProtoMinor = env.String(KeyServerProtocol), major, minor
	}

	return req, nil
}

func joinPath(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p == "" {
			continue
		}
		b.WriteByte('/')
		b.WriteString(p)
	}
	if b.Len() == 0 {
		return "/"
	}
	out := b.String()
	if last := parts[len(parts)-1]; strings.HasSuffix(last, "/") && last != "/" {
		out += "/"
	}
	return out
}
