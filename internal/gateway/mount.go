package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/rmacdonaldsmith/meshweb/pkg/eventbus"
	"github.com/rmacdonaldsmith/meshweb/pkg/routetable"
	"github.com/rmacdonaldsmith/meshweb/pkg/web"
)

// Mounted is an App exposed as the target of "<path>:request". Its handler is
// a filtering binding, so its result is authoritative for that channel.
type Mounted struct {
	path   string
	app    App
	bus    eventbus.Bus
	id     string
	logger *slog.Logger
}

// MountOption customizes a mount.
type MountOption func(*Mounted)

// WithMountLogger sets the logger.
func WithMountLogger(l *slog.Logger) MountOption {
	return func(m *Mounted) { m.logger = l }
}

// Mount binds app on "<path>:request".
func Mount(ctx context.Context, bus eventbus.Bus, path string, app App, opts ...MountOption) (*Mounted, error) {
	if err := routetable.ValidateScope(path); err != nil {
		return nil, fmt.Errorf("invalid mount path %q: %w", path, err)
	}
	if app == nil {
		return nil, fmt.Errorf("mount %s: app cannot be nil", path)
	}

	m := &Mounted{path: path, app: app, bus: bus, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "mount", "path", path)

	id, err := bus.Bind(ctx, eventbus.Binding{
		Channel: m.Channel(),
		Name:    "mount:" + path,
		Handler: m.Handle,
		Filter:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mount %s: %w", path, err)
	}
	m.id = id

	m.logger.Info("app mounted", "channel", m.Channel())
	return m, nil
}

// Path returns the mount path.
func (m *Mounted) Path() string { return m.path }

// Channel returns the channel the app is bound on.
func (m *Mounted) Channel() string {
	return routetable.FormatChannel(m.path, web.EventRequest)
}

// Unmount removes the binding.
func (m *Mounted) Unmount(ctx context.Context) error {
	return m.bus.Unbind(ctx, m.id)
}

// Handle calls the app with an environment built from the request. Status
// and headers given to the start callback are applied to the response. The
// concatenated body is returned as text; an empty body returns the response
// itself so a bodiless status is not mistaken for "no result".
func (m *Mounted) Handle(ctx context.Context, ev *web.Event) (any, error) {
	req, resp := ev.Request, ev.Response

	start := func(status string, headers []web.Header) {
		if err := resp.SetStatusLine(status); err != nil {
			m.logger.Warn("invalid status line from app", "request_id", req.ID, "status", status, "error", err)
		}
		for _, h := range headers {
			if web.CanonicalName(h.Name) == "Content-Type" {
				resp.Headers.Set(h.Name, h.Value)
				continue
			}
			resp.Headers.Add(h.Name, h.Value)
		}
	}

	chunks, err := m.app.Call(ctx, m.Environ(req), start)
	if err != nil {
		return nil, fmt.Errorf("mounted app %s: %w", m.path, err)
	}

	body := bytes.Join(chunks, nil)
	if len(body) == 0 {
		resp.SetBody("")
		return resp, nil
	}
	return string(body), nil
}

// Environ builds the environment passed to the mounted app. SCRIPT_NAME is the
// request's script name plus the mount path and PATH_INFO is the decoded
// remainder of the request path below the mount.
func (m *Mounted) Environ(req *web.Request) web.Environ {
	serverName := req.Host
	if host, _, ok := strings.Cut(serverName, ":"); ok {
		serverName = host
	}

	var body io.Reader = http.NoBody
	if req.Body != nil {
		body = req.Body
	}

	scriptName := strings.TrimSuffix(req.ScriptName, "/")
	if m.path != routetable.RootScope {
		scriptName += m.path
	}

	env := web.Environ{
		KeyRequestMethod:  req.Method,
		KeyServerName:     serverName,
		KeyServerPort:     strconv.Itoa(req.ServerPort),
		KeyServerProtocol: req.Protocol.String(),
		KeyQueryString:    req.QueryString,
		KeyScriptName:     scriptName,
		KeyContentType:    req.Headers.Get("Content-Type"),
		KeyContentLength:  req.Headers.Get("Content-Length"),
		KeyRemoteAddr:     req.Remote.IP,
		KeyRemotePort:     strconv.Itoa(req.Remote.Port),
		KeyVersion:        Version,
		KeyInput:          body,
		KeyErrors:         io.Discard,
		KeyMultithread:    false,
		KeyMultiprocess:   false,
		KeyRunOnce:        false,
		KeyURLScheme:      req.Scheme,
		KeyPathInfo:       "/" + strings.Join(req.Args, "/"),
	}

	for _, h := range req.Headers.Items() {
		key := HeaderKey(h.Name)
		if prev, ok := env[key].(string); ok {
			env[key] = prev + ", " + h.Value
			continue
		}
		env[key] = h.Value
	}
	return env
}
