package static

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/meshweb/pkg/web"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	full := filepath.Join(dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	return full
}

func TestResolve(t *testing.T) {
	root := t.TempDir()
	page := writeFile(t, root, "docs/page.html", "<p>hi</p>")
	index := writeFile(t, root, "index.html", "home")
	require.NoError(t, os.Mkdir(filepath.Join(root, "empty"), 0o755))

	got, err := Resolve(root, "/docs/page.html", nil)
	require.NoError(t, err)
	assert.Equal(t, page, got)

	got, err = Resolve(root, "/", []string{"missing.html", "index.html"})
	require.NoError(t, err)
	assert.Equal(t, index, got)

	_, err = Resolve(root, "/nope.html", nil)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = Resolve(root, "/empty", nil)
	assert.ErrorIs(t, err, ErrNotFound, "directories are not served")

	_, err = Resolve(root, "", []string{"missing.html"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolve_Containment(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "public")
	require.NoError(t, os.Mkdir(root, 0o755))
	writeFile(t, parent, "secret.txt", "do not serve")

	for _, p := range []string{"/../secret.txt", "/a/../../secret.txt", "..%2Fsecret.txt", "/../public/../secret.txt"} {
		_, err := Resolve(root, p, nil)
		assert.ErrorIs(t, err, ErrNotFound, "path %q must not escape the root", p)
	}
}

func TestResolve_Symlinks(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "public")
	require.NoError(t, os.Mkdir(root, 0o755))
	outside := writeFile(t, parent, "secret.txt", "do not serve")
	inside := writeFile(t, root, "docs/real.txt", "fine")

	if err := os.Symlink(outside, filepath.Join(root, "leak.txt")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	require.NoError(t, os.Symlink(parent, filepath.Join(root, "up")))
	require.NoError(t, os.Symlink(inside, filepath.Join(root, "alias.txt")))

	_, err := Resolve(root, "/leak.txt", nil)
	assert.ErrorIs(t, err, ErrNotFound, "file symlink out of the root")

	_, err = Resolve(root, "/up/secret.txt", nil)
	assert.ErrorIs(t, err, ErrNotFound, "directory symlink out of the root")

	got, err := Resolve(root, "/alias.txt", nil)
	require.NoError(t, err, "symlink within the root is served")
	assert.Equal(t, filepath.Join(root, "alias.txt"), got)
}

func TestFileServer_Serve(t *testing.T) {
	root := t.TempDir()
	filename := writeFile(t, root, "style.css", "body{}")

	req := web.NewRequest("GET", "/style.css", "")
	resp := web.NewResponse(req)

	out, err := FileServer{}.Serve(req, resp, filename)
	require.NoError(t, err)
	assert.Same(t, resp, out)
	assert.Contains(t, resp.Headers.Get("Content-Type"), "text/css")
	assert.NotEmpty(t, resp.Headers.Get("Last-Modified"))

	body, err := resp.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "body{}", string(body))
	assert.Equal(t, "6", resp.Headers.Get("Content-Length"))

	_, err = FileServer{}.Serve(req, web.NewResponse(req), filepath.Join(root, "gone.css"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileServer_SniffsUnknownExtension(t *testing.T) {
	root := t.TempDir()
	filename := writeFile(t, root, "README", "plain words")

	req := web.NewRequest("GET", "/README", "")
	resp := web.NewResponse(req)
	_, err := FileServer{}.Serve(req, resp, filename)
	require.NoError(t, err)
	assert.Contains(t, resp.Headers.Get("Content-Type"), "text/plain")

	body, err := resp.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "plain words", string(body))
}

func TestExpires(t *testing.T) {
	resp := web.NewResponse(nil)
	Expires(resp, time.Hour)

	assert.Equal(t, "max-age=3600", resp.Headers.Get("Cache-Control"))
	expires, err := time.Parse(time.RFC1123, resp.Headers.Get("Expires"))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, 5*time.Second)
}
