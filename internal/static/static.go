// Package static resolves request paths to files under a document root and
// serves them. It is the file-serving collaborator of the request pipeline.
package static

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rmacdonaldsmith/meshweb/pkg/web"
)

// DefaultCacheMaxAge is the cache lifetime set on static responses.
const DefaultCacheMaxAge = 30 * 24 * time.Hour

// ErrNotFound is returned when a path does not resolve to a regular file.
var ErrNotFound = errors.New("file not found")

// Resolve maps a request path to an absolute file path under root. When the
// path is empty each name in defaults is tried in order. Only regular files
// are returned, and the result always stays inside root.
func Resolve(root, requestPath string, defaults []string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("invalid document root: %w", err)
	}

	rel := strings.Trim(requestPath, "/")
	if rel != "" {
		return containedFile(absRoot, rel)
	}

	for _, name := range defaults {
		if filename, err := containedFile(absRoot, name); err == nil {
			return filename, nil
		}
	}
	return "", ErrNotFound
}

func containedFile(absRoot, rel string) (string, error) {
	// Clean as an absolute URL path first so ".." cannot climb above "/"
	cleaned := path.Clean("/" + rel)
	filename := filepath.Join(absRoot, filepath.FromSlash(cleaned))
	if !within(absRoot, filename) {
		return "", ErrNotFound
	}

	// Symlinks must not lead out of the root either
	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return "", ErrNotFound
	}
	realFile, err := filepath.EvalSymlinks(filename)
	if err != nil || !within(realRoot, realFile) {
		return "", ErrNotFound
	}

	info, err := os.Stat(realFile)
	if err != nil || !info.Mode().IsRegular() {
		return "", ErrNotFound
	}
	return filename, nil
}

func within(root, name string) bool {
	rel, err := filepath.Rel(root, name)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Server serves a validated file into a response.
type Server interface {
	Serve(req *web.Request, resp *web.Response, filename string) (*web.Response, error)
}

// FileServer serves files from the local filesystem.
type FileServer struct{}

// Serve opens filename and streams it as the response body with content
// headers set. A missing file yields ErrNotFound.
func (FileServer) Serve(req *web.Request, resp *web.Response, filename string) (*web.Response, error) {
	f, err := os.Open(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	contentType := mime.TypeByExtension(filepath.Ext(filename))
	if contentType == "" {
		contentType, err = sniff(f)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
	}

	resp.Headers.Set("Content-Type", contentType)
	resp.Headers.Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	resp.Headers.Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))
	resp.SetBody(f)
	return resp, nil
}

func sniff(f *os.File) (string, error) {
	var buf [512]byte
	n, err := io.ReadFull(f, buf[:])
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return http.DetectContentType(buf[:n]), nil
}

// Expires sets caching headers so clients may reuse the response for maxAge.
func Expires(resp *web.Response, maxAge time.Duration) {
	seconds := int64(maxAge / time.Second)
	resp.Headers.Set("Cache-Control", "max-age="+strconv.FormatInt(seconds, 10))
	resp.Headers.Set("Expires", time.Now().Add(maxAge).UTC().Format(http.TimeFormat))
}
