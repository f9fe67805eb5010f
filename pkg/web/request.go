package web

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"
)

// Host is a network endpoint.
type Host struct {
	IP   string
	Port int
}

// Protocol is an HTTP protocol version.
type Protocol struct {
	Major int
	Minor int
}

// String formats the protocol as "HTTP/major.minor".
func (p Protocol) String() string {
	return fmt.Sprintf("HTTP/%d.%d", p.Major, p.Minor)
}

// FileUpload is an uploaded file-like value produced by form decoding.
type FileUpload struct {
	// Field is the form field name, empty for a raw request body
	Field       string
	Filename    string
	ContentType string
	Data        []byte
}

// Reader returns a reader over the upload's content.
func (f *FileUpload) Reader() io.Reader {
	return bytes.NewReader(f.Data)
}

// Request is one incoming request. It is created per request, owned by the
// pipeline for the request's lifetime and never shared across requests.
type Request struct {
	// ID correlates log lines and metrics for one request
	ID string

	Method      string // canonicalized to upper case
	Path        string
	QueryString string // raw, undecoded
	Scheme      string
	Protocol    Protocol
	ScriptName  string

	// Host is the server host name; ServerPort the port it was reached on
	Host       string
	ServerPort int
	Remote     Host

	Headers *Headers
	Body    io.Reader

	// File is set when the decoded body is a single uploaded value
	File *FileUpload
	// Files holds named uploads from multipart bodies
	Files map[string]*FileUpload

	// Args are the residual path segments (vpath) after routing
	Args []string
	// Params are the named parameters merged from query string and body
	Params url.Values

	// Channel is the resolved channel identifier, empty until routed
	Channel string

	// Environ is the environment the request was built from, if any
	Environ Environ

	Received time.Time
}

// NewRequest creates a request with the given method and path.
func NewRequest(method, path, queryString string) *Request {
	return &Request{
		Method:      strings.ToUpper(method),
		Path:        path,
		QueryString: queryString,
		Scheme:      "http",
		Protocol:    Protocol{Major: 1, Minor: 1},
		Headers:     NewHeaders(),
		Params:      url.Values{},
		Received:    time.Now(),
	}
}

// Environ is the environment map of the external request/response calling
// convention. See the gateway package for the well-known keys.
type Environ map[string]any

// String returns the string value of key, or "".
func (e Environ) String(key string) string {
	if v, ok := e[key].(string); ok {
		return v
	}
	return ""
}
