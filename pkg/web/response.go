package web

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Response is the response to one request. It is owned by the pipeline and
// gateway handling that request and never shared.
//
// Once Done is set the response is terminal: further mutation through the
// setters is ignored. Marking it done twice is harmless.
type Response struct {
	Code    int
	Reason  string
	Headers *Headers

	// Body is a string, a []byte or an io.Reader
	Body any

	Request *Request

	// Gzip is set when the client accepts a gzip encoded body. Finalize
	// then compresses the body unless a Content-Encoding is already set.
	Gzip bool

	done bool
}

// NewResponse creates a 200 OK response for req.
func NewResponse(req *Request) *Response {
	resp := &Response{
		Code:    http.StatusOK,
		Reason:  http.StatusText(http.StatusOK),
		Headers: NewHeaders(),
		Request: req,
	}
	resp.Headers.Set("Content-Type", "text/html; charset=utf-8")
	return resp
}

// StatusLine formats the status as "code reason".
func (r *Response) StatusLine() string {
	reason := r.Reason
	if reason == "" {
		reason = http.StatusText(r.Code)
	}
	return fmt.Sprintf("%d %s", r.Code, reason)
}

// SetStatus sets the status code and reason. An empty reason uses the
// standard text for code.
func (r *Response) SetStatus(code int, reason string) {
	if r.done {
		return
	}
	if reason == "" {
		reason = http.StatusText(code)
	}
	r.Code, r.Reason = code, reason
}

// SetStatusLine parses a "code reason" status line and applies it.
func (r *Response) SetStatusLine(line string) error {
	code, reason, err := ParseStatusLine(line)
	if err != nil {
		return err
	}
	r.SetStatus(code, reason)
	return nil
}

// SetBody replaces the body.
func (r *Response) SetBody(body any) {
	if r.done {
		return
	}
	r.Body = body
}

// MarkDone marks the response as terminal.
func (r *Response) MarkDone() {
	r.done = true
}

// Done reports whether the response is terminal.
func (r *Response) Done() bool {
	return r.done
}

// Size returns the body length when it is known without reading the body:
// the length of a string or []byte body, else a valid Content-Length header.
// It returns -1 otherwise.
func (r *Response) Size() int {
	switch b := r.Body.(type) {
	case nil:
		return 0
	case string:
		return len(b)
	case []byte:
		return len(b)
	}
	if n, err := strconv.Atoi(r.Headers.Get("Content-Length")); err == nil && n >= 0 {
		return n
	}
	return -1
}

// Finalize renders the body to bytes, compresses it when Gzip is set and
// sets Content-Length. A streamed body is drained and closed if it
// implements io.Closer.
func (r *Response) Finalize() ([]byte, error) {
	var body []byte
	switch b := r.Body.(type) {
	case nil:
	case string:
		body = []byte(b)
	case []byte:
		body = b
	case io.Reader:
		data, err := io.ReadAll(b)
		if c, ok := b.(io.Closer); ok {
			_ = c.Close()
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}
		body = data
	default:
		return nil, fmt.Errorf("unsupported response body type %T", r.Body)
	}

	if r.Gzip && len(body) > 0 && r.Headers.Get("Content-Encoding") == "" {
		compressed, err := compress(body)
		if err != nil {
			return nil, err
		}
		body = compressed
		r.Headers.Set("Content-Encoding", "gzip")
		r.Headers.Add("Vary", "Accept-Encoding")
	}

	r.Headers.Set("Content-Length", strconv.Itoa(len(body)))
	return body, nil
}

func compress(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("failed to compress response body: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress response body: %w", err)
	}
	return buf.Bytes(), nil
}

// ParseStatusLine splits "404 Not Found" into its code and reason.
func ParseStatusLine(line string) (int, string, error) {
	codeText, reason, _ := strings.Cut(strings.TrimSpace(line), " ")
	code, err := strconv.Atoi(codeText)
	if err != nil || code < 100 || code > 999 {
		return 0, "", fmt.Errorf("invalid status line %q", line)
	}
	return code, strings.TrimSpace(reason), nil
}
