// Package forms decodes request bodies into form fields or a single uploaded
// value. It is the form-decoding collaborator of the request pipeline.
package forms

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/url"
	"strings"

	"github.com/rmacdonaldsmith/meshweb/pkg/web"
)

// DefaultMaxSize is the body limit used when none is configured (10 MiB).
const DefaultMaxSize int64 = 10 << 20

// ErrMaxSizeExceeded is returned when a body is larger than the decoder's
// limit. It is distinct from every other decode failure.
var ErrMaxSizeExceeded = errors.New("request entity too large")

// Result is the outcome of decoding a body. Exactly one of File or Fields is
// meaningful: File is set when the body is a single uploaded value.
type Result struct {
	File   *web.FileUpload
	Fields url.Values
	Files  map[string]*web.FileUpload
}

// Decoder decodes a request body.
type Decoder interface {
	Decode(body io.Reader, headers *web.Headers) (*Result, error)
}

// MultipartDecoder handles urlencoded and multipart/form-data bodies. Any
// other non-empty body is returned as a single FileUpload.
type MultipartDecoder struct {
	MaxSize int64
}

// NewMultipartDecoder creates a decoder with the given body limit. A
// non-positive limit uses DefaultMaxSize.
func NewMultipartDecoder(maxSize int64) *MultipartDecoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &MultipartDecoder{MaxSize: maxSize}
}

// Decode reads and decodes body according to its Content-Type.
func (d *MultipartDecoder) Decode(body io.Reader, headers *web.Headers) (*Result, error) {
	res := &Result{Fields: url.Values{}}
	if body == nil {
		return res, nil
	}

	limited := &limitReader{r: body, remaining: d.MaxSize}
	contentType := headers.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = ""
	}

	switch {
	case mediaType == "application/x-www-form-urlencoded":
		err = d.decodeURLEncoded(limited, res)
	case strings.HasPrefix(mediaType, "multipart/"):
		err = d.decodeMultipart(limited, params["boundary"], res)
	default:
		err = d.decodeRaw(limited, contentType, res)
	}

	if limited.exceeded {
		return nil, ErrMaxSizeExceeded
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (d *MultipartDecoder) decodeURLEncoded(r io.Reader, res *Result) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	values, err := url.ParseQuery(string(data))
	if err != nil {
		return fmt.Errorf("invalid urlencoded body: %w", err)
	}
	res.Fields = values
	return nil
}

func (d *MultipartDecoder) decodeMultipart(r io.Reader, boundary string, res *Result) error {
	if boundary == "" {
		return errors.New("multipart body without boundary")
	}

	mr := multipart.NewReader(r, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("invalid multipart body: %w", err)
		}

		data, err := io.ReadAll(part)
		_ = part.Close()
		if err != nil {
			return err
		}

		name := part.FormName()
		if part.FileName() == "" {
			res.Fields.Add(name, string(data))
			continue
		}

		if res.Files == nil {
			res.Files = make(map[string]*web.FileUpload)
		}
		res.Files[name] = &web.FileUpload{
			Field:       name,
			Filename:    part.FileName(),
			ContentType: part.Header.Get("Content-Type"),
			Data:        data,
		}
		res.Fields.Add(name, part.FileName())
	}
}

func (d *MultipartDecoder) decodeRaw(r io.Reader, contentType string, res *Result) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	res.File = &web.FileUpload{ContentType: contentType, Data: data}
	return nil
}

// limitReader fails with ErrMaxSizeExceeded once more than remaining bytes
// have been read.
type limitReader struct {
	r         io.Reader
	remaining int64
	exceeded  bool
}

func (l *limitReader) Read(p []byte) (int, error) {
	if l.exceeded {
		return 0, ErrMaxSizeExceeded
	}
	// Read one byte past the limit so an exactly-full body is not rejected
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		l.exceeded = true
		return n, ErrMaxSizeExceeded
	}
	return n, err
}
