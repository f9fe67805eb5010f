package web

import "context"

// Event names dispatched on gateway channels.
const (
	EventRequest   = "request"
	EventResponse  = "response"
	EventHTTPError = "httperror"
)

// Event is the payload passed to handlers.
type Event struct {
	Name     string
	Request  *Request
	Response *Response

	// Error is set on httperror events
	Error *HTTPError
}

// NewRequestEvent creates a request event.
func NewRequestEvent(req *Request, resp *Response) *Event {
	return &Event{Name: EventRequest, Request: req, Response: resp}
}

// Handler handles an event bound to a channel. The result is one of:
// nil or "" (nothing to contribute), a string or []byte body, an *HTTPError,
// or a *Response that is already populated.
type Handler func(ctx context.Context, ev *Event) (any, error)

// IsEmpty reports whether a handler result contributes nothing.
func IsEmpty(v any) bool {
	switch r := v.(type) {
	case nil:
		return true
	case string:
		return r == ""
	case []byte:
		return len(r) == 0
	case bool:
		return !r
	case *HTTPError:
		return r == nil
	case *Response:
		return r == nil
	}
	return false
}
