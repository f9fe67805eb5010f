package web

import (
	"errors"
	"fmt"
	"net/http"
)

// HTTPError is an error-carrying result: a status, a message for the body and,
// for fatal errors, a diagnostic trace. Handlers return it as a result value;
// the gateway turns it into a complete error response.
type HTTPError struct {
	Code      int
	Message   string
	Traceback string

	Request  *Request
	Response *Response
}

// NewHTTPError creates an error result. An empty message uses the standard
// status text.
func NewHTTPError(req *Request, resp *Response, code int, message string) *HTTPError {
	if message == "" {
		message = http.StatusText(code)
	}
	return &HTTPError{
		Code:     code,
		Message:  message,
		Request:  req,
		Response: resp,
	}
}

// NotFound is returned when no route resolved or the route produced nothing.
func NotFound(req *Request, resp *Response) *HTTPError {
	return NewHTTPError(req, resp, http.StatusNotFound, "")
}

// PayloadTooLarge is returned when a request body exceeds the decode limit.
func PayloadTooLarge(req *Request, resp *Response) *HTTPError {
	return NewHTTPError(req, resp, http.StatusRequestEntityTooLarge, "")
}

// ServerError wraps an uncaught failure with its rendered trace.
func ServerError(req *Request, resp *Response, traceback string) *HTTPError {
	e := NewHTTPError(req, resp, http.StatusInternalServerError, "")
	e.Traceback = traceback
	return e
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("%d %s", e.Code, e.Message)
}

// HandlerError reports a failure raised by a handler bound to a channel.
type HandlerError struct {
	Channel string
	Handler string
	Err     error
	// Stack is set when the handler panicked
	Stack string
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	if e.Handler != "" {
		return fmt.Sprintf("handler %s on %s: %v", e.Handler, e.Channel, e.Err)
	}
	return fmt.Sprintf("handler on %s: %v", e.Channel, e.Err)
}

// Unwrap returns the underlying error.
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// ErrPanic is the cause recorded when a handler panics.
var ErrPanic = errors.New("handler panicked")
