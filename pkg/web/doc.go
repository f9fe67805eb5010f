// Package web defines the request model shared by the router, the pipeline
// and the gateways: Request, Response, the ordered Headers multimap, the
// HTTPError and HandlerError types, and the Event payload handlers receive.
//
// Handlers are plain functions:
//
//	func hello(ctx context.Context, ev *web.Event) (any, error) {
//		return "Hello " + strings.Join(ev.Request.Args, "/"), nil
//	}
//
// A handler result is a body (string or []byte), an *HTTPError, a populated
// *Response, or nothing (nil or ""). Use IsEmpty to test results.
package web
