package gateway

import (
	"fmt"
	"html"
	"net/http"

	"github.com/rmacdonaldsmith/meshweb/pkg/web"
)

const errorPage = `<!DOCTYPE html>
<html>
<head>
<title>%[1]d %[2]s</title>
</head>
<body>
<h1>%[1]d %[2]s</h1>
<p>%[3]s</p>
<pre>%[4]s</pre>
</body>
</html>
`

// RenderError writes the default error page for herr into resp. It bypasses
// the response's done state so a failure after completion is still visible.
func RenderError(resp *web.Response, herr *web.HTTPError) {
	reason := http.StatusText(herr.Code)
	if reason == "" {
		reason = "Unknown Status"
	}
	message := herr.Message
	if message == "" {
		message = reason
	}

	resp.Code = herr.Code
	resp.Reason = reason
	resp.Body = fmt.Sprintf(errorPage, herr.Code, html.EscapeString(reason), html.EscapeString(message), html.EscapeString(herr.Traceback))
	resp.Headers.Set("Content-Type", "text/html; charset=utf-8")
	resp.Headers.Set("Connection", "close")
}
