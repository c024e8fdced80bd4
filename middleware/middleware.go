// Package middleware instruments net/http handlers: every request gets a
// root segment, HTTP request and response data recorded, and the response
// status classified onto the segment flags.
package middleware

import (
	"net/http"

	"github.com/felixge/httpsnoop"

	"github.com/donetkit/tracekit/trace"
)

// Handler wraps h so each request runs inside a root segment named name.
// The segment travels on the request context, so handlers can open
// subsegments through the same client.
func Handler(c *trace.Client, name string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, seg := c.BeginSegmentWithRequest(r.Context(), name, r)

		m := httpsnoop.CaptureMetrics(h, w, r.WithContext(ctx))

		seg.SetHTTPStatus(m.Code)
		if seg.HTTP != nil {
			seg.HTTP.Response.ContentLength = m.Written
		}
		seg.Close(nil)
	})
}

// HandlerFunc is the http.HandlerFunc form of Handler.
func HandlerFunc(c *trace.Client, name string, h http.HandlerFunc) http.HandlerFunc {
	wrapped := Handler(c, name, h)
	return wrapped.ServeHTTP
}
