package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

// TraceHeaderOptions names the response headers carrying the request's span.
type TraceHeaderOptions struct {
	// TraceHeader and SpanHeader default to X-Trace-Id and X-Span-Id.
	TraceHeader string
	SpanHeader  string

	// TraceResponse also sets the W3C "traceresponse" header
	// (version-traceid-spanid-flags), which proxies can join to their own spans.
	TraceResponse bool
}

// TraceResponseHeaders echoes the span of each traced request so an operator
// can find the evaluation behind a reported throttle decision. Requests
// without a valid span get no headers.
func TraceResponseHeaders(opts TraceHeaderOptions) Middleware {
	if opts.TraceHeader == "" {
		opts.TraceHeader = "X-Trace-Id"
	}
	if opts.SpanHeader == "" {
		opts.SpanHeader = "X-Span-Id"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
				h := w.Header()
				h.Set(opts.TraceHeader, sc.TraceID().String())
				h.Set(opts.SpanHeader, sc.SpanID().String())
				if opts.TraceResponse {
					h.Set("traceresponse", traceResponse(sc))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func traceResponse(sc trace.SpanContext) string {
	flags := "00"
	if sc.IsSampled() {
		flags = "01"
	}
	return "00-" + sc.TraceID().String() + "-" + sc.SpanID().String() + "-" + flags
}
