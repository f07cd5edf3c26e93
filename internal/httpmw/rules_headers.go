package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RulesInfo identifies the active throttle rule set. rules.Manager
// implements it.
type RulesInfo interface {
	Version() string
	Hash() string
}

const shortHashLen = 12

// RulesHeaders adds X-Throttle-Rules-Version and X-Throttle-Rules-Hash to
// every response and tags the request span with the same values.
func RulesHeaders(info RulesInfo) Middleware {
	return func(next http.Handler) http.Handler {
		if info == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			v, h := info.Version(), info.Hash()
			if v != "" {
				w.Header().Set("X-Throttle-Rules-Version", v)
			}
			if h != "" {
				short := h
				if len(short) > shortHashLen {
					short = short[:shortHashLen]
				}
				w.Header().Set("X-Throttle-Rules-Hash", short)
			}
			if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
				span.SetAttributes(
					attribute.String("throttle.rules.version", v),
					attribute.String("throttle.rules.sha256", h),
				)
			}
			next.ServeHTTP(w, r)
		})
	}
}
