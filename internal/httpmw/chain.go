package httpmw

import "net/http"

// Middleware is the standard func(http.Handler) http.Handler shape.
type Middleware = func(http.Handler) http.Handler

// Chain wraps h so the first middleware is outermost. Nil entries are
// skipped, so optional middleware can be passed inline.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			h = mws[i](h)
		}
	}
	return h
}
