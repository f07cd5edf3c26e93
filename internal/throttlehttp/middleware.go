package throttlehttp

import (
	"context"
	"net/http"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/throttle"
)

type ctxKeyResult struct{}

type evaluation struct {
	result  throttle.Result
	matched bool
}

// ResultFromContext returns the result Apply stored. matched is false when
// no exception applied or Apply did not run.
func ResultFromContext(ctx context.Context) (res throttle.Result, matched bool) {
	ev, ok := ctx.Value(ctxKeyResult{}).(evaluation)
	if !ok {
		return throttle.Result{}, false
	}
	return ev.result, ev.matched
}

// Apply evaluates once per request with the project from project(r) and
// the resolved client IP. Requests are never blocked: when no rules are
// loaded or the project is empty, nothing is stored and the host keeps its
// defaults.
func Apply(src RuleSource, project func(*http.Request) string, opts ...Option) func(http.Handler) http.Handler {
	return NewAPI(src, nil, opts...).Middleware(project)
}

func (api *API) Middleware(project func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := project(r)
			if p == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			res, matched, _, ok := api.Evaluate(ctx, throttle.Context{Now: api.now(), Project: p, IP: requestIP(r)})
			if ok {
				ctx = context.WithValue(ctx, ctxKeyResult{}, evaluation{result: res, matched: matched})
				r = r.WithContext(ctx)
			}
			next.ServeHTTP(w, r)
		})
	}
}
