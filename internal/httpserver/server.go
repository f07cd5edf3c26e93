package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/health"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/log"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/xerrors"
)

// maxRequestBody caps bodies on the public API; every route is a GET.
const maxRequestBody = 1024

// NewHandler builds the public handler: chi routes wrapped in the
// middleware stack. main owns the *http.Server for graceful shutdown.
func NewHandler(opts *Options) http.Handler {
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}

	r := chi.NewRouter()
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(maxRequestBody))

	if opts.Health != nil {
		r.Get("/-/healthy", health.HealthzHandler(opts.Health))
	}
	if opts.Readiness != nil {
		r.Get("/-/ready", health.ReadyzHandler(opts.Readiness))
	}
	if opts.APIRoutes != nil {
		// probes are never rate limited
		r.Group(func(r chi.Router) {
			if opts.RateLimitMW != nil {
				r.Use(opts.RateLimitMW)
			}
			opts.APIRoutes(r)
		})
	}
	r.NotFound(jsonError(http.StatusNotFound, "not found"))
	r.MethodNotAllowed(jsonError(http.StatusMethodNotAllowed, "method not allowed"))

	var recoverMW httpmw.Middleware
	if opts.UseRecoverMW {
		recoverMW = httpmw.Recover(L, opts.OnPanic)
	}
	var rulesMW httpmw.Middleware
	if opts.RulesInfo != nil {
		rulesMW = httpmw.RulesHeaders(opts.RulesInfo)
	}

	// outermost first
	return httpmw.Chain(r,
		httpmw.SecurityHeaders,
		recoverMW,
		httpmw.RequestID("X-Request-Id"),
		// client IP before the limiter and logging so both see the resolved address
		httpmw.ClientIPWithOptions(opts.ClientIPOpts),
		tracing,
		httpmw.TraceResponseHeaders(httpmw.TraceHeaderOptions{TraceResponse: true}),
		rulesMW,
		opts.MetricsMW,
		httpmw.WithLogger(L),
	)
}

// tracing starts the server span; AnnotateHTTPRoute renames it once chi
// resolves the route. Health checks are not traced.
func tracing(next http.Handler) http.Handler {
	return otelhttp.NewHandler(next, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)
}

func jsonError(code int, msg string) http.HandlerFunc {
	body := []byte(fmt.Sprintf("{\"error\":%q}\n", msg))
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = w.Write(body)
	}
}

// Server timeout defaults, shared with opshttp.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20 // 1 MB
	DefaultShutdownTimeout   = 5 * time.Second
)

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Serve listens on addr and serves srv in the background. The returned stop
// shuts it down gracefully and is safe to call more than once.
func Serve(ctx context.Context, L log.Logger, name string, srv *http.Server) (func(context.Context) error, error) {
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", srv.Addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "%s: listen on %s", name, srv.Addr)
	}

	go func() {
		L.Info(ctx, name+" listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L.Error(ctx, err, name+" error")
		}
	}()

	var once sync.Once
	var stopErr error
	stop := func(sctx context.Context) error {
		once.Do(func() {
			L.Info(sctx, name+" shutting down")
			c, cancel := context.WithTimeout(sctx, DefaultShutdownTimeout)
			defer cancel()
			stopErr = srv.Shutdown(c)
		})
		return stopErr
	}
	return stop, nil
}

// Start runs the public API server. Returns stop(ctx) for graceful shutdown.
func Start(ctx context.Context, opts *Options) (func(context.Context) error, error) {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = 8080
	}
	srv := NewServer(fmt.Sprintf(":%d", port), NewHandler(opts))
	return Serve(ctx, opts.Logger, "http server", srv)
}
