// Package opshttp is the operator listener: metrics, health, pprof and
// admin routes. It only answers loopback, private and link-local peers.
package opshttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/health"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/iprange"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/log"
)

// NewHandler builds the ops router.
func NewHandler(L log.Logger, opts *Options) http.Handler {
	r := chi.NewRouter()
	if opts.UseRecoverMW {
		r.Use(httpmw.Recover(L, opts.OnPanic))
	}
	r.Use(httpmw.RequestID("X-Request-Id"))
	r.Use(httpmw.ClientIP)
	r.Use(httpmw.WithLogger(L.With("server", "ops")))

	r.Get("/-/healthy", health.HealthzHandler(opts.Health))
	r.Get("/-/ready", health.ReadyzHandler(opts.Readiness))
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	if opts.EnablePprof {
		RegisterPprof(r)
	} else {
		r.HandleFunc("/debug/pprof/*", http.NotFound)
	}

	if opts.AdminRoutes != nil {
		r.Group(func(r chi.Router) {
			r.Use(httpmw.AccessLog())
			opts.AdminRoutes(r)
		})
	}

	return requireNonPublicNetwork(L, r)
}

// RegisterPprof mounts the net/http/pprof handlers under /debug/pprof.
func RegisterPprof(r chi.Router) {
	r.HandleFunc("/debug/pprof/", pprof.Index)
	r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	r.HandleFunc("/debug/pprof/profile", pprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	r.HandleFunc("/debug/pprof/{profile}", pprof.Index)
}

// nonPublic is loopback, RFC 1918 / RFC 4193 private and link-local space.
var nonPublic = iprange.MustNew(
	"127.0.0.0/8", "::1/128",
	"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "fc00::/7",
	"169.254.0.0/16", "fe80::/10",
)

// requireNonPublicNetwork rejects peers outside nonPublic and any request
// that came through a proxy. Only the socket peer is checked, never
// forwarded headers.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		var allowed bool
		if err == nil {
			// an unparseable host is an error from Contains, which refuses it
			allowed, _ = nonPublic.Contains(host)
		}
		proxied := r.Header.Get("X-Forwarded-For") != "" || r.Header.Get("Forwarded") != ""
		if !allowed || proxied {
			L.Warn(r.Context(), "ops request from public network refused",
				"network.peer.address", r.RemoteAddr,
				"url.path", r.URL.Path,
				"proxied", proxied,
			)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start runs the ops server. Returns stop(ctx) for graceful shutdown.
func Start(ctx context.Context, L log.Logger, opts *Options) (func(context.Context) error, error) {
	if L == nil {
		L = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = 9000
	}
	srv := httpserver.NewServer(fmt.Sprintf(":%d", port), NewHandler(L, opts))
	return httpserver.Serve(ctx, L, "ops http server", srv)
}
