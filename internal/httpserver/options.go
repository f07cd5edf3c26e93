package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/health"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/log"
)

type Options struct {
	Logger log.Logger
	Port   int

	UseRecoverMW bool
	// OnPanic runs after a recovered panic is logged, e.g. to bump a counter.
	OnPanic func()

	MetricsMW   func(http.Handler) http.Handler
	RateLimitMW func(http.Handler) http.Handler

	ClientIPOpts httpmw.ClientIPOptions

	// RulesInfo adds rule set version/hash response headers when set.
	RulesInfo httpmw.RulesInfo

	Health    health.Probe
	Readiness health.Probe

	// APIRoutes mounts the service routes on the public router.
	APIRoutes func(chi.Router)
}
