package opshttp

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe

	UseRecoverMW bool
	// OnPanic runs after a recovered panic is logged.
	OnPanic func()

	// AdminRoutes mounts operator-only routes such as explicit evaluation.
	AdminRoutes func(chi.Router)
}
