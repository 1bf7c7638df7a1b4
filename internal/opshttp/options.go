package opshttp

import (
	"net/http"

	"github.com/georgemihalcea/ldapcheck/internal/health"
)

type Options struct {
	// Host defaults to all interfaces.
	Host        string
	Port        int
	Metrics     http.Handler
	MetricsMW   func(http.Handler) http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	// Listeners returns the registry snapshot served at /-/listeners.
	Listeners func() any
	// AllowPublic disables the private-network guard.
	AllowPublic bool
	OnPanic     func()
}
