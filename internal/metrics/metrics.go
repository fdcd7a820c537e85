// Package metrics exposes the daemon's Prometheus gauges and counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SandboxesCreated counts successful Create calls.
	SandboxesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sandboxd_sandboxes_created_total",
		Help: "Total number of sandboxes successfully provisioned.",
	})

	// SandboxesClosed counts sandboxes torn down by explicit close.
	SandboxesClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sandboxd_sandboxes_closed_total",
		Help: "Total number of sandboxes torn down by an explicit close.",
	})

	// SandboxesExpired counts sandboxes torn down by the idle reaper.
	SandboxesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sandboxd_sandboxes_expired_total",
		Help: "Total number of sandboxes torn down by per-sandbox expiry or the periodic sweep.",
	})

	// SandboxesLive tracks the current number of registered sandboxes.
	SandboxesLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sandboxd_sandboxes_live",
		Help: "Current number of registered sandboxes.",
	})

	// Executions counts Execute calls, labeled by outcome.
	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sandboxd_executions_total",
		Help: "Total number of execute calls, by outcome.",
	}, []string{"outcome"})

	// InstallAttempts counts Install calls, labeled by outcome.
	InstallAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sandboxd_install_attempts_total",
		Help: "Total number of package install attempts, by outcome.",
	}, []string{"outcome"})
)

// Handler returns the standard Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
