package sweep

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var sweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "gatekeep_sweep_duration_seconds",
	Help:    "Duration of periodic sweeps",
	Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
}, []string{"sweep"})

var sweepErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gatekeep_sweep_errors",
	Help: "Number of sweeps that returned an error or panicked",
}, []string{"sweep"})

var sweepActions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gatekeep_sweep_actions",
	Help: "Number of maintenance actions taken by sweeps",
}, []string{"action"})
