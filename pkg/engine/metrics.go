package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openshift/cluster-builds/pkg/api"
)

var (
	buildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluster_builds_total",
			Help: "Build attempts by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)
	buildDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cluster_builds_duration_seconds",
			Help:    "Wall-clock duration of build calls by mode.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"mode"},
	)
	registryProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluster_builds_registry_probes_total",
			Help: "Registry probe outcomes.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(buildsTotal, buildDurationSeconds, registryProbesTotal)
}

func observeBuild(mode api.BuildMode, elapsed time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	buildsTotal.WithLabelValues(string(mode), outcome).Inc()
	buildDurationSeconds.WithLabelValues(string(mode)).Observe(elapsed.Seconds())
}

func observeProbe(present bool, err error) {
	result := "present"
	switch {
	case err != nil:
		result = "error"
	case !present:
		result = "absent"
	}
	registryProbesTotal.WithLabelValues(result).Inc()
}
