package deployment

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	kudumetrics "github.com/fluxcd/kudu/pkg/metrics"
)

var (
	// Builds range from a few seconds for static sites, to many
	// minutes for anything restoring packages.
	deploymentDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: kudumetrics.Namespace,
		Subsystem: "deployment",
		Name:      "duration_seconds",
		Help:      "Duration of a deployment, from start to a terminal status, in seconds.",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
	}, []string{kudumetrics.LabelBuilder, kudumetrics.LabelSuccess})

	statusGauge = prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
		Namespace: kudumetrics.Namespace,
		Subsystem: "deployment",
		Name:      "last_success",
		Help:      "Whether the last deployment succeeded (1) or failed (0).",
	}, []string{})
)
