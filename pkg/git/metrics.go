package git

import (
	"fmt"
	"time"

	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	kudumetrics "github.com/fluxcd/kudu/pkg/metrics"
)

const labelBackend = "backend"

var fetchDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
	Namespace: kudumetrics.Namespace,
	Subsystem: "git",
	Name:      "fetch_duration_seconds",
	Help:      "Duration of fetches from an external repository, in seconds.",
	Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
}, []string{labelBackend, kudumetrics.LabelSuccess})

func observeFetch(backend string, started time.Time, err error) {
	fetchDuration.With(
		labelBackend, backend,
		kudumetrics.LabelSuccess, fmt.Sprint(err == nil),
	).Observe(time.Since(started).Seconds())
}
