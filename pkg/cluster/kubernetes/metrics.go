package kubernetes

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	"github.com/fluxcd/kudu/pkg/metrics"
)

var (
	apiCalls = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "cluster",
		Name:      "api_calls_total",
		Help:      "Calls made to the cluster API, by kind of object.",
	}, []string{"kind", metrics.LabelSuccess})
)
