package dispatch

import (
	"fmt"

	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	"github.com/fluxcd/kudu/pkg/metrics"
)

var (
	dispatches = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "dispatch",
		Name:      "runs_total",
		Help:      "Deployments started, by mode.",
	}, []string{metrics.LabelMode, metrics.LabelSuccess})
)

func observeDispatch(mode Mode, err error) {
	dispatches.With(metrics.LabelMode, string(mode), metrics.LabelSuccess, fmt.Sprint(err == nil)).Add(1)
}
