package hooks

import (
	"fmt"

	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	kudumetrics "github.com/fluxcd/kudu/pkg/metrics"
)

var deliveries = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
	Namespace: kudumetrics.Namespace,
	Subsystem: "hooks",
	Name:      "deliveries_total",
	Help:      "Count of webhook deliveries attempted.",
}, []string{kudumetrics.LabelEvent, kudumetrics.LabelSuccess})

func observeDelivery(kind string, err error) {
	deliveries.With(
		kudumetrics.LabelEvent, kind,
		kudumetrics.LabelSuccess, fmt.Sprint(err == nil),
	).Add(1)
}
