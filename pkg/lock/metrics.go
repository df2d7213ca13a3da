package lock

import (
	"fmt"
	"time"

	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	kudumetrics "github.com/fluxcd/kudu/pkg/metrics"
)

var lockWait = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
	Namespace: kudumetrics.Namespace,
	Subsystem: "lock",
	Name:      "wait_duration_seconds",
	Help:      "Time spent waiting to acquire a lock, in seconds.",
	Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30, 60},
}, []string{kudumetrics.LabelLock, kudumetrics.LabelSuccess})

func observeWait(name string, acquired bool, d time.Duration) {
	lockWait.With(
		kudumetrics.LabelLock, name,
		kudumetrics.LabelSuccess, fmt.Sprint(acquired),
	).Observe(d.Seconds())
}
