package metrics

import (
	"github.com/pkg/errors"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

/*
Labels and so on for metrics used in kudu.
*/

const (
	LabelSuccess = "success"
	LabelLock    = "lock"
	LabelMode    = "mode"
	LabelBuilder = "builder"
	LabelEvent   = "event"

	// Namespace is the prefix shared by every metric kudu registers.
	Namespace = "kudu"

	// PushJob is the job name metrics are grouped under when pushed.
	PushJob = "kudu_deployment"
)

// Push sends everything registered with the default registry to a
// Prometheus Pushgateway. Nothing is pushed if url is empty.
func Push(url, instance string) error {
	if url == "" {
		return nil
	}
	p := push.New(url, PushJob).Gatherer(stdprometheus.DefaultGatherer)
	if instance != "" {
		p = p.Grouping("instance", instance)
	}
	return errors.Wrap(p.Push(), "pushing metrics")
}
