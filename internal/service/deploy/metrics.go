package deploy

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/launchpad/internal/domain"
)

var (
	metricsOnce sync.Once
	outcomes    *prometheus.CounterVec
)

func registerMetrics() {
	metricsOnce.Do(func() {
		outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "launchpad",
			Subsystem: "deploy",
			Name:      "deployments_total",
			Help:      "Number of finished deployments by outcome",
		}, []string{"outcome"})
		if err := prometheus.Register(outcomes); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
					outcomes = existing
				}
			}
		}
	})
}

func recordOutcome(status domain.DeploymentStatus) {
	if outcomes == nil {
		return
	}
	outcomes.With(prometheus.Labels{"outcome": string(status)}).Inc()
}
