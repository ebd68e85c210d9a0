package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// newPrometheusRegistry returns a registry carrying the runtime collectors
// and a build info gauge; service metrics register on top of it
func newPrometheusRegistry(version, environment string) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: "activity"}),
	)

	buildInfo := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "activity",
			Name:      "build_info",
			Help:      "Build information of the running binary",
		},
		[]string{"version", "environment"},
	)
	buildInfo.WithLabelValues(version, environment).Set(1)
	reg.MustRegister(buildInfo)

	return reg
}
