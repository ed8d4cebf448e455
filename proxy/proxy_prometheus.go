package proxy

import "github.com/prometheus/client_golang/prometheus"

var prom struct {
	Requests *prometheus.CounterVec
}

func init() {
	prom.Requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "verdon",
		Subsystem: "proxy",
		Name:      "requests",
		Help:      "Number of proxied connections by handler and outcome",
	}, []string{"handler", "outcome"})
}

func PrometheusRegister(registry prometheus.Registerer) error {
	return registry.Register(prom.Requests)
}
