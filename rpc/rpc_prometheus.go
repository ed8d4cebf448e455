package rpc

import "github.com/prometheus/client_golang/prometheus"

var prom struct {
	Calls        *prometheus.CounterVec
	CallSeconds  prometheus.Summary
	ChannelsOpen prometheus.Gauge
}

func init() {
	prom.Calls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "verdon",
		Subsystem: "rpc",
		Name:      "calls",
		Help:      "Number of dispatched calls by side and outcome",
	}, []string{"side", "outcome"})
	prom.CallSeconds = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace: "verdon",
		Subsystem: "rpc",
		Name:      "call_seconds",
		Help:      "Seconds from dispatch start until the middleware chain unwound",
	})
	prom.ChannelsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "verdon",
		Subsystem: "rpc",
		Name:      "channels_open",
		Help:      "Number of channels currently in the open state",
	})
}

func PrometheusRegister(registry prometheus.Registerer) error {
	if err := registry.Register(prom.Calls); err != nil {
		return err
	}
	if err := registry.Register(prom.CallSeconds); err != nil {
		return err
	}
	return registry.Register(prom.ChannelsOpen)
}
