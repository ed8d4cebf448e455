package frame

import "github.com/prometheus/client_golang/prometheus"

var prom struct {
	BytesRead    prometheus.Counter
	BytesWritten prometheus.Counter
}

func init() {
	prom.BytesRead = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "verdon",
		Subsystem: "frame",
		Name:      "bytes_read",
		Help:      "Number of frame payload bytes read from peers",
	})
	prom.BytesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "verdon",
		Subsystem: "frame",
		Name:      "bytes_written",
		Help:      "Number of frame payload bytes written to peers",
	})
}

func PrometheusRegister(registry prometheus.Registerer) error {
	if err := registry.Register(prom.BytesRead); err != nil {
		return err
	}
	return registry.Register(prom.BytesWritten)
}
