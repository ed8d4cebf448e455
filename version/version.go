package version

import (
	"fmt"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	verdonVersion string // set by build infrastructure
)

type VersionInformation struct {
	Version         string
	RuntimeGo       string
	RuntimeGOOS     string
	RuntimeGOARCH   string
	RuntimeCompiler string
}

func NewVersionInformation() *VersionInformation {
	return &VersionInformation{
		Version:         verdonVersion,
		RuntimeGo:       runtime.Version(),
		RuntimeGOOS:     runtime.GOOS,
		RuntimeGOARCH:   runtime.GOARCH,
		RuntimeCompiler: runtime.Compiler,
	}
}

func (i *VersionInformation) String() string {
	return fmt.Sprintf("verdon version=%s go=%s GOOS=%s GOARCH=%s Compiler=%s",
		i.Version, i.RuntimeGo, i.RuntimeGOOS, i.RuntimeGOARCH, i.RuntimeCompiler)
}

var prometheusMetric = prometheus.NewUntypedFunc(
	prometheus.UntypedOpts{
		Namespace: "verdon",
		Subsystem: "version",
		Name:      "daemon",
		Help:      "verdond daemon version",
		ConstLabels: map[string]string{
			"raw":          verdonVersion,
			"version_info": NewVersionInformation().String(),
		},
	},
	func() float64 { return 1 },
)

func PrometheusRegister(r prometheus.Registerer) {
	r.MustRegister(prometheusMetric)
}
