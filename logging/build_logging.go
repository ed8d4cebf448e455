// Package logging assembles logger outlets from daemon configuration.
package logging

import (
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"

	"github.com/mtth/verdon/config"
	"github.com/mtth/verdon/logger"
)

const SubsysField = "subsystem"

type Subsystem string

const (
	SubsysRPC       Subsystem = "rpc"
	SubsysTransport Subsystem = "transport"
	SubsysProxy     Subsystem = "proxy"
	SubsysDaemon    Subsystem = "daemon"
)

const defaultTCPRetryInterval = 10 * time.Second

// OutletsFromConfig builds the outlet set for the daemon. An empty
// config yields a warn-level human outlet on stdout.
func OutletsFromConfig(in []config.LoggingOutlet) (*logger.Outlets, error) {
	outlets := logger.NewOutlets()

	if len(in) == 0 {
		out := NewWriterOutlet(defaultHumanFormatter(), os.Stdout)
		outlets.Add(out, logger.Warn)
		return outlets, nil
	}

	stdoutOutlets := 0
	for lei, le := range in {
		outlet, minLevel, err := parseOutlet(le)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot parse outlet #%d", lei)
		}
		if _, ok := outlet.(WriterOutlet); ok {
			stdoutOutlets++
		}
		outlets.Add(outlet, minLevel)
	}
	if stdoutOutlets > 1 {
		return nil, errors.Errorf("can only define one 'stdout' outlet")
	}

	return outlets, nil
}

func defaultHumanFormatter() EntryFormatter {
	f := &HumanFormatter{}
	flags := MetadataLevel
	if isatty.IsTerminal(os.Stdout.Fd()) {
		flags |= MetadataColor
	}
	f.SetMetadataFlags(flags)
	return f
}

func parseLogFormat(format string) (EntryFormatter, error) {
	switch format {
	case "", "human":
		return &HumanFormatter{}, nil
	case "logfmt":
		return &LogfmtFormatter{}, nil
	case "json":
		return &JSONFormatter{}, nil
	default:
		return nil, errors.Errorf("invalid log format '%s'", format)
	}
}

func parseOutlet(in config.LoggingOutlet) (o logger.Outlet, level logger.Level, err error) {
	level = logger.Warn
	if in.Level != "" {
		if level, err = logger.ParseLevel(in.Level); err != nil {
			return nil, 0, errors.Wrap(err, "cannot parse level")
		}
	}
	formatter, err := parseLogFormat(in.Format)
	if err != nil {
		return nil, 0, errors.Wrap(err, "cannot parse format")
	}
	flags := MetadataLevel
	if in.Time {
		flags |= MetadataTime
	}

	switch in.Outlet {
	case "", "stdout":
		if _, ok := formatter.(*HumanFormatter); ok && isatty.IsTerminal(os.Stdout.Fd()) {
			flags |= MetadataColor
		}
		formatter.SetMetadataFlags(flags)
		return NewWriterOutlet(formatter, os.Stdout), level, nil
	case "tcp":
		if in.Address == "" {
			return nil, 0, errors.New("tcp outlet requires an address")
		}
		network := in.Net
		if network == "" {
			network = "tcp"
		}
		retry := in.RetryInterval
		if retry == 0 {
			retry = defaultTCPRetryInterval
		}
		formatter.SetMetadataFlags(flags)
		return NewTCPOutlet(formatter, network, in.Address, retry), level, nil
	default:
		return nil, 0, errors.Errorf("unknown outlet '%s'", in.Outlet)
	}
}
