// Package daemon runs the verdond gateway: an HTTP proxy whose scopes
// forward calls to configured upstream services.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/mtth/verdon/cli"
	"github.com/mtth/verdon/config"
	"github.com/mtth/verdon/frame"
	"github.com/mtth/verdon/logger"
	"github.com/mtth/verdon/logging"
	"github.com/mtth/verdon/proxy"
	"github.com/mtth/verdon/rpc"
	"github.com/mtth/verdon/service"
	"github.com/mtth/verdon/trace"
	"github.com/mtth/verdon/version"
)

var DaemonCmd = &cli.Subcommand{
	Use:   "daemon",
	Short: "run the gateway daemon",
	Run: func(subcommand *cli.Subcommand, args []string) error {
		return Run(subcommand.Config())
	},
}

var ConfigcheckCmd = &cli.Subcommand{
	Use:   "configcheck",
	Short: "parse and validate the config file",
	Run: func(subcommand *cli.Subcommand, args []string) error {
		// parsing happened before we got here
		return nil
	},
}

var VersionCmd = &cli.Subcommand{
	Use:             "version",
	Short:           "print version and runtime information",
	NoRequireConfig: true,
	Run: func(subcommand *cli.Subcommand, args []string) error {
		fmt.Println(version.NewVersionInformation().String())
		return nil
	},
}

const shutdownGrace = 10 * time.Second

func Run(conf *config.Config) error {
	outlets, err := logging.OutletsFromConfig(conf.Logging)
	if err != nil {
		return errors.Wrap(err, "cannot build logging outlets")
	}
	log := logger.NewLogger(outlets)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	ctx = rpc.WithLogger(ctx, log.WithField(logging.SubsysField, logging.SubsysRPC))
	ctx = proxy.WithLogger(ctx, log.WithField(logging.SubsysField, logging.SubsysProxy))

	registry := prometheus.NewRegistry()
	for _, register := range []func(prometheus.Registerer) error{
		frame.PrometheusRegister,
		rpc.PrometheusRegister,
		proxy.PrometheusRegister,
	} {
		if err := register(registry); err != nil {
			return errors.Wrap(err, "cannot register metrics")
		}
	}
	version.PrometheusRegister(registry)

	expect := make([]string, 0, len(conf.Scopes))
	for _, sc := range conf.Scopes {
		expect = append(expect, sc.Scope)
	}
	p := proxy.New(&proxy.Options{Prefix: conf.Prefix, ExpectScopes: expect}, nil)

	daemonLog := log.WithField(logging.SubsysField, logging.SubsysDaemon)
	for _, sc := range conf.Scopes {
		gw, err := newGateway(ctx, sc)
		if err != nil {
			return errors.Wrapf(err, "cannot build gateway for scope %q", sc.Scope)
		}
		if err := p.BindServer(gw.server, sc.Scope); err != nil {
			return err
		}
		daemonLog.WithField("scope", sc.Scope).WithField("upstream", sc.Upstream).Info("scope bound")
	}
	if !p.OK() {
		return errors.New("proxy did not reach readiness")
	}

	g, ctx := errgroup.WithContext(ctx)

	httpServer := &http.Server{
		Addr: conf.Listen,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p.ServeHTTP(w, r.WithContext(ctx))
		}),
	}
	g.Go(func() error {
		daemonLog.WithField("addr", conf.Listen).Info("serving")
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	var promServer *http.Server
	if conf.Monitoring != nil {
		promServer = &http.Server{
			Addr:    conf.Monitoring.Listen,
			Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		}
		g.Go(func() error {
			daemonLog.WithField("addr", conf.Monitoring.Listen).Info("serving metrics")
			if err := promServer.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		daemonLog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		httpServer.Shutdown(shutdownCtx) //nolint:errcheck
		if promServer != nil {
			promServer.Shutdown(shutdownCtx) //nolint:errcheck
		}
		return nil
	})

	return g.Wait()
}

// gateway forwards one scope's messages to its upstream service.
type gateway struct {
	server   *rpc.Server
	upstream *rpc.Client
}

func newGateway(ctx context.Context, sc config.Scope) (*gateway, error) {
	protocol, err := os.ReadFile(sc.Protocol)
	if err != nil {
		return nil, errors.Wrap(err, "cannot read protocol file")
	}
	svc, err := service.Parse(protocol)
	if err != nil {
		return nil, errors.Wrap(err, "cannot compile protocol")
	}

	upstream := rpc.NewClient(svc, rpc.WithBuffering())
	// upstreams are not required to run tracing themselves
	trace.InstallClient(upstream, &trace.Options{
		CreateMissingOutgoing: true,
		IgnoreMissingIncoming: true,
	})
	if _, err := upstream.DialChannel(ctx, sc.Upstream); err != nil {
		return nil, errors.Wrap(err, "cannot dial upstream")
	}

	server := rpc.NewServer(svc)
	trace.InstallServer(server, &trace.Options{})
	gw := &gateway{server: server, upstream: upstream}
	for _, msg := range svc.Messages() {
		name := msg.Name()
		if err := server.OnMessage(name, gw.forward(ctx, name, sc.CallTimeout)); err != nil {
			return nil, err
		}
	}
	return gw, nil
}

func (gw *gateway) forward(ctx context.Context, name string, timeout time.Duration) rpc.Handler {
	return func(cc *rpc.CallContext, request interface{}) (interface{}, error) {
		opts := &rpc.CallOptions{Timeout: timeout}
		if tr := trace.FromLocals(cc, ""); tr != nil {
			opts = trace.WithTrace(opts, "", tr)
		}
		res, err := gw.upstream.Emit(ctx, name, request, opts)
		if err != nil {
			if value := rpc.ApplicationValue(err); value != nil {
				// hand the upstream's error union through untouched
				return nil, &rpc.DeclaredError{Value: value}
			}
			return nil, err
		}
		return res, nil
	}
}
