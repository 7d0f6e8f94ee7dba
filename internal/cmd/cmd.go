// Package cmd is the dnscrypt-wrapper CLI entry point.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AdguardTeam/dnscrypt-wrapper/internal/metrics"
	"github.com/AdguardTeam/dnscrypt-wrapper/internal/osutil"
	"github.com/AdguardTeam/dnscrypt-wrapper/internal/version"
	"github.com/AdguardTeam/dnscrypt-wrapper/proxy"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	golibsosutil "github.com/AdguardTeam/golibs/osutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// metricsReadTimeout is the read timeout of the metrics HTTP server.
const metricsReadTimeout = 60 * time.Second

// Main is the entrypoint of dnscrypt-wrapper CLI.
func Main() {
	cmdName, args := osArgs()
	conf, exitCode, err := parseConfig(cmdName, args, os.Stderr)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, fmt.Errorf("parsing options: %w", err))
	}

	if conf == nil {
		os.Exit(exitCode)
	}

	if conf.Daemonize {
		var parent bool
		parent, err = osutil.Daemonize()
		if err != nil {
			_, _ = fmt.Fprintln(os.Stderr, fmt.Errorf("daemonizing: %w", err))

			os.Exit(golibsosutil.ExitCodeFailure)
		} else if parent {
			os.Exit(golibsosutil.ExitCodeSuccess)
		}
	}

	logOutput := os.Stdout
	if conf.LogOutput != "" {
		// #nosec G302 -- Trust the file path that is given in the
		// configuration.
		logOutput, err = os.OpenFile(conf.LogOutput, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			_, _ = fmt.Fprintln(os.Stderr, fmt.Errorf("cannot create a log file: %s", err))

			os.Exit(golibsosutil.ExitCodeArgumentError)
		}

		defer func() { _ = logOutput.Close() }()
	}

	lvl := slog.LevelInfo
	if conf.Verbose {
		lvl = slog.LevelDebug
	}

	l := slogutil.New(&slogutil.Config{
		Output:       logOutput,
		Format:       slogutil.FormatDefault,
		Level:        lvl,
		AddTimestamp: true,
	})

	ctx := context.Background()

	err = runProxy(ctx, l, conf)
	if err != nil {
		l.ErrorContext(ctx, "running dnscrypt-wrapper", slogutil.KeyError, err)

		// As defers are skipped in case of os.Exit, close logOutput manually.
		if logOutput != os.Stdout {
			_ = logOutput.Close()
		}

		os.Exit(golibsosutil.ExitCodeFailure)
	}
}

// runProxy starts and runs the proxy until SIGINT or SIGTERM is received.  l
// must not be nil.
func runProxy(ctx context.Context, l *slog.Logger, conf *configuration) (err error) {
	l.InfoContext(
		ctx,
		"dnscrypt-wrapper starting",
		"version", version.Version(),
		"revision", version.Revision(),
		"branch", version.Branch(),
		"commit_time", version.CommitTime(),
	)

	reg := prometheus.NewRegistry()
	m, err := newMetrics(reg)
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}

	certs, st, err := loadCertificates(ctx, l, conf, time.Now())
	if err != nil {
		return fmt.Errorf("loading certificates: %w", err)
	}

	err = logStamp(ctx, l, conf, st)
	if err != nil {
		return fmt.Errorf("creating stamp: %w", err)
	}

	proxyConf, err := createProxyConfig(l, conf, certs, m)
	if err != nil {
		return fmt.Errorf("configuring proxy: %w", err)
	}

	err = proxyConf.Validate()
	if err != nil {
		return fmt.Errorf("validating proxy config: %w", err)
	}

	p, err := proxy.New(proxyConf)
	if err != nil {
		return fmt.Errorf("creating proxy: %w", err)
	}

	err = p.Start(ctx)
	if err != nil {
		return fmt.Errorf("starting proxy: %w", err)
	}

	var srv *http.Server
	if conf.MetricsAddr != "" {
		srv = runMetrics(ctx, l, conf.MetricsAddr, reg)
	}

	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signalChannel

	l.InfoContext(ctx, "shutting down", "signal", sig)

	var errs []error
	if srv != nil {
		errs = append(errs, srv.Shutdown(ctx))
	}

	err = p.Shutdown(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("stopping proxy: %w", err))
	}

	return errors.Join(errs...)
}

// newMetrics registers the runtime collectors and the proxy metrics in reg.
func newMetrics(reg *prometheus.Registry) (m *metrics.Metrics, err error) {
	err = reg.Register(collectors.NewGoCollector())
	if err != nil {
		return nil, fmt.Errorf("registering go collector: %w", err)
	}

	err = reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err != nil {
		return nil, fmt.Errorf("registering process collector: %w", err)
	}

	return metrics.New(reg)
}

// runMetrics serves the metrics from g on addr in a separate goroutine.
func runMetrics(
	ctx context.Context,
	l *slog.Logger,
	addr string,
	g prometheus.Gatherer,
) (srv *http.Server) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(g))

	srv = &http.Server{
		Addr:        addr,
		ReadTimeout: metricsReadTimeout,
		Handler:     mux,
	}

	go func() {
		defer slogutil.RecoverAndLog(ctx, l)

		l.InfoContext(ctx, "starting metrics server", "addr", addr)

		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.ErrorContext(ctx, "metrics server failed", "addr", addr, slogutil.KeyError, err)
		}
	}()

	return srv
}
