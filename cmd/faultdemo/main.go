// Command faultdemo runs a fault pipeline end to end: it installs the
// global hooks, performs a division by zero under faults.Run, and exports
// the resulting record through the configured exporters.
//
// With --serve it keeps running and exposes /metrics, /healthz and two
// endpoints that fail on purpose.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/strongdm/ai-cxdb-faults/internal/config"
	"github.com/strongdm/ai-cxdb-faults/internal/logging"
	"github.com/strongdm/ai-cxdb-faults/pkg/faults"
	"github.com/strongdm/ai-cxdb-faults/pkg/faults/exporters/stderr"
)

const serviceName = "faultdemo"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := config.NewFlagSet(serviceName)
	serve := fs.Bool("serve", false, "keep serving /metrics until interrupted")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	cfg, err := config.FromFlags(fs)
	if err != nil {
		return err
	}

	logger, closeLog, err := logging.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	ctx := context.Background()
	exporter, release, err := buildExporter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer release()

	reg := prometheus.NewRegistry()
	p, err := newPipeline(cfg, exporter, logger, reg)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Shutdown(context.Background()); err != nil {
			logger.Warn("fault pipeline shutdown", zap.Error(err))
		}
	}()
	defer p.Registry.RecoverMain()

	if err := p.InstallGlobalHandlers(logger, true); err != nil {
		return fmt.Errorf("install fault hooks: %w", err)
	}
	stop := p.Coordinator.NotifySignals(ctx)
	defer stop()

	result, _ := faults.Run(ctx, p.Router, "divide", faults.Suppress, func(context.Context) (int, error) {
		return divide(1, 0)
	})
	logger.Info("division finished", zap.Int("result", result))

	if !*serve {
		return nil
	}

	// The server drains gracefully on a signal instead of exiting at once.
	stop()
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return serveHTTP(ctx, cfg.Server, newRouter(p.Router, reg), p.Registry, logger)
}

// newPipeline assembles the fault pipeline described by cfg.
func newPipeline(cfg *config.Config, exporter faults.Exporter, logger *zap.Logger, reg prometheus.Registerer) (*faults.Pipeline, error) {
	bufCfg, err := cfg.Buffer.Faults()
	if err != nil {
		return nil, err
	}
	opts := []faults.Option{
		faults.WithLogger(logger),
		faults.WithFallback(stderr.New()),
		faults.WithBufferConfig(bufCfg),
		faults.WithRegisterer(reg),
		faults.WithMaxWait(cfg.Shutdown.MaxWait),
		faults.WithResourceAttributes(resourceAttributes(cfg.Service)),
	}
	if cfg.Scrub {
		opts = append(opts, faults.WithDefaultScrubbing())
	}
	return faults.NewPipeline(exporter, opts...), nil
}

// resourceAttributes identifies the process on every record.
func resourceAttributes(svc config.ServiceConfig) map[string]string {
	instance := svc.InstanceID
	if instance == "" {
		instance, _ = os.Hostname()
	}
	return map[string]string{
		"service.name":        svc.Name,
		"service.instance.id": instance,
	}
}

func divide(a, b int) (int, error) {
	return a / b, nil
}

// serveHTTP serves handler until ctx is done. The listener runs as a
// registry worker so a panic in it is captured.
func serveHTTP(ctx context.Context, cfg config.ServerConfig, handler http.Handler, registry *faults.Registry, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	registry.Go("http-server", func() {
		logger.Info("serving", zap.String("addr", cfg.Addr))
		errCh <- srv.ListenAndServe()
	})

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.WriteTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
