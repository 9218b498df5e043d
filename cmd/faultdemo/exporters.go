package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	cxdbclient "github.com/strongdm/ai-cxdb/clients/go"
	"go.uber.org/zap"

	"github.com/strongdm/ai-cxdb-faults/internal/config"
	"github.com/strongdm/ai-cxdb-faults/pkg/faults"
	"github.com/strongdm/ai-cxdb-faults/pkg/faults/exporters/cxdb"
	"github.com/strongdm/ai-cxdb-faults/pkg/faults/exporters/file"
	"github.com/strongdm/ai-cxdb-faults/pkg/faults/exporters/httpbatch"
	"github.com/strongdm/ai-cxdb-faults/pkg/faults/exporters/multi"
	"github.com/strongdm/ai-cxdb-faults/pkg/faults/exporters/noop"
	"github.com/strongdm/ai-cxdb-faults/pkg/faults/exporters/postgres"
	"github.com/strongdm/ai-cxdb-faults/pkg/faults/exporters/redisstream"
	"github.com/strongdm/ai-cxdb-faults/pkg/faults/exporters/stderr"
	"github.com/strongdm/ai-cxdb-faults/pkg/faults/exporters/wire"
)

// buildExporter creates the exporters named in cfg. The returned release
// func closes the clients the exporters borrow; call it after the pipeline
// has shut down.
func buildExporter(ctx context.Context, cfg *config.Config, logger *zap.Logger) (faults.Exporter, func(), error) {
	var (
		exporters []faults.Exporter
		closers   []func() error
	)
	release := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("release exporter client", zap.Error(err))
			}
		}
	}
	fail := func(err error) (faults.Exporter, func(), error) {
		for _, e := range exporters {
			_ = e.Close()
		}
		release()
		return nil, nil, err
	}

	for _, name := range cfg.Exporters {
		var (
			exp faults.Exporter
			err error
		)
		switch name {
		case config.ExporterStderr:
			exp = newStderrExporter(cfg.Stderr)
		case config.ExporterNoop:
			exp = noop.New()
		case config.ExporterHTTP:
			exp, err = newHTTPExporter(cfg.HTTP, cfg.Service, logger)
		case config.ExporterFile:
			exp, err = file.New(file.Config{
				Path:       cfg.File.Path,
				MaxSizeMB:  cfg.File.MaxSizeMB,
				MaxBackups: cfg.File.MaxBackups,
				MaxAgeDays: cfg.File.MaxAgeDays,
				Compress:   cfg.File.Compress,
			})
		case config.ExporterPostgres:
			exp, err = newPostgresExporter(ctx, cfg.Postgres)
		case config.ExporterRedis:
			var client *redis.Client
			exp, client, err = newRedisExporter(cfg.Redis)
			if client != nil {
				closers = append(closers, client.Close)
			}
		case config.ExporterCXDB:
			var client *cxdbclient.Client
			exp, client, err = newCXDBExporter(cfg.CXDB)
			if client != nil {
				closers = append(closers, func() error {
					client.Close()
					return nil
				})
			}
		default:
			err = fmt.Errorf("unknown exporter %q", name)
		}
		if err != nil {
			return fail(fmt.Errorf("exporter %s: %w", name, err))
		}
		logger.Debug("exporter enabled", zap.String("exporter", name))
		exporters = append(exporters, exp)
	}

	switch len(exporters) {
	case 0:
		return fail(errors.New("no exporters configured"))
	case 1:
		return exporters[0], release, nil
	default:
		return multi.New(exporters...), release, nil
	}
}

func newStderrExporter(cfg config.StderrConfig) *stderr.Exporter {
	if cfg.Verbose {
		return stderr.New(stderr.WithVerbose())
	}
	return stderr.New()
}

func newHTTPExporter(cfg config.HTTPConfig, svc config.ServiceConfig, logger *zap.Logger) (*httpbatch.Exporter, error) {
	format, err := wire.ParseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}
	opts := []httpbatch.Option{
		httpbatch.WithFormat(format),
		httpbatch.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		httpbatch.WithRetry(cfg.RetryAttempts, cfg.RetryDelay),
		httpbatch.WithBreaker(cfg.BreakerFailures, cfg.BreakerCooldown),
		httpbatch.WithLogger(logger.Named("httpbatch")),
	}
	if cfg.Gzip {
		opts = append(opts, httpbatch.WithGzip(cfg.GzipLevel))
	}
	if cfg.APIKey != "" {
		opts = append(opts, httpbatch.WithAPIKey(cfg.APIKey))
	}
	if svc.InstanceID != "" {
		opts = append(opts, httpbatch.WithInstanceID(svc.InstanceID))
	}
	return httpbatch.New(cfg.Endpoint, opts...), nil
}

func newPostgresExporter(ctx context.Context, cfg config.PostgresConfig) (*postgres.Exporter, error) {
	exp, err := postgres.Open(cfg.DSN, postgres.WithTable(cfg.Table))
	if err != nil {
		return nil, err
	}
	if cfg.EnsureSchema {
		if err := exp.EnsureSchema(ctx); err != nil {
			_ = exp.Close()
			return nil, err
		}
	}
	return exp, nil
}

func newRedisExporter(cfg config.RedisConfig) (*redisstream.Exporter, *redis.Client, error) {
	format, err := wire.ParseFormat(cfg.Format)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	exp := redisstream.New(client,
		redisstream.WithStream(cfg.Stream),
		redisstream.WithMaxLen(cfg.MaxLen),
		redisstream.WithFormat(format),
	)
	return exp, client, nil
}

func newCXDBExporter(cfg config.CXDBConfig) (*cxdb.Exporter, *cxdbclient.Client, error) {
	client, err := cxdbclient.Dial(cfg.Addr, cxdbclient.WithClientTag(cfg.ClientTag))
	if err != nil {
		return nil, nil, fmt.Errorf("dial cxdb: %w", err)
	}
	exp := cxdb.New(client,
		cxdb.WithOrphanLabels(cfg.OrphanLabels),
		cxdb.WithClientTag(cfg.ClientTag),
	)
	return exp, client, nil
}
