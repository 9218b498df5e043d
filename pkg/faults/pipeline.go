// pipeline.go wires the components into a ready-to-use pipeline.

package faults

import (
	"context"
	"io"
	"maps"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Option configures a Pipeline.
type Option func(*pipelineConfig)

type pipelineConfig struct {
	logger     *zap.Logger
	fallback   Fallback
	buffer     BufferConfig
	registerer prometheus.Registerer
	scrubber   *ScrubberConfig
	attrs      map[string]string
	maxWait    time.Duration
	exit       func(int)
	stderr     io.Writer
}

// WithLogger sets the default capture logger. Its "faults" child logs
// drop reports, export failures and shutdown.
func WithLogger(logger *zap.Logger) Option {
	return func(c *pipelineConfig) {
		c.logger = logger
	}
}

// WithFallback sets the last-resort sink (default: stderr).
func WithFallback(fb Fallback) Option {
	return func(c *pipelineConfig) {
		c.fallback = fb
	}
}

// WithBufferConfig sets the buffer sizing (default: DefaultBufferConfig).
func WithBufferConfig(cfg BufferConfig) Option {
	return func(c *pipelineConfig) {
		c.buffer = cfg
	}
}

// WithRegisterer registers the pipeline metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *pipelineConfig) {
		c.registerer = reg
	}
}

// WithScrubbing redacts captured data with cfg.
func WithScrubbing(cfg ScrubberConfig) Option {
	return func(c *pipelineConfig) {
		c.scrubber = &cfg
	}
}

// WithDefaultScrubbing redacts captured data with DefaultScrubberConfig.
func WithDefaultScrubbing() Option {
	return WithScrubbing(DefaultScrubberConfig())
}

// WithResourceAttributes attaches attrs, such as service.name, to every
// Record.
func WithResourceAttributes(attrs map[string]string) Option {
	return func(c *pipelineConfig) {
		c.attrs = maps.Clone(attrs)
	}
}

// WithMaxWait bounds the final flush on shutdown (default: 5s).
func WithMaxWait(d time.Duration) Option {
	return func(c *pipelineConfig) {
		c.maxWait = d
	}
}

// WithExitFunc replaces os.Exit for crashes in main and signal exits.
func WithExitFunc(exit func(code int)) Option {
	return func(c *pipelineConfig) {
		c.exit = exit
	}
}

// WithPanicOutput sets where the built-in hooks print uncaptured panics
// (default: os.Stderr).
func WithPanicOutput(w io.Writer) Option {
	return func(c *pipelineConfig) {
		c.stderr = w
	}
}

// Pipeline is the assembled fault pipeline. The Router holds the Buffer
// only as an Enqueuer; the Coordinator owns its shutdown.
type Pipeline struct {
	Metrics     *Metrics
	Buffer      *Buffer
	Router      *Router
	Registry    *Registry
	Coordinator *Coordinator
}

// NewPipeline assembles a pipeline exporting to exporter. The pipeline
// owns exporter and closes it on Shutdown.
func NewPipeline(exporter Exporter, opts ...Option) *Pipeline {
	cfg := pipelineConfig{
		logger:   zap.NewNop(),
		fallback: StderrFallback(),
		buffer:   DefaultBufferConfig(),
		maxWait:  DefaultMaxWait,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.fallback == nil {
		cfg.fallback = StderrFallback()
	}
	diag := cfg.logger.Named("faults")

	p := &Pipeline{Metrics: NewMetrics(cfg.registerer)}

	p.Buffer = NewBuffer(exporter, cfg.buffer,
		WithBufferLogger(diag),
		WithBufferMetrics(p.Metrics),
		WithBufferFallback(cfg.fallback),
	)

	routerOpts := []RouterOption{
		WithRouterLogger(cfg.logger),
		WithRouterFallback(cfg.fallback),
		WithRouterMetrics(p.Metrics),
		WithRouterAttributes(cfg.attrs),
	}
	if cfg.scrubber != nil {
		routerOpts = append(routerOpts, WithRouterScrubber(*cfg.scrubber))
	}
	p.Router = NewRouter(p.Buffer, routerOpts...)

	coordOpts := []CoordinatorOption{
		WithCoordinatorMaxWait(cfg.maxWait),
		WithCoordinatorLogger(diag),
	}
	if cfg.exit != nil {
		coordOpts = append(coordOpts, WithCoordinatorExit(cfg.exit))
	}
	p.Coordinator = NewCoordinator(p.Buffer, coordOpts...)

	p.Registry = NewRegistry(p.Router,
		WithExit(p.Coordinator.Exit),
		WithRegistryFallback(cfg.fallback),
		WithStderr(cfg.stderr),
	)
	return p
}

// InstallGlobalHandlers installs the capture hook for the primary and
// worker contexts. With propagatePrevious the previously installed hooks
// still run after capture; the built-in primary hook then exits with
// status 2 after flushing.
func (p *Pipeline) InstallGlobalHandlers(logger *zap.Logger, propagatePrevious bool) error {
	return p.Registry.InstallAll(logger, propagatePrevious)
}

// Shutdown flushes pending records and closes the exporter, once.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	return p.Coordinator.Shutdown(ctx)
}
