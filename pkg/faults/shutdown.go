// shutdown.go implements the once-only, bounded final flush.

package faults

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultMaxWait bounds the final flush when no other limit is configured.
const DefaultMaxWait = 5 * time.Second

// Drainer is what the Coordinator drains on shutdown. *Buffer implements it.
type Drainer interface {
	Close(ctx context.Context) error
}

// Coordinator runs the final flush exactly once, whether it is triggered
// by an explicit call, a signal or a crash in main.
type Coordinator struct {
	target  Drainer
	maxWait time.Duration
	logger  *zap.Logger
	exit    func(int)

	once sync.Once
	err  error
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorMaxWait bounds the final flush (default: 5s).
func WithCoordinatorMaxWait(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.maxWait = d
		}
	}
}

// WithCoordinatorLogger sets the logger for shutdown diagnostics.
func WithCoordinatorLogger(logger *zap.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCoordinatorExit replaces os.Exit.
func WithCoordinatorExit(exit func(code int)) CoordinatorOption {
	return func(c *Coordinator) {
		if exit != nil {
			c.exit = exit
		}
	}
}

// NewCoordinator creates a Coordinator that drains target.
func NewCoordinator(target Drainer, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		target:  target,
		maxWait: DefaultMaxWait,
		logger:  zap.NewNop(),
		exit:    os.Exit,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Shutdown drains the target once, waiting at most the configured maximum
// (and no longer than ctx allows). Records not exported in time are
// abandoned. Every call returns the result of the first.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		ctx, cancel := context.WithTimeout(ctx, c.maxWait)
		defer cancel()

		start := time.Now()
		c.err = c.target.Close(ctx)
		switch {
		case c.err == nil:
			c.logger.Debug("fault pipeline drained", zap.Duration("took", time.Since(start)))
		case errors.Is(c.err, context.DeadlineExceeded):
			c.logger.Warn("fault pipeline drain timed out, abandoning records",
				zap.Duration("max_wait", c.maxWait), zap.Error(c.err))
		default:
			c.logger.Warn("fault pipeline drain failed", zap.Error(c.err))
		}
	})
	return c.err
}

// Exit drains the pipeline and terminates the process with code.
func (c *Coordinator) Exit(code int) {
	// The drain result is already logged; exiting is unconditional.
	_ = c.Shutdown(context.Background())
	c.exit(code)
}

// NotifySignals drains and exits with 128+signo when one of sigs (default:
// SIGINT, SIGTERM) arrives, or returns quietly once ctx is done. The
// returned stop function stops listening.
func (c *Coordinator) NotifySignals(ctx context.Context, sigs ...os.Signal) (stop func()) {
	if len(sigs) == 0 {
		sigs = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	quit := make(chan struct{})

	go func() {
		select {
		case sig := <-ch:
			c.logger.Info("received signal, flushing faults", zap.Stringer("signal", sig))
			c.Exit(exitCode(sig))
		case <-ctx.Done():
		case <-quit:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(quit)
		})
	}
}

func exitCode(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return 128 + int(s)
	}
	return 1
}
