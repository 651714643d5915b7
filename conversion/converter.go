package conversion

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/isdmx/docshield/assembler"
	"github.com/isdmx/docshield/config"
	"github.com/isdmx/docshield/sandbox"
)

// Converter runs jobs against one provider with bounded concurrency.
type Converter struct {
	logger    *zap.Logger
	provider  sandbox.Provider
	assembler *assembler.Assembler
	fs        sandbox.FileSystem
	opts      Options
	sem       *semaphore.Weighted

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// ConverterOption defines a functional option for Converter
type ConverterOption func(*Converter)

// WithFileSystem sets the FileSystem used by every session
func WithFileSystem(fs sandbox.FileSystem) ConverterOption {
	return func(c *Converter) {
		c.fs = fs
	}
}

// WithOptions replaces the per-job options derived from the configuration
func WithOptions(opts Options) ConverterOption {
	return func(c *Converter) {
		c.opts = opts
	}
}

// NewConverter creates a converter configured from cfg.
func NewConverter(logger *zap.Logger, cfg *config.Config, provider sandbox.Provider, opts ...ConverterOption) *Converter {
	c := &Converter{
		logger:    logger,
		provider:  provider,
		assembler: assembler.New(logger, cfg.Conversion.DPI),
		fs:        &sandbox.RealFileSystem{},
		opts: Options{
			MaxPages:     cfg.Sandbox.MaxPages,
			MaxInputSize: cfg.MaxInputSizeBytes(),
			Timeout:      cfg.GetTimeout(),
			GracePeriod:  cfg.GetGracePeriod(),
			WorkDir:      cfg.Conversion.WorkDir,
		},
		sem:     semaphore.NewWeighted(int64(cfg.Conversion.MaxConcurrentJobs)),
		running: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Provider returns the isolation provider jobs run against.
func (c *Converter) Provider() sandbox.Provider { return c.provider }

// Convert runs job once a concurrency slot is free. onProgress may be nil.
func (c *Converter) Convert(ctx context.Context, job *Job, onProgress ProgressFunc) Result {
	opts := c.opts
	if onProgress != nil {
		opts.OnProgress = onProgress
	}
	session := NewSession(c.logger, c.provider, c.assembler, c.fs, job, opts)

	// The job context is registered before queueing so Cancel reaches
	// queued jobs too.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.running[job.ID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.running, job.ID)
		c.mu.Unlock()
	}()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return session.fail(sandbox.NewError(sandbox.KindConversionProcess, "queue", "", err))
	}
	defer c.sem.Release(1)

	return session.Run(ctx)
}

// ConvertAll runs every job and returns their results in input order. A
// failed job never affects the others.
func (c *Converter) ConvertAll(ctx context.Context, jobs []*Job, onProgress ProgressFunc) []Result {
	results := make([]Result, len(jobs))
	var g errgroup.Group
	for i, job := range jobs {
		g.Go(func() error {
			results[i] = c.Convert(ctx, job, onProgress)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Cancel stops a queued or running job. It reports whether the job was found.
func (c *Converter) Cancel(jobID string) bool {
	c.mu.Lock()
	cancel, ok := c.running[jobID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}
