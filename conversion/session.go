package conversion

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/docshield/assembler"
	"github.com/isdmx/docshield/logger"
	"github.com/isdmx/docshield/progress"
	"github.com/isdmx/docshield/sandbox"
)

// ProgressFunc receives progress for a job. It is called from the goroutine
// reading the sandbox output and must not block.
type ProgressFunc func(jobID string, update progress.Update)

// Options bound and tune a single conversion.
type Options struct {
	// MaxPages rejects documents declaring or producing more pages.
	MaxPages int
	// MaxInputSize rejects larger inputs before anything is spawned.
	MaxInputSize int64
	Timeout      time.Duration
	GracePeriod  time.Duration
	// WorkDir holds the per-job page directories, os.TempDir if empty.
	WorkDir    string
	OnProgress ProgressFunc
}

// Result is the typed outcome of a job. A failed job always has a Kind.
type Result struct {
	JobID      string
	State      State
	Kind       sandbox.ErrorKind
	Diagnostic string
	Err        error
	OutputPath string
	Pages      int
}

// Succeeded reports whether the job completed.
func (r Result) Succeeded() bool { return r.State == StateCompleted }

// Session runs one job through availability, installation, conversion and
// assembly.
type Session struct {
	logger    *zap.Logger
	provider  sandbox.Provider
	assembler *assembler.Assembler
	fs        sandbox.FileSystem
	job       *Job
	opts      Options

	mu        sync.Mutex
	cancel    context.CancelFunc
	cancelled bool
}

// NewSession creates a session for job. A nil fs uses the real file system.
func NewSession(log *zap.Logger, provider sandbox.Provider, asm *assembler.Assembler, fs sandbox.FileSystem, job *Job, opts Options) *Session {
	if fs == nil {
		fs = &sandbox.RealFileSystem{}
	}
	return &Session{
		logger:    logger.ForJob(log, job.ID, string(provider.Backend())),
		provider:  provider,
		assembler: asm,
		fs:        fs,
		job:       job,
		opts:      opts,
	}
}

// Job returns the job driven by the session.
func (s *Session) Job() *Job { return s.job }

// Cancel stops the job. The sandbox is asked to exit and killed after the
// grace period. Cancelling before Run makes Run fail immediately.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	if s.cancel != nil {
		s.cancel()
	}
}

// Run executes the job and always returns a typed result.
func (s *Session) Run(ctx context.Context) Result {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.cancel = cancel
	if s.cancelled {
		cancel()
	}
	s.mu.Unlock()

	if err := s.guard(); err != nil {
		return s.fail(err)
	}

	if err := s.advance(StateCheckingAvailability); err != nil {
		return s.fail(err)
	}
	if err := s.provider.IsAvailable(ctx); err != nil {
		return s.fail(err)
	}
	if err := cancelled(ctx); err != nil {
		return s.fail(err)
	}

	installed, err := s.provider.ImageInstalled(ctx)
	if err != nil {
		return s.fail(err)
	}
	if !installed {
		if err := s.advance(StateInstallingImage); err != nil {
			return s.fail(err)
		}
		if err := s.provider.Install(ctx); err != nil {
			return s.fail(err)
		}
	}
	if err := cancelled(ctx); err != nil {
		return s.fail(err)
	}

	if err := s.advance(StateSpawning); err != nil {
		return s.fail(err)
	}

	workDir, err := s.fs.MkdirTemp(s.opts.WorkDir, "docshield-"+s.job.ID+"-")
	if err != nil {
		return s.fail(sandbox.NewError(sandbox.KindConversionProcess, "prepare", "",
			fmt.Errorf("failed to create work directory: %w", err)))
	}
	defer func() {
		if err := s.fs.RemoveAll(workDir); err != nil {
			s.logger.Warn("failed to remove work directory", zap.String("path", workDir), zap.Error(err))
		}
	}()

	pagesDir := filepath.Join(workDir, "pages")
	if err := s.fs.MkdirAll(pagesDir, sandbox.OutputDirPermission); err != nil {
		return s.fail(sandbox.NewError(sandbox.KindConversionProcess, "prepare", "",
			fmt.Errorf("failed to create page directory: %w", err)))
	}

	tracker := progress.NewTracker()
	req := &sandbox.ConvertRequest{
		JobID:         s.job.ID,
		InputPath:     s.job.InputPath,
		OutputDir:     pagesDir,
		DeclaredPages: s.job.DeclaredPages,
		MaxPages:      s.opts.MaxPages,
		Timeout:       s.opts.Timeout,
		GracePeriod:   s.opts.GracePeriod,
		OnEvent: func(ev progress.Event) {
			if s.job.advanceIf(StateSpawning, StateStreamingProgress) {
				s.logger.Debug("job state changed", zap.Stringer("state", StateStreamingProgress))
			}
			update := tracker.Observe(ev)
			if s.opts.OnProgress != nil {
				s.opts.OnProgress(s.job.ID, update)
			}
		},
	}

	s.logger.Info("starting sandbox conversion", zap.Int("declared_pages", s.job.DeclaredPages))
	result, err := s.provider.Convert(ctx, req)
	if err != nil {
		return s.fail(err)
	}
	s.job.advanceIf(StateSpawning, StateStreamingProgress)

	if s.job.DeclaredPages > 0 && result.TotalPages != s.job.DeclaredPages {
		return s.fail(sandbox.NewError(sandbox.KindAssembly, "assemble", "",
			fmt.Errorf("sandbox produced %d pages, job declared %d", result.TotalPages, s.job.DeclaredPages)))
	}

	if err := s.advance(StateAssembling); err != nil {
		return s.fail(err)
	}
	if err := s.assembler.Assemble(ctx, result.Artifacts, result.TotalPages, s.job.OutputPath); err != nil {
		return s.fail(err)
	}

	if err := s.job.complete(result.TotalPages); err != nil {
		return s.fail(err)
	}
	s.logger.Info("job completed", zap.Stringer("state", StateCompleted), zap.Int("pages", result.TotalPages))

	return Result{
		JobID:      s.job.ID,
		State:      StateCompleted,
		OutputPath: s.job.OutputPath,
		Pages:      result.TotalPages,
	}
}

// guard rejects inputs that exceed the ceilings before any process exists.
func (s *Session) guard() error {
	size, err := s.fs.FileSize(s.job.InputPath)
	if err != nil {
		return sandbox.NewError(sandbox.KindConversionProcess, "validate input", "",
			fmt.Errorf("input is not readable: %w", err))
	}
	if size == 0 {
		return sandbox.NewError(sandbox.KindConversionProcess, "validate input", "", errors.New("input is empty"))
	}
	if s.opts.MaxInputSize > 0 && size > s.opts.MaxInputSize {
		return sandbox.NewError(sandbox.KindPageCountExceeded, "validate input", "",
			fmt.Errorf("input is %d bytes, limit is %d", size, s.opts.MaxInputSize))
	}
	if s.job.DeclaredPages < 0 {
		return sandbox.NewError(sandbox.KindConversionProcess, "validate input", "",
			fmt.Errorf("declared page count %d is negative", s.job.DeclaredPages))
	}
	if s.opts.MaxPages > 0 && s.job.DeclaredPages > s.opts.MaxPages {
		return sandbox.NewError(sandbox.KindPageCountExceeded, "validate input", "",
			fmt.Errorf("document declares %d pages, limit is %d", s.job.DeclaredPages, s.opts.MaxPages))
	}
	return nil
}

func (s *Session) advance(to State) error {
	if err := s.job.transition(to); err != nil {
		return err
	}
	s.logger.Debug("job state changed", zap.Stringer("state", to))
	return nil
}

func (s *Session) fail(err error) Result {
	kind := sandbox.KindOf(err)
	if kind == sandbox.KindUnknown {
		// Untyped failures still surface as a process failure.
		err = sandbox.NewError(sandbox.KindConversionProcess, "convert", "", err)
		kind = sandbox.KindConversionProcess
	}
	s.job.fail(err)
	// A failed job never leaves a document at its output path.
	if rmErr := s.fs.Remove(s.job.OutputPath); rmErr != nil {
		s.logger.Warn("failed to remove output", zap.String("path", s.job.OutputPath), zap.Error(rmErr))
	}
	s.logger.Warn("job failed",
		zap.Stringer("state", StateFailed),
		zap.Stringer("kind", kind),
		zap.Error(err))

	return Result{
		JobID:      s.job.ID,
		State:      StateFailed,
		Kind:       kind,
		Diagnostic: sandbox.DiagnosticOf(err),
		Err:        err,
	}
}

func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return sandbox.NewError(sandbox.KindConversionProcess, "convert", "", err)
	}
	return nil
}
