package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/docshield/progress"
)

// DefaultGracePeriod is used when a request does not set one.
const DefaultGracePeriod = 5 * time.Second

// streamSummary is what the stream reader learned before it stopped.
type streamSummary struct {
	total     int
	completed int
	done      bool
}

type streamResult struct {
	summary streamSummary
	err     error
}

type waitResult struct {
	exitCode int
	err      error
}

// errDetached stops the stream reader once the supervisor has given up on the
// process.
var errDetached = errors.New("progress stream detached")

// eventHandler lets a backend act on an event before it is forwarded, for
// example to store inline page data. A returned error aborts the conversion.
type eventHandler func(ev progress.Event) error

// supervisor drives one spawned sandbox process to completion.
type supervisor struct {
	logger   *zap.Logger
	proc     Process
	req      *ConvertRequest
	handle   eventHandler
	teardown func()

	// mu serializes event dispatch with detach.
	mu       sync.Mutex
	detached bool
}

// run consumes the progress stream, enforces the request timeout and always
// reaps the process before returning.
func (s *supervisor) run(ctx context.Context) (streamSummary, error) {
	if s.req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.req.Timeout)
		defer cancel()
	}

	waitCh := make(chan waitResult, 1)
	go func() {
		code, err := s.proc.Wait()
		waitCh <- waitResult{exitCode: code, err: err}
	}()

	streamCh := make(chan streamResult, 1)
	go func() {
		stdout := s.proc.Stdout()
		streamCh <- s.consume(stdout)
		// Anything after the terminal marker is discarded so the sandbox
		// never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, stdout)
	}()

	var stream streamResult
	select {
	case stream = <-streamCh:
	case <-ctx.Done():
		s.stop(waitCh)
		return streamSummary{}, s.contextError(ctx)
	}

	if stream.err != nil {
		s.stop(waitCh)
		return stream.summary, stream.err
	}

	select {
	case res := <-waitCh:
		if s.teardown != nil && !stream.summary.done {
			s.teardown()
		}
		if res.err != nil {
			return stream.summary, NewError(KindConversionProcess, "convert", s.proc.Stderr(), res.err)
		}
		if !stream.summary.done {
			return stream.summary, NewError(KindConversionProcess, "convert", s.proc.Stderr(),
				fmt.Errorf("sandbox exited with code %d before completion", res.exitCode))
		}
		if res.exitCode != 0 {
			return stream.summary, NewError(KindConversionProcess, "convert", s.proc.Stderr(),
				fmt.Errorf("sandbox exited with code %d", res.exitCode))
		}
		return stream.summary, nil
	case <-ctx.Done():
		s.stop(waitCh)
		return stream.summary, s.contextError(ctx)
	}
}

func (s *supervisor) consume(stdout io.Reader) streamResult {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)

	var summary streamSummary
	for scanner.Scan() {
		ev, ok := progress.ParseLine(scanner.Text())
		if !ok {
			continue
		}

		switch ev.Kind {
		case progress.KindTotalPages:
			if s.req.MaxPages > 0 && ev.Number > s.req.MaxPages {
				return streamResult{summary, NewError(KindPageCountExceeded, "convert", "",
					fmt.Errorf("sandbox reported %d pages, limit is %d", ev.Number, s.req.MaxPages))}
			}
			if summary.total == 0 {
				summary.total = ev.Number
			}
		case progress.KindPageCompleted:
			if s.req.MaxPages > 0 && ev.Number > s.req.MaxPages {
				return streamResult{summary, NewError(KindPageCountExceeded, "convert", "",
					fmt.Errorf("sandbox produced page %d, limit is %d", ev.Number, s.req.MaxPages))}
			}
			summary.completed++
		case progress.KindWarning:
			s.logger.Warn("sandbox warning", zap.String("message", ev.Text))
		case progress.KindDone:
			summary.done = true
		}

		if err := s.dispatch(ev); err != nil {
			return streamResult{summary, err}
		}

		if ev.Kind == progress.KindError {
			return streamResult{summary, NewError(KindConversionProcess, "convert", ev.Text,
				errors.New("sandbox reported an error"))}
		}
		if ev.Kind.Terminal() {
			return streamResult{summary: summary}
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("progress stream ended abnormally", zap.Error(err))
	}
	return streamResult{summary: summary}
}

// dispatch hands ev to the backend and the caller unless the supervisor has
// detached from the stream.
func (s *supervisor) dispatch(ev progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return errDetached
	}
	if s.handle != nil {
		if err := s.handle(ev); err != nil {
			return err
		}
	}
	if s.req.OnEvent != nil {
		s.req.OnEvent(ev)
	}
	return nil
}

// detach waits for an in-flight event and drops every later one.
func (s *supervisor) detach() {
	s.mu.Lock()
	s.detached = true
	s.mu.Unlock()
}

// stop terminates the process cooperatively, then forcibly once the grace
// period runs out. A process that survives the kill for another grace period
// is abandoned so the caller is never blocked on it.
func (s *supervisor) stop(waitCh <-chan waitResult) {
	s.detach()

	grace := s.req.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	if err := s.proc.Terminate(); err != nil {
		s.logger.Debug("terminate failed", zap.Error(err))
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	tornDown := false
	select {
	case <-waitCh:
	case <-timer.C:
		s.logger.Warn("sandbox did not exit within grace period, killing", zap.Duration("grace", grace))
		// Killing the client does not always stop what it started.
		if s.teardown != nil {
			s.teardown()
			tornDown = true
		}
		if err := s.proc.Kill(); err != nil {
			s.logger.Error("failed to kill sandbox process", zap.Error(err))
		}

		timer.Reset(grace)
		select {
		case <-waitCh:
		case <-timer.C:
			s.logger.Error("sandbox process survived kill, abandoning it", zap.Duration("grace", grace))
		}
	}

	if s.teardown != nil && !tornDown {
		s.teardown()
	}
}

func (s *supervisor) contextError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return NewError(KindConversionTimeout, "convert", s.proc.Stderr(),
			fmt.Errorf("sandbox exceeded %s", s.req.Timeout))
	}
	return NewError(KindConversionProcess, "convert", s.proc.Stderr(), ctx.Err())
}

// pageFilePattern matches the raster files a sandbox writes.
var pageFilePattern = regexp.MustCompile(`^page-([0-9]+)\.(png|tiff|tif|bmp)$`)

// PageFileName returns the file name of the PNG raster for a page.
func PageFileName(index int) string {
	return fmt.Sprintf("page-%d.png", index)
}

// collectArtifacts lists the page rasters in dir sorted by index. Duplicate
// indices are kept so the assembler can reject them.
func collectArtifacts(fs FileSystem, dir string) ([]PageArtifact, error) {
	entries, err := fs.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read output directory: %w", err)
	}

	var artifacts []PageArtifact
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := pageFilePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		index, err := strconv.Atoi(m[1])
		if err != nil || index < 1 {
			continue
		}
		artifacts = append(artifacts, PageArtifact{Index: index, Path: filepath.Join(dir, entry.Name())})
	}
	sort.SliceStable(artifacts, func(i, j int) bool { return artifacts[i].Index < artifacts[j].Index })
	return artifacts, nil
}

// finishConversion reconciles the stream summary with the artifacts on disk.
func finishConversion(fs FileSystem, req *ConvertRequest, summary streamSummary) (*ConvertResult, error) {
	total := req.DeclaredPages
	if total == 0 {
		total = summary.total
	}
	if req.DeclaredPages > 0 && summary.total > 0 && summary.total != req.DeclaredPages {
		return nil, NewError(KindAssembly, "convert", "",
			fmt.Errorf("sandbox reported %d pages, job declared %d", summary.total, req.DeclaredPages))
	}
	if total == 0 {
		return nil, NewError(KindAssembly, "convert", "", errors.New("page count was never declared"))
	}

	artifacts, err := collectArtifacts(fs, req.OutputDir)
	if err != nil {
		return nil, NewError(KindAssembly, "convert", "", err)
	}
	if len(artifacts) < total {
		return nil, NewError(KindAssembly, "convert", "",
			fmt.Errorf("sandbox finished with %d of %d pages", len(artifacts), total))
	}
	return &ConvertResult{TotalPages: total, Artifacts: artifacts}, nil
}
