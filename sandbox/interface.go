package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/isdmx/docshield/progress"
)

// Backend identifies an isolation backend. The set is closed.
type Backend string

const (
	// BackendContainer runs conversions in a local container runtime.
	BackendContainer Backend = "container"
	// BackendDisposableVM runs conversions in a disposable virtual machine.
	BackendDisposableVM Backend = "dispvm"
)

// Valid reports whether b is one of the known backends.
func (b Backend) Valid() bool {
	return b == BackendContainer || b == BackendDisposableVM
}

// PageArtifact is one rasterized page written by the sandbox.
type PageArtifact struct {
	// Index is the 1-based page number.
	Index int
	// Path is the location of the raster file on the host.
	Path string
}

// ConvertRequest holds the parameters for a single document conversion
type ConvertRequest struct {
	JobID string
	// InputPath is mounted read-only into the sandbox.
	InputPath string
	// OutputDir must be empty and exclusive to this request.
	OutputDir string
	// DeclaredPages is the page count known before spawning, 0 if unknown.
	DeclaredPages int
	MaxPages      int
	Timeout       time.Duration
	GracePeriod   time.Duration
	// OnEvent receives every decoded progress event. It is called from the
	// stream reader goroutine.
	OnEvent func(progress.Event)
}

// ConvertResult is the outcome of a successful conversion.
type ConvertResult struct {
	// TotalPages is the page count the artifacts must cover.
	TotalPages int
	// Artifacts are sorted by ascending index.
	Artifacts []PageArtifact
}

// Provider defines the capability set every isolation backend implements.
type Provider interface {
	Backend() Backend
	// IsAvailable probes whether the backend tooling is reachable.
	IsAvailable(ctx context.Context) error
	// ImageInstalled reports whether the sandbox image is present at the
	// expected version.
	ImageInstalled(ctx context.Context) (bool, error)
	// Install ensures the sandbox image is present. It is idempotent.
	Install(ctx context.Context) error
	// Convert runs one document through the sandbox. Exactly one external
	// process is spawned per call and it is always reaped before returning.
	Convert(ctx context.Context, req *ConvertRequest) (*ConvertResult, error)
}

// Command describes an external command invocation
type Command struct {
	Args  []string
	Env   map[string]string
	Stdin io.Reader
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	// RunCommand runs the command to completion. A non-zero exit is reported
	// through exitCode; err is only set when the command could not run.
	RunCommand(ctx context.Context, cmd Command) (stdout, stderr string, exitCode int, err error)
	// StartCommand starts a long-running command with streamed stdout.
	StartCommand(ctx context.Context, cmd Command) (Process, error)
}

// Process is a started external command.
type Process interface {
	// Stdout streams the process standard output until it exits.
	Stdout() io.Reader
	// Stderr returns the stderr captured so far. It is for diagnostics only.
	Stderr() string
	// Wait blocks until the process exits. It is safe to call more than once.
	Wait() (exitCode int, err error)
	// Terminate asks the process to exit.
	Terminate() error
	// Kill forcibly stops the process.
	Kill() error
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments
func (RealCommandRunner) RunCommand(ctx context.Context, c Command) (stdout, stderr string, exitCode int, err error) {
	if len(c.Args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...) //nolint:gosec // Arguments are built by the providers
	cmd.Env = buildEnv(c.Env)
	cmd.Stdin = c.Stdin

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()

	exitCode = 0
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			exitCode = exitError.ExitCode()
		} else {
			return stdoutBuf.String(), stderrBuf.String(), 0, err
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// StartCommand starts the command and returns a handle to it. The process is
// not bound to ctx; callers stop it through Terminate and Kill.
func (RealCommandRunner) StartCommand(ctx context.Context, c Command) (Process, error) {
	if len(c.Args) < 1 {
		return nil, fmt.Errorf("no command provided")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// A raw pipe instead of StdoutPipe: Wait must not close the read side
	// while the stream reader is still draining it.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	cmd := exec.Command(c.Args[0], c.Args[1:]...) //nolint:gosec // Arguments are built by the providers
	cmd.Env = buildEnv(c.Env)
	cmd.Stdin = c.Stdin
	cmd.Stdout = pw
	stderr := &cappedBuffer{limit: MaxCapturedStderr}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, err
	}
	pw.Close()

	return &realProcess{
		cmd:    cmd,
		stdout: &closeOnEOFReader{f: pr},
		stderr: stderr,
	}, nil
}

type realProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr *cappedBuffer

	waitOnce sync.Once
	exitCode int
	waitErr  error
}

func (p *realProcess) Stdout() io.Reader { return p.stdout }

func (p *realProcess) Stderr() string { return p.stderr.String() }

func (p *realProcess) Wait() (int, error) {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		if err != nil {
			var exitError *exec.ExitError
			if errors.As(err, &exitError) {
				p.exitCode = exitError.ExitCode()
				return
			}
			p.waitErr = err
		}
	})
	return p.exitCode, p.waitErr
}

func (p *realProcess) Terminate() error {
	err := p.cmd.Process.Signal(syscall.SIGTERM)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *realProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// closeOnEOFReader releases the pipe as soon as the writer side is gone.
type closeOnEOFReader struct {
	f *os.File
}

func (r *closeOnEOFReader) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if err != nil {
		r.f.Close()
	}
	return n, err
}

// cappedBuffer keeps the first limit bytes written to it.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func buildEnv(extra map[string]string) []string {
	if len(extra) == 0 {
		return nil
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := os.Environ()
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// FileSystem defines an interface for file system operations
type FileSystem interface {
	MkdirTemp(dir, pattern string) (string, error)
	MkdirAll(path string, perm os.FileMode) error
	WriteFile(filename string, data []byte, perm os.FileMode) error
	Open(filename string) (io.ReadCloser, error)
	ReadDir(dir string) ([]os.DirEntry, error)
	Remove(path string) error
	RemoveAll(path string) error
	FileSize(path string) (int64, error)
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	if err := os.MkdirAll(path, perm); err != nil {
		return err
	}
	// MkdirAll is subject to the umask; the sandbox user needs the exact mode.
	return os.Chmod(path, perm)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) Open(filename string) (io.ReadCloser, error) {
	return os.Open(filename)
}

func (RealFileSystem) ReadDir(dir string) ([]os.DirEntry, error) {
	return os.ReadDir(dir)
}

// Remove deletes a single file. A missing file is not an error.
func (RealFileSystem) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// FileSize returns the size of a regular file.
func (RealFileSystem) FileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%s is not a regular file", path)
	}
	return info.Size(), nil
}

// File permission and size constants
const (
	// OutputDirPermission lets the unprivileged sandbox user write pages.
	OutputDirPermission = 0o777
	FilePermission      = 0o600
	MaxCapturedStderr   = 64 * 1024
	// MaxLineBytes bounds one progress line. Inline page payloads from the
	// disposable VM backend travel on a single line.
	MaxLineBytes = 64 * 1024 * 1024
)
