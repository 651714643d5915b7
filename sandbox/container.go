package sandbox

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Paths inside the container.
const (
	ContainerInputPath  = "/tmp/input_file"
	ContainerOutputPath = "/tmp/output"
	// SandboxUser is the unprivileged uid:gid the converter runs as.
	SandboxUser = "65534:65534"
	// containerKillTimeout bounds the teardown "kill" call.
	containerKillTimeout = 10 * time.Second
)

// DefaultEntryCommand is the converter invoked inside the sandbox image.
var DefaultEntryCommand = []string{"/usr/local/bin/docshield-render", ContainerInputPath, ContainerOutputPath}

// Config holds configuration for the isolation providers
type Config struct {
	Runtime            string
	RuntimePreference  []string
	ImageName          string
	AppVersion         string
	ImageArchive       string
	ImageArchiveDigest string
	MemoryMB           int
	CPUs               float64
	PidsLimit          int
	EntryCommand       []string

	DispVMTemplate string
	DispVMService  string
	DispVMProbe    []string
}

// validateLimits rejects configurations that would run a sandbox without
// resource restrictions.
func (c *Config) validateLimits() error {
	if c.MemoryMB <= 0 {
		return fmt.Errorf("memory limit must be positive, got %d", c.MemoryMB)
	}
	if c.CPUs <= 0 {
		return fmt.Errorf("cpu limit must be positive, got %g", c.CPUs)
	}
	if c.PidsLimit <= 0 {
		return fmt.Errorf("pids limit must be positive, got %d", c.PidsLimit)
	}
	return nil
}

// ContainerProvider implements Provider using a local container runtime
type ContainerProvider struct {
	logger    *zap.Logger
	config    *Config
	resolver  *RuntimeResolver
	images    *ImageManager
	cmdRunner CommandRunner
	fs        FileSystem
}

// ContainerProviderOption defines a functional option for ContainerProvider
type ContainerProviderOption func(*ContainerProvider)

// WithContainerCommandRunner sets the CommandRunner for ContainerProvider
func WithContainerCommandRunner(cmdRunner CommandRunner) ContainerProviderOption {
	return func(c *ContainerProvider) {
		c.cmdRunner = cmdRunner
	}
}

// WithContainerFileSystem sets the FileSystem for ContainerProvider
func WithContainerFileSystem(fs FileSystem) ContainerProviderOption {
	return func(c *ContainerProvider) {
		c.fs = fs
	}
}

// WithContainerRuntimeResolver sets the RuntimeResolver for ContainerProvider
func WithContainerRuntimeResolver(resolver *RuntimeResolver) ContainerProviderOption {
	return func(c *ContainerProvider) {
		c.resolver = resolver
	}
}

// NewContainerProvider creates a new ContainerProvider with default implementations and optional interfaces
func NewContainerProvider(logger *zap.Logger, config *Config, opts ...ContainerProviderOption) *ContainerProvider {
	provider := &ContainerProvider{
		logger:    logger.With(zap.String("backend", string(BackendContainer))),
		config:    config,
		cmdRunner: &RealCommandRunner{},
		fs:        &RealFileSystem{},
	}

	for _, opt := range opts {
		opt(provider)
	}

	if provider.resolver == nil {
		provider.resolver = NewRuntimeResolver(config.Runtime, config.RuntimePreference)
	}
	provider.images = NewImageManager(provider.logger, provider.cmdRunner, provider.fs, provider.resolver.Runtime, config)

	return provider
}

// Backend returns BackendContainer
func (*ContainerProvider) Backend() Backend { return BackendContainer }

// Image returns the current sandbox image record
func (c *ContainerProvider) Image() SandboxImage { return c.images.Image() }

// IsAvailable checks that the runtime answers an image listing
func (c *ContainerProvider) IsAvailable(ctx context.Context) error {
	runtime, err := c.resolver.Runtime()
	if err != nil {
		return NewError(KindAvailability, "availability", "", err)
	}

	stdout, stderr, exitCode, err := c.cmdRunner.RunCommand(ctx, Command{Args: []string{runtime, "image", "ls"}})
	if err != nil {
		return NewError(KindAvailability, "availability", stderr, fmt.Errorf("failed to run %s: %w", runtime, err))
	}
	if exitCode != 0 {
		return NewError(KindAvailability, "availability", strings.TrimSpace(stderr+"\n"+stdout),
			fmt.Errorf("%s image ls exited with code %d", runtime, exitCode))
	}
	return nil
}

// ImageInstalled reports whether the expected tag is present
func (c *ContainerProvider) ImageInstalled(ctx context.Context) (bool, error) {
	return c.images.Present(ctx)
}

// Install loads the bundled image if the expected tag is missing
func (c *ContainerProvider) Install(ctx context.Context) error {
	return c.images.Ensure(ctx)
}

// Convert runs the document through a restricted container
func (c *ContainerProvider) Convert(ctx context.Context, req *ConvertRequest) (*ConvertResult, error) {
	runtime, err := c.resolver.Runtime()
	if err != nil {
		return nil, NewError(KindAvailability, "convert", "", err)
	}
	if err := c.config.validateLimits(); err != nil {
		return nil, NewError(KindConversionProcess, "convert", "", err)
	}

	name := ContainerName(req.JobID)
	args := c.runArgs(runtime, name, req)
	logger := c.logger.With(zap.String("job_id", req.JobID), zap.String("container", name))
	logger.Debug("starting sandbox container", zap.Strings("args", args))

	proc, err := c.cmdRunner.StartCommand(ctx, Command{Args: args})
	if err != nil {
		return nil, NewError(KindConversionProcess, "convert", "", fmt.Errorf("failed to start container: %w", err))
	}

	s := &supervisor{
		logger:   logger,
		proc:     proc,
		req:      req,
		teardown: func() { c.killContainer(logger, runtime, name) },
	}
	summary, err := s.run(ctx)
	if err != nil {
		logger.Warn("sandbox conversion failed", zap.Error(err))
		return nil, err
	}

	return finishConversion(c.fs, req, summary)
}

// runArgs builds the run command. The restrictions are identical for every
// job and never depend on the request.
func (c *ContainerProvider) runArgs(runtime, name string, req *ConvertRequest) []string {
	args := []string{
		runtime, "run",
		"--rm",
		"--name", name,
		"--network", "none",
		"--security-opt", "no-new-privileges",
		"--cap-drop", "all",
		"--user", SandboxUser,
		"--memory", fmt.Sprintf("%dm", c.config.MemoryMB),
		"--cpus", strconv.FormatFloat(c.config.CPUs, 'f', -1, 64),
		"--pids-limit", strconv.Itoa(c.config.PidsLimit),
		"-v", fmt.Sprintf("%s:%s:ro", req.InputPath, ContainerInputPath),
		"-v", fmt.Sprintf("%s:%s:rw", req.OutputDir, ContainerOutputPath),
		c.images.Image().Reference(),
	}

	entry := c.config.EntryCommand
	if len(entry) == 0 {
		entry = DefaultEntryCommand
	}
	return append(args, entry...)
}

// killContainer stops the container itself; killing the client process does
// not always stop it.
func (c *ContainerProvider) killContainer(logger *zap.Logger, runtime, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), containerKillTimeout)
	defer cancel()

	_, stderr, exitCode, err := c.cmdRunner.RunCommand(ctx, Command{Args: []string{runtime, "kill", name}})
	if err != nil || exitCode != 0 {
		// The container is usually gone already thanks to --rm.
		logger.Debug("container kill did not succeed", zap.Int("exit_code", exitCode), zap.String("stderr", stderr), zap.Error(err))
	}
}

// ContainerName returns the container name for a job
func ContainerName(jobID string) string {
	return "docshield-" + jobID
}
