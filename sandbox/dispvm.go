package sandbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/isdmx/docshield/progress"
)

// Disposable VM defaults.
const (
	DefaultDispVMTemplate = "docshield-dvm"
	DefaultDispVMService  = "docshield.Convert"
	qrexecClient          = "/usr/bin/qrexec-client-vm"
)

// DefaultDispVMProbe checks that the qrexec client is usable.
var DefaultDispVMProbe = []string{qrexecClient, "--help"}

// DisposableVMProvider implements Provider with one disposable VM per job.
// The document is streamed to the VM on stdin and pages come back inline on
// the progress stream.
type DisposableVMProvider struct {
	logger    *zap.Logger
	config    *Config
	cmdRunner CommandRunner
	fs        FileSystem
}

// DisposableVMProviderOption defines a functional option for DisposableVMProvider
type DisposableVMProviderOption func(*DisposableVMProvider)

// WithDispVMCommandRunner sets the CommandRunner for DisposableVMProvider
func WithDispVMCommandRunner(cmdRunner CommandRunner) DisposableVMProviderOption {
	return func(d *DisposableVMProvider) {
		d.cmdRunner = cmdRunner
	}
}

// WithDispVMFileSystem sets the FileSystem for DisposableVMProvider
func WithDispVMFileSystem(fs FileSystem) DisposableVMProviderOption {
	return func(d *DisposableVMProvider) {
		d.fs = fs
	}
}

// NewDisposableVMProvider creates a new DisposableVMProvider
func NewDisposableVMProvider(logger *zap.Logger, config *Config, opts ...DisposableVMProviderOption) *DisposableVMProvider {
	provider := &DisposableVMProvider{
		logger:    logger.With(zap.String("backend", string(BackendDisposableVM))),
		config:    config,
		cmdRunner: &RealCommandRunner{},
		fs:        &RealFileSystem{},
	}
	for _, opt := range opts {
		opt(provider)
	}
	return provider
}

// Backend returns BackendDisposableVM
func (*DisposableVMProvider) Backend() Backend { return BackendDisposableVM }

// IsAvailable runs the configured probe command
func (d *DisposableVMProvider) IsAvailable(ctx context.Context) error {
	probe := d.config.DispVMProbe
	if len(probe) == 0 {
		probe = DefaultDispVMProbe
	}

	stdout, stderr, exitCode, err := d.cmdRunner.RunCommand(ctx, Command{Args: probe})
	if err != nil {
		return NewError(KindAvailability, "availability", stderr, fmt.Errorf("failed to run %s: %w", probe[0], err))
	}
	if exitCode != 0 {
		return NewError(KindAvailability, "availability", strings.TrimSpace(stderr+"\n"+stdout),
			fmt.Errorf("%s exited with code %d", probe[0], exitCode))
	}
	return nil
}

// ImageInstalled always reports true; the template is provisioned by the
// administrator.
func (*DisposableVMProvider) ImageInstalled(context.Context) (bool, error) { return true, nil }

// Install is a no-op for disposable VMs
func (d *DisposableVMProvider) Install(context.Context) error {
	d.logger.Debug("disposable VM template is provisioned externally, nothing to install")
	return nil
}

// Convert streams the document into a fresh disposable VM
func (d *DisposableVMProvider) Convert(ctx context.Context, req *ConvertRequest) (*ConvertResult, error) {
	input, err := d.fs.Open(req.InputPath)
	if err != nil {
		return nil, NewError(KindConversionProcess, "convert", "", fmt.Errorf("failed to open input: %w", err))
	}
	defer input.Close()

	template := d.config.DispVMTemplate
	if template == "" {
		template = DefaultDispVMTemplate
	}
	service := d.config.DispVMService
	if service == "" {
		service = DefaultDispVMService
	}

	logger := d.logger.With(zap.String("job_id", req.JobID), zap.String("template", template))
	proc, err := d.cmdRunner.StartCommand(ctx, Command{
		Args:  []string{qrexecClient, "@dispvm:" + template, service},
		Stdin: input,
	})
	if err != nil {
		return nil, NewError(KindConversionProcess, "convert", "", fmt.Errorf("failed to start disposable VM: %w", err))
	}

	stored := make(map[int]bool)
	s := &supervisor{
		logger: logger,
		proc:   proc,
		req:    req,
		handle: func(ev progress.Event) error { return d.storePage(req, stored, ev) },
	}
	summary, err := s.run(ctx)
	if err != nil {
		logger.Warn("sandbox conversion failed", zap.Error(err))
		return nil, err
	}

	return finishConversion(d.fs, req, summary)
}

// storePage writes an inline page payload into the job output directory.
// Each index may be delivered once.
func (d *DisposableVMProvider) storePage(req *ConvertRequest, stored map[int]bool, ev progress.Event) error {
	if ev.Kind != progress.KindPageCompleted || ev.Payload == "" {
		return nil
	}
	if stored[ev.Number] {
		return NewError(KindAssembly, "convert", "", fmt.Errorf("page %d was delivered more than once", ev.Number))
	}
	data, err := base64.StdEncoding.DecodeString(ev.Payload)
	if err != nil {
		return NewError(KindConversionProcess, "convert", "", fmt.Errorf("page %d: invalid payload: %w", ev.Number, err))
	}
	path := filepath.Join(req.OutputDir, PageFileName(ev.Number))
	if err := d.fs.WriteFile(path, data, FilePermission); err != nil {
		return NewError(KindConversionProcess, "convert", "", fmt.Errorf("page %d: %w", ev.Number, err))
	}
	stored[ev.Number] = true
	return nil
}
