package sandbox

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

// installMu serializes image installation across every manager in the
// process, so concurrent jobs against a cold image load it once.
var installMu sync.Mutex

// SandboxImage is the installable execution environment of a backend.
type SandboxImage struct {
	Name            string
	Tag             string
	ExpectedVersion string
	Installed       bool
	// ArchiveDigest is the BLAKE3 digest of the last archive loaded.
	ArchiveDigest string
}

// Reference returns the name:tag form used to run the image.
func (i SandboxImage) Reference() string {
	return i.Name + ":" + i.Tag
}

// ExpectedTag derives the image tag from the application release version.
// Pre-release and build suffixes are stripped: "0.9.1-rc1+g3e2" -> "0.9.1".
func ExpectedTag(appVersion string) string {
	v := strings.TrimSpace(appVersion)
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}
	return v
}

// ImageManager owns presence checks and installation of the sandbox image.
type ImageManager struct {
	logger        *zap.Logger
	runner        CommandRunner
	fs            FileSystem
	runtime       func() (string, error)
	archivePath   string
	archiveDigest string

	mu    sync.RWMutex
	image SandboxImage
}

// NewImageManager creates a manager for the image name at the tag derived
// from appVersion. runtime resolves the container tool to invoke.
func NewImageManager(logger *zap.Logger, runner CommandRunner, fs FileSystem, runtime func() (string, error), cfg *Config) *ImageManager {
	tag := ExpectedTag(cfg.AppVersion)
	return &ImageManager{
		logger:        logger,
		runner:        runner,
		fs:            fs,
		runtime:       runtime,
		archivePath:   cfg.ImageArchive,
		archiveDigest: strings.ToLower(strings.TrimSpace(cfg.ImageArchiveDigest)),
		image: SandboxImage{
			Name:            cfg.ImageName,
			Tag:             tag,
			ExpectedVersion: tag,
		},
	}
}

// Image returns a snapshot of the image record.
func (m *ImageManager) Image() SandboxImage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.image
}

// Installed reports the cached installation state.
func (m *ImageManager) Installed() bool {
	return m.Image().Installed
}

// Present lists the runtime's tags and reports whether the expected tag is
// among them. It does not change the image record.
func (m *ImageManager) Present(ctx context.Context) (bool, error) {
	if m.Installed() {
		return true, nil
	}
	runtime, err := m.runtime()
	if err != nil {
		return false, NewError(KindAvailability, "image check", "", err)
	}
	present, listing, err := m.tagListed(ctx, runtime)
	if err != nil {
		return false, NewError(KindAvailability, "image check", listing, err)
	}
	return present, nil
}

// Ensure makes sure the expected image is installed. If the tag is already
// listed nothing is loaded. Otherwise the bundled archive is loaded once and
// the listing is checked again.
func (m *ImageManager) Ensure(ctx context.Context) error {
	installMu.Lock()
	defer installMu.Unlock()

	runtime, err := m.runtime()
	if err != nil {
		return NewError(KindAvailability, "install", "", err)
	}

	image := m.Image()
	logger := m.logger.With(zap.String("image", image.Reference()))

	present, listing, err := m.tagListed(ctx, runtime)
	if err != nil {
		return NewError(KindImageInstallation, "install", listing, err)
	}
	if present {
		logger.Debug("sandbox image already installed")
		m.setInstalled(true, "")
		return nil
	}

	logger.Info("installing sandbox image", zap.String("archive", m.archivePath))
	digest, err := m.load(ctx, runtime)
	if err != nil {
		m.setInstalled(false, "")
		return err
	}

	// A successful load does not guarantee the runtime indexed the image
	// under the expected tag.
	present, listing, err = m.tagListed(ctx, runtime)
	if err != nil {
		m.setInstalled(false, digest)
		return NewError(KindImageVerification, "install", listing, err)
	}
	if !present {
		m.setInstalled(false, digest)
		return NewError(KindImageVerification, "install", listing,
			fmt.Errorf("tag %q not listed after load", image.Tag))
	}

	m.setInstalled(true, digest)
	logger.Info("sandbox image installed", zap.String("digest", digest))
	return nil
}

func (m *ImageManager) setInstalled(installed bool, digest string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.image.Installed = installed
	if digest != "" {
		m.image.ArchiveDigest = digest
	}
}

// tagListed runs the tag listing. The returned listing is the raw output for
// diagnostics.
func (m *ImageManager) tagListed(ctx context.Context, runtime string) (bool, string, error) {
	image := m.Image()
	stdout, stderr, exitCode, err := m.runner.RunCommand(ctx, Command{
		Args: []string{runtime, "image", "list", "--format", "{{ .Tag }}", image.Name},
	})
	if err != nil {
		return false, stderr, fmt.Errorf("failed to list images: %w", err)
	}
	if exitCode != 0 {
		return false, stderr, fmt.Errorf("image listing exited with code %d", exitCode)
	}
	for _, line := range strings.Split(stdout, "\n") {
		if strings.TrimSpace(line) == image.Tag {
			return true, stdout, nil
		}
	}
	return false, stdout, nil
}

// load streams the decompressed archive into the runtime. There is exactly
// one attempt.
func (m *ImageManager) load(ctx context.Context, runtime string) (string, error) {
	digest, err := m.digestArchive()
	if err != nil {
		return "", NewError(KindImageInstallation, "install", "", err)
	}
	if m.archiveDigest != "" && digest != m.archiveDigest {
		return digest, NewError(KindImageInstallation, "install", "",
			fmt.Errorf("archive digest mismatch: expected %s, got %s", m.archiveDigest, digest))
	}

	archive, err := m.fs.Open(m.archivePath)
	if err != nil {
		return digest, NewError(KindImageInstallation, "install", "", fmt.Errorf("failed to open image archive: %w", err))
	}
	defer archive.Close()

	decompressed, err := gzip.NewReader(archive)
	if err != nil {
		return digest, NewError(KindImageInstallation, "install", "", fmt.Errorf("failed to read image archive: %w", err))
	}
	defer decompressed.Close()

	_, stderr, exitCode, err := m.runner.RunCommand(ctx, Command{
		Args:  []string{runtime, "load"},
		Stdin: decompressed,
	})
	if err != nil {
		return digest, NewError(KindImageInstallation, "install", stderr, fmt.Errorf("failed to load image: %w", err))
	}
	if exitCode != 0 {
		return digest, NewError(KindImageInstallation, "install", stderr, fmt.Errorf("image load exited with code %d", exitCode))
	}
	return digest, nil
}

func (m *ImageManager) digestArchive() (string, error) {
	archive, err := m.fs.Open(m.archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to open image archive: %w", err)
	}
	defer archive.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, archive); err != nil {
		return "", fmt.Errorf("failed to hash image archive: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
