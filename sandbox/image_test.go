package sandbox

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
	"go.uber.org/zap/zaptest"
)

const (
	listKey = "podman image list --format {{ .Tag }} docshield.local/docshield"
	loadKey = "podman load"
)

// writeArchive stores a gzip-compressed image archive and returns its path
// and BLAKE3 digest.
func writeArchive(t *testing.T, content string) (string, string) {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "container.tar.gz")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	sum := blake3.Sum256(buf.Bytes())
	return path, hex.EncodeToString(sum[:])
}

func newTestImageManager(t *testing.T, runner *MockCommandRunner, archive, digest string) *ImageManager {
	cfg := testProviderConfig()
	cfg.ImageArchive = archive
	cfg.ImageArchiveDigest = digest
	runtime := func() (string, error) { return "podman", nil }
	return NewImageManager(zaptest.NewLogger(t), runner, &RealFileSystem{}, runtime, cfg)
}

func TestExpectedTag(t *testing.T) {
	tests := []struct {
		version  string
		expected string
	}{
		{"0.9.1", "0.9.1"},
		{"0.9.1-rc1", "0.9.1"},
		{"0.9.1+g3e2f", "0.9.1"},
		{" 1.2.0-beta+build.5 ", "1.2.0"},
	}

	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			assert.Equal(t, tt.expected, ExpectedTag(tt.version))
		})
	}
}

func TestImageManagerEnsure(t *testing.T) {
	t.Run("AlreadyPresent", func(t *testing.T) {
		runner := newMockCommandRunner().on(listKey, mockResult{stdout: "0.8.0\n0.9.1\n"})
		manager := newTestImageManager(t, runner, "/nonexistent.tar.gz", "")

		require.NoError(t, manager.Ensure(context.Background()))
		assert.True(t, manager.Installed())
		assert.Zero(t, runner.callCount(loadKey))
	})

	t.Run("LoadsAndVerifies", func(t *testing.T) {
		archive, digest := writeArchive(t, "image layers")
		runner := newMockCommandRunner().on(listKey,
			mockResult{stdout: "0.8.0\n"},
			mockResult{stdout: "0.8.0\n0.9.1\n"},
		)
		manager := newTestImageManager(t, runner, archive, digest)

		require.NoError(t, manager.Ensure(context.Background()))

		image := manager.Image()
		assert.True(t, image.Installed)
		assert.Equal(t, digest, image.ArchiveDigest)
		assert.Equal(t, 1, runner.callCount(loadKey))
		assert.Equal(t, 2, runner.callCount(listKey))
		assert.Equal(t, "image layers", string(runner.stdinFor(loadKey)))
	})

	t.Run("LoadFails", func(t *testing.T) {
		archive, _ := writeArchive(t, "image layers")
		runner := newMockCommandRunner().
			on(listKey, mockResult{stdout: ""}).
			on(loadKey, mockResult{stderr: "no space left on device", exitCode: 125})
		manager := newTestImageManager(t, runner, archive, "")

		err := manager.Ensure(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrImageInstallation)
		assert.Equal(t, "no space left on device", DiagnosticOf(err))
		assert.False(t, manager.Installed())
		// One attempt and no verification after a failed load.
		assert.Equal(t, 1, runner.callCount(loadKey))
		assert.Equal(t, 1, runner.callCount(listKey))
	})

	t.Run("TagMissingAfterLoad", func(t *testing.T) {
		archive, _ := writeArchive(t, "image layers")
		runner := newMockCommandRunner().on(listKey, mockResult{stdout: "0.8.0\n"})
		manager := newTestImageManager(t, runner, archive, "")

		err := manager.Ensure(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrImageVerification)
		assert.Contains(t, err.Error(), `tag "0.9.1" not listed after load`)
		assert.Equal(t, "0.8.0", DiagnosticOf(err))
		assert.False(t, manager.Installed())
	})

	t.Run("DigestMismatch", func(t *testing.T) {
		archive, _ := writeArchive(t, "image layers")
		runner := newMockCommandRunner().on(listKey, mockResult{stdout: ""})
		manager := newTestImageManager(t, runner, archive, "00ff")

		err := manager.Ensure(context.Background())
		assert.Equal(t, KindImageInstallation, KindOf(err))
		assert.Contains(t, err.Error(), "digest mismatch")
		assert.Zero(t, runner.callCount(loadKey))
	})

	t.Run("MissingArchive", func(t *testing.T) {
		runner := newMockCommandRunner().on(listKey, mockResult{stdout: ""})
		manager := newTestImageManager(t, runner, filepath.Join(t.TempDir(), "absent.tar.gz"), "")

		err := manager.Ensure(context.Background())
		assert.Equal(t, KindImageInstallation, KindOf(err))
		assert.Zero(t, runner.callCount(loadKey))
	})

	t.Run("ListingFails", func(t *testing.T) {
		runner := newMockCommandRunner().on(listKey, mockResult{err: errors.New("exec: not found")})
		manager := newTestImageManager(t, runner, "", "")

		err := manager.Ensure(context.Background())
		assert.Equal(t, KindImageInstallation, KindOf(err))
	})
}

func TestImageManagerConcurrentEnsureLoadsOnce(t *testing.T) {
	archive, _ := writeArchive(t, "image layers")
	runner := newMockCommandRunner().on(listKey,
		mockResult{stdout: ""},
		mockResult{stdout: "0.9.1\n"},
	)
	manager := newTestImageManager(t, runner, archive, "")

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = manager.Ensure(context.Background())
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, runner.callCount(loadKey))
	assert.True(t, manager.Installed())
}

func TestImageManagerPresent(t *testing.T) {
	t.Run("ListsTags", func(t *testing.T) {
		runner := newMockCommandRunner().on(listKey, mockResult{stdout: "0.9.1\n"})
		manager := newTestImageManager(t, runner, "", "")

		present, err := manager.Present(context.Background())
		require.NoError(t, err)
		assert.True(t, present)
		// A presence check does not mark the image installed.
		assert.False(t, manager.Installed())
	})

	t.Run("CachedAfterInstall", func(t *testing.T) {
		runner := newMockCommandRunner().on(listKey, mockResult{stdout: "0.9.1\n"})
		manager := newTestImageManager(t, runner, "", "")
		require.NoError(t, manager.Ensure(context.Background()))

		present, err := manager.Present(context.Background())
		require.NoError(t, err)
		assert.True(t, present)
		assert.Equal(t, 1, runner.callCount(listKey))
	})

	t.Run("ListingFails", func(t *testing.T) {
		runner := newMockCommandRunner().on(listKey, mockResult{stderr: "daemon down", exitCode: 1})
		manager := newTestImageManager(t, runner, "", "")

		_, err := manager.Present(context.Background())
		assert.Equal(t, KindAvailability, KindOf(err))
		assert.Equal(t, "daemon down", DiagnosticOf(err))
	})
}
