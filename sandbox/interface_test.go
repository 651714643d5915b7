package sandbox

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackendValid(t *testing.T) {
	assert.True(t, BackendContainer.Valid())
	assert.True(t, BackendDisposableVM.Valid())
	assert.False(t, Backend("local").Valid())
}

func TestBuildEnv(t *testing.T) {
	assert.Nil(t, buildEnv(nil))

	env := buildEnv(map[string]string{"B": "2", "A": "1"})
	assert.Equal(t, []string{"A=1", "B=2"}, env[len(env)-2:])
}

func TestCappedBuffer(t *testing.T) {
	buf := &cappedBuffer{limit: 4}
	n, err := buf.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = buf.Write([]byte("defg"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "abcd", buf.String())
}

func TestRealFileSystem(t *testing.T) {
	fs := RealFileSystem{}
	dir := t.TempDir()

	t.Run("MkdirAllAppliesExactMode", func(t *testing.T) {
		path := filepath.Join(dir, "pages")
		require.NoError(t, fs.MkdirAll(path, OutputDirPermission))
		info, err := os.Stat(path)
		require.NoError(t, err)
		if runtime.GOOS != "windows" {
			assert.Equal(t, os.FileMode(OutputDirPermission), info.Mode().Perm())
		}
	})

	t.Run("FileSize", func(t *testing.T) {
		path := filepath.Join(dir, "doc")
		require.NoError(t, fs.WriteFile(path, []byte("12345"), FilePermission))

		size, err := fs.FileSize(path)
		require.NoError(t, err)
		assert.Equal(t, int64(5), size)

		_, err = fs.FileSize(dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not a regular file")
	})

	t.Run("RemoveIgnoresMissingFile", func(t *testing.T) {
		path := filepath.Join(dir, "stale.pdf")
		require.NoError(t, fs.WriteFile(path, []byte("stale"), FilePermission))

		require.NoError(t, fs.Remove(path))
		assert.NoFileExists(t, path)
		require.NoError(t, fs.Remove(path))
	})
}

func TestRealCommandRunner(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	runner := RealCommandRunner{}
	ctx := context.Background()

	t.Run("RunCommandCapturesOutput", func(t *testing.T) {
		stdout, stderr, exitCode, err := runner.RunCommand(ctx, Command{
			Args: []string{"sh", "-c", "echo out; echo err >&2; exit 3"},
		})
		require.NoError(t, err)
		assert.Equal(t, "out\n", stdout)
		assert.Equal(t, "err\n", stderr)
		assert.Equal(t, 3, exitCode)
	})

	t.Run("RunCommandPassesEnvAndStdin", func(t *testing.T) {
		stdout, _, exitCode, err := runner.RunCommand(ctx, Command{
			Args:  []string{"sh", "-c", `printf "%s:" "$DOCSHIELD_TEST"; cat`},
			Env:   map[string]string{"DOCSHIELD_TEST": "yes"},
			Stdin: strings.NewReader("payload"),
		})
		require.NoError(t, err)
		assert.Zero(t, exitCode)
		assert.Equal(t, "yes:payload", stdout)
	})

	t.Run("RunCommandMissingBinary", func(t *testing.T) {
		_, _, _, err := runner.RunCommand(ctx, Command{Args: []string{"/nonexistent/docshield-tool"}})
		require.Error(t, err)
	})

	t.Run("StartCommandStreamsUntilExit", func(t *testing.T) {
		proc, err := runner.StartCommand(ctx, Command{
			Args: []string{"sh", "-c", `printf "pages 1\npage 1\ndone\n"; echo warn >&2`},
		})
		require.NoError(t, err)

		out, err := io.ReadAll(proc.Stdout())
		require.NoError(t, err)
		assert.Equal(t, "pages 1\npage 1\ndone\n", string(out))

		exitCode, err := proc.Wait()
		require.NoError(t, err)
		assert.Zero(t, exitCode)
		assert.Equal(t, "warn\n", proc.Stderr())
	})

	t.Run("TerminateStopsProcess", func(t *testing.T) {
		proc, err := runner.StartCommand(ctx, Command{Args: []string{"sleep", "30"}})
		require.NoError(t, err)

		require.NoError(t, proc.Terminate())
		done := make(chan struct{})
		go func() {
			_, _ = proc.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = proc.Kill()
			t.Fatal("process ignored terminate")
		}
		// Signalling an exited process is not an error.
		assert.NoError(t, proc.Kill())
	})
}
