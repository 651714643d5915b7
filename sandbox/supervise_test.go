package sandbox

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/docshield/progress"
)

func TestCollectArtifacts(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writePages(dir, 10, 2, 1))
	for _, name := range []string{"page-2.tiff", "page-0.png", "page-x.png", "notes.txt", "page-3.jpg"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o600))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "page-4.png"), 0o700))

	artifacts, err := collectArtifacts(&RealFileSystem{}, dir)
	require.NoError(t, err)

	indices := make([]int, 0, len(artifacts))
	for _, a := range artifacts {
		indices = append(indices, a.Index)
	}
	// Duplicates survive so assembly can reject them.
	assert.Equal(t, []int{1, 2, 2, 10}, indices)
}

func TestFinishConversion(t *testing.T) {
	t.Run("StreamTotalUsedWhenUndeclared", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, writePages(dir, 1, 2))

		result, err := finishConversion(&RealFileSystem{}, &ConvertRequest{OutputDir: dir}, streamSummary{total: 2, done: true})
		require.NoError(t, err)
		assert.Equal(t, 2, result.TotalPages)
	})

	t.Run("NeverDeclared", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, writePages(dir, 1))

		_, err := finishConversion(&RealFileSystem{}, &ConvertRequest{OutputDir: dir}, streamSummary{done: true})
		assert.Equal(t, KindAssembly, KindOf(err))
		assert.Contains(t, err.Error(), "never declared")
	})

	t.Run("DeclaredWins", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, writePages(dir, 1, 2))

		result, err := finishConversion(&RealFileSystem{}, &ConvertRequest{OutputDir: dir, DeclaredPages: 2}, streamSummary{done: true})
		require.NoError(t, err)
		assert.Equal(t, 2, result.TotalPages)
	})

	t.Run("MissingDirectory", func(t *testing.T) {
		_, err := finishConversion(&RealFileSystem{}, &ConvertRequest{OutputDir: filepath.Join(t.TempDir(), "gone"), DeclaredPages: 1}, streamSummary{done: true})
		assert.Equal(t, KindAssembly, KindOf(err))
	})
}

func TestSupervisorStop(t *testing.T) {
	t.Run("TeardownRunsBeforeKill", func(t *testing.T) {
		proc := newMockProcess("", 0)
		proc.hang = true
		proc.ignoreTerminate = true
		proc.start()

		teardowns := 0
		killedFirst := false
		s := &supervisor{
			logger: zaptest.NewLogger(t),
			proc:   proc,
			req:    &ConvertRequest{GracePeriod: 20 * time.Millisecond},
			teardown: func() {
				teardowns++
				killedFirst = proc.killed.Load()
			},
		}

		waitCh := make(chan waitResult, 1)
		go func() {
			code, err := proc.Wait()
			waitCh <- waitResult{exitCode: code, err: err}
		}()
		s.stop(waitCh)

		assert.True(t, proc.terminated.Load())
		assert.True(t, proc.killed.Load())
		assert.Equal(t, 1, teardowns)
		assert.False(t, killedFirst, "process was killed before the sandbox was torn down")
	})

	t.Run("DropsEventsAfterStop", func(t *testing.T) {
		proc := newMockProcess("pages 3\n", 0)
		proc.hang = true
		proc.ignoreTerminate = true
		proc.ignoreKill = true
		t.Cleanup(proc.exit)
		proc.start()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		recorder := &eventRecorder{}
		s := &supervisor{
			logger: zaptest.NewLogger(t),
			proc:   proc,
			req: &ConvertRequest{
				GracePeriod: 20 * time.Millisecond,
				OnEvent: func(ev progress.Event) {
					recorder.record(ev)
					cancel()
				},
			},
		}

		_, err := s.run(ctx)
		assert.Equal(t, KindConversionProcess, KindOf(err))

		// Both writes return only once the reader has moved past the first line.
		_, err = io.WriteString(proc.pw, "page 1\n")
		require.NoError(t, err)
		_, err = io.WriteString(proc.pw, "page 2\n")
		require.NoError(t, err)

		assert.Equal(t, []progress.Kind{progress.KindTotalPages}, recorder.kinds())
	})
}
