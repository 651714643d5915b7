package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
)

type mockResult struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

// MockCommandRunner implements CommandRunner for testing. Results are keyed
// by the space-joined arguments. A key with several results returns them in
// order and then keeps returning the last one.
type MockCommandRunner struct {
	mu             sync.Mutex
	commandResults map[string][]mockResult
	defaultResult  mockResult
	processes      []*MockProcess
	startErr       error
	// onStart runs before a started process begins writing its output.
	onStart func(cmd Command)

	calls []string
	stdin map[string][]byte
}

func newMockCommandRunner() *MockCommandRunner {
	return &MockCommandRunner{
		commandResults: make(map[string][]mockResult),
		stdin:          make(map[string][]byte),
	}
}

func (m *MockCommandRunner) on(key string, results ...mockResult) *MockCommandRunner {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commandResults[key] = results
	return m
}

func (m *MockCommandRunner) RunCommand(_ context.Context, cmd Command) (stdout, stderr string, exitCode int, err error) {
	key := strings.Join(cmd.Args, " ")

	// Read stdin outside the lock, the way a real process would consume it.
	var data []byte
	if cmd.Stdin != nil {
		data, err = io.ReadAll(cmd.Stdin)
		if err != nil {
			return "", "", 0, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, key)
	if cmd.Stdin != nil {
		m.stdin[key] = data
	}

	result := m.defaultResult
	if results, exists := m.commandResults[key]; exists && len(results) > 0 {
		result = results[0]
		if len(results) > 1 {
			m.commandResults[key] = results[1:]
		}
	}
	return result.stdout, result.stderr, result.exitCode, result.err
}

func (m *MockCommandRunner) StartCommand(_ context.Context, cmd Command) (Process, error) {
	key := strings.Join(cmd.Args, " ")

	m.mu.Lock()
	m.calls = append(m.calls, key)
	if m.startErr != nil {
		m.mu.Unlock()
		return nil, m.startErr
	}
	if len(m.processes) == 0 {
		m.mu.Unlock()
		return nil, errors.New("no mock process configured")
	}
	proc := m.processes[0]
	m.processes = m.processes[1:]
	onStart := m.onStart
	m.mu.Unlock()

	if cmd.Stdin != nil {
		data, err := io.ReadAll(cmd.Stdin)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.stdin[key] = data
		m.mu.Unlock()
	}
	if onStart != nil {
		onStart(cmd)
	}
	proc.start()
	return proc, nil
}

// callCount returns how many recorded calls start with prefix.
func (m *MockCommandRunner) callCount(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, call := range m.calls {
		if strings.HasPrefix(call, prefix) {
			n++
		}
	}
	return n
}

func (m *MockCommandRunner) stdinFor(key string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stdin[key]
}

// MockProcess implements Process for testing. It writes output to its
// stdout and exits, unless hang is set, in which case it runs until it is
// terminated or killed. With ignoreKill set it never exits on its own; call
// exit to release it.
type MockProcess struct {
	output          string
	exitCode        int
	waitErr         error
	stderr          string
	hang            bool
	ignoreTerminate bool
	ignoreKill      bool

	pr     *io.PipeReader
	pw     *io.PipeWriter
	exited chan struct{}
	once   sync.Once

	terminated atomic.Bool
	killed     atomic.Bool
}

func newMockProcess(output string, exitCode int) *MockProcess {
	pr, pw := io.Pipe()
	return &MockProcess{
		output:   output,
		exitCode: exitCode,
		pr:       pr,
		pw:       pw,
		exited:   make(chan struct{}),
	}
}

func (p *MockProcess) start() {
	go func() {
		_, _ = io.WriteString(p.pw, p.output)
		if !p.hang {
			p.exit()
		}
	}()
}

func (p *MockProcess) exit() {
	p.once.Do(func() {
		p.pw.Close()
		close(p.exited)
	})
}

func (p *MockProcess) Stdout() io.Reader { return p.pr }

func (p *MockProcess) Stderr() string { return p.stderr }

func (p *MockProcess) Wait() (int, error) {
	<-p.exited
	return p.exitCode, p.waitErr
}

func (p *MockProcess) Terminate() error {
	p.terminated.Store(true)
	if !p.ignoreTerminate {
		p.exit()
	}
	return nil
}

func (p *MockProcess) Kill() error {
	p.killed.Store(true)
	if !p.ignoreKill {
		p.exit()
	}
	return nil
}

// hostOutputDir extracts the host side of the output volume from run args.
func hostOutputDir(args []string) string {
	suffix := ":" + ContainerOutputPath + ":rw"
	for _, arg := range args {
		if strings.HasSuffix(arg, suffix) {
			return strings.TrimSuffix(arg, suffix)
		}
	}
	return ""
}

// writePages creates empty raster files for indices in dir.
func writePages(dir string, indices ...int) error {
	for _, i := range indices {
		if err := os.WriteFile(filepath.Join(dir, PageFileName(i)), []byte("png"), FilePermission); err != nil {
			return fmt.Errorf("page %d: %w", i, err)
		}
	}
	return nil
}
