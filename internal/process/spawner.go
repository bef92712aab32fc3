package process

import (
	"io"
	"os"
	"os/exec"
	"syscall"
)

// SpawnConfig holds the parameters needed to spawn a recorder child.
type SpawnConfig struct {
	Command     string               // absolute path or $PATH-resolved binary
	Args        []string             // command arguments (not including argv[0])
	Dir         string               // working directory
	Env         []string             // environment variables (KEY=VALUE)
	RLimits     []RLimit             // resource limits inherited by the child
	SysProcAttr *syscall.SysProcAttr // additional proc attributes
}

// RLimit represents a resource limit to apply to a child process.
type RLimit struct {
	Resource int    // RLIMIT_* constant
	Cur      uint64 // soft limit
	Max      uint64 // hard limit
}

// SpawnedProcess represents a running recorder child.
type SpawnedProcess interface {
	Pid() int
	Wait() (*os.ProcessState, error)
	Signal(os.Signal) error
	StdoutPipe() io.ReadCloser
	StderrPipe() io.ReadCloser
}

// Spawner creates recorder children. Implementations include
// ExecSpawner (real) and MockSpawner (testing).
type Spawner interface {
	Spawn(cfg SpawnConfig) (SpawnedProcess, error)
}

// ExecSpawner spawns real OS processes via os/exec.
type ExecSpawner struct{}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
}

// Spawn starts a real child process with the given config. Resource
// limits are raised in the supervisor just before fork and restored
// afterwards; the child inherits the raised limits across exec.
func (s *ExecSpawner) Spawn(cfg SpawnConfig) (SpawnedProcess, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir

	if cfg.Env != nil {
		cmd.Env = cfg.Env
	}

	// Each recorder gets its own process group so stop signals can
	// target the whole tree.
	if cfg.SysProcAttr != nil {
		cmd.SysProcAttr = cfg.SysProcAttr
	} else {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	restore, err := raiseRLimits(cfg.RLimits)
	if err != nil {
		return nil, err
	}

	startErr := cmd.Start()
	restore()

	if startErr != nil {
		return nil, startErr
	}

	return &execProcess{
		cmd:    cmd,
		stdout: stdoutPipe,
		stderr: stderrPipe,
	}, nil
}

func (p *execProcess) Pid() int                        { return p.cmd.Process.Pid }
func (p *execProcess) Wait() (*os.ProcessState, error) { return p.cmd.Process.Wait() }
func (p *execProcess) Signal(sig os.Signal) error      { return p.cmd.Process.Signal(sig) }
func (p *execProcess) StdoutPipe() io.ReadCloser       { return p.stdout }
func (p *execProcess) StderrPipe() io.ReadCloser       { return p.stderr }

// MockSpawner is a test double for Spawner.
type MockSpawner struct {
	SpawnFn    func(cfg SpawnConfig) (SpawnedProcess, error)
	SpawnCalls []SpawnConfig
}

// Spawn records the call and delegates to SpawnFn.
func (m *MockSpawner) Spawn(cfg SpawnConfig) (SpawnedProcess, error) {
	m.SpawnCalls = append(m.SpawnCalls, cfg)
	if m.SpawnFn != nil {
		return m.SpawnFn(cfg)
	}
	return NewMockProcess(1000 + len(m.SpawnCalls)), nil
}

// MockProcess is a test double for SpawnedProcess.
type MockProcess struct {
	pid      int
	WaitFn   func() (*os.ProcessState, error)
	SignalFn func(os.Signal) error
	stdout   *mockPipeReader
	stderr   *mockPipeReader
}

// NewMockProcess creates a MockProcess with the given PID.
func NewMockProcess(pid int) *MockProcess {
	return &MockProcess{
		pid:    pid,
		stdout: &mockPipeReader{},
		stderr: &mockPipeReader{},
	}
}

func (p *MockProcess) Pid() int { return p.pid }

func (p *MockProcess) Wait() (*os.ProcessState, error) {
	if p.WaitFn != nil {
		return p.WaitFn()
	}
	// Block forever by default.
	select {}
}

func (p *MockProcess) Signal(sig os.Signal) error {
	if p.SignalFn != nil {
		return p.SignalFn(sig)
	}
	return nil
}

func (p *MockProcess) StdoutPipe() io.ReadCloser { return p.stdout }
func (p *MockProcess) StderrPipe() io.ReadCloser { return p.stderr }

type mockPipeReader struct{ closed bool }

func (r *mockPipeReader) Read(p []byte) (int, error) { return 0, io.EOF }
func (r *mockPipeReader) Close() error               { r.closed = true; return nil }
