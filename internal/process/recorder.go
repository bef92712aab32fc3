// Package process manages the lifecycle of recorder child processes.
package process

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/recsup/recsup/internal/descriptor"
	"github.com/recsup/recsup/internal/events"
)

// Sentinel errors returned by lifecycle operations.
var (
	ErrNotRunning  = fmt.Errorf("recorder is not running")
	ErrConflict    = fmt.Errorf("recorder conflicts with a running peer")
	ErrRateLimited = fmt.Errorf("restart budget exhausted")
)

// defaultStartsecs is how long a recorder must stay up before STARTING
// becomes RUNNING.
const defaultStartsecs = 1

// Recorder is one managed recorder child process bound to a descriptor.
type Recorder struct {
	mu         sync.Mutex
	desc       *descriptor.Descriptor
	sm         *StateMachine
	limiter    *RestartLimiter
	spawner    Spawner
	spawned    SpawnedProcess
	exitCode   int
	startedAt  time.Time
	bus        *events.Bus
	logger     *slog.Logger
	clock      Clock
	cleanup    *CleanupHook
	stopCh     chan struct{} // signals the stop-wait goroutine
	shutdownCh chan struct{} // closed on daemon shutdown
	startsecs  int
	onStdout   func(name string, data []byte)
	onStderr   func(name string, data []byte)

	// restartFn performs a crash restart through the manager so the
	// exclusion pair is re-checked under the manager lock.
	restartFn func() error

	// killGroup is overridable in tests.
	killGroup func(pgid int, sig syscall.Signal) error
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithStdoutHandler sets a callback for stdout data.
func WithStdoutHandler(fn func(name string, data []byte)) RecorderOption {
	return func(r *Recorder) { r.onStdout = fn }
}

// WithStderrHandler sets a callback for stderr data.
func WithStderrHandler(fn func(name string, data []byte)) RecorderOption {
	return func(r *Recorder) { r.onStderr = fn }
}

// WithShutdownCh sets the daemon shutdown channel.
func WithShutdownCh(ch chan struct{}) RecorderOption {
	return func(r *Recorder) { r.shutdownCh = ch }
}

// WithClock overrides the clock for tests.
func WithClock(clk Clock) RecorderOption {
	return func(r *Recorder) { r.clock = clk }
}

// WithCleanupHook attaches the post-stop scratch cleanup hook.
func WithCleanupHook(h *CleanupHook) RecorderOption {
	return func(r *Recorder) { r.cleanup = h }
}

// WithRestartFunc routes automatic crash restarts through fn instead of
// restarting in place. The manager uses this to re-run the conflict
// check before the restart.
func WithRestartFunc(fn func() error) RecorderOption {
	return func(r *Recorder) { r.restartFn = fn }
}

// WithStartsecs overrides how long STARTING lasts before RUNNING.
func WithStartsecs(secs int) RecorderOption {
	return func(r *Recorder) { r.startsecs = secs }
}

// NewRecorder creates a managed recorder from a validated descriptor.
func NewRecorder(d *descriptor.Descriptor, spawner Spawner, bus *events.Bus, logger *slog.Logger, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		desc:       d,
		spawner:    spawner,
		bus:        bus,
		logger:     logger.With("recorder", d.Name),
		clock:      RealClock(),
		stopCh:     make(chan struct{}),
		shutdownCh: make(chan struct{}),
		startsecs:  defaultStartsecs,
		killGroup: func(pgid int, sig syscall.Signal) error {
			return syscall.Kill(-pgid, sig)
		},
	}

	for _, opt := range opts {
		opt(r)
	}

	r.sm = NewStateMachine(StateMachineConfig{
		Startsecs: r.startsecs,
		Clock:     r.clock,
	})
	r.limiter = NewRestartLimiter(d.Policy.RestartBurst, d.Policy.RestartWindow, r.clock)

	return r
}

// Name returns the recorder instance name.
func (r *Recorder) Name() string { return r.desc.Name }

// Role returns the recorder role.
func (r *Recorder) Role() descriptor.Role { return r.desc.Role }

// Descriptor returns the bound descriptor.
func (r *Recorder) Descriptor() *descriptor.Descriptor { return r.desc }

// State returns the current lifecycle state.
func (r *Recorder) State() State { return r.sm.State() }

// Active reports whether the recorder occupies its role's resources:
// true for STARTING, RUNNING, and STOPPING.
func (r *Recorder) Active() bool {
	switch r.sm.State() {
	case Starting, Running, Stopping:
		return true
	}
	return false
}

// Pid returns the process ID, or 0 if not running.
func (r *Recorder) Pid() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pidLocked()
}

func (r *Recorder) pidLocked() int {
	if r.spawned != nil {
		return r.spawned.Pid()
	}
	return 0
}

// ExitCode returns the last exit code.
func (r *Recorder) ExitCode() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exitCode
}

// StartedAt returns when the recorder was last started.
func (r *Recorder) StartedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startedAt
}

// Uptime returns seconds since last start, or 0 if not running.
func (r *Recorder) Uptime() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startedAt.IsZero() {
		return 0
	}
	if s := r.sm.State(); s == Running || s == Starting {
		return int64(time.Since(r.startedAt).Seconds())
	}
	return 0
}

// RestartsInWindow returns the restarts consumed in the current window.
func (r *Recorder) RestartsInWindow() int { return r.limiter.Recent() }

// Start launches the recorder. An explicit start resets the restart
// budget, so operators can recover a FATAL recorder.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiter.Reset()
	return r.startLocked()
}

func (r *Recorder) startLocked() error {
	// Precondition hook runs before any state change so a failed
	// start leaves the recorder exactly where it was.
	if err := EnsureDirs(r.desc); err != nil {
		r.logger.Error("start precondition failed", "error", err)
		return err
	}

	if err := r.sm.RequestStart(); err != nil {
		return fmt.Errorf("recorder %s: %w", r.desc.Name, err)
	}

	r.publishStateLocked(Starting)

	argv := r.desc.CommandLine()
	if len(argv) == 0 {
		return fmt.Errorf("recorder %s: empty command line", r.desc.Name)
	}

	spawnCfg := SpawnConfig{
		Command: argv[0],
		Args:    argv[1:],
		Env:     r.buildEnv(),
	}

	if r.desc.Policy.MemLockUnlimited {
		spawnCfg.RLimits = MemLockRLimits()
	}

	if r.desc.User != "" {
		attr, err := BuildSysProcAttr(r.desc.User)
		if err != nil {
			return fmt.Errorf("recorder %s: %w", r.desc.Name, err)
		}
		spawnCfg.SysProcAttr = attr
	}

	spawned, err := r.spawner.Spawn(spawnCfg)
	if err != nil {
		r.logger.Error("spawn failed", "error", err)
		r.handleSpawnFailureLocked()
		return fmt.Errorf("recorder %s: spawn failed: %w", r.desc.Name, err)
	}

	r.spawned = spawned
	r.startedAt = time.Now()
	r.logger.Info("started", "pid", spawned.Pid(), "program", r.desc.Policy.Program)

	if r.onStdout != nil {
		go r.readPipe(spawned.StdoutPipe(), r.onStdout)
	}
	if r.onStderr != nil {
		go r.readPipe(spawned.StderrPipe(), r.onStderr)
	}

	go r.watchStart(r.stopCh)

	return nil
}

// handleSpawnFailureLocked treats a spawn failure like an immediate
// failed exit: it consumes restart budget and lands in EXITED or FATAL.
func (r *Recorder) handleSpawnFailureLocked() {
	if _, err := r.sm.ProcessExited(); err != nil {
		r.logger.Error("state transition failed", "error", err)
	}
	if !r.limiter.Allow() {
		if err := r.sm.MarkFatal(); err == nil {
			r.publishStateLocked(Fatal)
			return
		}
	}
	r.publishStateLocked(r.sm.State())
}

func (r *Recorder) watchStart(stopCh <-chan struct{}) {
	if r.startsecs == 0 {
		r.settleStart()
		return
	}

	select {
	case <-r.clock.After(time.Duration(r.startsecs) * time.Second):
		r.settleStart()
	case <-stopCh:
	}
}

func (r *Recorder) settleStart() {
	if _, err := r.sm.ProcessStarted(); err != nil {
		r.logger.Error("state transition failed", "error", err)
	}
	if r.sm.State() == Running {
		r.publishStateUnlocked(Running)
	}
}

// Stop sends the policy stop signal to the recorder's process group and
// schedules SIGKILL escalation after the grace period.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopLocked()
}

func (r *Recorder) stopLocked() error {
	state := r.sm.State()
	if state != Running && state != Starting {
		return fmt.Errorf("recorder %s: %w", r.desc.Name, ErrNotRunning)
	}

	if err := r.sm.RequestStop(); err != nil {
		return fmt.Errorf("recorder %s: %w", r.desc.Name, err)
	}

	r.publishStateLocked(Stopping)

	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}

	sig := ParseSignal(r.desc.Policy.StopSignal)
	if sig == nil {
		sig = syscall.SIGTERM
	}
	if r.spawned != nil {
		// Signal the whole process group; the recorders fork worker
		// children that must see the shutdown too.
		_ = r.killGroup(r.spawned.Pid(), sig.(syscall.Signal))
	}

	go r.watchStop()

	return nil
}

// watchStop escalates to SIGKILL when the child outlives the grace
// period after the stop signal.
func (r *Recorder) watchStop() {
	grace := r.desc.Policy.StopGrace
	if grace == 0 {
		grace = 20 * time.Second
	}

	select {
	case <-r.clock.After(grace):
		r.mu.Lock()
		if r.sm.State() == Stopping && r.spawned != nil {
			r.logger.Warn("grace period expired, escalating to SIGKILL",
				"pid", r.spawned.Pid(), "grace", grace)
			_ = r.killGroup(r.spawned.Pid(), syscall.SIGKILL)
		}
		r.mu.Unlock()
	case <-r.shutdownDone():
	}
}

// shutdownDone returns a channel closed once the child has exited after
// a stop request. The stop channel is replaced on exit, so waiting on
// the old one works.
func (r *Recorder) shutdownDone() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exitNotify()
}

func (r *Recorder) exitNotify() <-chan struct{} {
	if r.spawned == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	// Poll for exit; HandleExit clears spawned.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			time.Sleep(100 * time.Millisecond)
			r.mu.Lock()
			gone := r.spawned == nil
			r.mu.Unlock()
			if gone {
				return
			}
		}
	}()
	return done
}

// Signal sends an arbitrary signal to the recorder process.
func (r *Recorder) Signal(sig string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.spawned == nil {
		return fmt.Errorf("recorder %s: %w", r.desc.Name, ErrNotRunning)
	}

	s := ParseSignal(sig)
	if s == nil {
		return fmt.Errorf("recorder %s: invalid signal %q", r.desc.Name, sig)
	}

	return r.spawned.Signal(s)
}

// HandleExit processes the exit of the recorder child. Called by the
// supervisor's SIGCHLD reaper with the exit code computed from the wait
// status; deaths by signal arrive as 128+signum.
func (r *Recorder) HandleExit(exitCode int) {
	r.mu.Lock()

	r.exitCode = exitCode
	r.logger.Info("exited", "exit_code", exitCode)

	state := r.sm.State()
	manualStop := r.sm.ManualStop()

	newState, err := r.sm.ProcessExited()
	if err != nil {
		r.logger.Warn("unexpected exit", "state", state.String(), "error", err)
		r.mu.Unlock()
		return
	}
	_ = newState

	r.spawned = nil
	r.stopCh = make(chan struct{})

	switch state {
	case Stopping:
		r.publishStateLocked(Stopped)
		r.mu.Unlock()
		r.runCleanup()
		return

	case Starting, Running:
		r.publishStateLocked(Exited)

		if !r.shouldRestartLocked(exitCode, manualStop) {
			r.mu.Unlock()
			r.runCleanup()
			return
		}

		if !r.limiter.Allow() {
			r.logger.Error("restart budget exhausted, going fatal",
				"burst", r.desc.Policy.RestartBurst,
				"window", r.desc.Policy.RestartWindow)
			if err := r.sm.MarkFatal(); err != nil {
				r.logger.Error("state transition failed", "error", err)
			}
			r.publishStateLocked(Fatal)
			r.publishEventLocked(events.RestartLimited, map[string]string{
				"exit_code": fmt.Sprintf("%d", exitCode),
			})
			r.mu.Unlock()
			r.runCleanup()
			return
		}

		r.logger.Info("restarting after failure",
			"exit_code", exitCode, "restarts_in_window", r.limiter.Recent())
		restart := r.restartFn
		if restart == nil {
			restart = r.startAfterExit
		}
		// The recorder is briefly inactive here, so a conflicting peer
		// may legally start before the restart runs. Restarting through
		// the manager repeats the exclusion check and loses that race
		// cleanly instead of putting both halves of the pair in RUNNING.
		r.mu.Unlock()
		if err := restart(); err != nil {
			r.logger.Error("restart failed", "error", err)
		}
		return
	}
	r.mu.Unlock()
}

// startAfterExit starts the recorder without resetting the restart
// budget. Operator starts go through Start, which clears it.
func (r *Recorder) startAfterExit() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startLocked()
}

// shouldRestartLocked applies the role restart policy to an exit.
func (r *Recorder) shouldRestartLocked(exitCode int, manualStop bool) bool {
	// Never restart during daemon shutdown.
	select {
	case <-r.shutdownCh:
		return false
	default:
	}

	if manualStop {
		return false
	}

	switch r.desc.Policy.Restart {
	case descriptor.RestartOnFailure:
		return exitCode != 0
	default:
		return false
	}
}

// runCleanup fires the post-stop cleanup hook outside the recorder lock.
func (r *Recorder) runCleanup() {
	if r.cleanup == nil || r.desc.Cleanup == nil {
		return
	}
	if _, err := r.cleanup.Run(context.Background(), r.desc); err != nil {
		r.logger.Warn("cleanup hook failed", "error", err)
	}
}

// buildEnv constructs the child environment: the supervisor's own
// environment plus identification variables. PYTHONUNBUFFERED keeps the
// recorder's log lines ordered in the capture pipeline.
func (r *Recorder) buildEnv() []string {
	env := os.Environ()
	env = append(env,
		"PYTHONUNBUFFERED=1",
		"RECSUP_ENABLED=1",
		fmt.Sprintf("RECSUP_RECORDER_NAME=%s", r.desc.Name),
		fmt.Sprintf("RECSUP_ROLE=%s", r.desc.Role),
	)
	return env
}

func (r *Recorder) readPipe(rc io.ReadCloser, handler func(string, []byte)) {
	defer rc.Close()
	buf := make([]byte, 8192)
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			handler(r.desc.Name, data)
		}
		if err != nil {
			return
		}
	}
}

// publishStateLocked publishes a state event while the mutex is held.
func (r *Recorder) publishStateLocked(state State) {
	r.doPublishState(state, r.pidLocked(), r.exitCode)
}

// publishStateUnlocked publishes a state event, acquiring the mutex for PID.
func (r *Recorder) publishStateUnlocked(state State) {
	r.mu.Lock()
	pid := r.pidLocked()
	exitCode := r.exitCode
	r.mu.Unlock()
	r.doPublishState(state, pid, exitCode)
}

func (r *Recorder) doPublishState(state State, pid, exitCode int) {
	if r.bus == nil {
		return
	}

	var eventType events.EventType
	switch state {
	case Stopped:
		eventType = events.RecorderStateStopped
	case Starting:
		eventType = events.RecorderStateStarting
	case Running:
		eventType = events.RecorderStateRunning
	case Stopping:
		eventType = events.RecorderStateStopping
	case Exited:
		eventType = events.RecorderStateExited
	case Fatal:
		eventType = events.RecorderStateFatal
	default:
		return
	}

	data := map[string]string{
		"name":  r.desc.Name,
		"role":  string(r.desc.Role),
		"state": state.String(),
		"pid":   fmt.Sprintf("%d", pid),
	}
	if state == Exited || state == Stopped {
		data["exit_code"] = fmt.Sprintf("%d", exitCode)
	}

	r.bus.Publish(events.Event{
		Type: eventType,
		Data: data,
	})
}

func (r *Recorder) publishEventLocked(t events.EventType, extra map[string]string) {
	if r.bus == nil {
		return
	}
	data := map[string]string{
		"name": r.desc.Name,
		"role": string(r.desc.Role),
	}
	for k, v := range extra {
		data[k] = v
	}
	r.bus.Publish(events.Event{Type: t, Data: data})
}

// ParseSignal converts a signal name to os.Signal.
func ParseSignal(name string) os.Signal {
	name = strings.TrimPrefix(strings.ToUpper(name), "SIG")
	switch name {
	case "TERM":
		return syscall.SIGTERM
	case "HUP":
		return syscall.SIGHUP
	case "INT":
		return syscall.SIGINT
	case "QUIT":
		return syscall.SIGQUIT
	case "KILL":
		return syscall.SIGKILL
	case "USR1":
		return syscall.SIGUSR1
	case "USR2":
		return syscall.SIGUSR2
	case "STOP":
		return syscall.SIGSTOP
	case "CONT":
		return syscall.SIGCONT
	default:
		return nil
	}
}
