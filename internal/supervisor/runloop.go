package supervisor

import (
	"log/slog"
	"os"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/recsup/recsup/internal/config"
	"github.com/recsup/recsup/internal/descriptor"
	"github.com/recsup/recsup/internal/events"
	"github.com/recsup/recsup/internal/metrics"
	"github.com/recsup/recsup/internal/process"
	"github.com/recsup/recsup/internal/render"
	"github.com/recsup/recsup/internal/storage"
	"github.com/recsup/recsup/internal/version"
)

// Supervisor is the main daemon run loop.
type Supervisor struct {
	mu         sync.Mutex
	config     *config.Config
	configPath string
	manager    *process.Manager
	bus        *events.Bus
	ticker     *events.Ticker
	signals    *SignalQueue
	logger     *slog.Logger
	monitor    *storage.Monitor
	webhooks   *events.WebhookManager
	metrics    *metrics.Collector
	startedAt  time.Time
	shutting   bool
	shutdownCh chan struct{}
	doneCh     chan struct{}
	pidFile    string
}

// SupervisorConfig configures the supervisor.
type SupervisorConfig struct {
	Config     *config.Config
	ConfigPath string
	PIDFile    string
	Logger     *slog.Logger
	Metrics    *metrics.Collector // nil disables metrics
}

// New creates a supervisor.
func New(cfg SupervisorConfig) *Supervisor {
	bus := events.NewBus(cfg.Logger)
	spawner := &process.ExecSpawner{}
	mgr := process.NewManager(spawner, bus, cfg.Logger,
		process.WithUnitRenderer(render.Unit),
	)

	var monitorOpts []storage.Option
	if cfg.Metrics != nil {
		mc := cfg.Metrics
		monitorOpts = append(monitorOpts, storage.WithSampleHandler(
			func(name, role, path string, used, limit uint64) {
				mc.SetRecordDirUsage(name, role, used)
			}))
		mc.ObserveBus(bus)
		mc.SetBuildInfo(version.Version, runtime.Version())
	}
	monitor := storage.NewMonitor(bus, cfg.Logger, monitorOpts...)

	var webhooks *events.WebhookManager
	if hooks := config.EventWebhooks(cfg.Config); len(hooks) > 0 {
		webhooks = events.NewWebhookManager(bus, hooks, cfg.Logger)
	}

	return &Supervisor{
		config:     cfg.Config,
		configPath: cfg.ConfigPath,
		manager:    mgr,
		bus:        bus,
		logger:     cfg.Logger,
		monitor:    monitor,
		webhooks:   webhooks,
		metrics:    cfg.Metrics,
		startedAt:  time.Now(),
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
		pidFile:    cfg.PIDFile,
	}
}

// Manager returns the recorder manager.
func (s *Supervisor) Manager() *process.Manager { return s.manager }

// Bus returns the event bus.
func (s *Supervisor) Bus() *events.Bus { return s.bus }

// Run starts the supervisor main loop. Blocks until shutdown.
func (s *Supervisor) Run() error {
	// Write PID file.
	if err := WritePIDFile(s.pidFile); err != nil {
		return err
	}
	defer RemovePIDFile(s.pidFile)

	// Materialize recorders from config.
	descs, err := config.Materialize(s.config)
	if err != nil {
		return err
	}
	if err := s.loadDescriptors(descs); err != nil {
		return err
	}

	// Start periodic ticks.
	s.ticker = events.NewTicker(s.bus)
	defer s.ticker.Stop()

	// Quota sampling rides the minute tick.
	s.monitor.Start()
	defer s.monitor.Stop()

	if s.metrics != nil {
		s.bus.Subscribe(events.Tick5, func(events.Event) { s.updateGauges() })
	}

	// Start signal handler.
	s.signals = NewSignalQueue(s.logger)
	defer s.signals.Stop()

	// Publish supervisor running event.
	s.bus.Publish(events.Event{
		Type: events.SupervisorStateRunning,
		Data: map[string]string{},
	})

	// Autostart recorders.
	s.manager.AutostartAll()

	s.logger.Info("supervisor running", "pid", os.Getpid(), "recorders", len(descs))

	// Main event loop.
	for {
		select {
		case sig := <-s.signals.C:
			if s.handleSignal(sig) {
				goto shutdown
			}
		case <-s.shutdownCh:
			goto shutdown
		}
	}

shutdown:
	s.logger.Info("shutting down")

	// Publish supervisor stopping event.
	s.bus.Publish(events.Event{
		Type: events.SupervisorStateStopping,
		Data: map[string]string{},
	})

	// Stop all recorders. Each gets its stop signal and grace period.
	s.manager.StopAll()
	s.manager.WaitAllStopped(time.Duration(s.config.Supervisor.ShutdownTimeout) * time.Second)

	if s.webhooks != nil {
		s.webhooks.Stop()
	}
	s.manager.CloseCaptures()

	close(s.doneCh)
	s.logger.Info("shutdown complete")
	return nil
}

// loadDescriptors registers materialized descriptors in name order and
// puts their record directories under quota watch.
func (s *Supervisor) loadDescriptors(descs map[string]*descriptor.Descriptor) error {
	names := make([]string, 0, len(descs))
	for name := range descs {
		names = append(names, name)
	}
	sort.Strings(names)

	ordered := make([]*descriptor.Descriptor, 0, len(names))
	for _, name := range names {
		ordered = append(ordered, descs[name])
	}
	if err := s.manager.LoadDescriptors(ordered); err != nil {
		return err
	}
	for _, d := range ordered {
		s.monitor.Track(d)
	}
	return nil
}

// handleSignal processes a signal and returns true if shutdown should begin.
func (s *Supervisor) handleSignal(sig os.Signal) bool {
	s.logger.Info("received signal", "signal", sig.String())

	switch sig {
	case syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT:
		return true

	case syscall.SIGHUP:
		s.handleReload()
		return false

	case syscall.SIGUSR2:
		s.handleLogReopen()
		return false

	case syscall.SIGCHLD:
		s.handleSigchld()
		return false

	default:
		s.logger.Warn("unhandled signal", "signal", sig.String())
		return false
	}
}

func (s *Supervisor) handleReload() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutting {
		s.logger.Warn("ignoring reload during shutdown")
		return
	}

	s.logger.Info("reloading config", "path", s.configPath)

	added, changed, removed, err := s.reloadLocked()
	if err != nil {
		s.logger.Error("reload failed", "error", err)
		return
	}
	s.logger.Info("config reloaded", "added", added, "changed", changed, "removed", removed)
}

// reloadLocked re-reads the config, diffs the materialized descriptors
// against the running set, and applies the difference. Callers hold s.mu.
func (s *Supervisor) reloadLocked() (added, changed, removed []string, err error) {
	newCfg, warnings, err := config.LoadWithIncludes(s.configPath)
	if err != nil {
		if s.metrics != nil {
			s.metrics.IncConfigReloadError()
		}
		return nil, nil, nil, err
	}
	for _, w := range warnings {
		s.logger.Warn("config warning", "warning", w)
	}

	newDescs, err := config.Materialize(newCfg)
	if err != nil {
		if s.metrics != nil {
			s.metrics.IncConfigReloadError()
		}
		return nil, nil, nil, err
	}

	added, changed, removed = process.DescriptorDiff(s.manager.Descriptors(), newDescs)

	// Changed recorders are replaced: stop the old instance, drop it,
	// register the new descriptor, start it again below.
	for _, name := range append(append([]string{}, removed...), changed...) {
		s.retireRecorder(name)
	}

	s.config = newCfg
	if err := s.loadDescriptors(newDescs); err != nil {
		if s.metrics != nil {
			s.metrics.IncConfigReloadError()
		}
		return nil, nil, nil, err
	}

	for _, name := range append(append([]string{}, added...), changed...) {
		d, ok := newDescs[name]
		if !ok || !d.Autostart {
			continue
		}
		if err := s.manager.Start(name); err != nil {
			s.logger.Error("start after reload failed", "recorder", name, "error", err)
		}
	}

	if s.metrics != nil {
		s.metrics.IncConfigReload()
	}
	return added, changed, removed, nil
}

// retireRecorder stops a recorder if needed and removes it from the
// manager, the quota monitor, and the metric series.
func (s *Supervisor) retireRecorder(name string) {
	rec, err := s.manager.GetRecorder(name)
	if err != nil {
		return
	}
	role := string(rec.Role())

	if rec.Active() {
		if err := s.manager.Stop(name); err != nil {
			s.logger.Error("stop recorder failed", "recorder", name, "error", err)
		}
		deadline := time.Now().Add(rec.Descriptor().Policy.StopGrace + 5*time.Second)
		for rec.Active() && time.Now().Before(deadline) {
			time.Sleep(50 * time.Millisecond)
		}
	}

	s.monitor.Untrack(name)
	if err := s.manager.RemoveRecorder(name); err != nil {
		s.logger.Error("remove recorder failed", "recorder", name, "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.RemoveRecorder(name, role)
	}
}

func (s *Supervisor) handleLogReopen() {
	s.logger.Info("reopening log files")
	for name, err := range s.manager.ReopenLogs() {
		s.logger.Error("log reopen failed", "recorder", name, "error", err)
	}
}

func (s *Supervisor) handleSigchld() {
	// Reap all exited children in a loop to handle coalesced SIGCHLD.
	for {
		pid, code, err := reapChild()
		if err != nil || pid <= 0 {
			break
		}

		r := s.manager.RecorderByPid(pid)
		if r == nil {
			s.logger.Warn("reaped unknown child", "pid", pid, "exit_code", code)
			continue
		}

		s.logger.Debug("reaped child", "pid", pid, "recorder", r.Name(), "exit_code", code)
		r.HandleExit(code)
	}
}

// reapChild wraps waitpid with WNOHANG. Returns 0 when no more children.
// Signal deaths report as 128 plus the signal number, matching shell
// convention.
func reapChild() (int, int, error) {
	var ws syscall.WaitStatus
	pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
	if err != nil {
		return 0, 0, err
	}
	code := ws.ExitStatus()
	if ws.Signaled() {
		code = 128 + int(ws.Signal())
	}
	return pid, code, nil
}

// ReapAllZombies reaps all zombie children when running as PID 1.
func ReapAllZombies(logger *slog.Logger) {
	for {
		pid, _, err := reapChild()
		if err != nil || pid <= 0 {
			break
		}
		logger.Debug("reaped zombie", "pid", pid)
	}
}

// updateGauges refreshes the slow-moving supervisor metrics.
func (s *Supervisor) updateGauges() {
	s.metrics.SetSupervisorUptime(time.Since(s.startedAt).Seconds())

	counts := make(map[string]int)
	for _, r := range s.manager.Recorders() {
		counts[r.State().String()]++
		s.metrics.SetRecorderUptime(r.Name(), float64(r.Uptime()))
	}
	for _, state := range []process.State{
		process.Stopped, process.Starting, process.Running,
		process.Stopping, process.Exited, process.Fatal,
	} {
		s.metrics.SetRecorderCount(state.String(), counts[state.String()])
	}
}

// Shutdown triggers a graceful shutdown.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.shutting {
		s.shutting = true
		close(s.shutdownCh)
	}
}

// Done returns a channel that closes when the supervisor has finished.
func (s *Supervisor) Done() <-chan struct{} { return s.doneCh }

// IsShuttingDown returns true if the supervisor is shutting down.
func (s *Supervisor) IsShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutting
}

// IsReady returns true if all autostart recorders have reached RUNNING.
func (s *Supervisor) IsReady() bool {
	for _, r := range s.manager.Recorders() {
		if r.Descriptor().Autostart && r.State() != process.Running {
			return false
		}
	}
	return true
}

// CheckReady checks if specific recorders are ready.
func (s *Supervisor) CheckReady(recorders []string) (bool, []string, error) {
	var pending []string
	for _, name := range recorders {
		r, err := s.manager.GetRecorder(name)
		if err != nil {
			return false, nil, err
		}
		if r.State() != process.Running {
			pending = append(pending, name)
		}
	}
	return len(pending) == 0, pending, nil
}

// Version returns version info.
func (s *Supervisor) Version() map[string]string {
	return map[string]string{
		"version":    version.Version,
		"commit":     version.Commit,
		"date":       version.Date,
		"go_version": runtime.Version(),
		"pid":        strconv.Itoa(os.Getpid()),
	}
}

// PID returns the daemon PID.
func (s *Supervisor) PID() int { return os.Getpid() }

// GetConfig returns the current config.
func (s *Supervisor) GetConfig() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// Reload re-reads config and applies changes.
func (s *Supervisor) Reload() (added, changed, removed []string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadLocked()
}
