package process

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/recsup/recsup/internal/api"
	"github.com/recsup/recsup/internal/descriptor"
	"github.com/recsup/recsup/internal/events"
	"github.com/recsup/recsup/internal/logging"
)

// Manager owns all recorders on the host. It enforces the mutual
// exclusion pairs and implements api.RecorderManager and
// api.RoleManager.
type Manager struct {
	mu         sync.RWMutex
	recorders  map[string]*Recorder
	captures   map[string]*logging.CaptureWriter
	bus        *events.Bus
	logger     *slog.Logger
	spawner    Spawner
	table      Table
	shutdownCh chan struct{}
	renderUnit func(*descriptor.Descriptor) ([]byte, error)
	startsecs  int
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithProcessTable overrides the OS process table used by cleanup hooks.
func WithProcessTable(t Table) ManagerOption {
	return func(m *Manager) { m.table = t }
}

// WithUnitRenderer wires the systemd unit renderer into the API surface.
func WithUnitRenderer(fn func(*descriptor.Descriptor) ([]byte, error)) ManagerOption {
	return func(m *Manager) { m.renderUnit = fn }
}

// WithManagerStartsecs sets how long recorders stay in STARTING.
func WithManagerStartsecs(secs int) ManagerOption {
	return func(m *Manager) { m.startsecs = secs }
}

// NewManager creates a recorder manager.
func NewManager(spawner Spawner, bus *events.Bus, logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		recorders:  make(map[string]*Recorder),
		captures:   make(map[string]*logging.CaptureWriter),
		bus:        bus,
		logger:     logger,
		spawner:    spawner,
		table:      PSTable{},
		shutdownCh: make(chan struct{}),
		startsecs:  defaultStartsecs,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ShutdownCh returns the shutdown channel.
func (m *Manager) ShutdownCh() chan struct{} { return m.shutdownCh }

// LoadDescriptors registers recorders for a set of validated
// descriptors. Already-known names are left untouched.
func (m *Manager) LoadDescriptors(descs []*descriptor.Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range descs {
		if _, exists := m.recorders[d.Name]; exists {
			continue
		}
		if err := d.Validate(); err != nil {
			return err
		}

		// The recorders write their own log files via --logfile, so
		// the capture writer keeps stdout/stderr in a ring buffer only
		// and fans it out as log events.
		cw, err := logging.NewCaptureWriter(logging.CaptureConfig{
			Recorder: d.Name,
			Stream:   "stdout",
			Logger:   m.logger,
		})
		if err != nil {
			return fmt.Errorf("capture writer for %s: %w", d.Name, err)
		}
		m.captures[d.Name] = cw

		bus := m.bus
		stdoutHandler := func(name string, data []byte) {
			cw.Write(data)
			if bus != nil {
				bus.Publish(events.Event{
					Type: events.RecorderLogStdout,
					Data: map[string]string{"name": name, "data": string(data)},
				})
			}
		}
		stderrHandler := func(name string, data []byte) {
			cw.Write(data)
			if bus != nil {
				bus.Publish(events.Event{
					Type: events.RecorderLogStderr,
					Data: map[string]string{"name": name, "data": string(data)},
				})
			}
		}

		hook := &CleanupHook{
			Table:  m.table,
			Bus:    m.bus,
			Logger: m.logger,
		}

		name := d.Name
		rec := NewRecorder(d, m.spawner, m.bus, m.logger,
			WithShutdownCh(m.shutdownCh),
			WithStdoutHandler(stdoutHandler),
			WithStderrHandler(stderrHandler),
			WithCleanupHook(hook),
			WithStartsecs(m.startsecs),
			WithRestartFunc(func() error { return m.restartExited(name) }),
		)
		m.recorders[d.Name] = rec
	}
	return nil
}

// GetRecorder returns a recorder by name.
func (m *Manager) GetRecorder(name string) (*Recorder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.recorders[name]
	if !ok {
		return nil, fmt.Errorf("no such recorder: %s", name)
	}
	return r, nil
}

// Descriptors returns the currently loaded descriptors keyed by name.
func (m *Manager) Descriptors() map[string]*descriptor.Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]*descriptor.Descriptor, len(m.recorders))
	for name, r := range m.recorders {
		out[name] = r.Descriptor()
	}
	return out
}

// RemoveRecorder forgets a recorder and releases its capture writer.
// The recorder must not be active.
func (m *Manager) RemoveRecorder(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.recorders[name]
	if !ok {
		return fmt.Errorf("no such recorder: %s", name)
	}
	if r.Active() {
		return fmt.Errorf("recorder %s is still %s", name, r.State())
	}
	if cw, ok := m.captures[name]; ok {
		cw.Close()
		delete(m.captures, name)
	}
	delete(m.recorders, name)
	return nil
}

// ReopenLogs reopens every capture writer, for SIGUSR2 log rotation.
func (m *Manager) ReopenLogs() map[string]error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	failed := make(map[string]error)
	for name, cw := range m.captures {
		if err := cw.Reopen(); err != nil {
			failed[name] = err
		}
	}
	return failed
}

// CloseCaptures closes all capture writers. Called at shutdown.
func (m *Manager) CloseCaptures() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, cw := range m.captures {
		cw.Close()
		delete(m.captures, name)
	}
}

// RecorderByPid finds a recorder by its child PID.
func (m *Manager) RecorderByPid(pid int) *Recorder {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.recorders {
		if r.Pid() == pid {
			return r
		}
	}
	return nil
}

// Recorders returns all managed recorders sorted by name.
func (m *Manager) Recorders() []*Recorder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedLocked()
}

func (m *Manager) sortedLocked() []*Recorder {
	recs := make([]*Recorder, 0, len(m.recorders))
	for _, r := range m.recorders {
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Name() < recs[j].Name()
	})
	return recs
}

// checkConflictLocked enforces the mutual exclusion pairs. Must hold
// m.mu so no conflicting peer can slip into an active state between
// the check and the start.
func (m *Manager) checkConflictLocked(rec *Recorder) error {
	peerRole := rec.Descriptor().Policy.ConflictsWith
	if peerRole == "" {
		return nil
	}

	for _, other := range m.recorders {
		if other == rec || other.Role() != peerRole {
			continue
		}
		if other.Active() {
			if m.bus != nil {
				m.bus.Publish(events.Event{
					Type: events.ConflictRejected,
					Data: map[string]string{
						"name":  rec.Name(),
						"role":  string(rec.Role()),
						"peer":  other.Name(),
						"state": other.State().String(),
					},
				})
			}
			return fmt.Errorf("recorder %s: %w: %s is %s",
				rec.Name(), ErrConflict, other.Name(), other.State())
		}
	}
	return nil
}

// AutostartAll starts all autostart recorders in name order. Conflict
// losers are logged, not fatal: with both halves of an exclusion pair
// marked autostart, the first one wins.
func (m *Manager) AutostartAll() {
	m.mu.Lock()
	recs := m.sortedLocked()
	for _, r := range recs {
		if !r.Descriptor().Autostart {
			continue
		}
		if err := m.checkConflictLocked(r); err != nil {
			m.logger.Error("autostart rejected", "recorder", r.Name(), "error", err)
			continue
		}
		if err := r.Start(); err != nil {
			m.logger.Error("autostart failed", "recorder", r.Name(), "error", err)
		}
	}
	m.mu.Unlock()
}

// StopAll stops all active recorders. Called on daemon shutdown.
func (m *Manager) StopAll() {
	select {
	case <-m.shutdownCh:
	default:
		close(m.shutdownCh)
	}

	m.mu.RLock()
	recs := m.sortedLocked()
	m.mu.RUnlock()

	for _, r := range recs {
		if s := r.State(); s == Running || s == Starting {
			if err := r.Stop(); err != nil {
				m.logger.Error("stop failed", "recorder", r.Name(), "error", err)
			}
		}
	}
}

// WaitAllStopped blocks until every recorder reaches a terminal state
// or the timeout expires.
func (m *Manager) WaitAllStopped(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.allStopped() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (m *Manager) allStopped() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.recorders {
		switch r.State() {
		case Running, Starting, Stopping:
			return false
		}
	}
	return true
}

// --- api.RecorderManager implementation ---

// List returns info for all recorders.
func (m *Manager) List() []api.RecorderInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]api.RecorderInfo, 0, len(m.recorders))
	for _, r := range m.sortedLocked() {
		infos = append(infos, recorderInfo(r))
	}
	return infos
}

// Get returns info for a single recorder.
func (m *Manager) Get(name string) (api.RecorderInfo, error) {
	r, err := m.GetRecorder(name)
	if err != nil {
		return api.RecorderInfo{}, err
	}
	return recorderInfo(r), nil
}

// Start starts a recorder, enforcing exclusion pairs under the manager
// lock.
func (m *Manager) Start(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.recorders[name]
	if !ok {
		return fmt.Errorf("no such recorder: %s", name)
	}
	if err := m.checkConflictLocked(r); err != nil {
		return err
	}
	return r.Start()
}

// restartExited restarts a crashed recorder, repeating the exclusion
// check first. The recorder is inactive between its exit and the
// restart, so a conflicting peer may have started in that window; the
// check must run again under the manager lock, not just at the
// original start.
func (m *Manager) restartExited(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.recorders[name]
	if !ok {
		return fmt.Errorf("no such recorder: %s", name)
	}
	if err := m.checkConflictLocked(r); err != nil {
		return err
	}
	return r.startAfterExit()
}

// Stop stops a recorder by name.
func (m *Manager) Stop(name string) error {
	r, err := m.GetRecorder(name)
	if err != nil {
		return err
	}
	return r.Stop()
}

// Restart restarts a recorder by name.
func (m *Manager) Restart(name string) error {
	r, err := m.GetRecorder(name)
	if err != nil {
		return err
	}

	if s := r.State(); s == Running || s == Starting {
		if err := r.Stop(); err != nil {
			return err
		}
		m.waitForStopped(r, 30*time.Second)
	}
	return m.Start(name)
}

// waitForStopped polls until the recorder reaches a terminal state.
func (m *Manager) waitForStopped(r *Recorder, timeout time.Duration) {
	deadline := time.After(timeout)
	for {
		switch r.State() {
		case Stopped, Exited, Fatal:
			return
		}
		select {
		case <-deadline:
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Signal sends a signal to a recorder.
func (m *Manager) Signal(name string, sig string) error {
	r, err := m.GetRecorder(name)
	if err != nil {
		return err
	}
	return r.Signal(sig)
}

// ReadLog reads the recorder's captured output tail.
func (m *Manager) ReadLog(name string, length int) ([]byte, error) {
	if _, err := m.GetRecorder(name); err != nil {
		return nil, err
	}

	m.mu.RLock()
	cw := m.captures[name]
	m.mu.RUnlock()
	if cw == nil {
		return []byte{}, nil
	}
	return cw.ReadTail(length), nil
}

// RenderUnit renders the systemd unit for a recorder.
func (m *Manager) RenderUnit(name string) ([]byte, error) {
	r, err := m.GetRecorder(name)
	if err != nil {
		return nil, err
	}
	if m.renderUnit == nil {
		return nil, fmt.Errorf("unit rendering not configured")
	}
	return m.renderUnit(r.Descriptor())
}

// --- api.RoleManager implementation ---

// ListRoles returns the roles with at least one recorder, sorted.
func (m *Manager) ListRoles() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	for _, r := range m.recorders {
		seen[string(r.Role())] = true
	}
	roles := make([]string, 0, len(seen))
	for role := range seen {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// StartRole starts all recorders of a role.
func (m *Manager) StartRole(role string) error {
	recs, err := m.roleRecorders(role)
	if err != nil {
		return err
	}
	var errs []string
	for _, r := range recs {
		if err := m.Start(r.Name()); err != nil {
			m.logger.Error("role start failed", "role", role, "recorder", r.Name(), "error", err)
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("start role %s: %s", role, strings.Join(errs, "; "))
	}
	return nil
}

// StopRole stops all active recorders of a role.
func (m *Manager) StopRole(role string) error {
	recs, err := m.roleRecorders(role)
	if err != nil {
		return err
	}
	for _, r := range recs {
		if s := r.State(); s == Running || s == Starting {
			if err := r.Stop(); err != nil {
				m.logger.Error("role stop failed", "role", role, "recorder", r.Name(), "error", err)
			}
		}
	}
	return nil
}

// RestartRole restarts all recorders of a role.
func (m *Manager) RestartRole(role string) error {
	if err := m.StopRole(role); err != nil {
		return err
	}

	recs, err := m.roleRecorders(role)
	if err != nil {
		return err
	}
	for _, r := range recs {
		m.waitForStopped(r, 30*time.Second)
	}
	return m.StartRole(role)
}

func (m *Manager) roleRecorders(role string) ([]*Recorder, error) {
	if _, err := descriptor.ParseRole(role); err != nil {
		return nil, fmt.Errorf("no such role: %s", role)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var recs []*Recorder
	for _, r := range m.sortedLocked() {
		if string(r.Role()) == role {
			recs = append(recs, r)
		}
	}
	return recs, nil
}

func recorderInfo(r *Recorder) api.RecorderInfo {
	d := r.Descriptor()
	return api.RecorderInfo{
		Name:       r.Name(),
		Role:       string(r.Role()),
		State:      r.State().String(),
		StateCode:  int(r.State()),
		PID:        r.Pid(),
		Uptime:     r.Uptime(),
		ExitStatus: r.ExitCode(),
		Band:       d.Band,
		Beam:       d.Beam,
		Port:       d.Network.Port,
		Program:    d.Policy.Program,
		Restarts:   r.RestartsInWindow(),
	}
}

// DescriptorDiff computes added, changed, and removed recorder names
// between two descriptor sets, keyed by name.
func DescriptorDiff(old, new map[string]*descriptor.Descriptor) (added, changed, removed []string) {
	for name := range new {
		if _, exists := old[name]; !exists {
			added = append(added, name)
		}
	}

	for name := range old {
		if _, exists := new[name]; !exists {
			removed = append(removed, name)
		}
	}

	for name, nd := range new {
		if od, exists := old[name]; exists {
			if descriptorChanged(od, nd) {
				changed = append(changed, name)
			}
		}
	}

	sort.Strings(added)
	sort.Strings(changed)
	sort.Strings(removed)
	return
}

func descriptorChanged(a, b *descriptor.Descriptor) bool {
	if a.Role != b.Role || a.User != b.User || a.Autostart != b.Autostart {
		return true
	}
	// The command line folds in network, resources, storage, and
	// logging config, so comparing it catches any material change.
	return strings.Join(a.CommandLine(), " ") != strings.Join(b.CommandLine(), " ")
}
