// Package storage observes record directory usage against configured
// quotas. The recorder programs enforce their own quotas; recsup only
// samples and reports so operators see pressure before data is dropped.
package storage

import (
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/recsup/recsup/internal/descriptor"
	"github.com/recsup/recsup/internal/events"
)

// UsageFunc samples filesystem usage for a path. Overridable in tests.
type UsageFunc func(path string) (*disk.UsageStat, error)

// SampleHandler receives every sample, for metrics export.
type SampleHandler func(name, role, path string, usedBytes, limitBytes uint64)

type target struct {
	name  string
	role  string
	dir   string
	quota descriptor.Quota
}

// Monitor samples record directories on the 60-second tick and publishes
// QUOTA_EXCEEDED / QUOTA_CLEARED edge-triggered events.
type Monitor struct {
	mu      sync.Mutex
	bus     *events.Bus
	logger  *slog.Logger
	usage   UsageFunc
	sample  SampleHandler
	targets map[string]target
	over    map[string]bool
	subID   uint64
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithUsageFunc replaces the filesystem usage sampler.
func WithUsageFunc(fn UsageFunc) Option {
	return func(m *Monitor) { m.usage = fn }
}

// WithSampleHandler registers a per-sample callback.
func WithSampleHandler(fn SampleHandler) Option {
	return func(m *Monitor) { m.sample = fn }
}

// NewMonitor creates a quota monitor. Call Start to begin sampling.
func NewMonitor(bus *events.Bus, logger *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		bus:     bus,
		logger:  logger,
		usage:   disk.Usage,
		targets: make(map[string]target),
		over:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Track registers a recorder's record directory for sampling.
func (m *Monitor) Track(d *descriptor.Descriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[d.Name] = target{
		name:  d.Name,
		role:  string(d.Role),
		dir:   d.Storage.RecordDir,
		quota: d.Storage.Quota,
	}
}

// Untrack removes a recorder from sampling.
func (m *Monitor) Untrack(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.targets, name)
	delete(m.over, name)
}

// Start subscribes the monitor to the 60-second tick.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subID != 0 {
		return
	}
	m.subID = m.bus.Subscribe(events.Tick60, func(events.Event) {
		m.Sample()
	})
}

// Stop unsubscribes from the tick.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subID != 0 {
		m.bus.Unsubscribe(m.subID)
		m.subID = 0
	}
}

// Sample measures every tracked directory once and publishes threshold
// crossings. Safe to call directly; the tick calls it periodically.
func (m *Monitor) Sample() {
	m.mu.Lock()
	targets := make([]target, 0, len(m.targets))
	for _, t := range m.targets {
		targets = append(targets, t)
	}
	m.mu.Unlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].name < targets[j].name })

	for _, t := range targets {
		m.sampleOne(t)
	}
}

func (m *Monitor) sampleOne(t target) {
	used, limit, err := m.measure(t)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("quota sample failed",
				"recorder", t.name, "path", t.dir, "error", err)
		}
		return
	}

	if m.sample != nil {
		m.sample(t.name, t.role, t.dir, used, limit)
	}
	if t.quota.IsZero() {
		return
	}

	exceeded := limit > 0 && used >= limit

	m.mu.Lock()
	was := m.over[t.name]
	m.over[t.name] = exceeded
	m.mu.Unlock()

	if exceeded == was {
		return
	}

	data := map[string]string{
		"recorder": t.name,
		"role":     t.role,
		"path":     t.dir,
		"used":     fmt.Sprintf("%d", used),
		"limit":    fmt.Sprintf("%d", limit),
	}
	if exceeded {
		if m.logger != nil {
			m.logger.Warn("record directory over quota",
				"recorder", t.name, "path", t.dir, "used", used, "limit", limit)
		}
		m.bus.Publish(events.Event{Type: events.QuotaExceeded, Data: data})
	} else {
		if m.logger != nil {
			m.logger.Info("record directory back under quota",
				"recorder", t.name, "path", t.dir, "used", used, "limit", limit)
		}
		m.bus.Publish(events.Event{Type: events.QuotaCleared, Data: data})
	}
}

// measure returns used and limit bytes for a target. Absolute quotas
// compare the directory's own size; fractional quotas compare filesystem
// fill level.
func (m *Monitor) measure(t target) (used, limit uint64, err error) {
	if t.quota.Fraction > 0 {
		stat, err := m.usage(t.dir)
		if err != nil {
			return 0, 0, err
		}
		return stat.Used, uint64(t.quota.Fraction * float64(stat.Total)), nil
	}

	size, err := dirSize(t.dir)
	if err != nil {
		return 0, 0, err
	}
	return size, uint64(t.quota.Bytes), nil
}

// dirSize walks a directory tree summing regular file sizes. Files that
// vanish mid-walk (the recorders rotate their own outputs) are skipped.
func dirSize(dir string) (uint64, error) {
	var total uint64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += uint64(info.Size())
		return nil
	})
	return total, err
}
