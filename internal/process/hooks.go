package process

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/recsup/recsup/internal/descriptor"
	"github.com/recsup/recsup/internal/events"
)

// EnsureDirs is the startup precondition hook: it creates the log and
// record directories if missing. Idempotent; a failure aborts the
// start before any process is spawned.
func EnsureDirs(d *descriptor.Descriptor) error {
	for _, dir := range []string{d.Logging.Dir, d.Storage.RecordDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("%s: create directory %s: %w", d.Name, dir, err)
		}
	}
	return nil
}

// CleanupHook removes shared scratch state after a recorder stops,
// guarded by a scan of the OS process table: if any sibling process of
// the same recorder program is still alive, the scratch state is theirs
// too and must be left alone.
//
// The check and the delete are not atomic. A sibling starting between
// them can lose files; at one recorder instance per program per host
// this does not occur in practice.
type CleanupHook struct {
	Table   Table
	Bus     *events.Bus
	Logger  *slog.Logger
	Timeout time.Duration
}

// Run executes the hook for one descriptor. Returns the number of
// paths removed; zero with nil error means the hook was skipped.
func (h *CleanupHook) Run(ctx context.Context, d *descriptor.Descriptor) (int, error) {
	if d.Cleanup == nil || len(d.Cleanup.Paths) == 0 {
		return 0, nil
	}

	timeout := h.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	survivors, err := h.Table.CountMatching(ctx, d.Cleanup.Match, nil)
	if err != nil {
		return 0, fmt.Errorf("%s: process table scan: %w", d.Name, err)
	}

	if survivors > 0 {
		h.Logger.Info("cleanup skipped, sibling recorders still running",
			"recorder", d.Name, "program", d.Cleanup.Match, "survivors", survivors)
		h.publish(events.CleanupSkipped, d, map[string]string{
			"survivors": fmt.Sprintf("%d", survivors),
		})
		return 0, nil
	}

	removed := 0
	for _, pattern := range d.Cleanup.Paths {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			h.Logger.Warn("bad cleanup glob", "recorder", d.Name,
				"pattern", pattern, "error", err)
			continue
		}
		for _, m := range matches {
			if err := os.RemoveAll(m); err != nil {
				h.Logger.Warn("cleanup remove failed", "recorder", d.Name,
					"path", m, "error", err)
				continue
			}
			removed++
		}
	}

	h.Logger.Info("cleanup complete", "recorder", d.Name, "removed", removed)
	h.publish(events.CleanupRun, d, map[string]string{
		"removed": fmt.Sprintf("%d", removed),
	})
	return removed, nil
}

func (h *CleanupHook) publish(t events.EventType, d *descriptor.Descriptor, extra map[string]string) {
	if h.Bus == nil {
		return
	}
	data := map[string]string{
		"name": d.Name,
		"role": string(d.Role),
	}
	for k, v := range extra {
		data[k] = v
	}
	h.Bus.Publish(events.Event{Type: t, Data: data})
}
