package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/recsup/recsup/internal/descriptor"
	"github.com/recsup/recsup/internal/events"
)

func TestEnsureDirsCreatesBoth(t *testing.T) {
	d := testDescriptor(t, "slow-band01", descriptor.SlowVisibility)

	if err := EnsureDirs(d); err != nil {
		t.Fatal(err)
	}
	for _, dir := range []string{d.Logging.Dir, d.Storage.RecordDir} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("stat %s: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("%s is not a directory", dir)
		}
	}

	// Idempotent.
	if err := EnsureDirs(d); err != nil {
		t.Fatalf("second call failed: %v", err)
	}
}

func TestEnsureDirsFailure(t *testing.T) {
	d := testDescriptor(t, "slow-band01", descriptor.SlowVisibility)
	os.MkdirAll(filepath.Dir(d.Logging.Dir), 0755)
	os.WriteFile(d.Logging.Dir, []byte("x"), 0644)

	if err := EnsureDirs(d); err == nil {
		t.Fatal("expected error when log dir path is a file")
	}
}

func TestCleanupHookRemovesGlobs(t *testing.T) {
	d := testDescriptor(t, "slow-band01", descriptor.SlowVisibility)
	scratch := t.TempDir()
	keep := filepath.Join(scratch, "keep.dat")
	gone1 := filepath.Join(scratch, "a.state")
	gone2 := filepath.Join(scratch, "b.state")
	for _, f := range []string{keep, gone1, gone2} {
		os.WriteFile(f, []byte("x"), 0644)
	}
	d.Cleanup = &descriptor.Cleanup{
		Paths: []string{filepath.Join(scratch, "*.state")},
		Match: "dr_visibilities",
	}

	hook := &CleanupHook{
		Table:  &StaticTable{},
		Logger: testLogger(),
	}
	removed, err := hook.Run(context.Background(), d)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Error("non-matching file was removed")
	}
}

func TestCleanupHookGuardedBySiblings(t *testing.T) {
	d := testDescriptor(t, "fast-band01", descriptor.FastVisibility)
	scratch := t.TempDir()
	victim := filepath.Join(scratch, "a.state")
	os.WriteFile(victim, []byte("x"), 0644)
	d.Cleanup = &descriptor.Cleanup{
		Paths: []string{filepath.Join(scratch, "*.state")},
		Match: "dr_visibilities",
	}

	bus := testBus()
	var skipped bool
	bus.Subscribe(events.CleanupSkipped, func(e events.Event) { skipped = true })

	hook := &CleanupHook{
		Table:  &StaticTable{Counts: map[string]int{"dr_visibilities": 2}},
		Bus:    bus,
		Logger: testLogger(),
	}
	removed, err := hook.Run(context.Background(), d)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 0 {
		t.Fatalf("removed = %d, want 0", removed)
	}
	if _, err := os.Stat(victim); err != nil {
		t.Fatal("file removed despite surviving siblings")
	}
	if !skipped {
		t.Fatal("expected CLEANUP_SKIPPED event")
	}
}

func TestCleanupHookNoopWithoutConfig(t *testing.T) {
	d := testDescriptor(t, "power-beam-1", descriptor.PowerBeam)

	table := &StaticTable{}
	hook := &CleanupHook{Table: table, Logger: testLogger()}
	removed, err := hook.Run(context.Background(), d)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 0 {
		t.Fatalf("removed = %d, want 0", removed)
	}
	if table.Calls != 0 {
		t.Fatal("process table must not be scanned for roles without cleanup")
	}
}

func TestCleanupHookTableError(t *testing.T) {
	d := testDescriptor(t, "slow-band01", descriptor.SlowVisibility)
	d.Cleanup = &descriptor.Cleanup{
		Paths: []string{"/tmp/nonexistent-*.state"},
		Match: "dr_visibilities",
	}

	hook := &CleanupHook{
		Table:  &StaticTable{Err: errors.New("proc unavailable")},
		Logger: testLogger(),
	}
	if _, err := hook.Run(context.Background(), d); err == nil {
		t.Fatal("expected error when the process table scan fails")
	}
}

func TestCmdlineMatches(t *testing.T) {
	tests := []struct {
		cmdline string
		program string
		want    bool
	}{
		{"python3 /opt/ovro/dr_visibilities.py --port 10000", "dr_visibilities", true},
		{"/usr/local/bin/dr_visibilities --port 10000", "dr_visibilities", true},
		{"dr_visibilities", "dr_visibilities", true},
		{"python3 /opt/ovro/dr_beam.py", "dr_visibilities", false},
		{"", "dr_visibilities", false},
		{"grep dr_visibilities_logs", "dr_visibilities", false},
	}
	for _, tt := range tests {
		if got := cmdlineMatches(tt.cmdline, tt.program); got != tt.want {
			t.Errorf("cmdlineMatches(%q, %q) = %v, want %v",
				tt.cmdline, tt.program, got, tt.want)
		}
	}
}
