package process

import (
	"context"
	"strings"

	gops "github.com/shirou/gopsutil/v3/process"
)

// Table answers questions about the live OS process table. The cleanup
// hook uses it to check for surviving sibling recorders before deleting
// shared scratch state.
type Table interface {
	// CountMatching returns how many running processes outside the
	// excluded PIDs have the given program name.
	CountMatching(ctx context.Context, program string, excludePids []int) (int, error)
}

// PSTable reads the real OS process table.
type PSTable struct{}

// CountMatching scans the process table for the program name, matching
// both the executable name and interpreter invocations like
// "python3 /opt/.../dr_visibilities.py".
func (PSTable) CountMatching(ctx context.Context, program string, excludePids []int) (int, error) {
	procs, err := gops.ProcessesWithContext(ctx)
	if err != nil {
		return 0, err
	}

	excluded := make(map[int32]bool, len(excludePids))
	for _, pid := range excludePids {
		excluded[int32(pid)] = true
	}

	count := 0
	for _, p := range procs {
		if excluded[p.Pid] {
			continue
		}
		name, err := p.NameWithContext(ctx)
		if err == nil && name == program {
			count++
			continue
		}
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil {
			continue
		}
		if cmdlineMatches(cmdline, program) {
			count++
		}
	}
	return count, nil
}

func cmdlineMatches(cmdline, program string) bool {
	for _, field := range strings.Fields(cmdline) {
		base := field
		if i := strings.LastIndexByte(field, '/'); i >= 0 {
			base = field[i+1:]
		}
		base = strings.TrimSuffix(base, ".py")
		if base == program {
			return true
		}
	}
	return false
}

// StaticTable is a fixed process table for tests.
type StaticTable struct {
	// Counts maps program name to the number of live processes.
	Counts map[string]int
	Err    error
	Calls  int
}

func (t *StaticTable) CountMatching(ctx context.Context, program string, excludePids []int) (int, error) {
	t.Calls++
	if t.Err != nil {
		return 0, t.Err
	}
	return t.Counts[program], nil
}
