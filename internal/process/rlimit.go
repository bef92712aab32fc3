package process

import "syscall"

// rlimInfinity is RLIM_INFINITY on the platforms we support.
const rlimInfinity = ^uint64(0)

// MemLockRLimits returns the resource limits for a recorder whose role
// requires unlimited locked memory. The capture pipelines pin their DMA
// ring buffers and fall over with the default 64 KiB limit.
func MemLockRLimits() []RLimit {
	return []RLimit{{
		Resource: rlimitMemlock,
		Cur:      rlimInfinity,
		Max:      rlimInfinity,
	}}
}

// raiseRLimits raises resource limits on the supervisor itself and
// returns a function restoring the previous values. Children inherit
// the raised limits across fork/exec.
func raiseRLimits(limits []RLimit) (restore func(), err error) {
	type saved struct {
		resource int
		lim      syscall.Rlimit
	}
	var savedLimits []saved

	restore = func() {
		for i := len(savedLimits) - 1; i >= 0; i-- {
			syscall.Setrlimit(savedLimits[i].resource, &savedLimits[i].lim)
		}
	}

	for _, rl := range limits {
		var old syscall.Rlimit
		if err := syscall.Getrlimit(rl.Resource, &old); err != nil {
			restore()
			return nil, err
		}
		lim := syscall.Rlimit{Cur: rl.Cur, Max: rl.Max}
		if err := syscall.Setrlimit(rl.Resource, &lim); err != nil {
			restore()
			return nil, err
		}
		savedLimits = append(savedLimits, saved{rl.Resource, old})
	}

	return restore, nil
}
