package process

// Platform-specific RLIMIT constants for darwin.
const (
	rlimitMemlock = 6 // RLIMIT_MEMLOCK
)
