package process

// Platform-specific RLIMIT constants for linux.
const (
	rlimitMemlock = 8 // RLIMIT_MEMLOCK
)
