//go:build !linux || !arm64

package supervisor

import "syscall"

// sysFork and sysDup2 wrap the raw syscalls used by Daemonize on
// platforms that still provide fork and dup2 directly.
func sysFork() (uintptr, syscall.Errno) {
	pid, _, errno := syscall.RawSyscall(syscall.SYS_FORK, 0, 0, 0)
	return pid, errno
}

func sysDup2(oldfd, newfd int) error {
	return syscall.Dup2(oldfd, newfd)
}
