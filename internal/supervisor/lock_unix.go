//go:build !windows

package supervisor

import "golang.org/x/sys/unix"

// pidAlive reports whether a process with the given pid exists. Signal
// zero performs the existence check without delivering anything.
func pidAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
