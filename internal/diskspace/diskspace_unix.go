//go:build !windows

package diskspace

import (
	"path/filepath"

	"golang.org/x/sys/unix"
)

// availableBytes returns the space available to non-root users on the
// filesystem containing path, statting the parent directory so the
// target itself need not exist yet.
func availableBytes(path string) (int64, bool) {
	dir := filepath.Dir(path)

	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, false
	}
	return int64(stat.Bavail) * int64(stat.Bsize), true
}
