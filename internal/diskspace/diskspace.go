// Package diskspace provides free-space probing and cooperative
// backpressure for producers that write large payloads. Downloads and
// archive expansion pause under a configured free-space floor instead
// of filling the disk.
package diskspace

import (
	"context"
	"fmt"
	"time"
)

// InsufficientSpaceError indicates that there is not enough disk space
// available for an operation.
type InsufficientSpaceError struct {
	Path           string
	RequiredBytes  int64
	AvailableBytes int64
}

func (e *InsufficientSpaceError) Error() string {
	requiredMB := float64(e.RequiredBytes) / (1024 * 1024)
	availableMB := float64(e.AvailableBytes) / (1024 * 1024)
	return fmt.Sprintf("insufficient disk space for %s: need %.2f MB, have %.2f MB available",
		e.Path, requiredMB, availableMB)
}

// IsInsufficientSpaceError checks if an error is an InsufficientSpaceError.
func IsInsufficientSpaceError(err error) bool {
	_, ok := err.(*InsufficientSpaceError)
	return ok
}

// CheckAvailableSpace checks if there is sufficient disk space for a
// file operation on the filesystem containing targetPath. safetyMargin
// is a multiplier on requiredBytes (e.g. 1.1 for a 10% buffer).
//
// If the filesystem cannot be statted (network mounts, virtual
// filesystems) the check passes and the operation fails naturally.
func CheckAvailableSpace(targetPath string, requiredBytes int64, safetyMargin float64) error {
	availableBytes, ok := availableBytes(targetPath)
	if !ok {
		return nil
	}
	requiredWithMargin := int64(float64(requiredBytes) * safetyMargin)
	if availableBytes < requiredWithMargin {
		return &InsufficientSpaceError{
			Path:           targetPath,
			RequiredBytes:  requiredWithMargin,
			AvailableBytes: availableBytes,
		}
	}
	return nil
}

// GetAvailableSpace returns the available space in bytes for the
// filesystem containing the given path. Returns 0 if unable to
// determine.
func GetAvailableSpace(path string) int64 {
	n, _ := availableBytes(path)
	return n
}

const defaultRecheck = 15 * time.Second

// WaitForSpace blocks until free space at path rises above floor bytes
// or ctx is canceled. onPause, when non-nil, is invoked once when the
// wait begins and again (with waiting=false) when it ends; producers
// use it to surface a low-storage pause to the user.
func WaitForSpace(ctx context.Context, path string, floor int64, onPause func(waiting bool)) error {
	if GetAvailableSpace(path) >= floor {
		return nil
	}
	if onPause != nil {
		onPause(true)
		defer onPause(false)
	}
	ticker := time.NewTicker(defaultRecheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if GetAvailableSpace(path) >= floor {
				return nil
			}
		}
	}
}
