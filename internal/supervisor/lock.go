package supervisor

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// ErrAlreadyRunning is returned when another live process holds the
// lock. The caller exits with a distinguishable status.
var ErrAlreadyRunning = errors.New("another instance is already running")

// Lock is the single-instance pid lock under the data dir.
type Lock struct {
	path string
	log  zerolog.Logger
}

// AcquireLock claims the pid file at path. A lock held by a live
// process fails with ErrAlreadyRunning; a stale lock left by a dead
// process is reclaimed with a log line.
func AcquireLock(path string, logger zerolog.Logger) (*Lock, error) {
	if data, err := os.ReadFile(path); err == nil {
		pid, perr := strconv.Atoi(strings.TrimSpace(string(data)))
		if perr == nil && pid > 0 && pid != os.Getpid() && pidAlive(pid) {
			return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
		}
		logger.Warn().Int("pid", pid).Str("path", path).Msg("reclaiming stale lock")
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading lock file: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return nil, fmt.Errorf("writing lock file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("claiming lock file: %w", err)
	}
	return &Lock{path: path, log: logger}, nil
}

// Release removes the lock file. Safe to call once on shutdown.
func (l *Lock) Release() {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		l.log.Warn().Err(err).Str("path", l.path).Msg("removing lock file failed")
	}
}
