// Package instance makes sure only one supervisor runs per lock file.
package instance

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another supervisor holds the lock.
var ErrLocked = errors.New("another supervisor instance is running")

// Claim is a held instance lock.
type Claim struct {
	lock    *flock.Flock
	pidFile string
}

// Acquire takes an exclusive non-blocking lock on lockFile and, when pidFile
// is set, writes the current pid to it. The lock file itself also carries
// the pid so `cat` shows the holder.
func Acquire(lockFile, pidFile string) (*Claim, error) {
	if lockFile == "" {
		return nil, errors.New("lock file path required")
	}
	if err := os.MkdirAll(filepath.Dir(lockFile), 0o750); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	fl := flock.New(lockFile)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", lockFile, err)
	}
	if !ok {
		if pid, perr := HolderPID(lockFile); perr == nil && pid > 0 {
			return nil, fmt.Errorf("%w (pid %d)", ErrLocked, pid)
		}
		return nil, ErrLocked
	}
	c := &Claim{lock: fl, pidFile: pidFile}
	pid := []byte(strconv.Itoa(os.Getpid()) + "\n")
	// locked regions refuse writes through another handle on Windows
	_ = os.WriteFile(lockFile, pid, 0o644)
	if pidFile != "" {
		if err := os.MkdirAll(filepath.Dir(pidFile), 0o750); err != nil {
			_ = fl.Unlock()
			return nil, fmt.Errorf("create pid dir: %w", err)
		}
		if err := os.WriteFile(pidFile, pid, 0o644); err != nil {
			_ = fl.Unlock()
			return nil, fmt.Errorf("write pid file: %w", err)
		}
	}
	return c, nil
}

// Path returns the lock file path.
func (c *Claim) Path() string { return c.lock.Path() }

// Release drops the lock and removes the pid file. The lock file stays so
// its inode is stable for the next claimant.
func (c *Claim) Release() error {
	if c == nil || c.lock == nil {
		return nil
	}
	if c.pidFile != "" {
		_ = os.Remove(c.pidFile)
	}
	return c.lock.Unlock()
}

// HolderPID reads the pid recorded in a lock or pid file.
func HolderPID(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	return pid, nil
}
