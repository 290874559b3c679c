package taskstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/iambrandonn/satto/internal/protocol"
)

// Lock is an exclusive claim on one Task for the life of a process.
type Lock struct {
	path string
}

// AcquireLock creates path with O_EXCL and stamps it with our pid. A lock
// left by a process that no longer exists is reclaimed.
func AcquireLock(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("failed to stamp lock %s: %w", path, errors.Join(werr, cerr))
			}
			return &Lock{path: path}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to create lock %s: %w", path, err)
		}

		pid, alive := lockOwner(path)
		if alive {
			return nil, lockedError(pid, path)
		}
		if err := reclaim(path); err != nil {
			return nil, err
		}
	}
	return nil, protocol.Errorf(protocol.KindStoreCorrupt, "locked", "could not acquire lock %s", path)
}

// reclaim moves a stale lock aside under a name only we use, then checks
// what was moved. Another process may have reclaimed the same stale lock
// and taken a fresh one in between; a live lock is linked back in place.
func reclaim(path string) error {
	aside := fmt.Sprintf("%s.stale.%d.%s", path, os.Getpid(), uuid.NewString()[:8])
	if err := os.Rename(path, aside); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to reclaim stale lock %s: %w", path, err)
	}
	defer os.Remove(aside)

	pid, alive := lockOwner(aside)
	if !alive {
		return nil
	}
	if err := os.Link(aside, path); err != nil {
		return fmt.Errorf("failed to restore lock %s held by process %d: %w", path, pid, err)
	}
	return lockedError(pid, path)
}

func lockedError(pid int, path string) error {
	return protocol.Errorf(protocol.KindStoreCorrupt, "locked",
		"task is in use by process %d (lock %s)", pid, path)
}

// Release removes the lock. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

func lockOwner(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	if pid == os.Getpid() {
		return pid, true
	}
	return pid, processAlive(pid)
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
