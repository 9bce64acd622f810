// Package lock coordinates mirror operations across independently spawned
// processes. It provides per-repository advisory file locks and a small
// unix-socket protocol which lets short-lived hook processes request the
// write-lock from the long-lived receive wrapper that actually holds it.
package lock

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/sasha-s/go-deadlock"
	"golang.org/x/sys/unix"
)

// Lock file names, one per mirrored repository. The files are created on
// first use and never removed, only their hold state is transient.
const (
	Write    = "mirror_push.lock"
	Fetch    = "mirror_fetch.lock"
	Reenable = "mirror_reenable.lock"
)

const lockFileMode = os.FileMode(0644)

// ErrNotLocked is returned when unlocking a lock this coordinator does not
// hold.
var ErrNotLocked = errors.New("lock is not held")

// Coordinator tracks the lock holds of one process, keyed by canonicalized
// repository path and lock name. Every acquisition opens its own file
// descriptor, so two goroutines of the same process contend for a lock
// exactly like two separate processes would. Unlock releases the most recent
// hold of the named lock. A Coordinator is safe for concurrent use by
// multiple goroutines.
type Coordinator struct {
	mu      deadlock.Mutex
	handles map[string][]*os.File
	log     *slog.Logger
}

// NewCoordinator creates an empty lock registry.
func NewCoordinator(log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		handles: map[string][]*os.File{},
		log:     log,
	}
}

// Lock acquires the named lock exclusively, blocking indefinitely.
func (c *Coordinator) Lock(repoDir, name string) error {
	_, err := c.flock(repoDir, name, unix.LOCK_EX)
	return err
}

// TryLock attempts to acquire the named lock exclusively without blocking.
// It reports whether the lock was acquired.
func (c *Coordinator) TryLock(repoDir, name string) (bool, error) {
	return c.flock(repoDir, name, unix.LOCK_EX|unix.LOCK_NB)
}

// RLock acquires the named lock shared, blocking indefinitely.
func (c *Coordinator) RLock(repoDir, name string) error {
	_, err := c.flock(repoDir, name, unix.LOCK_SH)
	return err
}

// TryRLock attempts to acquire the named lock shared without blocking.
// It reports whether the lock was acquired.
func (c *Coordinator) TryRLock(repoDir, name string) (bool, error) {
	return c.flock(repoDir, name, unix.LOCK_SH|unix.LOCK_NB)
}

// Unlock releases the most recent hold of the named lock and closes its
// descriptor.
func (c *Coordinator) Unlock(repoDir, name string) error {
	key, err := lockPath(repoDir, name)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	held := c.handles[key]
	if len(held) == 0 {
		return fmt.Errorf("%w: %s", ErrNotLocked, key)
	}
	f := held[len(held)-1]
	if len(held) == 1 {
		delete(c.handles, key)
	} else {
		c.handles[key] = held[:len(held)-1]
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		f.Close()
		return fmt.Errorf("unable to release lock %s err:%w", key, err)
	}
	return f.Close()
}

// Locked reports whether any process currently holds the named lock
// exclusively. It probes with a non-blocking shared lock on a throwaway
// handle which is released immediately.
func (c *Coordinator) Locked(repoDir, name string) (bool, error) {
	key, err := lockPath(repoDir, name)
	if err != nil {
		return false, err
	}

	// a separate handle is required, probing on a held descriptor would
	// alter a lock this process already holds
	f, err := os.OpenFile(key, os.O_RDWR|os.O_CREATE, lockFileMode)
	if err != nil {
		return false, fmt.Errorf("unable to open lock file %s err:%w", key, err)
	}
	defer f.Close()

	err = unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("unable to probe lock %s err:%w", key, err)
	}
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return false, nil
}

// flock acquires the lock on a fresh descriptor and registers the hold. The
// fresh descriptor is what makes in-process contention real: flock on an
// already-held descriptor would convert the existing lock instead of
// waiting for it.
func (c *Coordinator) flock(repoDir, name string, how int) (bool, error) {
	key, err := lockPath(repoDir, name)
	if err != nil {
		return false, err
	}

	f, err := os.OpenFile(key, os.O_RDWR|os.O_CREATE, lockFileMode)
	if err != nil {
		return false, fmt.Errorf("unable to open lock file %s err:%w", key, err)
	}

	for {
		err = unix.Flock(int(f.Fd()), how)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if how&unix.LOCK_NB != 0 && errors.Is(err, unix.EWOULDBLOCK) {
		f.Close()
		return false, nil
	}
	if err != nil {
		f.Close()
		return false, fmt.Errorf("unable to acquire lock %s err:%w", key, err)
	}

	c.mu.Lock()
	c.handles[key] = append(c.handles[key], f)
	c.mu.Unlock()
	return true, nil
}

func lockPath(repoDir, name string) (string, error) {
	abs, err := filepath.Abs(repoDir)
	if err != nil {
		return "", fmt.Errorf("unable to canonicalize repo path '%s' err:%w", repoDir, err)
	}
	return filepath.Join(abs, name), nil
}
