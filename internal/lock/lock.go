// Package lock provides the advisory file locks used by hivemind processes.
//
// The supervisor holds an instance lock next to its control socket so a
// second daemon cannot steal the socket from a live one. The lock file also
// records who holds it:
//   - PID of the owning process
//   - Timestamp when the lock was acquired
//   - Socket path being served
//
// Writers that append to shared trigger files take a short-lived exclusive
// lock with WithFileLock.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Common errors
var (
	ErrLocked      = errors.New("supervisor is locked by another process")
	ErrNotLocked   = errors.New("supervisor is not locked")
	ErrInvalidLock = errors.New("invalid lock file")
)

// retryDelay is how often a blocked WithFileLock caller polls.
const retryDelay = 10 * time.Millisecond

// LockInfo contains information about who holds a lock.
type LockInfo struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
	Socket     string    `json:"socket,omitempty"`
	Hostname   string    `json:"hostname,omitempty"`
}

// Lock is an exclusive instance lock backed by flock(2).
type Lock struct {
	path string
	fl   *flock.Flock
}

// New creates a Lock stored at path. Nothing is touched on disk until Acquire.
func New(path string) *Lock {
	return &Lock{path: path, fl: flock.New(path)}
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Acquire takes the lock without blocking. ErrLocked is returned when another
// live process holds it. Locks of dead processes are released by the kernel,
// so there is no stale-lock cleanup to do.
func (l *Lock) Acquire(socket string) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}

	ok, err := l.fl.TryLock()
	if err != nil {
		return fmt.Errorf("locking %s: %w", l.path, err)
	}
	if !ok {
		if info, rerr := l.Read(); rerr == nil {
			return fmt.Errorf("%w: PID %d (socket: %s, acquired: %s)",
				ErrLocked, info.PID, info.Socket, info.AcquiredAt.Format(time.RFC3339))
		}
		return ErrLocked
	}

	return l.writeInfo(socket)
}

// Release drops the lock. Safe to call when not held.
func (l *Lock) Release() error {
	if !l.fl.Locked() {
		return nil
	}
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("unlocking %s: %w", l.path, err)
	}
	return nil
}

// Read reads the holder info recorded in the lock file.
func (l *Lock) Read() (*LockInfo, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotLocked
		}
		return nil, fmt.Errorf("reading lock file: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrNotLocked
	}

	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLock, err)
	}
	return &info, nil
}

// Status returns a human-readable status of the lock.
func (l *Lock) Status() string {
	if l.fl.Locked() {
		return "locked (by us)"
	}

	probe := flock.New(l.path)
	ok, err := probe.TryLock()
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	if ok {
		_ = probe.Unlock()
		return "unlocked"
	}

	info, err := l.Read()
	if err != nil {
		return "locked"
	}
	return fmt.Sprintf("locked by PID %d (socket: %s)", info.PID, info.Socket)
}

func (l *Lock) writeInfo(socket string) error {
	hostname, _ := os.Hostname()
	info := LockInfo{
		PID:        os.Getpid(),
		AcquiredAt: time.Now(),
		Socket:     socket,
		Hostname:   hostname,
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling lock info: %w", err)
	}

	// The flock is tied to the inode, so the file is rewritten in place
	// rather than replaced.
	if err := os.WriteFile(l.path, data, 0644); err != nil { //nolint:gosec // G306: lock files are non-sensitive operational data
		_ = l.fl.Unlock()
		return fmt.Errorf("writing lock file: %w", err)
	}
	return nil
}

// WithFileLock runs fn while holding an exclusive lock on path+".lock",
// waiting until ctx is done for the lock to become free.
func WithFileLock(ctx context.Context, path string, fn func() error) error {
	fl := flock.New(path + ".lock")
	ok, err := fl.TryLockContext(ctx, retryDelay)
	if err != nil {
		return fmt.Errorf("locking %s: %w", path, err)
	}
	if !ok {
		return fmt.Errorf("locking %s: %w", path, ErrLocked)
	}
	defer func() { _ = fl.Unlock() }()

	return fn()
}
