package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestLock_AcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "hivemind.sock.lock")
	l := New(path)

	if err := l.Acquire("/tmp/hivemind-terminal.sock"); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	info, err := l.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if info.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", info.PID, os.Getpid())
	}
	if info.Socket != "/tmp/hivemind-terminal.sock" {
		t.Errorf("Socket = %q", info.Socket)
	}
	if got := l.Status(); got != "locked (by us)" {
		t.Errorf("Status() = %q", got)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second Release() error = %v", err)
	}
	if got := l.Status(); got != "unlocked" {
		t.Errorf("Status() after release = %q", got)
	}
}

func TestLock_SecondHolderRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sup.lock")
	first := New(path)
	if err := first.Acquire("a.sock"); err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer first.Release()

	second := New(path)
	err := second.Acquire("b.sock")
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("second Acquire() = %v, want ErrLocked", err)
	}
}

func TestLock_ReadMissing(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "none.lock"))
	if _, err := l.Read(); !errors.Is(err, ErrNotLocked) {
		t.Errorf("Read() = %v, want ErrNotLocked", err)
	}
}

func TestWithFileLock_Serializes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "builder.txt")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithFileLock(ctx, path, func() error {
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("WithFileLock() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxSeen)
	}
}
