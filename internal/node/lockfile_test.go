package node

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLockFileLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")

	lock, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	// A second acquisition by a live process fails.
	if _, err := AcquireLock(path); !errors.Is(err, ErrLocked) {
		t.Errorf("second acquire: %v, want ErrLocked", err)
	}

	lock.Release()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("lock file survives release")
	}

	// Reacquisition after release succeeds.
	lock2, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	lock2.Release()
}

func TestStaleLockReclaimed(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")

	// A lock from a pid that cannot exist is stale.
	if err := os.WriteFile(path, []byte("999999999\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	lock, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("AcquireLock over stale lock: %v", err)
	}
	lock.Release()
}
