package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileLock_TryLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	fl := NewFileLock(path)

	if err := fl.TryLock(); err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}
	defer fl.Unlock()

	pid, ok := Holder(path)
	if !ok || pid != os.Getpid() {
		t.Errorf("Holder = %d, %v; want %d", pid, ok, os.Getpid())
	}
}

func TestFileLock_DoubleLockFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	fl1 := NewFileLock(path)
	if err := fl1.TryLock(); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}
	defer fl1.Unlock()

	fl2 := NewFileLock(path)
	err := fl2.TryLock()
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("second TryLock err = %v, want ErrLocked", err)
	}
}

func TestFileLock_UnlockAndRelock(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	fl := NewFileLock(path)
	if err := fl.TryLock(); err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if err := fl.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("lock file should be removed after Unlock")
	}
	if err := fl.Unlock(); err != nil {
		t.Errorf("second Unlock: %v", err)
	}

	fl2 := NewFileLock(path)
	if err := fl2.TryLock(); err != nil {
		t.Fatalf("relock failed: %v", err)
	}
	_ = fl2.Unlock()
}

func TestLockDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "analysis")

	fl, err := LockDir(dir)
	if err != nil {
		t.Fatalf("LockDir: %v", err)
	}
	defer fl.Unlock()

	if fl.Path() != filepath.Join(dir, FileName) {
		t.Errorf("Path = %s", fl.Path())
	}
	if _, err := LockDir(dir); !errors.Is(err, ErrLocked) {
		t.Errorf("second LockDir err = %v, want ErrLocked", err)
	}
}

func TestHolder_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	if _, ok := Holder(path); ok {
		t.Error("missing file must not report a holder")
	}
	if err := os.WriteFile(path, []byte("not-a-pid\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, ok := Holder(path); ok {
		t.Error("garbage must not report a holder")
	}
}
