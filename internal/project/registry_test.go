package project

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	base := t.TempDir()
	return NewRegistry(Options{
		LockDir:       filepath.Join(base, "locks"),
		RunDir:        filepath.Join(base, "run"),
		PollInterval:  10 * time.Millisecond,
		PIDRetryDelay: 5 * time.Millisecond,
	})
}

func TestTryLockIsExclusivePerKey(t *testing.T) {
	reg := newTestRegistry(t)

	first, ok, err := reg.TryLock("alpha")
	if err != nil || !ok {
		t.Fatalf("first TryLock: ok=%v err=%v", ok, err)
	}
	if _, ok, err := reg.TryLock("alpha"); err != nil || ok {
		t.Fatalf("second TryLock should fail: ok=%v err=%v", ok, err)
	}
	other, ok, err := reg.TryLock("beta")
	if err != nil || !ok {
		t.Fatalf("distinct key should lock: ok=%v err=%v", ok, err)
	}
	defer other.Release()

	if err := first.Release(); err != nil {
		t.Fatal(err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("second release should be a no-op: %v", err)
	}
	again, ok, err := reg.TryLock("alpha")
	if err != nil || !ok {
		t.Fatalf("TryLock after release: ok=%v err=%v", ok, err)
	}
	again.Release()

	if _, err := os.Stat(reg.LockPath("alpha")); err != nil {
		t.Fatalf("lock file should persist: %v", err)
	}
}

func TestAcquireWaitsForRelease(t *testing.T) {
	reg := newTestRegistry(t)
	holder, ok, err := reg.TryLock("alpha")
	if err != nil || !ok {
		t.Fatalf("TryLock: ok=%v err=%v", ok, err)
	}

	acquired := make(chan *Guard, 1)
	go func() {
		guard, err := reg.Acquire(context.Background(), "alpha")
		if err != nil {
			t.Errorf("Acquire: %v", err)
			close(acquired)
			return
		}
		acquired <- guard
	}()

	select {
	case <-acquired:
		t.Fatal("Acquire returned while lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	holder.Release()
	select {
	case guard := <-acquired:
		if guard == nil {
			t.Fatal("Acquire failed")
		}
		guard.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire did not proceed after release")
	}
}

func TestAcquireHonorsCancellation(t *testing.T) {
	reg := newTestRegistry(t)
	holder, _, _ := reg.TryLock("alpha")
	defer holder.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := reg.Acquire(ctx, "alpha"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestWithPidFileWritesAndRemoves(t *testing.T) {
	reg := newTestRegistry(t)

	err := reg.WithPidFile(context.Background(), "alpha", func(context.Context) error {
		pid, ok := reg.ReadPid("alpha")
		if !ok {
			return fmt.Errorf("pid file missing inside block")
		}
		if pid != os.Getpid() {
			return fmt.Errorf("pid = %d, want %d", pid, os.Getpid())
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Dir(reg.PidPath("alpha"))); !os.IsNotExist(err) {
		t.Fatalf("scratch dir should be removed, stat err = %v", err)
	}
}

func TestWithPidFileCleansUpOnErrorAndPanic(t *testing.T) {
	reg := newTestRegistry(t)
	sentinel := errors.New("body failed")

	if err := reg.WithPidFile(context.Background(), "alpha", func(context.Context) error {
		return sentinel
	}); !errors.Is(err, sentinel) {
		t.Fatalf("expected body error, got %v", err)
	}
	if _, ok := reg.ReadPid("alpha"); ok {
		t.Fatal("pid file should be removed after error")
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = reg.WithPidFile(context.Background(), "alpha", func(context.Context) error {
			panic("boom")
		})
	}()
	if _, err := os.Stat(reg.PidPath("alpha")); !os.IsNotExist(err) {
		t.Fatalf("pid file should be removed after panic, stat err = %v", err)
	}
}

func TestWithPidFileRetriesPermissionErrors(t *testing.T) {
	reg := newTestRegistry(t)
	var writes atomic.Int32
	realWrite := reg.writeFile
	reg.writeFile = func(path string, data []byte, mode os.FileMode) error {
		if writes.Add(1) <= 2 {
			return &fs.PathError{Op: "open", Path: path, Err: fs.ErrPermission}
		}
		return realWrite(path, data, mode)
	}

	var bodyRuns int
	err := reg.WithPidFile(context.Background(), "alpha", func(context.Context) error {
		bodyRuns++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if bodyRuns != 1 {
		t.Fatalf("body ran %d times, want 1", bodyRuns)
	}
	if writes.Load() != 3 {
		t.Fatalf("write attempts = %d, want 3", writes.Load())
	}
	if _, err := os.Stat(reg.PidPath("alpha")); !os.IsNotExist(err) {
		t.Fatalf("pid file should be removed, stat err = %v", err)
	}
}

func TestWithPidFileStopsRetryingOnCancel(t *testing.T) {
	reg := newTestRegistry(t)
	reg.writeFile = func(path string, _ []byte, _ os.FileMode) error {
		return &fs.PathError{Op: "open", Path: path, Err: fs.ErrPermission}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	ran := false
	err := reg.WithPidFile(ctx, "alpha", func(context.Context) error {
		ran = true
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if ran {
		t.Fatal("body should not run when the pid file was never written")
	}
}

func TestWithPidFileReturnsOtherErrors(t *testing.T) {
	reg := newTestRegistry(t)
	reg.writeFile = func(string, []byte, os.FileMode) error {
		return errors.New("disk full")
	}
	if err := reg.WithPidFile(context.Background(), "alpha", func(context.Context) error {
		t.Fatal("body should not run")
		return nil
	}); err == nil {
		t.Fatal("expected error")
	}
}

func TestIsPidAlive(t *testing.T) {
	if !IsPidAlive(os.Getpid()) {
		t.Fatal("current process should be alive")
	}
	if IsPidAlive(0) || IsPidAlive(-4) {
		t.Fatal("non-positive pids are never alive")
	}
	if IsPidAlive(1 << 30) {
		t.Fatal("absurd pid should not be alive")
	}
}
