package store

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func writeLock(t *testing.T, root, payload string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, lockFileName), []byte(payload), 0o644); err != nil {
		t.Fatalf("write lock failed: %v", err)
	}
}

func TestAcquireInstanceLockExclusive(t *testing.T) {
	root := t.TempDir()
	lock, err := AcquireInstanceLock(root, LockOptions{InstanceID: "bot1", Pair: "BTC_KRW"})
	if err != nil {
		t.Fatalf("AcquireInstanceLock() error = %v", err)
	}
	defer lock.Release()

	data, err := os.ReadFile(lock.Path())
	if err != nil {
		t.Fatalf("read lock: %v", err)
	}
	if !strings.Contains(string(data), "instance_id=bot1") || !strings.Contains(string(data), "pair=BTC_KRW") {
		t.Fatalf("lock payload = %q, want owner info", string(data))
	}

	_, err = AcquireInstanceLock(root, LockOptions{})
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("second AcquireInstanceLock() error = %v, want ErrLocked", err)
	}
}

func TestReleaseAllowsReacquire(t *testing.T) {
	root := t.TempDir()
	lock, err := AcquireInstanceLock(root, LockOptions{})
	if err != nil {
		t.Fatalf("AcquireInstanceLock() error = %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second Release() error = %v", err)
	}
	again, err := AcquireInstanceLock(root, LockOptions{})
	if err != nil {
		t.Fatalf("reacquire error = %v", err)
	}
	_ = again.Release()
}

func TestAcquireInstanceLockTakeoverDeadPID(t *testing.T) {
	root := t.TempDir()
	writeLock(t, root, "pid=999999\nstarted_at="+time.Now().UTC().Format(time.RFC3339)+"\n")

	lock, err := AcquireInstanceLock(root, LockOptions{TakeoverEnabled: true, StaleAfter: 10 * time.Minute})
	if err != nil {
		t.Fatalf("AcquireInstanceLock() error = %v, want nil", err)
	}
	defer lock.Release()
}

func TestAcquireInstanceLockDoesNotTakeoverRunningPID(t *testing.T) {
	root := t.TempDir()
	writeLock(t, root, "pid="+strconv.Itoa(os.Getpid())+"\nstarted_at="+time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)+"\n")

	_, err := AcquireInstanceLock(root, LockOptions{TakeoverEnabled: true, StaleAfter: time.Second})
	if err == nil || !strings.Contains(err.Error(), "owner_process_running") {
		t.Fatalf("AcquireInstanceLock() error = %v, want owner_process_running", err)
	}
}

func TestAcquireInstanceLockByAgeWithoutPID(t *testing.T) {
	started := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	cases := []struct {
		name    string
		elapsed time.Duration
		wantErr string
	}{
		{name: "stale", elapsed: 2 * time.Minute},
		{name: "recent", elapsed: 30 * time.Second, wantErr: "lock_not_stale"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			root := t.TempDir()
			writeLock(t, root, "started_at="+started.Format(time.RFC3339)+"\n")
			lock, err := AcquireInstanceLock(root, LockOptions{
				TakeoverEnabled: true,
				StaleAfter:      time.Minute,
				Now:             func() time.Time { return started.Add(tc.elapsed) },
			})
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("AcquireInstanceLock() error = %v, want nil", err)
				}
				_ = lock.Release()
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("AcquireInstanceLock() error = %v, want %s", err, tc.wantErr)
			}
		})
	}
}
