package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// ErrLockHeld reports that another live instance owns the state directory.
var ErrLockHeld = errors.New("state directory locked by another instance")

const lockFile = "instance.lock"

type lockInfo struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// InstanceLock marks a state directory as owned by one process. Two
// instances sharing a directory would overwrite each other's snapshots,
// so the lock must be held before the first save.
type InstanceLock struct {
	path string
}

// LockOptions tunes reclaim of leftover locks. The zero value never
// takes over an existing lock.
type LockOptions struct {
	// Takeover allows reclaiming a lock whose owning process is gone.
	Takeover bool
	// StaleAfter is the age at which a lock without a live owner pid
	// becomes reclaimable. Zero disables age-based reclaim.
	StaleAfter time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

// AcquireLock claims the instance lock inside dir, creating the
// directory if needed. It fails with ErrLockHeld while another live
// instance holds the lock.
func AcquireLock(dir string, opts LockOptions) (*InstanceLock, error) {
	if dir == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	path := filepath.Join(dir, lockFile)

	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			if werr := writeLockInfo(f, now().UTC()); werr != nil {
				_ = f.Close()
				_ = os.Remove(path)
				return nil, werr
			}
			if cerr := f.Close(); cerr != nil {
				_ = os.Remove(path)
				return nil, cerr
			}
			return &InstanceLock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if !opts.Takeover {
			return nil, fmt.Errorf("%w: %s", ErrLockHeld, path)
		}
		stale, reason := staleLock(path, now().UTC(), opts.StaleAfter)
		if !stale {
			return nil, fmt.Errorf("%w: %s (%s)", ErrLockHeld, path, reason)
		}
		if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
			return nil, rerr
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrLockHeld, path)
}

func writeLockInfo(f *os.File, now time.Time) error {
	info := lockInfo{PID: os.Getpid(), StartedAt: now}
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// staleLock decides whether an existing lock may be reclaimed. A lock
// with a live owner pid never is. A lock whose payload cannot be read
// falls back to file age.
func staleLock(path string, now time.Time, staleAfter time.Duration) (bool, string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, "lock vanished"
		}
		return false, "lock unreadable"
	}
	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		if staleAfter > 0 {
			if st, serr := os.Stat(path); serr == nil && now.Sub(st.ModTime().UTC()) >= staleAfter {
				return true, "corrupt lock expired"
			}
		}
		return false, "corrupt lock"
	}
	if info.PID > 0 {
		if processAlive(info.PID) {
			return false, "owner running"
		}
		return true, "owner exited"
	}
	if staleAfter > 0 && !info.StartedAt.IsZero() && now.Sub(info.StartedAt.UTC()) >= staleAfter {
		return true, "lock expired"
	}
	return false, "owner unknown"
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
		return false
	}
	// EPERM: the pid exists but belongs to another user.
	return errors.Is(err, syscall.EPERM)
}

// Release removes the lock file. Safe to call more than once.
func (l *InstanceLock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	l.path = ""
	return nil
}
