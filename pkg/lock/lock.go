// Package lock provides named, file-backed locks that exclude other
// processes on the same host, as well as other callers in this one.
//
// The lock itself is a flock(2) on a file under the site's locks
// directory. The kernel drops it when the holder exits, however it
// exits; what's left behind is the holder marker written into the
// file, which can be told apart from a live one because nobody holds
// the flock.
package lock

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	kuduerr "github.com/fluxcd/kudu/pkg/errors"
)

// The locks a site has. They are never nested.
const (
	Deployment = kuduerr.DeploymentLock
	Status     = "status"
	Hooks      = "hooks"
)

// DefaultPollInterval is how often Acquire tries again while waiting.
const DefaultPollInterval = 250 * time.Millisecond

// Holder is what's written into a lock file by whoever holds it.
type Holder struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquiredAt"`
	Operation  string    `json:"operation"`
}

type Lock struct {
	Name string
	Path string

	PollInterval time.Duration

	mu   sync.Mutex
	file *os.File
}

func New(name, path string) *Lock {
	return &Lock{Name: name, Path: path, PollInterval: DefaultPollInterval}
}

var (
	deploymentLocksMu sync.Mutex
	deploymentLocks   = map[string]*Lock{}
)

// DeploymentLock returns the deployment lock for the path given. There
// is one per path in a process, so that callers in the same process
// exclude each other through the same handle.
func DeploymentLock(path string) *Lock {
	deploymentLocksMu.Lock()
	defer deploymentLocksMu.Unlock()
	if l, ok := deploymentLocks[path]; ok {
		return l
	}
	l := New(Deployment, path)
	deploymentLocks[path] = l
	return l
}

func (l *Lock) open() (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(l.Path), 0755); err != nil {
		return nil, errors.Wrap(err, "creating lock directory")
	}
	return os.OpenFile(l.Path, os.O_CREATE|os.O_RDWR, 0644)
}

// TryAcquire takes the lock if it's free, without waiting. It returns
// false if anyone, including this handle, already holds it.
func (l *Lock) TryAcquire(operation string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return false, nil
	}

	f, err := l.open()
	if err != nil {
		return false, errors.Wrapf(err, "opening %s lock", l.Name)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return false, nil
		}
		return false, errors.Wrapf(err, "locking %s", l.Path)
	}
	l.file = f

	if err := l.writeHolder(operation); err != nil {
		l.releaseLocked()
		return false, err
	}
	return true, nil
}

func (l *Lock) writeHolder(operation string) error {
	hostname, _ := os.Hostname()
	bytes, err := json.Marshal(Holder{
		PID:        os.Getpid(),
		Hostname:   hostname,
		AcquiredAt: time.Now().UTC(),
		Operation:  operation,
	})
	if err != nil {
		return err
	}
	if err := l.file.Truncate(0); err != nil {
		return errors.Wrap(err, "writing lock holder")
	}
	if _, err := l.file.WriteAt(bytes, 0); err != nil {
		return errors.Wrap(err, "writing lock holder")
	}
	return l.file.Sync()
}

// Acquire takes the lock, trying until timeout has passed, runs fn
// while holding it, and releases it again however fn finishes. A zero
// timeout means try once. If the lock can't be had in time the error
// is a lock-timeout error.
func (l *Lock) Acquire(ctx context.Context, operation string, timeout time.Duration, fn func() error) (err error) {
	started := time.Now()
	acquired, err := l.wait(ctx, operation, timeout)
	observeWait(l.Name, acquired, time.Since(started))
	if err != nil {
		return err
	}
	if !acquired {
		return kuduerr.LockTimeoutError(l.Name, operation)
	}
	defer func() {
		if rerr := l.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn()
}

func (l *Lock) wait(ctx context.Context, operation string, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := l.TryAcquire(operation)
		if ok || err != nil {
			return ok, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		interval := l.PollInterval
		if interval <= 0 {
			interval = DefaultPollInterval
		}
		if interval > remaining {
			interval = remaining
		}
		select {
		case <-ctx.Done():
			return false, errors.Wrapf(ctx.Err(), "waiting for %s lock", l.Name)
		case <-time.After(interval):
		}
	}
}

// Release lets go of the lock, if this handle holds it. The lock file
// stays where it is; removing it would let two processes lock
// different files at the same path.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.releaseLocked()
}

func (l *Lock) releaseLocked() error {
	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	f.Truncate(0)
	err := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return errors.Wrapf(err, "releasing %s lock", l.Name)
}

// IsHeld reports whether anyone holds the lock: this handle, another
// handle in this process, or another process. Anything but a clear
// "free" answer counts as held.
func (l *Lock) IsHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return true
	}
	return l.probe()
}

// probe answers for other handles and processes from the holder
// marker where it can, since taking the flock to ask would make a
// concurrent TryAcquire fail. A local marker is live if its process
// is; an empty one means free, which is briefly wrong between a
// holder taking the flock and writing its marker. Only a marker from
// another host, or one that can't be read, is checked against the
// flock itself.
func (l *Lock) probe() bool {
	bytes, err := os.ReadFile(l.Path)
	if os.IsNotExist(err) {
		return false
	}
	if err != nil {
		return true
	}
	if len(bytes) == 0 {
		return false
	}
	var h Holder
	hostname, _ := os.Hostname()
	if err := json.Unmarshal(bytes, &h); err == nil && h.PID > 0 && h.Hostname == hostname {
		return processAlive(h.PID)
	}
	return l.flockProbe()
}

func (l *Lock) flockProbe() bool {
	f, err := os.OpenFile(l.Path, os.O_RDONLY, 0)
	if os.IsNotExist(err) {
		return false
	}
	if err != nil {
		return true
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return true
	}
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return false
}

func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// Holder reads the marker left in the lock file. The bool is true only
// if the lock is actually held; a marker left by a holder that died is
// returned with false.
func (l *Lock) Holder() (Holder, bool) {
	var h Holder
	f, err := os.Open(l.Path)
	if err != nil {
		return h, false
	}
	bytes, err := io.ReadAll(f)
	f.Close()
	if err != nil || len(bytes) == 0 {
		return h, false
	}
	if err := json.Unmarshal(bytes, &h); err != nil {
		return h, false
	}
	return h, l.IsHeld()
}

// HeldByParent is true when the live holder is the process that
// started this one, as when a push hook runs a deployment while it
// holds the deployment lock.
func (l *Lock) HeldByParent() bool {
	h, ok := l.Holder()
	return ok && h.PID == os.Getppid()
}
