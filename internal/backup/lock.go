package backup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Lock names used by the engine
const (
	LockCreate  = "create"
	LockRestore = "restore"
)

// deleteLockName returns the per-backup delete lock name
func deleteLockName(name string) string {
	return "delete:" + name
}

// lockInfo is the content of a lock file
type lockInfo struct {
	Name       string    `json:"name"`
	Owner      string    `json:"owner"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// LockManager hands out named advisory locks. A name is held at most once
// within the process (mutex map) and across processes (O_EXCL lock file).
// Lock files older than staleAfter are taken over.
type LockManager struct {
	dir        string
	staleAfter time.Duration
	owner      string
	now        func() time.Time

	mu   sync.Mutex
	held map[string]bool
}

// NewLockManager creates a lock manager storing lock files in dir
func NewLockManager(dir string, staleAfter time.Duration) *LockManager {
	return &LockManager{
		dir:        dir,
		staleAfter: staleAfter,
		owner:      uuid.NewString(),
		now:        time.Now,
		held:       make(map[string]bool),
	}
}

// Acquire takes the named lock or fails with a conflict error. The returned
// function releases it.
func (l *LockManager) Acquire(name string) (func(), error) {
	l.mu.Lock()
	if l.held[name] {
		l.mu.Unlock()
		return nil, NewConflictError(fmt.Sprintf("operation %q is already running", name), nil)
	}
	l.held[name] = true
	l.mu.Unlock()

	path, err := l.acquireFile(name)
	if err != nil {
		l.mu.Lock()
		delete(l.held, name)
		l.mu.Unlock()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.releaseFile(path)
			l.mu.Lock()
			delete(l.held, name)
			l.mu.Unlock()
		})
	}, nil
}

func (l *LockManager) lockPath(name string) string {
	return filepath.Join(l.dir, unsafeNameChars.ReplaceAllString(name, "_")+".lock")
}

func (l *LockManager) acquireFile(name string) (string, error) {
	if err := os.MkdirAll(l.dir, 0o750); err != nil {
		return "", NewStorageError("failed to create lock directory", err)
	}

	path := l.lockPath(name)
	data, err := json.Marshal(lockInfo{Name: name, Owner: l.owner, PID: os.Getpid(), AcquiredAt: l.now().UTC()})
	if err != nil {
		return "", NewStorageError("failed to encode lock", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
		if err == nil {
			_, werr := file.Write(data)
			cerr := file.Close()
			if werr != nil || cerr != nil {
				os.Remove(path)
				return "", NewStorageError("failed to write lock file", errors.Join(werr, cerr))
			}
			return path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", NewStorageError("failed to create lock file", err)
		}

		if !l.isStale(path) {
			return "", NewConflictError(fmt.Sprintf("operation %q is locked by another process", name), nil).
				WithContext("lock_file", path)
		}
		// Stale lock: take it over and retry once
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", NewStorageError("failed to remove stale lock", err)
		}
	}

	return "", NewConflictError(fmt.Sprintf("operation %q is locked by another process", name), nil)
}

func (l *LockManager) isStale(path string) bool {
	if l.staleAfter <= 0 {
		return false
	}

	acquired := time.Time{}
	if data, err := os.ReadFile(path); err == nil {
		var info lockInfo
		if json.Unmarshal(data, &info) == nil {
			acquired = info.AcquiredAt
		}
	}
	if acquired.IsZero() {
		stat, err := os.Stat(path)
		if err != nil {
			return errors.Is(err, fs.ErrNotExist)
		}
		acquired = stat.ModTime()
	}
	return l.now().Sub(acquired) > l.staleAfter
}

func (l *LockManager) releaseFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var info lockInfo
	if json.Unmarshal(data, &info) == nil && info.Owner != l.owner {
		// Taken over by someone else after we went stale
		return
	}
	os.Remove(path)
}
