package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// LockFileName is the lock file created inside a data directory.
const LockFileName = "LOCK"

// DirLock is held by whoever may write a data directory's config store:
// the daemon for its whole run, admin commands for one edit.
type DirLock struct {
	path string
	f    *os.File
}

// LockDataDir creates dataDir if needed and takes its lock without waiting.
// It fails with ErrDataDirInUse when another holder has it.
func LockDataDir(dataDir string) (*DirLock, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("agent: data dir %s: %w", dataDir, err)
	}
	l := &DirLock{path: filepath.Join(dataDir, LockFileName)}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("agent: data dir lock: %w", err)
	}
	held, err := tryLock(f)
	switch {
	case err != nil:
		_ = f.Close()
		return nil, fmt.Errorf("agent: data dir lock %s: %w", l.path, err)
	case held:
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s", ErrDataDirInUse, dataDir)
	}
	l.f = f
	return l, nil
}

// Path returns the lock file path.
func (l *DirLock) Path() string { return l.path }

// Close releases the lock. Later calls do nothing.
func (l *DirLock) Close() error {
	if l == nil || l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	return errors.Join(unlock(f), f.Close())
}
