package service

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Lock guards a tool against being supervised twice from the same state
// directory.
type Lock struct {
	flock *flock.Flock
}

// AcquireLock takes the lock of tool in dir without blocking. ErrLocked is
// returned when another process holds it.
func AcquireLock(dir, tool string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	path := filepath.Join(dir, tool+".lock")
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", path, ErrLocked)
	}
	return &Lock{flock: fl}, nil
}

func (l *Lock) Path() string {
	return l.flock.Path()
}

func (l *Lock) Release() error {
	return l.flock.Unlock()
}

// StateDir returns dir, or presenced under the user cache directory when dir
// is empty.
func StateDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	cache, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("locating cache directory: %w", err)
	}
	return filepath.Join(cache, "presenced"), nil
}
