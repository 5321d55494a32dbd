//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package blobstore

import "os"

// dirLock only creates the lock file on platforms without flock.
type dirLock struct {
	f *os.File
}

func lockDir(path string) (*dirLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	return &dirLock{f: f}, nil
}

func (l *dirLock) release() error { return l.f.Close() }
