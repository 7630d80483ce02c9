// Copyright 2026 the boar-with-shoes authors
// SPDX-License-Identifier: Apache-2.0

package blobrepo

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/serialhex/boar-with-shoes/hashutil"
)

// lockPollInterval is the retry cadence for LockWithTimeout.
const lockPollInterval = time.Second

// FileMutex is an advisory cross-process lock scoped to a name. It
// relies on the atomicity of mkdir: the lock is a directory named
// mutex-<md5(name)> inside the mutex directory. A crashed holder
// leaves a stale directory behind; this package does not auto-expire
// locks, manual cleanup is the override.
type FileMutex struct {
	dir    string
	name   string
	path   string
	locked bool
	log    logrus.FieldLogger
}

// NewFileMutex creates an unlocked mutex for name inside dir. The
// logger is used to report release failures and leaked locks; it must
// not be nil.
func NewFileMutex(dir, name string, log logrus.FieldLogger) *FileMutex {
	id := hashutil.Sum([]byte(name))
	return &FileMutex{
		dir:  dir,
		name: name,
		path: filepath.Join(dir, "mutex-"+id),
		log:  log,
	}
}

// Path returns the lock directory.
func (m *FileMutex) Path() string {
	return m.path
}

// IsLocked reports whether this instance holds the lock.
func (m *FileMutex) IsLocked() bool {
	return m.locked
}

// TryLock attempts to acquire the lock without blocking. Locking a
// mutex this instance already holds is a programming error.
func (m *FileMutex) TryLock() error {
	if m.locked {
		panic("blobrepo: tried to lock a mutex twice")
	}
	err := os.Mkdir(m.path, 0o777)
	if err == nil {
		m.locked = true
		return nil
	}
	if errors.Is(err, fs.ErrExist) {
		return &MutexLockedError{Name: m.name, Path: m.path}
	}
	return fmt.Errorf("blobrepo: acquire mutex %q: %w", m.name, err)
}

// LockWithTimeout retries TryLock at a one second cadence until it
// succeeds or the timeout elapses.
func (m *FileMutex) LockWithTimeout(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		err := m.TryLock()
		var locked *MutexLockedError
		if err == nil || !errors.As(err, &locked) {
			return err
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(lockPollInterval)
	}
}

// Unlock releases the lock. Releasing an unheld mutex is a
// programming error.
func (m *FileMutex) Unlock() {
	if !m.locked {
		panic("blobrepo: tried to release unlocked mutex")
	}
	m.locked = false
	if err := os.Remove(m.path); err != nil {
		m.log.WithError(err).WithField("lock", m.path).Warn("could not remove lock directory")
	}
}

// Close releases the lock if it is still held, logging the leak. It
// is safe to call on an unlocked mutex.
func (m *FileMutex) Close() {
	if m.locked {
		m.log.WithField("mutex", m.name).Warn("lock was forgotten, cleaning up")
		m.Unlock()
	}
}
