// Package lock serializes access to shared on-disk resources.
// Keyed locks cover goroutines of this process; file locks cover other processes
// sharing the same mirror or workspace roots.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/danjacques/gofslock/fslock"
)

// heldDelay is how long a blocked file-lock waiter sleeps between attempts.
const heldDelay = 50 * time.Millisecond

// Keyed hands out one RWMutex per key. Entries are reference counted and
// dropped once no holder or waiter remains.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	rw   sync.RWMutex
	refs int
}

// NewKeyed creates an empty Keyed lock set.
func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]*entry)}
}

func (k *Keyed) ref(key string) *entry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.refs++
	return e
}

func (k *Keyed) unref(key string, e *entry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// Lock takes the exclusive lock for key and returns its release function.
func (k *Keyed) Lock(key string) func() {
	e := k.ref(key)
	e.rw.Lock()
	return func() {
		e.rw.Unlock()
		k.unref(key, e)
	}
}

// RLock takes the shared lock for key and returns its release function.
func (k *Keyed) RLock(key string) func() {
	e := k.ref(key)
	e.rw.RLock()
	return func() {
		e.rw.RUnlock()
		k.unref(key, e)
	}
}

// TryLock takes the exclusive lock for key if it is free.
func (k *Keyed) TryLock(key string) (func(), bool) {
	e := k.ref(key)
	if !e.rw.TryLock() {
		k.unref(key, e)
		return nil, false
	}
	return func() {
		e.rw.Unlock()
		k.unref(key, e)
	}, true
}

// blocker is an fslock.Blocker that sleeps heldDelay between attempts and
// gives up once ctx is done.
func blocker(ctx context.Context) fslock.Blocker {
	return func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(heldDelay):
			return nil
		}
	}
}

// WithFile runs fn while holding an exclusive file lock at path.
// The lock file's parent directory is created if needed.
func WithFile(ctx context.Context, path string, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	return fslock.WithBlocking(path, blocker(ctx), fn)
}

// TryFile takes the file lock at path without waiting. It reports false when
// another holder has it.
func TryFile(path string) (func(), bool, error) {
	h, err := fslock.Lock(path)
	if errors.Is(err, fslock.ErrLockHeld) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return func() { _ = h.Unlock() }, true, nil
}
