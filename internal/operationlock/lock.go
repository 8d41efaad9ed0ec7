/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package operationlock serializes state-mutating operations per tenant.
//
// The lock is process-local: it assumes one logical writer. Callers depend on
// the Locker interface so a lease-backed implementation can replace it when
// the control plane is scaled out.
package operationlock

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Locker acquires exclusive access to a key.
type Locker interface {
	// Acquire blocks until key is free or ctx is done. The returned func
	// releases the lock and must be called exactly once.
	Acquire(ctx context.Context, key string) (func(), error)

	// TryAcquire takes key only if it is free.
	TryAcquire(key string) (func(), bool)
}

var _ Locker = (*KeyedLock)(nil)

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// KeyedLock is a Locker backed by one weighted semaphore per key. Entries are
// dropped once no caller holds or waits on them.
type KeyedLock struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty KeyedLock.
func New() *KeyedLock {
	return &KeyedLock{entries: map[string]*entry{}}
}

// Acquire implements Locker.
func (l *KeyedLock) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		l.unref(key, e)
		return nil, fmt.Errorf("waiting for operation lock on %s: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			l.unref(key, e)
		})
	}, nil
}

// TryAcquire takes the lock only if it is free.
func (l *KeyedLock) TryAcquire(key string) (func(), bool) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		l.entries[key] = e
	}
	if !e.sem.TryAcquire(1) {
		if !ok {
			delete(l.entries, key)
		}
		l.mu.Unlock()
		return nil, false
	}
	e.refs++
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			l.unref(key, e)
		})
	}, true
}

func (l *KeyedLock) unref(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 && l.entries[key] == e {
		delete(l.entries, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (l *KeyedLock) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
