// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sync provides synchronization primitives.
//
// Lock types are wrappers rather than aliases so that lock ordering
// annotations and lock assertions can be attached to them.
package sync

import (
	"sync"
)

// NoCopy may be embedded into structs which must not be copied
// after the first use.
//
// See https://golang.org/issues/8005#issuecomment-190753527
// for details.
type NoCopy struct{}

// Lock is a no-op used by -copylocks checker from `go vet`.
func (*NoCopy) Lock() {}

// Unlock is a no-op used by -copylocks checker from `go vet`.
func (*NoCopy) Unlock() {}

// Mutex is a mutual exclusion lock. The zero value for a Mutex is an unlocked
// mutex.
//
// A Mutex must not be copied after first use.
type Mutex struct {
	m sync.Mutex
}

// Lock locks m. If the lock is already in use, the calling goroutine blocks
// until the mutex is available.
func (m *Mutex) Lock() {
	m.m.Lock()
}

// Unlock unlocks m.
//
// Preconditions:
//   - m is locked.
func (m *Mutex) Unlock() {
	m.m.Unlock()
}

// TryLock tries to acquire the mutex. It returns true if it succeeds and false
// otherwise. TryLock does not block.
func (m *Mutex) TryLock() bool {
	return m.m.TryLock()
}

// RWMutex is a reader/writer mutual exclusion lock. The lock can be held by
// an arbitrary number of readers or a single writer. The zero value for an
// RWMutex is an unlocked mutex.
//
// A RWMutex must not be copied after first use.
type RWMutex struct {
	m sync.RWMutex
}

// RLock locks rw for reading.
func (rw *RWMutex) RLock() {
	rw.m.RLock()
}

// RUnlock undoes a single RLock call.
//
// Preconditions:
//   - rw is locked for reading.
func (rw *RWMutex) RUnlock() {
	rw.m.RUnlock()
}

// Lock locks rw for writing.
func (rw *RWMutex) Lock() {
	rw.m.Lock()
}

// Unlock unlocks rw for writing.
//
// Preconditions:
//   - rw is locked for writing.
func (rw *RWMutex) Unlock() {
	rw.m.Unlock()
}
