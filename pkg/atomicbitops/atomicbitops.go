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


// Package atomicbitops provides atomic counters and flags for the memory
// subsystem's statistics and ownership markers.
//
// The types in this package may not be copied. Every operation has the
// memory ordering of the corresponding sync/atomic function.
package atomicbitops

import (
	"sync/atomic"

	"svsm.dev/svsm/pkg/sync"
)

// Int64 is an atomic int64 whose zero value is 0.
type Int64 struct {
	_ sync.NoCopy
	v atomic.Int64
}

// Load returns the current value.
func (i *Int64) Load() int64 { return i.v.Load() }

// Store sets the value to v.
func (i *Int64) Store(v int64) { i.v.Store(v) }

// Add adds delta and returns the new value.
func (i *Int64) Add(delta int64) int64 { return i.v.Add(delta) }

// Uint64 is an atomic uint64 whose zero value is 0.
type Uint64 struct {
	_ sync.NoCopy
	v atomic.Uint64
}

// Load returns the current value.
func (u *Uint64) Load() uint64 { return u.v.Load() }

// Store sets the value to v.
func (u *Uint64) Store(v uint64) { u.v.Store(v) }

// Add adds delta and returns the new value.
func (u *Uint64) Add(delta uint64) uint64 { return u.v.Add(delta) }

// Bool is an atomic flag whose zero value is false.
type Bool struct {
	_ sync.NoCopy
	v atomic.Uint32
}

// Load returns the current value.
func (b *Bool) Load() bool { return b.v.Load() != 0 }

// Store sets the value to val.
func (b *Bool) Store(val bool) { b.v.Store(b2u(val)) }

// Swap sets the value to val and returns the previous value.
func (b *Bool) Swap(val bool) bool { return b.v.Swap(b2u(val)) != 0 }

func b2u(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
