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

package atomicbitops

import (
	"testing"

	"svsm.dev/svsm/pkg/sync"
)

func TestUint64Concurrent(t *testing.T) {
	var u Uint64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				u.Add(1)
			}
		}()
	}
	wg.Wait()
	if got, want := u.Load(), uint64(8000); got != want {
		t.Errorf("Load(): got %d, want %d", got, want)
	}
}

func TestBoolSwap(t *testing.T) {
	var b Bool
	if b.Swap(true) {
		t.Errorf("first Swap(true): got true, want false")
	}
	if !b.Swap(true) {
		t.Errorf("second Swap(true): got false, want true")
	}
	if !b.Load() {
		t.Errorf("Load(): got false, want true")
	}
}
