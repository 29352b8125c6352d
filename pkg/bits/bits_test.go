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

package bits

import "testing"

func TestMask(t *testing.T) {
	for _, test := range []struct {
		bits []int
		want uint64
	}{
		{nil, 0},
		{[]int{0}, 1},
		{[]int{0, 63}, 1<<63 | 1},
		{[]int{51}, 1 << 51},
	} {
		if got := Mask[uint64](test.bits...); got != test.want {
			t.Errorf("Mask(%v): got %#x, want %#x", test.bits, got, test.want)
		}
	}
}

func TestIsOn(t *testing.T) {
	const mask = uint8(0x81)
	if !IsOn(mask, 0x80) || !IsOn(mask, 0x81) {
		t.Errorf("IsOn(%#x, ...) should report set bits", mask)
	}
	if IsOn(mask, 0x83) {
		t.Errorf("IsOn(%#x, 0x83): got true, want false", mask)
	}
	if !IsAnyOn(mask, 0x03) || IsAnyOn(mask, 0x06) {
		t.Errorf("IsAnyOn(%#x, ...) mismatch", mask)
	}
}
