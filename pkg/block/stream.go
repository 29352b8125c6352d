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

package block

import (
	"fmt"
	"io"

	"svsm.dev/svsm/pkg/errors/svsmerr"
)

// Stream is an io.ReadWriteSeeker over a Device.
type Stream struct {
	dev Device
	off uint64
}

var _ io.ReadWriteSeeker = (*Stream)(nil)

// NewStream returns a stream positioned at the start of dev.
func NewStream(dev Device) *Stream {
	return &Stream{dev: dev}
}

// Read implements io.Reader.
func (s *Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := s.dev.Read(p, s.off)
	s.off += uint64(n)
	if err == nil && n == 0 {
		err = io.EOF
	}
	return n, err
}

// Write implements io.Writer.
func (s *Stream) Write(p []byte) (int, error) {
	n, err := s.dev.Write(p, s.off)
	s.off += uint64(n)
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	return n, err
}

// Seek implements io.Seeker. The position must stay within the device.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = int64(s.off)
	case io.SeekEnd:
		base = int64(s.dev.Size())
	default:
		return 0, fmt.Errorf("%w: whence %d", svsmerr.ErrInvalidArgument, whence)
	}
	pos := base + offset
	if pos < 0 || uint64(pos) >= s.dev.Size() {
		return 0, fmt.Errorf("%w: seek to %d outside device of %d bytes", svsmerr.ErrInvalidArgument, pos, s.dev.Size())
	}
	s.off = uint64(pos)
	return pos, nil
}
