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
	"github.com/cenkalti/backoff"
	"svsm.dev/svsm/pkg/errors/svsmerr"
	"svsm.dev/svsm/pkg/log"
)

// retrying retries failed transfers of a Device.
type retrying struct {
	dev        Device
	newBackOff func() backoff.BackOff
}

// NewRetrying returns a Device that retries transfers of dev failing with a
// retryable error, following a fresh policy from newBackOff for every
// transfer. Only the part of the range not yet transferred is retried.
func NewRetrying(dev Device, newBackOff func() backoff.BackOff) Device {
	return &retrying{dev: dev, newBackOff: newBackOff}
}

// Size implements Device.Size.
func (r *retrying) Size() uint64 {
	return r.dev.Size()
}

func (r *retrying) do(op string, buf []byte, off uint64, fn func([]byte, uint64) (int, error)) (int, error) {
	done := 0
	err := backoff.Retry(func() error {
		n, err := fn(buf[done:], off+uint64(done))
		done += n
		if err == nil {
			return nil
		}
		if !svsmerr.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		log.Debugf("block %s at %#x failed after %d bytes, retrying: %v", op, off, done, err)
		return err
	}, r.newBackOff())
	return done, err
}

// Read implements Device.Read.
func (r *retrying) Read(buf []byte, off uint64) (int, error) {
	return r.do("read", buf, off, r.dev.Read)
}

// Write implements Device.Write.
func (r *retrying) Write(buf []byte, off uint64) (int, error) {
	return r.do("write", buf, off, r.dev.Write)
}
