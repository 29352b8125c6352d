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

// Package svsmerr contains the sentinel errors returned by the confidential
// memory subsystem, and helpers to compare them across wrapping.
package svsmerr

import (
	goerrors "errors"

	"svsm.dev/svsm/pkg/errors"
)

// The following errors are semantically identical across all layers: a
// caller may compare against them regardless of which component failed.
var (
	// ErrDevice reports a device or transport failure: a failed mediated
	// MMIO exit, a virtio request completed with an error status, or a
	// page mapping that could not be established. The failed operation
	// may be retried.
	ErrDevice = errors.New(errors.KindDevice, "device I/O error")

	// ErrNoMemory reports exhaustion of shared or private memory.
	ErrNoMemory = errors.New(errors.KindNoMemory, "out of memory")

	// ErrUnsupportedSize reports an allocation larger than the backend
	// supports.
	ErrUnsupportedSize = errors.New(errors.KindUnsupportedSize, "unsupported size")

	// ErrInvalidAddress reports an address outside any known region or with
	// the wrong alignment.
	ErrInvalidAddress = errors.New(errors.KindInvalidAddress, "invalid address")

	// ErrInvalidArgument reports a malformed request.
	ErrInvalidArgument = errors.New(errors.KindInvalidArgument, "invalid argument")

	// ErrNotSupported reports an operation that the component does not
	// implement.
	ErrNotSupported = errors.New(errors.KindNotSupported, "operation not supported")

	// ErrNoDevice reports that no device answered at the given address.
	ErrNoDevice = errors.New(errors.KindNoDevice, "no such device")

	// ErrBusy reports a resource that is in use.
	ErrBusy = errors.New(errors.KindBusy, "device or resource busy")
)

// Equals reports whether err is, or wraps, the sentinel e.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == nil
	}
	var target *errors.Error
	for err != nil {
		if goerrors.As(err, &target) && target == e {
			return true
		}
		err = goerrors.Unwrap(err)
	}
	return false
}

// HasSentinel reports whether err is, or wraps, any sentinel error. Layers
// that translate foreign errors into ErrDevice leave such errors alone so
// their classification survives.
func HasSentinel(err error) bool {
	var target *errors.Error
	return goerrors.As(err, &target)
}

// IsRetryable reports whether err describes a failure after which the same
// operation may succeed.
func IsRetryable(err error) bool {
	return Equals(ErrDevice, err) || Equals(ErrBusy, err)
}
