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

// Package errors holds the standardized error definition for the confidential
// memory subsystem.
package errors

// Kind classifies an error for the purpose of deciding how a caller reacts
// to it: whether an operation may be retried, whether it reports allocator
// exhaustion, and so on.
type Kind int

// Error kinds.
const (
	KindDevice Kind = iota + 1
	KindNoMemory
	KindUnsupportedSize
	KindInvalidAddress
	KindInvalidArgument
	KindNotSupported
	KindNoDevice
	KindBusy
)

// Error represents a subsystem error. Errors are compared by identity, so
// values are created once with New and shared.
type Error struct {
	kind    Kind
	message string
}

// New makes a new error.
func New(kind Kind, message string) *Error {
	return &Error{
		kind:    kind,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Kind returns the error's kind.
func (e *Error) Kind() Kind { return e.kind }
