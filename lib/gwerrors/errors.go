// Copyright 2018-2019 Gravitational, Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gwerrors defines the typed error kinds from spec §7 and the
// helpers used to classify and recover them across a trace.Wrap chain.
package gwerrors

import (
	"errors"

	"github.com/gravitational/trace"
)

// Kind is one of the error kinds enumerated in §7.
type Kind string

const (
	InvalidFrame     Kind = "InvalidFrame"
	UnknownSession   Kind = "UnknownSession"
	SpawnFailed      Kind = "SpawnFailed"
	NoRuntime        Kind = "NoRuntime"
	PullFailed       Kind = "PullFailed"
	CreateFailed     Kind = "CreateFailed"
	StopFailed       Kind = "StopFailed"
	UnreachableHost  Kind = "UnreachableHost"
	AuthFailed       Kind = "AuthFailed"
	TransportError   Kind = "TransportError"
	RemoteOpenFailed Kind = "RemoteOpenFailed"
	PersistFailed    Kind = "PersistFailed"
	ExecFailed       Kind = "ExecFailed"
)

// kindError wraps an error with a classifiable Kind so the Client Gateway
// can recover it with errors.As instead of matching on error strings.
type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string {
	if e.err == nil {
		return string(e.kind)
	}
	return string(e.kind) + ": " + e.err.Error()
}

func (e *kindError) Unwrap() error { return e.err }

// New wraps err with the given kind. If err is nil, New returns nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return trace.Wrap(&kindError{kind: kind, err: err})
}

// Newf constructs a kind error from a format string, with no underlying
// wrapped error.
func Newf(kind Kind, format string, args ...interface{}) error {
	return trace.Wrap(&kindError{kind: kind, err: trace.Errorf(format, args...)})
}

// KindOf recovers the Kind attached to err, if any. The empty Kind is
// returned when err (or any error in its Unwrap chain) was never tagged.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return ""
}

// Is reports whether err was tagged with the given kind anywhere in its
// Unwrap chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
