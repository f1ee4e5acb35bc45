// Copyright 2022 Gravitational, Inc
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

// Package session defines the identifiers and small value types shared by
// every registry: the session ID, its kind, its lifecycle state, and the
// pool key used by the Transport Pool and Remote Session Registry.
package session

import "github.com/google/uuid"

// ID is an opaque, globally unique session identifier (§3: "128-bit random,
// textual"). Session identifiers are unique across all three kinds for the
// lifetime of the process.
type ID string

// NewID returns a fresh session identifier.
func NewID() ID {
	return ID(uuid.NewString())
}

// Kind identifies which registry owns a session and what backs it.
type Kind string

const (
	KindLocal     Kind = "local-shell"
	KindContainer Kind = "container-shell"
	KindRemote    Kind = "remote-shell"
)

// State is the per-session lifecycle state machine from §4.4:
// Starting -> Running -> Closing -> Closed.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateClosing  State = "closing"
	StateClosed   State = "closed"
)

// PoolKey is the tuple (host, port, username) used to decide whether two
// remote sessions may share a pooled transport (§3, §4.1). Credentials are
// deliberately excluded from the key.
type PoolKey struct {
	Host     string
	Port     int
	Username string
}
