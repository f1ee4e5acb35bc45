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

// Package remote holds the connection parameters shared by the Transport
// Pool and the Remote Session Registry: the full Params (including
// credentials) used to dial, and the credential-stripped Safe() echo that
// is the only form ever allowed onto the wire or into a log field.
package remote

import (
	"github.com/gravitational/trace"

	"github.com/zmb3/termgateway"
	"github.com/zmb3/termgateway/lib/session"
)

// Params is the full connection request for a remote-shell session,
// corresponding to the create_ssh message fields (§6). At least one of
// Password or PrivateKey must be set; when both are, PrivateKey is used.
type Params struct {
	Host       string
	Port       int
	Username   string
	Password   string
	PrivateKey string
	Passphrase string
	Term       string
	Cols       int
	Rows       int
}

// CheckAndSetDefaults validates the params and fills in the term/geometry
// defaults from §8's boundary behaviors.
func (p *Params) CheckAndSetDefaults() error {
	if p.Host == "" {
		return trace.BadParameter("missing host")
	}
	if p.Username == "" {
		return trace.BadParameter("missing username")
	}
	if p.Password == "" && p.PrivateKey == "" {
		return trace.BadParameter("missing password or privateKey")
	}
	if p.Port == 0 {
		p.Port = 22
	}
	if p.Term == "" {
		p.Term = termgateway.DefaultTerm
	}
	if p.Cols == 0 {
		p.Cols = termgateway.DefaultCols
	}
	if p.Rows == 0 {
		p.Rows = termgateway.DefaultRows
	}
	return nil
}

// Key returns the pool key this set of params dials: (host, port,
// username). Credentials never participate in the key (§3, §4.1).
func (p Params) Key() session.PoolKey {
	return session.PoolKey{Host: p.Host, Port: p.Port, Username: p.Username}
}

// Safe returns a copy of p with all credential material zeroed, fit to echo
// back to a client or to expose via /api/ssh-sessions.
func (p Params) Safe() Params {
	p.Password = ""
	p.PrivateKey = ""
	p.Passphrase = ""
	return p
}

// Title is the short human label used as a session's title: "user@host".
func (p Params) Title() string {
	return p.Username + "@" + p.Host
}
