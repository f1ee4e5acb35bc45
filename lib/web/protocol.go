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

package web

import (
	"time"

	"github.com/zmb3/termgateway/lib/remote"
	"github.com/zmb3/termgateway/lib/session"
)

// inboundFrame is the envelope for every message the client sends. Fields
// not meaningful to a given type are simply left zero; §6 lists which
// fields each type actually reads.
type inboundFrame struct {
	Type string `json:"type"`

	Cols  int    `json:"cols"`
	Rows  int    `json:"rows"`
	Title string `json:"title"`

	KubeContext string `json:"kubeContext"`
	Image       string `json:"image"`

	OriginalSessionID session.ID `json:"originalSessionId"`
	CloneType         string     `json:"cloneType"`

	SessionID session.ID `json:"sessionId"`
	Data      string     `json:"data"`

	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	PrivateKey string `json:"privateKey"`
	Passphrase string `json:"passphrase"`
	Term       string `json:"term"`
}

func (f *inboundFrame) remoteParams() remote.Params {
	return remote.Params{
		Host: f.Host, Port: f.Port, Username: f.Username,
		Password: f.Password, PrivateKey: f.PrivateKey, Passphrase: f.Passphrase,
		Term: f.Term, Cols: f.Cols, Rows: f.Rows,
	}
}

// Outbound frame kinds, matching §6's "kinds produced by the core" table.
const (
	typeConnectionEstablished = "connection_established"
	typeTerminalCreated       = "terminal_created"
	typeSSHCreated            = "ssh_created"
	typeData                  = "data"
	typeSSHData               = "ssh_data"
	typeTerminalExit          = "terminal_exit"
	typeTerminalClosed        = "terminal_closed"
	typeSSHClosed             = "ssh_closed"
	typeError                 = "error"
)

type connectionEstablishedFrame struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

type terminalCreatedFrame struct {
	Type      string     `json:"type"`
	SessionID session.ID `json:"sessionId"`
	Title     string     `json:"title"`
	Cloned    bool       `json:"cloned,omitempty"`
	IsSandbox bool       `json:"isSandbox,omitempty"`
	CloneType string     `json:"cloneType,omitempty"`
}

type sshCreatedFrame struct {
	Type        string        `json:"type"`
	SessionID   session.ID    `json:"sessionId"`
	Title       string        `json:"title"`
	Params      remote.Params `json:"params"`
	Cloned      bool          `json:"cloned,omitempty"`
	Duplicated  bool          `json:"duplicated,omitempty"`
	Reconnected bool          `json:"reconnected,omitempty"`
}

type dataFrame struct {
	Type      string     `json:"type"`
	SessionID session.ID `json:"sessionId"`
	Data      string     `json:"data"`
}

type terminalExitFrame struct {
	Type      string     `json:"type"`
	SessionID session.ID `json:"sessionId"`
	Code      int        `json:"code"`
}

type closedFrame struct {
	Type      string     `json:"type"`
	SessionID session.ID `json:"sessionId"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
