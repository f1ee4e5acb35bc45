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

// Package web implements the Client Gateway (spec §4.5) and the catalog
// HTTP surface (§6): one gorilla/websocket connection per client, framed
// JSON message dispatch, and a small read-mostly REST surface built with
// httprouter in the handler-signature style of lib/web/servers.go.
package web

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/zmb3/termgateway"
	"github.com/zmb3/termgateway/lib/containerrt"
	"github.com/zmb3/termgateway/lib/localsrv"
	"github.com/zmb3/termgateway/lib/remotesrv"
	"github.com/zmb3/termgateway/lib/session"
	"github.com/zmb3/termgateway/lib/store"
	"github.com/zmb3/termgateway/lib/utils"
)

// Config bundles the Gateway's dependencies.
type Config struct {
	LocalRegistry  *localsrv.Registry
	RemoteRegistry *remotesrv.Registry
	ContainerRT    *containerrt.Adapter
	Store          *store.Store
	Clock          clockwork.Clock
	Log            logrus.FieldLogger
	// MaxFrameBytes bounds an inbound frame's size (§6, §8).
	MaxFrameBytes int64
}

func (c *Config) CheckAndSetDefaults() error {
	if c.LocalRegistry == nil {
		return trace.BadParameter("missing LocalRegistry")
	}
	if c.RemoteRegistry == nil {
		return trace.BadParameter("missing RemoteRegistry")
	}
	if c.ContainerRT == nil {
		return trace.BadParameter("missing ContainerRT")
	}
	if c.Store == nil {
		return trace.BadParameter("missing Store")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithField("component", termgateway.ComponentGateway)
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = termgateway.DefaultMaxFrameBytes
	}
	return nil
}

// Gateway serves the framed websocket stream and the catalog HTTP surface.
type Gateway struct {
	cfg Config

	upgrader  websocket.Upgrader
	startedAt time.Time
}

// connClient is one live client connection. It is passed to the local
// registry as a localsrv.Client directly, and to the remote registry wrapped
// in remoteClientAdapter; both registries only ever compare it by identity
// of the underlying *connClient (§4.5's "weak association").
type connClient struct {
	gw *Gateway

	writeMu sync.Mutex
	conn    *websocket.Conn
	log     logrus.FieldLogger
}

func newConnClient(gw *Gateway, conn *websocket.Conn) *connClient {
	return &connClient{gw: gw, conn: conn, log: gw.cfg.Log}
}

func (c *connClient) send(v interface{}) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	// Back-pressure policy (§4.5): a write error means the peer isn't
	// keeping up or has gone away. The frame is dropped, not retried or
	// queued; ordering of frames that do make it out is preserved because
	// writeMu serializes every send for this connection.
	if err := c.conn.WriteJSON(v); err != nil {
		c.log.WithError(err).Debug("Dropping outbound frame, write failed.")
	}
}

func (c *connClient) SendData(id session.ID, data []byte) {
	c.send(dataFrame{Type: typeData, SessionID: id, Data: base64.StdEncoding.EncodeToString(data)})
}

func (c *connClient) SendExit(id session.ID, code int) {
	c.send(terminalExitFrame{Type: typeTerminalExit, SessionID: id, Code: code})
}

func (c *connClient) SendClosed(id session.ID) {
	c.send(closedFrame{Type: typeTerminalClosed, SessionID: id})
}

func (c *connClient) SendSSHData(id session.ID, data []byte) {
	c.send(dataFrame{Type: typeSSHData, SessionID: id, Data: base64.StdEncoding.EncodeToString(data)})
}

func (c *connClient) SendSSHClosed(id session.ID) {
	c.send(closedFrame{Type: typeSSHClosed, SessionID: id})
}

func (c *connClient) sendError(message string) {
	c.send(errorFrame{Type: typeError, Message: message})
}

// remoteClientAdapter narrows connClient to remotesrv.Client's two-method
// shape (ssh_data/ssh_closed instead of data/terminal_closed).
type remoteClientAdapter struct{ *connClient }

func (a remoteClientAdapter) SendData(id session.ID, data []byte) { a.SendSSHData(id, data) }
func (a remoteClientAdapter) SendClosed(id session.ID)            { a.SendSSHClosed(id) }

// New constructs a Gateway from cfg.
func New(cfg Config) (*Gateway, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, err
	}
	gw := &Gateway{cfg: cfg, startedAt: cfg.Clock.Now()}
	gw.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	return gw, nil
}

// ServeWS upgrades the connection and runs the per-client message loop
// until the peer disconnects, at which point every session the client
// owns in either registry is closed (§4.5 lifetime binding).
func (gw *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := gw.upgrader.Upgrade(w, r, nil)
	if err != nil {
		gw.cfg.Log.WithError(err).Warn("Websocket upgrade failed.")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(gw.cfg.MaxFrameBytes)

	client := newConnClient(gw, conn)
	remoteClient := remoteClientAdapter{client}
	defer gw.cfg.LocalRegistry.CloseAllFor(client)
	defer gw.cfg.RemoteRegistry.CloseAllFor(remoteClient)

	client.send(connectionEstablishedFrame{Type: typeConnectionEstablished, Timestamp: gw.cfg.Clock.Now()})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			client.sendError("invalid frame")
			continue
		}
		gw.dispatch(client, remoteClient, &frame)
	}
}

func (gw *Gateway) dispatch(client *connClient, remoteClient remoteClientAdapter, frame *inboundFrame) {
	ctx := context.Background()

	switch frame.Type {
	case "create_terminal":
		created, err := gw.cfg.LocalRegistry.CreateLocal(client, frame.Cols, frame.Rows, frame.Title, frame.KubeContext)
		if err != nil {
			client.sendError(utils.UserMessageFromError(err))
			return
		}
		client.send(terminalCreatedFrame{Type: typeTerminalCreated, SessionID: created.ID, Title: created.Title})

	case "create_sandbox":
		created, err := gw.cfg.LocalRegistry.CreateSandbox(client, frame.Cols, frame.Rows, frame.Image, frame.Title)
		if err != nil {
			client.sendError(utils.UserMessageFromError(err))
			return
		}
		client.send(terminalCreatedFrame{Type: typeTerminalCreated, SessionID: created.ID, Title: created.Title, IsSandbox: true})

	case "clone_terminal":
		gw.handleClone(ctx, client, remoteClient, frame)

	case "input":
		gw.cfg.LocalRegistry.Input(frame.SessionID, decodeData(frame.Data))

	case "resize":
		gw.cfg.LocalRegistry.Resize(frame.SessionID, frame.Cols, frame.Rows)

	case "close_terminal":
		gw.cfg.LocalRegistry.Close(frame.SessionID)

	case "create_ssh":
		created, err := gw.cfg.RemoteRegistry.Create(ctx, remoteClient, frame.remoteParams())
		if err != nil {
			client.sendError(utils.UserMessageFromError(err))
			return
		}
		client.send(sshCreatedFrame{Type: typeSSHCreated, SessionID: created.ID, Title: created.Title, Params: created.Params})

	case "duplicate_ssh":
		created, err := gw.cfg.RemoteRegistry.Duplicate(ctx, remoteClient, frame.SessionID)
		if err != nil {
			client.sendError(utils.UserMessageFromError(err))
			return
		}
		client.send(sshCreatedFrame{Type: typeSSHCreated, SessionID: created.ID, Title: created.Title, Params: created.Params, Duplicated: true})

	case "reconnect_ssh":
		created, err := gw.cfg.RemoteRegistry.Reconnect(ctx, remoteClient, frame.SessionID)
		if err != nil {
			client.sendError(utils.UserMessageFromError(err))
			return
		}
		client.send(sshCreatedFrame{Type: typeSSHCreated, SessionID: created.ID, Title: created.Title, Params: created.Params, Reconnected: true})

	case "ssh_input":
		gw.cfg.RemoteRegistry.Input(frame.SessionID, decodeData(frame.Data))

	case "ssh_resize":
		gw.cfg.RemoteRegistry.Resize(frame.SessionID, frame.Cols, frame.Rows)

	case "close_ssh":
		gw.cfg.RemoteRegistry.Close(frame.SessionID)

	default:
		gw.cfg.Log.WithField("type", frame.Type).Debug("Ignoring unknown frame type.")
	}
}

// handleClone routes clone_terminal to whichever registry owns the
// original session. Since neither registry exposes a cheap "kind of this
// id" query without a lookup, clone_terminal is tried against the local
// registry first (the common case) and falls back to the remote registry.
func (gw *Gateway) handleClone(ctx context.Context, client *connClient, remoteClient remoteClientAdapter, frame *inboundFrame) {
	if created, err := gw.cfg.LocalRegistry.Duplicate(client, frame.OriginalSessionID); err == nil {
		client.send(terminalCreatedFrame{Type: typeTerminalCreated, SessionID: created.ID, Title: created.Title, Cloned: true, CloneType: frame.CloneType})
		return
	}
	created, err := gw.cfg.RemoteRegistry.Duplicate(ctx, remoteClient, frame.OriginalSessionID)
	if err != nil {
		client.sendError(utils.UserMessageFromError(err))
		return
	}
	client.send(sshCreatedFrame{Type: typeSSHCreated, SessionID: created.ID, Title: created.Title, Params: created.Params, Duplicated: true})
}

func decodeData(encoded string) []byte {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return []byte(encoded)
	}
	return data
}
