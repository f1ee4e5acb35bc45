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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/zmb3/termgateway"
	"github.com/zmb3/termgateway/lib/containerrt"
	"github.com/zmb3/termgateway/lib/localsrv"
	"github.com/zmb3/termgateway/lib/remotesrv"
	"github.com/zmb3/termgateway/lib/sshpool"
	"github.com/zmb3/termgateway/lib/store"
)

func newTestGateway(t *testing.T) *Gateway {
	clock := clockwork.NewFakeClock()

	s, err := store.New(store.Config{DataDir: t.TempDir(), RememberedParamsTTL: time.Hour, Clock: clock})
	require.NoError(t, err)

	rt, err := containerrt.New(containerrt.Config{Store: s})
	require.NoError(t, err)

	local, err := localsrv.New(localsrv.Config{ContainerRT: rt, Store: s, Clock: clock, Shell: "/bin/cat"})
	require.NoError(t, err)

	pool, err := sshpool.New(sshpool.Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(pool.Shutdown)

	remote, err := remotesrv.New(remotesrv.Config{Pool: pool, Store: s, Clock: clock})
	require.NoError(t, err)

	gw, err := New(Config{LocalRegistry: local, RemoteRegistry: remote, ContainerRT: rt, Store: s, Clock: clock})
	require.NoError(t, err)
	return gw
}

func TestHealthEndpoint(t *testing.T) {
	gw := newTestGateway(t)
	srv := httptest.NewServer(gw.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body.Status)
}

func TestContainerImagesRememberAndForget(t *testing.T) {
	gw := newTestGateway(t)
	srv := httptest.NewServer(gw.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/container-images", "application/json", strings.NewReader(`{"image":"alpine"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	var body imagesResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, []string{"alpine"}, body.Images)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/container-images/alpine", nil)
	require.NoError(t, err)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	var body2 imagesResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&body2))
	require.Empty(t, body2.Images)
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + termgateway.WebSocketPath
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServeWSSendsConnectionEstablishedFirst(t *testing.T) {
	gw := newTestGateway(t)
	srv := httptest.NewServer(gw.Router())
	defer srv.Close()

	conn := dialWS(t, srv)
	var frame map[string]interface{}
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, typeConnectionEstablished, frame["type"])
}

func TestCreateTerminalRoundTrip(t *testing.T) {
	gw := newTestGateway(t)
	srv := httptest.NewServer(gw.Router())
	defer srv.Close()

	conn := dialWS(t, srv)
	var established map[string]interface{}
	require.NoError(t, conn.ReadJSON(&established))

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "create_terminal",
		"cols": 80,
		"rows": 24,
	}))

	var created map[string]interface{}
	require.NoError(t, conn.ReadJSON(&created))
	require.Equal(t, typeTerminalCreated, created["type"])
	sessionID, _ := created["sessionId"].(string)
	require.NotEmpty(t, sessionID)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":      "close_terminal",
		"sessionId": sessionID,
	}))

	var closed map[string]interface{}
	require.NoError(t, conn.ReadJSON(&closed))
	require.Equal(t, typeTerminalClosed, closed["type"])
	require.Equal(t, sessionID, closed["sessionId"])
}

func TestUnknownFrameTypeIsIgnoredNotFatal(t *testing.T) {
	gw := newTestGateway(t)
	srv := httptest.NewServer(gw.Router())
	defer srv.Close()

	conn := dialWS(t, srv)
	var established map[string]interface{}
	require.NoError(t, conn.ReadJSON(&established))

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "not_a_real_type"}))

	// The connection must still be usable after an unknown frame type.
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "create_terminal", "cols": 80, "rows": 24}))
	var created map[string]interface{}
	require.NoError(t, conn.ReadJSON(&created))
	require.Equal(t, typeTerminalCreated, created["type"])
}
