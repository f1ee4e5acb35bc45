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

package remotesrv

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/zmb3/termgateway/lib/remote"
	"github.com/zmb3/termgateway/lib/session"
	"github.com/zmb3/termgateway/lib/sshpool"
	"github.com/zmb3/termgateway/lib/store"
)

// startEchoSSHServer accepts "session" channels, acknowledges pty-req/shell/
// window-change requests the way a real shell server would, then echoes
// whatever the client writes back as channel output. It's the smallest
// real handshake that exercises Registry.openShell's RequestPty/Shell calls
// against genuine golang.org/x/crypto/ssh wire behavior rather than a faked
// channel, in the style of lib/utils/chconn_test.go's startSSHServer.
func startEchoSSHServer(t *testing.T) string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)

	config := &ssh.ServerConfig{NoClientAuth: true}
	config.AddHostKey(signer)

	go func() {
		for {
			nConn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				conn, chans, reqs, err := ssh.NewServerConn(nConn, config)
				if err != nil {
					return
				}
				defer conn.Close()
				go ssh.DiscardRequests(reqs)
				for newCh := range chans {
					if newCh.ChannelType() != "session" {
						newCh.Reject(ssh.UnknownChannelType, "unsupported")
						continue
					}
					ch, requests, err := newCh.Accept()
					if err != nil {
						continue
					}
					go func() {
						for req := range requests {
							switch req.Type {
							case "pty-req", "shell", "window-change":
								if req.WantReply {
									req.Reply(true, nil)
								}
							default:
								if req.WantReply {
									req.Reply(false, nil)
								}
							}
						}
					}()
					go func(ch ssh.Channel) {
						defer ch.Close()
						io.Copy(ch, ch)
					}(ch)
				}
			}()
		}
	}()

	return listener.Addr().String()
}

// fakeClient records outbound notifications, guarded by a mutex since
// forward/pump deliver from their own goroutines.
type fakeClient struct {
	mu     sync.Mutex
	data   [][]byte
	closed []session.ID
}

func (f *fakeClient) SendData(id session.ID, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = append(f.data, append([]byte(nil), data...))
}

func (f *fakeClient) SendClosed(id session.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, id)
}

func (f *fakeClient) sawClosed(id session.ID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, got := range f.closed {
		if got == id {
			return true
		}
	}
	return false
}

func newTestRegistry(t *testing.T, clock clockwork.Clock) (*Registry, string) {
	addr := startEchoSSHServer(t)

	pool, err := sshpool.New(sshpool.Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(pool.Shutdown)

	s, err := store.New(store.Config{DataDir: t.TempDir(), RememberedParamsTTL: time.Hour, Clock: clock})
	require.NoError(t, err)

	reg, err := New(Config{Pool: pool, Store: s, Clock: clock})
	require.NoError(t, err)
	return reg, addr
}

func testParams(t *testing.T, addr string) remote.Params {
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return remote.Params{Host: host, Port: port, Username: "alice", Password: "hunter2"}
}

func TestCreateOpensShellAndEchoesInput(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg, addr := newTestRegistry(t, clock)
	client := &fakeClient{}

	created, err := reg.Create(context.Background(), client, testParams(t, addr))
	require.NoError(t, err)
	require.Equal(t, "alice@"+created.Params.Host, created.Title)
	require.Empty(t, created.Params.Password, "Params.Safe must strip credentials")

	reg.Input(created.ID, []byte("ping"))

	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		for _, chunk := range client.data {
			if string(chunk) == "ping" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "expected the echo server's reply to reach the client")

	reg.Close(created.ID)
	require.Eventually(t, func() bool {
		return client.sawClosed(created.ID)
	}, time.Second, 10*time.Millisecond)
}

func TestDuplicateReusesPersistedParams(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg, addr := newTestRegistry(t, clock)
	client := &fakeClient{}

	created, err := reg.Create(context.Background(), client, testParams(t, addr))
	require.NoError(t, err)

	dup, err := reg.Duplicate(context.Background(), client, created.ID)
	require.NoError(t, err)
	require.NotEqual(t, created.ID, dup.ID)
	require.Equal(t, created.Params.Host, dup.Params.Host)

	reg.Close(created.ID)
	reg.Close(dup.ID)
}

func TestCloseAllForOnlyClosesOwnedSessions(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg, addr := newTestRegistry(t, clock)
	clientA := &fakeClient{}
	clientB := &fakeClient{}
	params := testParams(t, addr)

	a, err := reg.Create(context.Background(), clientA, params)
	require.NoError(t, err)
	b, err := reg.Create(context.Background(), clientB, params)
	require.NoError(t, err)

	reg.CloseAllFor(clientA)

	require.Eventually(t, func() bool {
		return clientA.sawClosed(a.ID)
	}, time.Second, 10*time.Millisecond)
	require.False(t, clientB.sawClosed(b.ID))

	reg.Close(b.ID)
}

func TestReconnectRetainsOriginalID(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg, addr := newTestRegistry(t, clock)
	client := &fakeClient{}

	created, err := reg.Create(context.Background(), client, testParams(t, addr))
	require.NoError(t, err)

	reg.Close(created.ID)
	require.Eventually(t, func() bool {
		return client.sawClosed(created.ID)
	}, time.Second, 10*time.Millisecond)

	reconnected, err := reg.Reconnect(context.Background(), client, created.ID)
	require.NoError(t, err)
	require.Equal(t, created.ID, reconnected.ID, "a client reconnecting a session must get the same id back, not a freshly minted one")

	reg.Close(reconnected.ID)
}

func TestListReturnsCredentialStrippedParams(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg, addr := newTestRegistry(t, clock)
	client := &fakeClient{}

	created, err := reg.Create(context.Background(), client, testParams(t, addr))
	require.NoError(t, err)

	list := reg.List()
	require.Len(t, list, 1)
	require.Equal(t, created.ID, list[0].ID)
	require.Empty(t, list[0].Params.Password)

	reg.Close(created.ID)
}
