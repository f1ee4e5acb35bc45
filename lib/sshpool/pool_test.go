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

package sshpool

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/zmb3/termgateway/lib/gwerrors"
	"github.com/zmb3/termgateway/lib/remote"
)

// startTestSSHServer accepts connections on an ephemeral loopback port and
// authenticates any password, mirroring the in-process server
// lib/utils/chconn_test.go uses to exercise a real ssh.Client against a real
// handshake rather than a faked net.Conn.
func startTestSSHServer(t *testing.T) string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
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
					newCh.Reject(ssh.UnknownChannelType, "no channels in this test server")
				}
			}()
		}
	}()

	return listener.Addr().String()
}

func testParams(t *testing.T, addr string) remote.Params {
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return remote.Params{Host: host, Port: port, Username: "alice", Password: "hunter2"}
}

func newTestPool(t *testing.T, clock clockwork.Clock) *Pool {
	p, err := New(Config{
		IdleTimeout:       50 * time.Millisecond,
		DialTimeout:       5 * time.Second,
		KeepAliveInterval: time.Hour,
		Clock:             clock,
	})
	require.NoError(t, err)
	t.Cleanup(p.Shutdown)
	return p
}

func TestAcquireReusesLiveEntry(t *testing.T) {
	addr := startTestSSHServer(t)
	clock := clockwork.NewFakeClock()
	pool := newTestPool(t, clock)
	params := testParams(t, addr)

	client1, err := pool.Acquire(context.Background(), params)
	require.NoError(t, err)
	require.Equal(t, 1, pool.RefCount(params.Key()))

	client2, err := pool.Acquire(context.Background(), params)
	require.NoError(t, err)
	require.Same(t, client1, client2)
	require.Equal(t, 2, pool.RefCount(params.Key()))
}

func TestReleaseDropsRefCountToZero(t *testing.T) {
	addr := startTestSSHServer(t)
	clock := clockwork.NewFakeClock()
	pool := newTestPool(t, clock)
	params := testParams(t, addr)

	_, err := pool.Acquire(context.Background(), params)
	require.NoError(t, err)
	_, err = pool.Acquire(context.Background(), params)
	require.NoError(t, err)

	pool.Release(params)
	require.Equal(t, 1, pool.RefCount(params.Key()))

	pool.Release(params)
	require.Equal(t, 0, pool.RefCount(params.Key()))
}

func TestReleaseArmsIdleTimerAndExpires(t *testing.T) {
	addr := startTestSSHServer(t)
	clock := clockwork.NewFakeClock()
	pool := newTestPool(t, clock)
	params := testParams(t, addr)

	client, err := pool.Acquire(context.Background(), params)
	require.NoError(t, err)
	pool.Release(params)
	require.Equal(t, 0, pool.RefCount(params.Key()))

	clock.BlockUntil(1)
	clock.Advance(51 * time.Millisecond)

	require.Eventually(t, func() bool {
		_, _, err := client.SendRequest("probe", true, nil)
		return err != nil
	}, time.Second, 5*time.Millisecond, "transport should be closed after idle expiry")
}

func TestAcquireAfterReleaseBeforeExpiryDisarmsTimer(t *testing.T) {
	addr := startTestSSHServer(t)
	clock := clockwork.NewFakeClock()
	pool := newTestPool(t, clock)
	params := testParams(t, addr)

	client1, err := pool.Acquire(context.Background(), params)
	require.NoError(t, err)
	pool.Release(params)

	client2, err := pool.Acquire(context.Background(), params)
	require.NoError(t, err)
	require.Same(t, client1, client2)
	require.Equal(t, 1, pool.RefCount(params.Key()))
}

func TestAcquireUnreachableHostWrapsError(t *testing.T) {
	clock := clockwork.NewFakeClock()
	pool := newTestPool(t, clock)
	params := remote.Params{Host: "127.0.0.1", Port: 1, Username: "alice", Password: "x"}

	_, err := pool.Acquire(context.Background(), params)
	require.Error(t, err)
	require.Equal(t, gwerrors.UnreachableHost, gwerrors.KindOf(err))
}
