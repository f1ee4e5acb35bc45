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

package localsrv

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/zmb3/termgateway/lib/containerrt"
	"github.com/zmb3/termgateway/lib/session"
	"github.com/zmb3/termgateway/lib/store"
)

// fakeClient records every notification the registry sends, for assertions,
// guarded by a mutex since pump/waitExit deliver from their own goroutines.
type fakeClient struct {
	mu     sync.Mutex
	data   [][]byte
	exited []int
	closed []session.ID
}

func (f *fakeClient) SendData(id session.ID, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), data...)
	f.data = append(f.data, cp)
}

func (f *fakeClient) SendExit(id session.ID, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exited = append(f.exited, code)
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

func newTestRegistry(t *testing.T, shell string) *Registry {
	s, err := store.New(store.Config{DataDir: t.TempDir(), RememberedParamsTTL: time.Hour})
	require.NoError(t, err)
	rt, err := containerrt.New(containerrt.Config{Store: s})
	require.NoError(t, err)
	reg, err := New(Config{
		ContainerRT: rt,
		Store:       s,
		Clock:       clockwork.NewFakeClock(),
		Shell:       shell,
	})
	require.NoError(t, err)
	return reg
}

// TestCreateLocalEchoesInputThroughPTY spawns "cat" in place of a shell: a
// byte written via Input must reach the client's SendData as PTY output,
// exercising the real pump/pty.StartWithSize path end to end.
func TestCreateLocalEchoesInputThroughPTY(t *testing.T) {
	reg := newTestRegistry(t, "/bin/cat")
	client := &fakeClient{}

	created, err := reg.CreateLocal(client, 80, 24, "", "")
	require.NoError(t, err)
	require.NotEmpty(t, created.Title)

	reg.Input(created.ID, []byte("hello\n"))

	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		for _, chunk := range client.data {
			if string(chunk) != "" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "expected PTY output from cat echoing stdin")

	reg.Close(created.ID)
	require.Eventually(t, func() bool {
		return client.sawClosed(created.ID)
	}, time.Second, 10*time.Millisecond)
}

func TestCreateLocalDefaultTitleIncrements(t *testing.T) {
	reg := newTestRegistry(t, "/bin/cat")
	client := &fakeClient{}

	first, err := reg.CreateLocal(client, 0, 0, "", "")
	require.NoError(t, err)
	second, err := reg.CreateLocal(client, 0, 0, "", "")
	require.NoError(t, err)

	require.Equal(t, "Terminal 1", first.Title)
	require.Equal(t, "Terminal 2", second.Title)

	reg.Close(first.ID)
	reg.Close(second.ID)
}

func TestCloseIsIdempotent(t *testing.T) {
	reg := newTestRegistry(t, "/bin/cat")
	client := &fakeClient{}

	created, err := reg.CreateLocal(client, 80, 24, "shell", "")
	require.NoError(t, err)

	reg.Close(created.ID)
	reg.Close(created.ID) // must not panic or double-notify in a harmful way

	require.Eventually(t, func() bool {
		return client.sawClosed(created.ID)
	}, time.Second, 10*time.Millisecond)
}

func TestInputOnUnknownSessionIsNoop(t *testing.T) {
	reg := newTestRegistry(t, "/bin/cat")
	reg.Input(session.NewID(), []byte("data")) // must not panic
}

func TestCloseAllForOnlyClosesOwnedSessions(t *testing.T) {
	reg := newTestRegistry(t, "/bin/cat")
	clientA := &fakeClient{}
	clientB := &fakeClient{}

	a, err := reg.CreateLocal(clientA, 80, 24, "a", "")
	require.NoError(t, err)
	b, err := reg.CreateLocal(clientB, 80, 24, "b", "")
	require.NoError(t, err)

	reg.CloseAllFor(clientA)

	require.Eventually(t, func() bool {
		return clientA.sawClosed(a.ID)
	}, time.Second, 10*time.Millisecond)
	require.False(t, clientB.sawClosed(b.ID))

	reg.Close(b.ID)
}
