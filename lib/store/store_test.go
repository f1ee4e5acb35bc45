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

package store

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/zmb3/termgateway/lib/remote"
	"github.com/zmb3/termgateway/lib/session"
)

func newTestStore(t *testing.T, clock clockwork.Clock) *Store {
	s, err := New(Config{
		DataDir:             t.TempDir(),
		RememberedParamsTTL: time.Hour,
		Clock:               clock,
	})
	require.NoError(t, err)
	return s
}

func TestImagesEmptyWhenNoFile(t *testing.T) {
	s := newTestStore(t, clockwork.NewFakeClock())
	images, err := s.Images()
	require.NoError(t, err)
	require.Empty(t, images)
}

func TestRememberImageDedupesAndOrdersMostRecentFirst(t *testing.T) {
	s := newTestStore(t, clockwork.NewFakeClock())

	require.NoError(t, s.RememberImage("alpine"))
	require.NoError(t, s.RememberImage("ubuntu"))
	require.NoError(t, s.RememberImage("alpine"))

	images, err := s.Images()
	require.NoError(t, err)
	require.Equal(t, []string{"alpine", "ubuntu"}, images)
}

func TestForgetImageRemovesEntry(t *testing.T) {
	s := newTestStore(t, clockwork.NewFakeClock())

	require.NoError(t, s.RememberImage("alpine"))
	require.NoError(t, s.RememberImage("ubuntu"))
	require.NoError(t, s.ForgetImage("alpine"))

	images, err := s.Images()
	require.NoError(t, err)
	require.Equal(t, []string{"ubuntu"}, images)
}

func TestForgetImageAbsentIsNoop(t *testing.T) {
	s := newTestStore(t, clockwork.NewFakeClock())
	require.NoError(t, s.ForgetImage("does-not-exist"))
}

func TestSaveAndLoadParams(t *testing.T) {
	s := newTestStore(t, clockwork.NewFakeClock())
	id := session.NewID()
	params := remote.Params{Host: "example.com", Port: 22, Username: "alice", Password: "hunter2"}

	require.NoError(t, s.SaveParams(id, params))

	loaded, err := s.LoadParams(id)
	require.NoError(t, err)
	require.Equal(t, params, loaded)
}

func TestLoadParamsUnknownSession(t *testing.T) {
	s := newTestStore(t, clockwork.NewFakeClock())
	_, err := s.LoadParams(session.NewID())
	require.Error(t, err)
}

func TestPruneDiscardsExpiredParams(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := newTestStore(t, clock)

	oldID := session.NewID()
	require.NoError(t, s.SaveParams(oldID, remote.Params{Host: "old.example.com", Username: "bob", Password: "x"}))

	clock.Advance(2 * time.Hour)

	freshID := session.NewID()
	require.NoError(t, s.SaveParams(freshID, remote.Params{Host: "fresh.example.com", Username: "carol", Password: "y"}))

	require.NoError(t, s.Prune())

	_, err := s.LoadParams(oldID)
	require.Error(t, err)

	_, err = s.LoadParams(freshID)
	require.NoError(t, err)
}
