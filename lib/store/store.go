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

// Package store persists the two catalogs named in §6: remembered
// container images and remembered remote-session parameters. Both are
// small JSON documents written with a cross-process file lock
// (gofrs/flock) and a write-temp-then-rename swap, so a crash mid-write
// never leaves a torn file behind.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/zmb3/termgateway"
	"github.com/zmb3/termgateway/lib/gwerrors"
	"github.com/zmb3/termgateway/lib/remote"
	"github.com/zmb3/termgateway/lib/session"
)

const (
	imagesFile = "container-images.json"
	paramsFile = "ssh-params.json"
)

// Config bundles the store's dependencies.
type Config struct {
	// DataDir holds the two catalog files. Created recursively on first
	// write.
	DataDir string
	// RememberedParamsTTL bounds how long a saved remote-params record is
	// eligible for reconnect before Prune discards it.
	RememberedParamsTTL time.Duration
	Clock               clockwork.Clock
	Log                 logrus.FieldLogger
}

func (c *Config) CheckAndSetDefaults() error {
	if c.DataDir == "" {
		return trace.BadParameter("missing data directory")
	}
	if c.RememberedParamsTTL == 0 {
		c.RememberedParamsTTL = termgateway.DefaultRememberedParamsTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, termgateway.ComponentStore)
	}
	return nil
}

// rememberedParam is one persisted reconnect record.
type rememberedParam struct {
	Params  remote.Params `json:"params"`
	SavedAt time.Time     `json:"savedAt"`
}

// Store is the on-disk catalog of remembered images and remote params.
// Safe for concurrent use; every mutating call takes an in-process mutex
// and an inter-process flock around the read-modify-write cycle.
type Store struct {
	cfg Config

	mu sync.Mutex
}

// New constructs a Store. The data directory is not created until the
// first write.
func New(cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Store{cfg: cfg}, nil
}

// Images returns the remembered image set, most-recently-inserted first.
// A missing file is treated as an empty set, never an error.
func (s *Store) Images() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var images []string
	if err := s.readJSON(imagesFile, &images); err != nil {
		return nil, err
	}
	return images, nil
}

// RememberImage inserts image at the front of the set, deduplicating any
// earlier occurrence. PersistFailed is returned on write failure; per §7
// the caller logs it and never fails the foreground create/ensureImage
// operation on it.
func (s *Store) RememberImage(image string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withLock(imagesFile, func() error {
		var images []string
		if err := s.readJSONLocked(imagesFile, &images); err != nil {
			return err
		}
		filtered := images[:0]
		for _, img := range images {
			if img != image {
				filtered = append(filtered, img)
			}
		}
		images = append([]string{image}, filtered...)
		return s.writeJSONLocked(imagesFile, images)
	})
}

// ForgetImage removes image from the remembered set. A no-op if absent.
func (s *Store) ForgetImage(image string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withLock(imagesFile, func() error {
		var images []string
		if err := s.readJSONLocked(imagesFile, &images); err != nil {
			return err
		}
		filtered := images[:0]
		for _, img := range images {
			if img != image {
				filtered = append(filtered, img)
			}
		}
		return s.writeJSONLocked(imagesFile, filtered)
	})
}

// SaveParams persists params under id, overwriting any prior record.
func (s *Store) SaveParams(id session.ID, params remote.Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withLock(paramsFile, func() error {
		records, err := s.readParamsLocked()
		if err != nil {
			return err
		}
		records[string(id)] = rememberedParam{Params: params, SavedAt: s.cfg.Clock.Now()}
		return s.writeJSONLocked(paramsFile, records)
	})
}

// LoadParams returns the persisted params for id. Fails with UnknownSession
// if no record exists (§4.2 reconnect).
func (s *Store) LoadParams(id session.ID) (remote.Params, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readParamsLockless()
	if err != nil {
		return remote.Params{}, err
	}
	rec, ok := records[string(id)]
	if !ok {
		return remote.Params{}, gwerrors.Newf(gwerrors.UnknownSession, "no remembered params for session %s", id)
	}
	return rec.Params, nil
}

// Prune discards remembered params older than the configured TTL.
func (s *Store) Prune() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withLock(paramsFile, func() error {
		records, err := s.readParamsLocked()
		if err != nil {
			return err
		}
		cutoff := s.cfg.Clock.Now().Add(-s.cfg.RememberedParamsTTL)
		for id, rec := range records {
			if rec.SavedAt.Before(cutoff) {
				delete(records, id)
			}
		}
		return s.writeJSONLocked(paramsFile, records)
	})
}

func (s *Store) readParamsLocked() (map[string]rememberedParam, error) {
	records := map[string]rememberedParam{}
	if err := s.readJSONLocked(paramsFile, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) readParamsLockless() (map[string]rememberedParam, error) {
	records := map[string]rememberedParam{}
	if err := s.readJSON(paramsFile, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// withLock takes the inter-process flock guarding name for the duration of
// fn, which does its own locked read/write.
func (s *Store) withLock(name string, fn func() error) error {
	if err := os.MkdirAll(s.cfg.DataDir, 0o700); err != nil {
		return gwerrors.New(gwerrors.PersistFailed, trace.Wrap(err))
	}
	lock := flock.New(filepath.Join(s.cfg.DataDir, name+".lock"))
	locked, err := lock.TryLockContext(context.Background(), 50*time.Millisecond)
	if err != nil || !locked {
		return gwerrors.New(gwerrors.PersistFailed, trace.Errorf("could not lock %s: %v", name, err))
	}
	defer lock.Unlock()

	if err := fn(); err != nil {
		return err
	}
	return nil
}

// readJSON reads and unmarshals name without taking the flock; used for
// read-only callers (Images, LoadParams) where a concurrent writer's
// temp-then-rename swap never exposes a torn file.
func (s *Store) readJSON(name string, v interface{}) error {
	return s.readJSONLocked(name, v)
}

func (s *Store) readJSONLocked(name string, v interface{}) error {
	path := filepath.Join(s.cfg.DataDir, name)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return gwerrors.New(gwerrors.PersistFailed, trace.Wrap(err))
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return gwerrors.New(gwerrors.PersistFailed, trace.Wrap(err))
	}
	return nil
}

func (s *Store) writeJSONLocked(name string, v interface{}) error {
	if err := os.MkdirAll(s.cfg.DataDir, 0o700); err != nil {
		return gwerrors.New(gwerrors.PersistFailed, trace.Wrap(err))
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return gwerrors.New(gwerrors.PersistFailed, trace.Wrap(err))
	}
	path := filepath.Join(s.cfg.DataDir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return gwerrors.New(gwerrors.PersistFailed, trace.Wrap(err))
	}
	if err := os.Rename(tmp, path); err != nil {
		return gwerrors.New(gwerrors.PersistFailed, trace.Wrap(err))
	}
	return nil
}
